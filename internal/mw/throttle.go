package mw

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/jshortt/ratefence/internal/httpx"
)

// Throttle puts a small process-local token bucket in front of a handler.
// It guards the admin surface, where a shared distributed window would be
// overkill.
func Throttle(rps rate.Limit, burst int, next http.Handler) http.Handler {
	lim := rate.NewLimiter(rps, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			httpx.Error(w, http.StatusTooManyRequests, "throttled", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
