package mw

import (
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jshortt/ratefence/internal/httpx"
)

// InFlight caps concurrent requests on a route with a weighted semaphore.
type InFlight struct {
	sem *semaphore.Weighted
	max int64
	cur atomic.Int64
}

func NewInFlight(max int) *InFlight {
	if max <= 0 {
		return &InFlight{}
	}
	return &InFlight{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

func (f *InFlight) Enabled() bool { return f != nil && f.sem != nil }

func (f *InFlight) Cap() int64 {
	if f == nil {
		return 0
	}
	return f.max
}

func (f *InFlight) InUse() int64 {
	if f == nil {
		return 0
	}
	return f.cur.Load()
}

// ConcurrencyLimit rejects requests once Cap are already in flight.
func ConcurrencyLimit(f *InFlight, next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.sem.TryAcquire(1) {
			httpx.Error(w, http.StatusServiceUnavailable, "too_busy", map[string]any{
				"message":       "route is at max concurrency",
				"route":         RouteName(r.Context()),
				"max_in_flight": f.max,
			})
			return
		}
		f.cur.Add(1)
		defer func() {
			f.cur.Add(-1)
			f.sem.Release(1)
		}()
		next.ServeHTTP(w, r)
	})
}
