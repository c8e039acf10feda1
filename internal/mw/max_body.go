package mw

import (
	"net/http"

	"github.com/jshortt/ratefence/internal/httpx"
)

func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fast fail when Content-Length is known.
		if r.ContentLength > limit {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request_too_large", map[string]any{
				"max_bytes": limit,
			})
			return
		}

		// Safety net for chunked bodies; the proxy surfaces the error when
		// the reader trips the cap.
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
