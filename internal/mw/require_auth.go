package mw

import (
	"net/http"

	"github.com/jshortt/ratefence/internal/httpx"
)

type AuthHandler interface {
	ValidateBearer(r *http.Request) (string, error)
}

func RequireAuth(auth AuthHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := auth.ValidateBearer(r)
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		WithSubject(next, sub).ServeHTTP(w, r)
	})
}

// OptionalAuth attaches the subject when a valid token is present and lets
// the request through either way. Public routes use it so authenticated
// callers are limited per user instead of per address.
func OptionalAuth(auth AuthHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := auth.ValidateBearer(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		WithSubject(next, sub).ServeHTTP(w, r)
	})
}
