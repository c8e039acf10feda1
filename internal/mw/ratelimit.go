package mw

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jshortt/ratefence/internal/httpx"
	"github.com/jshortt/ratefence/internal/netx"
	"github.com/jshortt/ratefence/internal/ratelimit"
)

type RateLimitConfig struct {
	Enabled   bool
	Scope     string // "auto" | "user" | "ip"
	RouteName string
	Message   string // 429 body message, optional
	Metrics   *Metrics
}

type IPResolver struct {
	Trusted *netx.CIDRSet
}

// ClientIP returns the caller's address for limiter keying. Forwarded
// headers are honored only when the direct peer is a trusted proxy. An empty
// result means the origin could not be determined.
func (res IPResolver) ClientIP(r *http.Request) string {
	remote := remoteAddr(r)
	if remote.IsValid() && res.Trusted.Contains(remote) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// left-most entry is the original client
			first, _, _ := strings.Cut(xff, ",")
			if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return a.Unmap().String()
			}
		}
		if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-Ip"))); err == nil {
			return a.Unmap().String()
		}
	}
	if remote.IsValid() {
		return remote.Unmap().String()
	}
	return ""
}

func remoteAddr(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr()
	}
	if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return a
	}
	return netip.Addr{}
}

// limitKey picks the identity a request is counted under: authenticated
// subject, then client address, then a shared fallback bucket.
func limitKey(r *http.Request, scope string, ipr IPResolver, route string) (string, string) {
	sub, _ := Subject(r.Context())
	ip := ipr.ClientIP(r)

	if scope != "ip" && sub != "" {
		return route + ":u:" + sub, "user"
	}
	if ip != "" {
		return route + ":ip:" + ip, "ip"
	}
	return route + ":unknown", "unknown"
}

// RateLimit gates requests through lim. Allowed requests that must be
// settled (skip options) run against a StatusWriter so the downstream
// outcome can reverse the consumed slot.
func RateLimit(lim *ratelimit.Limiter, ipr IPResolver, cfg RateLimitConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	scope := strings.ToLower(strings.TrimSpace(cfg.Scope))
	msg := cfg.Message
	if msg == "" {
		msg = "too many requests, retry later"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, actor := limitKey(r, scope, ipr, cfg.RouteName)

		lease := lim.Consume(r.Context(), key)
		dec := lease.Decision

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
		w.Header().Set("X-RateLimit-Scope", actor)

		if !dec.Allowed {
			cfg.Metrics.Decision(cfg.RouteName, "denied")
			retry := int((dec.RetryAfter + time.Second - 1) / time.Second)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, http.StatusTooManyRequests, "rate_limited", map[string]any{
				"message":             msg,
				"route":               cfg.RouteName,
				"retry_after_seconds": retry,
			})
			return
		}

		if lease.FailedOpen() {
			cfg.Metrics.Decision(cfg.RouteName, "fail_open")
		} else {
			cfg.Metrics.Decision(cfg.RouteName, "allowed")
		}

		if !lim.NeedsSettle() {
			next.ServeHTTP(w, r)
			return
		}

		sw := &httpx.StatusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		// The request context may already be done once the response is
		// written; settle must still reach the store.
		lim.Settle(context.WithoutCancel(r.Context()), lease, sw.Success())
	})
}
