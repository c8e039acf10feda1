package mw

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/jshortt/ratefence/internal/netx"
	"github.com/jshortt/ratefence/internal/ratelimit"
)

func testLimiter(t *testing.T, cfg ratelimit.Config) *ratelimit.Limiter {
	t.Helper()
	store := ratelimit.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim, err := ratelimit.New(store, cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	return lim
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestIPResolverTrustedProxyUsesXFF(t *testing.T) {
	set, err := netx.ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	r := IPResolver{Trusted: set}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "10.1.2.3:1234" // trusted proxy
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")

	if got := r.ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected client ip from xff, got %q", got)
	}
}

func TestIPResolverUntrustedIgnoresXFF(t *testing.T) {
	set, err := netx.ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	r := IPResolver{Trusted: set}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "192.168.1.5:1234" // not trusted
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if got := r.ClientIP(req); got != "192.168.1.5" {
		t.Fatalf("expected remote ip, got %q", got)
	}
}

func TestIPResolverUnknownOrigin(t *testing.T) {
	r := IPResolver{}
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = ""
	if got := r.ClientIP(req); got != "" {
		t.Fatalf("expected empty for unknown origin, got %q", got)
	}
}

func TestRateLimitHeadersAndDeny(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 2})
	h := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: true, RouteName: "api"}, okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d, want 200", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Fatalf("limit header = %q, want 2", got)
		}
		want := strconv.Itoa(1 - i)
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Fatalf("request %d: remaining = %q, want %q", i+1, got, want)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("denied remaining = %q, want 0", got)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("Retry-After = %q, want >= 1", rec.Header().Get("Retry-After"))
	}
	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || reset < time.Now().Unix() {
		t.Fatalf("X-RateLimit-Reset = %q, want future epoch seconds", rec.Header().Get("X-RateLimit-Reset"))
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("body error = %v, want rate_limited", body["error"])
	}
	if body["route"] != "api" {
		t.Fatalf("body route = %v, want api", body["route"])
	}
	if body["message"] == "" || body["message"] == nil {
		t.Fatal("body message missing")
	}
}

func TestRateLimitKeysBySubject(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 1})
	rl := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: true, RouteName: "api"}, okHandler())

	asUser := func(sub string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		WithSubject(rl, sub).ServeHTTP(rec, req)
		return rec.Code
	}

	if code := asUser("alice"); code != http.StatusOK {
		t.Fatalf("alice #1 = %d, want 200", code)
	}
	if code := asUser("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("alice #2 = %d, want 429", code)
	}
	// Same address, different subject: separate window.
	if code := asUser("bob"); code != http.StatusOK {
		t.Fatalf("bob #1 = %d, want 200", code)
	}
}

func TestRateLimitKeysByAddressWithoutSubject(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 1})
	h := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: true, RouteName: "api"}, okHandler())

	fromAddr := func(addr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := fromAddr("198.51.100.7:4000"); rec.Code != http.StatusOK {
		t.Fatalf("first caller = %d, want 200", rec.Code)
	}
	if rec := fromAddr("198.51.100.7:4001"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same address = %d, want 429", rec.Code)
	}
	if rec := fromAddr("198.51.100.8:4000"); rec.Code != http.StatusOK {
		t.Fatalf("other address = %d, want 200", rec.Code)
	}
	if got := fromAddr("198.51.100.9:4000").Header().Get("X-RateLimit-Scope"); got != "ip" {
		t.Fatalf("scope header = %q, want ip", got)
	}
}

func TestRateLimitUnknownOriginShareBucket(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 1})
	h := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: true, RouteName: "api"}, okHandler())

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		req.RemoteAddr = ""
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("first = %d, want 200", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Scope"); got != "unknown" {
		t.Fatalf("scope header = %q, want unknown", got)
	}
	if rec := send(); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429 from the shared bucket", rec.Code)
	}
}

func TestRateLimitSkipSuccessful(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 1, SkipSuccessful: true})

	status := http.StatusOK
	h := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: true, RouteName: "api"},
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

	send := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		return rec.Code
	}

	// Successes are refunded, so they never exhaust the window.
	for i := 0; i < 3; i++ {
		if code := send(); code != http.StatusOK {
			t.Fatalf("success %d = %d, want 200", i+1, code)
		}
	}

	// A failure sticks and exhausts max=1.
	status = http.StatusInternalServerError
	if code := send(); code != http.StatusInternalServerError {
		t.Fatalf("failure = %d, want 500 passed through", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("after failure = %d, want 429", code)
	}
}

func TestRateLimitSkipFailed(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 1, SkipFailed: true})

	status := http.StatusInternalServerError
	var downstream int
	h := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: true, RouteName: "api"},
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			downstream++
			w.WriteHeader(status)
		}))

	send := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		return rec.Code
	}

	// Failures are refunded: they all reach the downstream handler.
	for i := 0; i < 3; i++ {
		if code := send(); code != http.StatusInternalServerError {
			t.Fatalf("failure %d = %d, want 500", i+1, code)
		}
	}
	if downstream != 3 {
		t.Fatalf("downstream saw %d requests, want 3", downstream)
	}

	// Successes still count.
	status = http.StatusOK
	if code := send(); code != http.StatusOK {
		t.Fatalf("success = %d, want 200", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("after success = %d, want 429", code)
	}
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	lim := testLimiter(t, ratelimit.Config{Window: time.Minute, Max: 1})
	h := RateLimit(lim, IPResolver{}, RateLimitConfig{Enabled: false, RouteName: "api"}, okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled middleware must not write limit headers")
		}
	}
}
