package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"github.com/jshortt/ratefence/internal/httpx"
)

type Route struct {
	Name         string
	PathPrefix   string
	Upstream     *url.URL
	StripPrefix  string
	AuthRequired bool
	RateLimit    RouteRateLimit
	Proxy        *httputil.ReverseProxy
}

// RouteRateLimit is the per-request part of a route's limit rule. Window and
// max live in the limiter built for the route at startup.
type RouteRateLimit struct {
	Enabled bool
	Scope   string
	Message string
}

type Router struct {
	routes []Route
}

var ErrNoRoutes = errors.New("no routes")

func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})
	return &Router{routes: routes}, nil
}

func (r *Router) Match(path string) *Route {
	for i := range r.routes {
		if strings.HasPrefix(path, r.routes[i].PathPrefix) {
			return &r.routes[i]
		}
	}
	return nil
}

func BuildProxy(up *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport

	orig := p.Director
	p.Director = func(req *http.Request) {
		orig(req)
		req.Host = up.Host
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request_too_large", map[string]any{
				"max_bytes": maxBytesErr.Limit,
			})
		case errors.Is(err, context.DeadlineExceeded):
			httpx.Error(w, http.StatusGatewayTimeout, "upstream_timeout", nil)
		default:
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			httpx.Error(w, http.StatusBadGateway, "bad_gateway", map[string]any{
				"message": msg,
			})
		}
	}

	return p
}

func StripPath(path string, strip string) string {
	if strip == "" {
		return path
	}
	if strings.HasPrefix(path, strip) {
		p := strings.TrimPrefix(path, strip)
		if p == "" {
			p = "/"
		}
		return p
	}
	return path
}
