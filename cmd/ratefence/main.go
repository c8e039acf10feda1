package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/jshortt/ratefence/internal/config"
	"github.com/jshortt/ratefence/internal/httpx"
	"github.com/jshortt/ratefence/internal/logging"
	"github.com/jshortt/ratefence/internal/mw"
	"github.com/jshortt/ratefence/internal/netx"
	"github.com/jshortt/ratefence/internal/proxy"
	"github.com/jshortt/ratefence/internal/ratelimit"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	// .env is optional; deployments normally set the environment directly.
	_ = godotenv.Load()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok")
		return
	}

	// ---- Trusted proxies
	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid server.trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ipr := mw.IPResolver{Trusted: trusted}

	// ---- Counter store
	var store ratelimit.CounterStore
	cleanup := time.Duration(cfg.RateLimit.Memory.CleanupSeconds) * time.Second

	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; falling back to memory store", slog.String("error", err.Error()))
			_ = rdb.Close()
			store = ratelimit.NewMemoryStore(cleanup)
		} else {
			store = ratelimit.NewRedisStore(rdb)
		}
	default:
		store = ratelimit.NewMemoryStore(cleanup)
	}
	defer store.Close()

	// ---- Auth
	var authHandler mw.AuthHandler
	if strings.ToLower(cfg.Auth.Mode) == "hmac" {
		authHandler = mw.Authenticator{
			Secret:   []byte(cfg.Auth.HMACSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   time.Duration(cfg.Auth.LeewaySeconds) * time.Second,
		}
	}

	// ---- Upstream transport
	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Upstream.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})

	// ---- Route table + per-route limiters and in-flight caps
	routes := make([]proxy.Route, 0, len(cfg.Routes))
	limiters := map[string]*ratelimit.Limiter{}
	inflight := map[string]*mw.InFlight{}

	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			log.Error("invalid upstream url", slog.String("route", rc.Name), slog.String("error", err.Error()))
			os.Exit(1)
		}

		routes = append(routes, proxy.Route{
			Name:         rc.Name,
			PathPrefix:   rc.Match.PathPrefix,
			Upstream:     u,
			StripPrefix:  rc.StripPrefix,
			AuthRequired: rc.AuthRequired,
			RateLimit: proxy.RouteRateLimit{
				Enabled: rc.RateLimit.Enabled,
				Scope:   rc.RateLimit.Scope,
				Message: rc.RateLimit.Message,
			},
			Proxy: proxy.BuildProxy(u, transport),
		})

		if rc.RateLimit.Enabled {
			lim, err := ratelimit.New(store, ratelimit.Config{
				Window:           time.Duration(rc.RateLimit.WindowMS) * time.Millisecond,
				Max:              rc.RateLimit.Max,
				SkipSuccessful:   rc.RateLimit.SkipSuccessful,
				SkipFailed:       rc.RateLimit.SkipFailed,
				StoreTimeout:     time.Duration(cfg.RateLimit.StoreTimeoutMS) * time.Millisecond,
				FailureThreshold: cfg.RateLimit.FailureThreshold,
				OpenFor:          time.Duration(cfg.RateLimit.OpenSeconds) * time.Second,
			}, log)
			if err != nil {
				log.Error("invalid rate limit rule", slog.String("route", rc.Name), slog.String("error", err.Error()))
				os.Exit(1)
			}
			limiters[rc.Name] = lim
		}

		inflight[rc.Name] = mw.NewInFlight(rc.Concurrency.MaxInFlight)
	}

	rtr, err := proxy.New(routes)
	if err != nil {
		log.Error("failed to create router", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ---- Metrics
	reg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(reg)

	// ---- HTTP server / mux
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	startedAt := time.Now()
	adminKey := os.Getenv("RATEFENCE_ADMIN_KEY")

	// ---- Admin endpoints (key-guarded, locally throttled)
	wrapAdmin := func(routeName string, h http.Handler) http.Handler {
		h = mw.RequireAdminKey(adminKey, h)
		h = mw.Throttle(rate.Limit(5), 10, h)
		h = mw.AccessLog(log, h)
		h = mw.Instrument(metrics, h)
		h = mw.WithRoute(h, routeName)
		h = mw.RequestID(h)
		return h
	}

	mux.Handle("/-/status", wrapAdmin("admin_status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		info, _ := debug.ReadBuildInfo()
		goVer := ""
		if info != nil {
			goVer = info.GoVersion
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"time_utc":          time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds":    int(time.Since(startedAt).Seconds()),
			"listen_addr":       cfg.Server.Addr,
			"go_version":        goVer,
			"auth_mode":         cfg.Auth.Mode,
			"store_backend":     cfg.RateLimit.Backend,
			"routes_configured": len(cfg.Routes),
		})
	})))

	mux.Handle("/-/limits", wrapAdmin("admin_limits", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rows := make([]map[string]any, 0, len(cfg.Routes))
		for _, rc := range cfg.Routes {
			row := map[string]any{"route": rc.Name}
			if rc.RateLimit.Enabled {
				row["rate_limit"] = map[string]any{
					"window_ms":       rc.RateLimit.WindowMS,
					"max":             rc.RateLimit.Max,
					"scope":           rc.RateLimit.Scope,
					"skip_successful": rc.RateLimit.SkipSuccessful,
					"skip_failed":     rc.RateLimit.SkipFailed,
				}
			}
			if fl := inflight[rc.Name]; fl.Enabled() {
				row["concurrency"] = map[string]any{
					"max_in_flight": fl.Cap(),
					"in_flight":     fl.InUse(),
				}
			}
			rows = append(rows, row)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})))

	mux.Handle("GET /-/ratelimit/keys/{key}", wrapAdmin("admin_key_get", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		sk := ratelimit.StorageKey(key)

		count, err := store.Count(r.Context(), sk)
		if err != nil {
			httpx.Error(w, http.StatusBadGateway, "store_unavailable", map[string]any{"message": err.Error()})
			return
		}
		ttl, err := store.TTL(r.Context(), sk)
		if err != nil {
			httpx.Error(w, http.StatusBadGateway, "store_unavailable", map[string]any{"message": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key":         key,
			"storage_key": sk,
			"count":       count,
			"ttl_ms":      ttl.Milliseconds(),
		})
	})))

	mux.Handle("DELETE /-/ratelimit/keys/{key}", wrapAdmin("admin_key_delete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if err := store.Delete(r.Context(), ratelimit.StorageKey(key)); err != nil {
			httpx.Error(w, http.StatusBadGateway, "store_unavailable", map[string]any{"message": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"deleted": key})
	})))

	mux.Handle("POST /-/ratelimit/flush", wrapAdmin("admin_flush", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.FlushAll(r.Context()); err != nil {
			httpx.Error(w, http.StatusBadGateway, "store_unavailable", map[string]any{"message": err.Error()})
			return
		}
		log.Info("rate limit counters flushed", slog.String("rid", mw.RID(r.Context())))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"flushed": true})
	})))

	// ---- Main handler (catch-all)
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := rtr.Match(r.URL.Path)
		if route == nil {
			http.NotFound(w, r)
			return
		}

		// Base proxy handler
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.URL.Path = proxy.StripPath(r.URL.Path, route.StripPrefix)
			route.Proxy.ServeHTTP(w, r)
		})

		h = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, h)

		if fl := inflight[route.Name]; fl.Enabled() {
			h = mw.ConcurrencyLimit(fl, h)
		}

		// The limiter must see the authenticated subject, so auth wraps it.
		if lim := limiters[route.Name]; lim != nil {
			h = mw.RateLimit(lim, ipr, mw.RateLimitConfig{
				Enabled:   true,
				Scope:     route.RateLimit.Scope,
				RouteName: route.Name,
				Message:   route.RateLimit.Message,
				Metrics:   metrics,
			}, h)
		}
		if route.AuthRequired {
			h = mw.RequireAuth(authHandler, h)
		} else if authHandler != nil {
			h = mw.OptionalAuth(authHandler, h)
		}

		// Cross-cutting middleware (outermost -> innermost)
		h = mw.Recover(log, h)
		h = mw.AccessLog(log, h)
		h = mw.Instrument(metrics, h)
		h = mw.WithRoute(h, route.Name)
		h = mw.RequestID(h)

		h.ServeHTTP(w, r)
	}))

	// ---- Server
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("ratefence listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("store", cfg.RateLimit.Backend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}
