package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Routes    []RouteConfig   `yaml:"routes"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

type AuthConfig struct {
	Mode          string `yaml:"mode"`        // "hmac" | "none"
	HMACSecret    string `yaml:"hmac_secret"` // RATEFENCE_HMAC_SECRET overrides
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	LeewaySeconds int    `yaml:"leeway_seconds"`
}

type RateLimitConfig struct {
	Backend          string       `yaml:"backend"` // "redis" | "memory"
	Redis            RedisConfig  `yaml:"redis"`
	Memory           MemoryConfig `yaml:"memory"`
	StoreTimeoutMS   int          `yaml:"store_timeout_ms"`
	FailureThreshold int          `yaml:"failure_threshold"` // 0 disables the store breaker
	OpenSeconds      int          `yaml:"open_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` // RATEFENCE_REDIS_PASSWORD overrides
	DB       int    `yaml:"db"`
}

type MemoryConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
}

type RouteConfig struct {
	Name         string           `yaml:"name"`
	Match        MatchConfig      `yaml:"match"`
	Upstream     string           `yaml:"upstream"`
	StripPrefix  string           `yaml:"strip_prefix"`
	AuthRequired bool             `yaml:"auth_required"`
	RateLimit    RouteRateLimit   `yaml:"rate_limit"`
	Concurrency  RouteConcurrency `yaml:"concurrency"`
}

type MatchConfig struct {
	PathPrefix string `yaml:"path_prefix"`
}

type RouteRateLimit struct {
	Enabled  bool `yaml:"enabled"`
	WindowMS int  `yaml:"window_ms"`
	// Max is allowed per window; 0 denies every request on the route.
	Max            int    `yaml:"max"`
	Scope          string `yaml:"scope"` // "auto" | "user" | "ip"
	SkipSuccessful bool   `yaml:"skip_successful"`
	SkipFailed     bool   `yaml:"skip_failed"`
	Message        string `yaml:"message"`
}

type RouteConcurrency struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides pulls secrets from the environment so they can stay out
// of the yaml file (and out of version control).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RATEFENCE_HMAC_SECRET"); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := os.Getenv("RATEFENCE_REDIS_PASSWORD"); v != "" {
		cfg.RateLimit.Redis.Password = v
	}
	if v := os.Getenv("RATEFENCE_REDIS_ADDR"); v != "" {
		cfg.RateLimit.Redis.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 20
	}

	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Auth.LeewaySeconds == 0 {
		cfg.Auth.LeewaySeconds = 30
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.StoreTimeoutMS == 0 {
		cfg.RateLimit.StoreTimeoutMS = 500
	}
	if cfg.RateLimit.OpenSeconds == 0 {
		cfg.RateLimit.OpenSeconds = 10
	}
	if cfg.RateLimit.Memory.CleanupSeconds == 0 {
		cfg.RateLimit.Memory.CleanupSeconds = 60
	}

	for i := range cfg.Routes {
		rl := &cfg.Routes[i].RateLimit
		if !rl.Enabled {
			continue
		}
		if rl.WindowMS == 0 {
			rl.WindowMS = 60_000
		}
		if rl.Scope == "" {
			rl.Scope = "auto"
		}
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return errors.New("no routes configured")
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	switch mode {
	case "hmac":
		if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
			return fmt.Errorf("auth.hmac_secret (or RATEFENCE_HMAC_SECRET) is required when auth.mode is hmac")
		}
	case "none":
	default:
		return fmt.Errorf("auth.mode must be 'hmac' or 'none'")
	}

	seenNames := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if _, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate route name: %q", name)
		}
		seenNames[name] = struct{}{}

		pp := strings.TrimSpace(r.Match.PathPrefix)
		if pp == "" || !strings.HasPrefix(pp, "/") {
			return fmt.Errorf("%s.match.path_prefix must start with '/'", idx)
		}

		if r.Upstream == "" {
			return fmt.Errorf("%s.upstream is required", idx)
		}
		u, err := url.Parse(r.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s.upstream must be an absolute url", idx)
		}

		if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
			return fmt.Errorf("%s.strip_prefix must start with '/' if set", idx)
		}

		if r.AuthRequired && mode != "hmac" {
			return fmt.Errorf("%s.auth_required needs auth.mode 'hmac'", idx)
		}

		if r.RateLimit.Enabled {
			if r.RateLimit.WindowMS <= 0 {
				return fmt.Errorf("%s.rate_limit.window_ms must be > 0", idx)
			}
			if r.RateLimit.Max < 0 {
				return fmt.Errorf("%s.rate_limit.max cannot be negative", idx)
			}
			s := strings.ToLower(strings.TrimSpace(r.RateLimit.Scope))
			if s != "auto" && s != "ip" && s != "user" {
				return fmt.Errorf("%s.rate_limit.scope must be 'auto', 'ip' or 'user'", idx)
			}
			if s == "user" && mode != "hmac" {
				return fmt.Errorf("%s.rate_limit.scope 'user' needs auth.mode 'hmac'", idx)
			}
		}

		if r.Concurrency.MaxInFlight < 0 {
			return fmt.Errorf("%s.concurrency.max_in_flight cannot be negative", idx)
		}
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}
	if cfg.RateLimit.StoreTimeoutMS < 0 {
		return fmt.Errorf("rate_limit.store_timeout_ms cannot be negative")
	}
	if cfg.RateLimit.FailureThreshold < 0 {
		return fmt.Errorf("rate_limit.failure_threshold cannot be negative")
	}
	return nil
}
