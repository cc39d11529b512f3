// Package config builds the gateway configuration from environment variables
// so main stays lean. Every knob has a development-friendly default except
// the identity provider client credentials, which must be set explicitly.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "authgate/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// OIDC configures the relying-party side of the login flow.
type OIDC struct {
	// Issuer is the identity provider base URL. Discovery metadata is
	// fetched from {Issuer}/.well-known/openid-configuration at startup.
	Issuer       string
	ClientID     string
	ClientSecret string
	// RedirectURL is this gateway's /callback URL as registered with the
	// provider.
	RedirectURL string
	Scopes      []string
	// PostLogoutRedirectURL is passed to the provider's end-session
	// endpoint so the browser lands back on the app after single sign-out.
	PostLogoutRedirectURL string
	// LoginStateTTL bounds the window between the authorization redirect
	// and the callback. Pending state older than this is rejected.
	LoginStateTTL time.Duration
}

// Proxy configures forwarding to the downstream resource API.
type Proxy struct {
	// APIBaseURL is where /api/* requests are forwarded.
	APIBaseURL string
	// Timeout applies per downstream request.
	Timeout time.Duration
	// Policy names the authorization policy required before forwarding.
	Policy string
}

// Cookie configures the opaque session cookie.
type Cookie struct {
	Name string
	// Secure should only be disabled for plain-HTTP localhost development.
	Secure bool
}

// Session configures session lifetime.
type Session struct {
	// TTL is the absolute session lifetime enforced by the store.
	TTL time.Duration
}

// RedisConfig configures the optional Redis backend for sessions and
// pending login state. Empty URL means in-memory stores.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig configures the optional Postgres session store. Empty DSN
// disables it.
type PostgresConfig struct {
	DSN string
}

// Audit configures the optional Kafka audit publisher. Empty broker list
// means audit events go to the structured log only.
type Audit struct {
	Brokers []string
	Topic   string
}

// Roles maps provider subjects to application role claims, mirroring the
// app-level identity service the movie app used before the gateway took
// over claims handling. Format: "sub1=RoleA|RoleB,sub2=RoleC".
type Roles map[string][]string

// Config is the root configuration passed into constructors at startup.
// There is no ambient global; main wires it through explicitly.
type Config struct {
	Server   Server
	OIDC     OIDC
	Proxy    Proxy
	Cookie   Cookie
	Session  Session
	Redis    RedisConfig
	Postgres PostgresConfig
	Audit    Audit
	Roles    Roles
}

// FromEnv builds a Config from environment variables.
func FromEnv() (Config, error) {
	cfg := Config{
		Server: Server{
			Addr: envOr("GATEWAY_ADDR", ":8080"),
		},
		OIDC: OIDC{
			Issuer:                envOr("OIDC_ISSUER", ""),
			ClientID:              envOr("OIDC_CLIENT_ID", "movie_client"),
			ClientSecret:          envOr("OIDC_CLIENT_SECRET", ""),
			RedirectURL:           envOr("OIDC_REDIRECT_URL", "http://localhost:8080/callback"),
			Scopes:                splitList(envOr("OIDC_SCOPES", "openid profile email movie_api"), " "),
			PostLogoutRedirectURL: envOr("OIDC_POST_LOGOUT_REDIRECT_URL", ""),
			LoginStateTTL:         envDuration("OIDC_LOGIN_STATE_TTL", 10*time.Minute),
		},
		Proxy: Proxy{
			APIBaseURL: envOr("API_BASE_URL", "http://localhost:5009"),
			Timeout:    envDuration("API_TIMEOUT", 15*time.Second),
			Policy:     envOr("API_POLICY", "SearchPolicy"),
		},
		Cookie: Cookie{
			Name:   envOr("SESSION_COOKIE_NAME", "bff_session"),
			Secure: envOr("SESSION_COOKIE_SECURE", "true") == "true",
		},
		Session: Session{
			TTL: envDuration("SESSION_TTL", 24*time.Hour),
		},
		Redis: RedisConfig{
			URL:          envOr("REDIS_URL", ""),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN: envOr("POSTGRES_DSN", ""),
		},
		Audit: Audit{
			Brokers: splitList(envOr("AUDIT_KAFKA_BROKERS", ""), ","),
			Topic:   envOr("AUDIT_KAFKA_TOPIC", "authgate.audit"),
		},
		Roles: parseRoles(envOr("STATIC_ROLES", "")),
	}

	if cfg.OIDC.Issuer == "" {
		return Config{}, errors.New("OIDC_ISSUER is required")
	}
	if cfg.OIDC.ClientSecret == "" {
		return Config{}, errors.New("OIDC_CLIENT_SECRET is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	return pstrings.DedupeAndTrim(strings.Split(raw, sep))
}

// parseRoles parses "sub1=RoleA|RoleB,sub2=RoleC" into a subject-to-roles map.
func parseRoles(raw string) Roles {
	if raw == "" {
		return nil
	}
	roles := make(Roles)
	for _, entry := range strings.Split(raw, ",") {
		sub, list, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || sub == "" {
			continue
		}
		roles[sub] = splitList(list, "|")
	}
	return roles
}
