package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default CRM login hosts per environment.
const (
	DefaultLoginURLProduction = "https://login.salesforce.com"
	DefaultLoginURLSandbox    = "https://test.salesforce.com"
)

// Config contains runtime configuration values.
type Config struct {
	Environment    string
	HTTPPort       string
	ServiceName    string
	StorageBackend string
	DatabaseURL    string
	BoltPath       string

	// MasterSecret seeds the process-wide encryption and HMAC keys.
	// Mandatory outside development.
	MasterSecret string

	// Static fallback connected app used when a login does not reference a
	// registered credential row.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string

	LoginURLProduction string
	LoginURLSandbox    string
	OAuthScopes        []string

	ReturnURLAllowlist []string
	DefaultReturnURL   string

	StateTTL           time.Duration
	SessionMaxAge      time.Duration
	TokenRefreshMargin time.Duration
	SweepInterval      time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ReportCacheTTL time.Duration

	RateLimitRPM     int
	AuthRateLimitRPM int

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins []string

	SecureCookies bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		ServiceName:    getEnv("SERVICE_NAME", "forceauth"),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "postgres")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		BoltPath:       getEnv("BOLT_PATH", "data/forceauth.db"),

		MasterSecret: os.Getenv("MASTER_SECRET"),

		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthRedirectURI:  os.Getenv("OAUTH_REDIRECT_URI"),

		LoginURLProduction: getEnv("LOGIN_URL_PRODUCTION", DefaultLoginURLProduction),
		LoginURLSandbox:    getEnv("LOGIN_URL_SANDBOX", DefaultLoginURLSandbox),
		OAuthScopes:        getList("OAUTH_SCOPES", []string{"api", "refresh_token", "openid"}),

		ReturnURLAllowlist: getList("RETURN_URL_ALLOWLIST", []string{"/"}),
		DefaultReturnURL:   getEnv("DEFAULT_RETURN_URL", "/"),

		StateTTL:           getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		SessionMaxAge:      getDuration("SESSION_MAX_AGE", 12*time.Hour),
		TokenRefreshMargin: getDuration("TOKEN_REFRESH_MARGIN", 55*time.Minute),
		SweepInterval:      getDuration("SWEEP_INTERVAL", 5*time.Minute),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0),
		ReportCacheTTL: getDuration("REPORT_CACHE_TTL", 5*time.Minute),

		RateLimitRPM:     getInt("RATE_LIMIT_RPM", 600),
		AuthRateLimitRPM: getInt("AUTH_RATE_LIMIT_RPM", 60),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", nil),
	}
	cfg.SecureCookies = getBool("SECURE_COOKIES", cfg.Environment != "development")

	if cfg.Development() {
		// Development fallback so a bare checkout boots. Never applied in
		// any other environment.
		if cfg.MasterSecret == "" {
			cfg.MasterSecret = "forceauth-dev-only-master-secret"
		}
		if cfg.StorageBackend == "postgres" && cfg.DatabaseURL == "" {
			cfg.StorageBackend = "bolt"
		}
	}

	if strings.TrimSpace(cfg.MasterSecret) == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}
	switch cfg.StorageBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "bolt":
	default:
		return Config{}, fmt.Errorf("STORAGE_BACKEND must be postgres or bolt, got %q", cfg.StorageBackend)
	}

	return cfg, nil
}

// Development reports whether the process runs in the development environment.
func (c Config) Development() bool {
	return c.Environment == "development"
}

// LoginURL returns the CRM login host for an environment name.
func (c Config) LoginURL(environment string) string {
	if environment == "sandbox" {
		return c.LoginURLSandbox
	}
	return c.LoginURLProduction
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
