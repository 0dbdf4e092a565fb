package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values. It is built once at startup
// and passed into constructors; nothing reads the environment afterwards.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Signing and encryption material.
	SigningSecret []byte
	TOTPSecretKey []byte

	// Credential verification.
	LockoutThreshold int
	MinAuthLatency   time.Duration

	// Admin bypass. Skipping the second factor for the distinguished
	// account is a deliberate, configurable deviation; see AdminBypassGuard.
	AdminBypassEnabled bool
	AdminUsername      string
	AdminEmail         string
	AdminPassword      string

	// CAPTCHA gate.
	CaptchaEnabled   bool
	CaptchaVerifyURL string
	CaptchaSecret    string
	CaptchaTimeout   time.Duration

	// Challenge attestations (captcha / otp / password-reset tokens).
	AttestationTTL time.Duration

	// TOTP challenge engine.
	TOTPDigits      int
	TOTPPeriod      time.Duration
	TOTPMaxAttempts int
	TOTPBanTTL      time.Duration

	// Session lifecycle.
	SessionMaxAge      time.Duration
	SessionMaxLifetime time.Duration
	SessionExtendBy    time.Duration
	SessionWarnBefore  time.Duration

	// Cookie transport.
	CookieDomain string
	CookieSecure bool

	// Outbound mail.
	SMTPAddr string
	SMTPFrom string
	SMTPUser string
	SMTPPass string

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	signingSecret := strings.TrimSpace(os.Getenv("AUTH_SIGNING_SECRET"))
	if signingSecret == "" {
		return Config{}, fmt.Errorf("AUTH_SIGNING_SECRET is required")
	}
	if len(signingSecret) < 32 {
		return Config{}, fmt.Errorf("AUTH_SIGNING_SECRET must be at least 32 bytes")
	}
	totpKey := strings.TrimSpace(os.Getenv("TOTP_SECRET_KEY"))
	if totpKey == "" {
		return Config{}, fmt.Errorf("TOTP_SECRET_KEY is required")
	}
	if len(totpKey) != 32 {
		return Config{}, fmt.Errorf("TOTP_SECRET_KEY must be exactly 32 bytes")
	}

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "b2b-tickets-auth"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SigningSecret: []byte(signingSecret),
		TOTPSecretKey: []byte(totpKey),

		LockoutThreshold: getInt("LOCKOUT_THRESHOLD", 5),
		MinAuthLatency:   getDuration("MIN_AUTH_LATENCY", 700*time.Millisecond),

		AdminBypassEnabled: getBool("ADMIN_TOTP_BYPASS", true),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminEmail:         strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),

		CaptchaEnabled:   getBool("CAPTCHA_ENABLED", true),
		CaptchaVerifyURL: getEnv("CAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
		CaptchaSecret:    os.Getenv("CAPTCHA_SECRET"),
		CaptchaTimeout:   getDuration("CAPTCHA_TIMEOUT", 5*time.Second),

		AttestationTTL: getDuration("ATTESTATION_TTL", 300*time.Second),

		TOTPDigits:      getInt("TOTP_DIGITS", 6),
		TOTPPeriod:      getDuration("TOTP_PERIOD", 30*time.Second),
		TOTPMaxAttempts: getInt("TOTP_MAX_ATTEMPTS", 5),
		TOTPBanTTL:      getDuration("TOTP_BAN_TTL", 15*time.Minute),

		SessionMaxAge:      getDuration("SESSION_MAX_AGE", 30*time.Minute),
		SessionMaxLifetime: getDuration("SESSION_MAX_LIFETIME", 8*time.Hour),
		SessionExtendBy:    getDuration("SESSION_EXTEND_BY", 30*time.Minute),
		SessionWarnBefore:  getDuration("SESSION_WARN_BEFORE", 2*time.Minute),

		CookieDomain: os.Getenv("COOKIE_DOMAIN"),
		CookieSecure: getBool("COOKIE_SECURE", true),

		SMTPAddr: os.Getenv("SMTP_ADDR"),
		SMTPFrom: getEnv("SMTP_FROM", "noreply@b2btickets.local"),
		SMTPUser: os.Getenv("SMTP_USER"),
		SMTPPass: os.Getenv("SMTP_PASS"),

		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.CaptchaEnabled && cfg.CaptchaSecret == "" {
		return Config{}, fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED")
	}
	if cfg.TOTPDigits != 5 && cfg.TOTPDigits != 6 {
		return Config{}, fmt.Errorf("TOTP_DIGITS must be 5 or 6")
	}
	if cfg.SessionMaxAge > cfg.SessionMaxLifetime {
		cfg.SessionMaxAge = cfg.SessionMaxLifetime
	}

	return cfg, nil
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
