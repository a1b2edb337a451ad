// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the JSON API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the ops listener serving grpc.health.v1; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL enables the Redis attempt tracker and the asynq notification queue.
	RedisURL string `mapstructure:"REDIS_URL"`
	// MongoURL enables the consult history store for case analysis.
	MongoURL string `mapstructure:"MONGO_URL"`
	// MongoDatabase is the database name used with MongoURL.
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime for a normal sign-in (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// SessionRememberTTL is the refresh token lifetime when the user ticks "remember me".
	SessionRememberTTL string `mapstructure:"SESSION_REMEMBER_TTL"`
	// TrustedDeviceTTL is how long a device skips MFA after "remember this device". Independent of SessionRememberTTL.
	TrustedDeviceTTL string `mapstructure:"TRUSTED_DEVICE_TTL"`
	// DeviceActiveWindow is how recently a device session must have been active to count against the cap.
	DeviceActiveWindow string `mapstructure:"DEVICE_ACTIVE_WINDOW"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// OTPTTL is the lifetime of an emailed login code (e.g. "10m").
	OTPTTL string `mapstructure:"OTP_TTL"`
	// OTPReturnToClient enables dev OTP mode: no email, OTP readable at GET /dev/mfa/otp. Rejected when Env is production.
	OTPReturnToClient bool `mapstructure:"OTP_RETURN_TO_CLIENT"`
	// MFARequiredAlways forces the MFA gate for every account regardless of account or clinic flags.
	MFARequiredAlways bool `mapstructure:"MFA_REQUIRED_ALWAYS"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// MailProvider selects the email transport: "resend" or "smtp".
	MailProvider  string `mapstructure:"MAIL_PROVIDER"`
	MailFrom      string `mapstructure:"MAIL_FROM"`
	ResendAPIKey  string `mapstructure:"RESEND_API_KEY"`
	ResendBaseURL string `mapstructure:"RESEND_BASE_URL"`
	SMTPHost      string `mapstructure:"SMTP_HOST"`
	SMTPPort      int    `mapstructure:"SMTP_PORT"`
	SMTPUsername  string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword  string `mapstructure:"SMTP_PASSWORD"`

	// AttemptTracker selects the failed-attempt store: "memory", "redis" or "postgres".
	AttemptTracker string `mapstructure:"ATTEMPT_TRACKER"`
	// AttemptMaxFailures within AttemptWindow puts the key into the rate-limited state.
	AttemptMaxFailures int    `mapstructure:"ATTEMPT_MAX_FAILURES"`
	AttemptWindow      string `mapstructure:"ATTEMPT_WINDOW"`
	// AttemptLockoutThreshold failures within AttemptLockoutWindow lock the key for AttemptLockoutWindow.
	AttemptLockoutThreshold int    `mapstructure:"ATTEMPT_LOCKOUT_THRESHOLD"`
	AttemptLockoutWindow    string `mapstructure:"ATTEMPT_LOCKOUT_WINDOW"`

	// DefaultDeviceCap is applied to new accounts; -1 means unlimited.
	DefaultDeviceCap int `mapstructure:"DEFAULT_DEVICE_CAP"`
	// PlanDeviceCaps maps a subscription plan to its device cap, e.g. "free:1,solo:3,practice:-1".
	PlanDeviceCaps string `mapstructure:"PLAN_DEVICE_CAPS"`
	// StripeSecretKey and StripeWebhookSecret enable the billing webhook.
	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	// GeminiAPIKey enables case analysis.
	GeminiAPIKey        string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel         string `mapstructure:"GEMINI_MODEL"`
	GeminiFallbackModel string `mapstructure:"GEMINI_FALLBACK_MODEL"`

	// PublicBaseURL is the externally reachable origin, used for OAuth callback URLs.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	// CORSAllowedOrigins is a comma-separated origin list for the browser client.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	// RateLimitRPS and RateLimitBurst configure the per-IP HTTP limiter.
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// SecurityEventsKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables Kafka.
	SecurityEventsKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SecurityEventsTopic is the Kafka topic for security events.
	SecurityEventsTopic string `mapstructure:"SECURITY_EVENTS_TOPIC"`
	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Worker-only: Loki URL for security events consumed from Kafka.
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("MONGO_URL", "")
	v.SetDefault("MONGO_DATABASE", "atlas")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "atlas-auth")
	v.SetDefault("JWT_AUDIENCE", "atlas-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("SESSION_REMEMBER_TTL", "720h")
	v.SetDefault("TRUSTED_DEVICE_TTL", "720h")
	v.SetDefault("DEVICE_ACTIVE_WINDOW", "168h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTP_TTL", "10m")
	v.SetDefault("OTP_RETURN_TO_CLIENT", false)
	v.SetDefault("MFA_REQUIRED_ALWAYS", false)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("MAIL_PROVIDER", "resend")
	v.SetDefault("MAIL_FROM", "Atlas <no-reply@atlas.vet>")
	v.SetDefault("RESEND_API_KEY", "")
	v.SetDefault("RESEND_BASE_URL", "https://api.resend.com")
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("ATTEMPT_TRACKER", "postgres")
	v.SetDefault("ATTEMPT_MAX_FAILURES", 5)
	v.SetDefault("ATTEMPT_WINDOW", "15m")
	v.SetDefault("ATTEMPT_LOCKOUT_THRESHOLD", 10)
	v.SetDefault("ATTEMPT_LOCKOUT_WINDOW", "1h")
	v.SetDefault("DEFAULT_DEVICE_CAP", 2)
	v.SetDefault("PLAN_DEVICE_CAPS", "free:2,solo:3,practice:10,enterprise:-1")
	v.SetDefault("STRIPE_SECRET_KEY", "")
	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash-lite")
	v.SetDefault("GEMINI_FALLBACK_MODEL", "gemini-1.5-flash")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 10.0)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_TOPIC", "atlas-security-events")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "atlas-security-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.OTPReturnToClient && cfg.Env == "production" {
		return nil, errors.New("config: OTP_RETURN_TO_CLIENT must not be true when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	switch cfg.AttemptTracker {
	case "memory", "redis", "postgres":
	default:
		return nil, fmt.Errorf("config: ATTEMPT_TRACKER must be memory, redis or postgres, got %q", cfg.AttemptTracker)
	}
	if cfg.AttemptTracker == "redis" && cfg.RedisURL == "" {
		return nil, errors.New("config: ATTEMPT_TRACKER=redis requires REDIS_URL")
	}

	switch cfg.MailProvider {
	case "resend", "smtp":
	default:
		return nil, fmt.Errorf("config: MAIL_PROVIDER must be resend or smtp, got %q", cfg.MailProvider)
	}

	if cfg.DefaultDeviceCap < -1 || cfg.DefaultDeviceCap == 0 {
		return nil, errors.New("config: DEFAULT_DEVICE_CAP must be -1 (unlimited) or positive")
	}
	if _, err := ParsePlanDeviceCaps(cfg.PlanDeviceCaps); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// RememberTTL is the refresh lifetime for "remember me" sign-ins. Returns 720h if unset or invalid.
func (c *Config) RememberTTL() time.Duration {
	return parseDuration(c.SessionRememberTTL, 720*time.Hour)
}

// TrustTTL is the trusted-device window. Returns 720h if unset or invalid.
func (c *Config) TrustTTL() time.Duration {
	return parseDuration(c.TrustedDeviceTTL, 720*time.Hour)
}

// ActiveWindow is the device activity window. Returns 168h if unset or invalid.
func (c *Config) ActiveWindow() time.Duration {
	return parseDuration(c.DeviceActiveWindow, 168*time.Hour)
}

// OTPLifetime parses OTPTTL. Returns 10m if unset or invalid.
func (c *Config) OTPLifetime() time.Duration {
	return parseDuration(c.OTPTTL, 10*time.Minute)
}

// AttemptWindowDuration parses AttemptWindow. Returns 15m if unset or invalid.
func (c *Config) AttemptWindowDuration() time.Duration {
	return parseDuration(c.AttemptWindow, 15*time.Minute)
}

// AttemptLockoutDuration parses AttemptLockoutWindow. Returns 1h if unset or invalid.
func (c *Config) AttemptLockoutDuration() time.Duration {
	return parseDuration(c.AttemptLockoutWindow, time.Hour)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// PlanCaps returns the plan to device-cap table. Load has already validated it.
func (c *Config) PlanCaps() map[string]int {
	caps, _ := ParsePlanDeviceCaps(c.PlanDeviceCaps)
	return caps
}

// ParsePlanDeviceCaps parses "plan:cap,plan:cap". Caps must be -1 or positive.
func ParsePlanDeviceCaps(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range splitList(s) {
		name, raw, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(strings.ToLower(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("config: PLAN_DEVICE_CAPS entry %q must be plan:cap", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < -1 || n == 0 {
			return nil, fmt.Errorf("config: PLAN_DEVICE_CAPS cap for %q must be -1 or positive", name)
		}
		out[name] = n
	}
	return out, nil
}

// SecurityEventsKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) SecurityEventsKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.SecurityEventsKafkaBrokers)
}

// CORSOrigins returns the allowed browser origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
