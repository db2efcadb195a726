package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/xerrors"
)

// Store and queue backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	ModePolling = "polling"
	ModeQueue   = "queue"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env          string
	HTTPPort     string
	MetricsAddr  string
	DatabaseURL  string
	RedisAddr    string
	StoreBackend string
	QueueBackend string
	QueueKey     string
	UpdatesMode  string

	TelegramToken   string
	TelegramTimeout time.Duration
	WebhookSecret   string

	Timezone           string
	RefreshInterval    time.Duration
	RefreshConcurrency int
	RolloverSchedule   string
	ConfirmSeconds     int

	JWTIssuer       string
	JWTSigningKey   string
	AdminAPIKey     string
	AccessTTL       time.Duration
	RateLimitPerMin int
	LogDebug        bool

	// invalid lists keys whose values failed to parse.
	invalid []string
}

// Load returns application config populated from environment variables with
// sensible defaults. A .env file in the working directory is read first when
// present; real environment variables win over it.
func Load() App {
	_ = godotenv.Load()

	var e env
	cfg := App{
		Env:          e.str("APP_ENV", "dev"),
		HTTPPort:     e.str("HTTP_PORT", "8081"),
		MetricsAddr:  e.str("METRICS_ADDR", ""),
		DatabaseURL:  e.str("DATABASE_URL", ""),
		RedisAddr:    e.str("REDIS_ADDR", "localhost:6379"),
		StoreBackend: e.str("STORE_BACKEND", BackendPostgres),
		QueueBackend: e.str("QUEUE_BACKEND", BackendRedis),
		QueueKey:     e.str("QUEUE_KEY", "attendboard:updates"),
		UpdatesMode:  e.str("UPDATES_MODE", ModePolling),

		TelegramToken:   e.str("TELEGRAM_TOKEN", ""),
		TelegramTimeout: e.duration("TELEGRAM_TIMEOUT", 30*time.Second),
		WebhookSecret:   e.str("WEBHOOK_SECRET", ""),

		Timezone:           e.str("TIMEZONE", "UTC"),
		RefreshInterval:    e.duration("REFRESH_INTERVAL", time.Minute),
		RefreshConcurrency: e.integer("REFRESH_CONCURRENCY", 8),
		RolloverSchedule:   e.str("ROLLOVER_SCHEDULE", "@midnight"),
		ConfirmSeconds:     e.integer("CONFIRM_SECONDS", 10),

		JWTIssuer:       e.str("JWT_ISSUER", "attendboard"),
		JWTSigningKey:   e.str("JWT_SIGNING_KEY", ""),
		AdminAPIKey:     e.str("ADMIN_API_KEY", ""),
		AccessTTL:       e.duration("ACCESS_TTL", 15*time.Minute),
		RateLimitPerMin: e.integer("RATE_LIMIT_PER_MIN", 120),
		LogDebug:        e.boolean("LOG_DEBUG", false),
	}
	cfg.invalid = e.invalid
	return cfg
}

// Location resolves Timezone.
func (a App) Location() (*time.Location, error) {
	return time.LoadLocation(a.Timezone)
}

// Production reports whether the app runs in a production environment.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

// Validate reports every missing and invalid key at once. required names the
// keys the calling binary cannot run without; backend-specific keys are
// checked according to the selected backends.
func (a App) Validate(required ...string) error {
	values := map[string]string{
		"DATABASE_URL":    a.DatabaseURL,
		"REDIS_ADDR":      a.RedisAddr,
		"TELEGRAM_TOKEN":  a.TelegramToken,
		"WEBHOOK_SECRET":  a.WebhookSecret,
		"JWT_SIGNING_KEY": a.JWTSigningKey,
		"ADMIN_API_KEY":   a.AdminAPIKey,
	}
	if a.StoreBackend == BackendPostgres {
		required = append(required, "DATABASE_URL")
	}
	if a.QueueBackend == BackendRedis {
		required = append(required, "REDIS_ADDR")
	}

	var missing []string
	seen := make(map[string]bool)
	for _, key := range required {
		if seen[key] {
			continue
		}
		seen[key] = true
		if strings.TrimSpace(values[key]) == "" {
			missing = append(missing, key)
		}
	}

	invalid := append([]string(nil), a.invalid...)
	if a.StoreBackend != BackendPostgres && a.StoreBackend != BackendMemory {
		invalid = append(invalid, "STORE_BACKEND")
	}
	if a.QueueBackend != BackendRedis && a.QueueBackend != BackendMemory {
		invalid = append(invalid, "QUEUE_BACKEND")
	}
	if a.UpdatesMode != ModePolling && a.UpdatesMode != ModeQueue {
		invalid = append(invalid, "UPDATES_MODE")
	}
	if _, err := a.Location(); err != nil {
		invalid = append(invalid, "TIMEZONE")
	}
	if a.RefreshInterval <= 0 {
		invalid = append(invalid, "REFRESH_INTERVAL")
	}
	if a.RefreshConcurrency <= 0 {
		invalid = append(invalid, "REFRESH_CONCURRENCY")
	}
	if a.ConfirmSeconds <= 0 {
		invalid = append(invalid, "CONFIRM_SECONDS")
	}
	if a.RateLimitPerMin <= 0 {
		invalid = append(invalid, "RATE_LIMIT_PER_MIN")
	}

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "missing required environment variables: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		problems = append(problems, "invalid environment variables: "+strings.Join(dedupe(invalid), ", "))
	}
	if len(problems) > 0 {
		return xerrors.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

type env struct {
	invalid []string
}

func (e *env) str(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return fallback
		}
		return d
	}
	return fallback
}

func (e *env) boolean(key string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return fallback
		}
		return b
	}
	return fallback
}

func (e *env) integer(key string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return fallback
		}
		return n
	}
	return fallback
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
