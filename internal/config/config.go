// Package config handles environment configuration loading and startup validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// CreditPackages maps a top-up amount in rubles to the credits granted.
// 1 RUB = 1 credit, no bonus tiers. Any extension here must be reflected
// in the payment UI as well.
var CreditPackages = map[int64]int64{
	100: 100,
	200: 200,
	300: 300,
	500: 500,
}

// GenerationCost maps a tariff name to its price in credits.
var GenerationCost = map[string]int64{
	"nano_banana_pro": 19,
	"riverflow_pro":   45,
	"flux_2_pro":      9,
	"kling_video_5s":  70,
	"kling_video_10s": 140,
}

// Config holds all configuration values for the application.
// TTLs and timeouts are plain second counts, matching how existing
// deployments set them (GENERATION_TIMEOUT=200, not 200s).
type Config struct {
	TelegramBotToken      string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramWebhookURL    string `env:"TELEGRAM_WEBHOOK_URL"`
	TelegramWebhookSecret string `env:"TELEGRAM_WEBHOOK_SECRET" envDefault:"changeme"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisSSL    bool   `env:"REDIS_SSL"`

	ReplicateAPIToken string `env:"REPLICATE_API_TOKEN"`

	YooKassaShopID        string `env:"YOOKASSA_SHOP_ID"`
	YooKassaSecretKey     string `env:"YOOKASSA_SECRET_KEY"`
	YooKassaWebhookSecret string `env:"YOOKASSA_WEBHOOK_SECRET"`

	AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`

	MaxQueuedTasksPerUser int   `env:"MAX_QUEUED_TASKS_PER_USER" envDefault:"3"`
	MaxGlobalQueueSize    int64 `env:"MAX_GLOBAL_QUEUE_SIZE" envDefault:"500"`
	MaxGPUJobs            int   `env:"MAX_GPU_JOBS" envDefault:"1"`

	GenerationLockTTLSec int `env:"GENERATION_LOCK_TTL" envDefault:"300"`
	GenerationTimeoutSec int `env:"GENERATION_TIMEOUT" envDefault:"200"`

	WorkerCount          int   `env:"WORKER_COUNT" envDefault:"1"`
	ReconcileIntervalSec int   `env:"RECONCILE_INTERVAL" envDefault:"300"`
	SweepIntervalSec     int   `env:"SWEEP_INTERVAL" envDefault:"300"`
	MaxWebhookBodyBytes  int64 `env:"MAX_WEBHOOK_BODY_BYTES" envDefault:"1048576"`

	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENV" envDefault:"dev"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables.
// Validation is separate so callers decide when a missing value is fatal.
func Load() (*Config, error) {
	applyAliases()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Railway and some managed add-ons expose connection strings under slightly
// different names; copy the first non-empty alias into the canonical variable
// before parsing.
func applyAliases() {
	aliases := map[string][]string{
		"DATABASE_URL": {"POSTGRES_URL", "POSTGRESQL_URL", "PGDATABASE_URL"},
		"REDIS_URL":    {"REDIS_PRIVATE_URL", "REDIS_PUBLIC_URL"},
	}
	for canonical, names := range aliases {
		if strings.TrimSpace(os.Getenv(canonical)) != "" {
			continue
		}
		for _, n := range names {
			if v := strings.TrimSpace(os.Getenv(n)); v != "" {
				os.Setenv(canonical, v)
				break
			}
		}
	}
}

// Validate checks required settings and returns a single human-readable error
// listing every missing or invalid variable, so deployment logs show exactly
// what is wrong.
func (c *Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.TelegramBotToken) == "" {
		missing = append(missing, "  - TELEGRAM_BOT_TOKEN: Telegram bot token from @BotFather")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		missing = append(missing, "  - DATABASE_URL: PostgreSQL connection string (or POSTGRES_URL / POSTGRESQL_URL)")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		missing = append(missing, "  - REDIS_URL: Redis connection string (or REDIS_PRIVATE_URL / REDIS_PUBLIC_URL)")
	}
	if strings.TrimSpace(c.ReplicateAPIToken) == "" {
		missing = append(missing, "  - REPLICATE_API_TOKEN: Replicate API token (required for generation)")
	}

	// A webhook without a real secret lets anyone inject updates.
	if c.TelegramWebhookURL != "" {
		secret := strings.TrimSpace(c.TelegramWebhookSecret)
		if secret == "" || secret == "changeme" {
			missing = append(missing, "  - TELEGRAM_WEBHOOK_SECRET: set a strong secret when TELEGRAM_WEBHOOK_URL is set")
		}
	}

	// Payments without a webhook secret means users pay but credits never accrue.
	if c.PaymentsEnabled() && strings.TrimSpace(c.YooKassaWebhookSecret) == "" {
		missing = append(missing, "  - YOOKASSA_WEBHOOK_SECRET: required when YooKassa credentials are set")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing/invalid environment variables:\n%s\nset them and restart", strings.Join(missing, "\n"))
	}
	return nil
}

// PaymentsEnabled reports whether the YooKassa pipeline should run.
func (c *Config) PaymentsEnabled() bool {
	return strings.TrimSpace(c.YooKassaShopID) != "" && strings.TrimSpace(c.YooKassaSecretKey) != ""
}

// RedisTLSEnabled reports whether the Redis connection should use TLS.
func (c *Config) RedisTLSEnabled() bool {
	return c.RedisSSL || strings.HasPrefix(c.RedisURL, "rediss://")
}

// IsAdmin reports whether the given external user id has admin privilege.
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// GenerationLockTTL is the per-user active-lock TTL.
func (c *Config) GenerationLockTTL() time.Duration {
	return time.Duration(c.GenerationLockTTLSec) * time.Second
}

// GenerationTimeout bounds a single backend invocation for image jobs.
// Video jobs get double this budget.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSec) * time.Second
}

// ReconcileInterval is the pending-payment reconciler period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

// SweepInterval is the GPU-slot sweeper / stuck-task reaper period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// GetAddr returns the full address string for the HTTP server.
func (c *Config) GetAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// TelegramWebhookPath is the secret-bearing path updates are posted to.
func (c *Config) TelegramWebhookPath() string {
	return "/webhook/telegram/" + c.TelegramWebhookSecret
}

// FullTelegramWebhookURL is the absolute URL registered with Telegram.
func (c *Config) FullTelegramWebhookURL() string {
	return strings.TrimRight(c.TelegramWebhookURL, "/") + c.TelegramWebhookPath()
}

// NormalizeDatabaseURL translates DATABASE_URL into a form pgx accepts.
//
// Heroku/Railway hand out postgres:// URLs, sometimes with an sslmode query
// parameter the managed proxy does not actually honor. The sslmode parameter
// is stripped from the URL and translated into an explicit boolean decision
// the caller applies to the pool's TLS config.
func NormalizeDatabaseURL(raw string) (cleaned string, sslRequired bool, err error) {
	if raw == "" {
		return "", false, fmt.Errorf("database URL is empty")
	}
	if strings.HasPrefix(raw, "postgres://") {
		raw = "postgresql://" + strings.TrimPrefix(raw, "postgres://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid database URL: %w", err)
	}

	q := u.Query()
	if mode := strings.ToLower(strings.TrimSpace(q.Get("sslmode"))); mode != "" {
		switch mode {
		case "require", "verify-ca", "verify-full":
			sslRequired = true
		}
		q.Del("sslmode")
	}
	if ssl := strings.ToLower(strings.TrimSpace(q.Get("ssl"))); ssl != "" {
		switch ssl {
		case "1", "true", "yes", "on", "require":
			sslRequired = true
		}
		q.Del("ssl")
	}
	u.RawQuery = q.Encode()

	// Private networking on Railway is plain TCP; forcing TLS hangs the dial.
	if strings.Contains(u.Hostname(), "railway.internal") {
		sslRequired = false
	}

	return u.String(), sslRequired, nil
}
