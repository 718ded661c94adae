package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DUELPOOL_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DUELPOOL_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// --- Postgres ---
	setStr(&cfg.Postgres.DSN, "DUELPOOL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DUELPOOL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DUELPOOL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DUELPOOL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DUELPOOL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DUELPOOL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DUELPOOL_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DUELPOOL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DUELPOOL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DUELPOOL_POSTGRES_RUN_MIGRATIONS")

	// --- Redis ---
	setStr(&cfg.Redis.Addr, "DUELPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DUELPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DUELPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DUELPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DUELPOOL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DUELPOOL_REDIS_TLS_ENABLED")

	// --- S3 ---
	setStr(&cfg.S3.Endpoint, "DUELPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DUELPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "DUELPOOL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DUELPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DUELPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DUELPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DUELPOOL_S3_FORCE_PATH_STYLE")

	// --- Server ---
	setBool(&cfg.Server.Enabled, "DUELPOOL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DUELPOOL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DUELPOOL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DUELPOOL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DUELPOOL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "DUELPOOL_SERVER_RATE_LIMIT_WINDOW")

	// --- Notify ---
	setStr(&cfg.Notify.TelegramToken, "DUELPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DUELPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DUELPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DUELPOOL_NOTIFY_EVENTS")

	// --- Archive ---
	setBool(&cfg.Archive.Enabled, "DUELPOOL_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "DUELPOOL_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "DUELPOOL_ARCHIVE_INTERVAL")

	// --- Top-level ---
	setStr(&cfg.Mode, "DUELPOOL_MODE")
	setStr(&cfg.LogLevel, "DUELPOOL_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
