package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds everything the ladder service reads from the environment.
type Config struct {
	Port            string
	BotServiceToken string
	PrivilegedRoles []string
	LogLevel        string

	RedisURL     string
	ExpiryEvents bool
	SettleDelay  time.Duration

	DatabaseURL string

	SheetsID        string
	CredentialsFile string
	CredentialsJSON string
	LadderSheet     string
	Timezone        *time.Location

	AnnounceWebhookURL string

	SweepInterval      time.Duration
	ScheduledSweepCron string

	Snapshot SnapshotConfig
}

// SnapshotConfig is optional; an empty bucket disables ladder exports.
type SnapshotConfig struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Cron            string
}

func (s SnapshotConfig) Enabled() bool {
	return s.Bucket != "" && s.AccountID != ""
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "5300"),
		BotServiceToken:    os.Getenv("BOT_SERVICE_TOKEN"),
		PrivilegedRoles:    splitList(getEnv("PRIVILEGED_ROLES", "admin,moderator")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           os.Getenv("REDIS_URL"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SheetsID:           os.Getenv("GOOGLE_SHEETS_ID"),
		CredentialsFile:    os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		CredentialsJSON:    os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		LadderSheet:        getEnv("LADDER_SHEET_NAME", "NA RANKED"),
		AnnounceWebhookURL: os.Getenv("ANNOUNCE_WEBHOOK_URL"),
		ScheduledSweepCron: getEnv("SCHEDULED_SWEEP_CRON", "0 */6 * * *"),
		Snapshot: SnapshotConfig{
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
			Cron:            getEnv("SNAPSHOT_CRON", "0 5 * * *"),
		},
	}

	var err error
	if cfg.ExpiryEvents, err = strconv.ParseBool(getEnv("EXPIRY_EVENTS", "true")); err != nil {
		return nil, fmt.Errorf("invalid EXPIRY_EVENTS: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(getEnv("SWEEP_INTERVAL", "5m")); err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	if cfg.SettleDelay, err = time.ParseDuration(getEnv("EXPIRY_SETTLE_DELAY", "2s")); err != nil {
		return nil, fmt.Errorf("invalid EXPIRY_SETTLE_DELAY: %w", err)
	}
	if cfg.Timezone, err = time.LoadLocation(getEnv("LADDER_TIMEZONE", "America/New_York")); err != nil {
		return nil, fmt.Errorf("invalid LADDER_TIMEZONE: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BotServiceToken == "" {
		missing = append(missing, "BOT_SERVICE_TOKEN")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.SheetsID == "" {
		missing = append(missing, "GOOGLE_SHEETS_ID")
	}
	if c.CredentialsFile == "" && c.CredentialsJSON == "" {
		missing = append(missing, "GOOGLE_CREDENTIALS_FILE or GOOGLE_CREDENTIALS_JSON")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1m, got %s", c.SweepInterval)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
