package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	MigrateOnStart bool

	CutoverHour       int
	MaxOpenHours      int
	AutoCloseInterval time.Duration

	NotifyInterval     time.Duration
	NotifyBatchSize    int
	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string

	DirectoryURL string
	BillingURL   string
	BillingToken string

	RateLimitPerMinute           int
	RateLimitBurst               int
	DepartmentRateLimitPerMinute int
	DepartmentRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		MigrateOnStart: readBool("MIGRATE_ON_START", true),

		CutoverHour:       readInt("CUTOVER_HOUR", 24),
		MaxOpenHours:      readInt("MAX_OPEN_HOURS", 16),
		AutoCloseInterval: readDurationSeconds("AUTO_CLOSE_INTERVAL_SECONDS", 60),

		NotifyInterval:     readDurationSeconds("NOTIFY_POLL_SECONDS", 2),
		NotifyBatchSize:    readInt("NOTIFY_BATCH_SIZE", 50),
		NotifyProvider:     os.Getenv("NOTIFY_PROVIDER"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),

		DirectoryURL: os.Getenv("DIRECTORY_URL"),
		BillingURL:   os.Getenv("BILLING_URL"),
		BillingToken: os.Getenv("BILLING_TOKEN"),

		RateLimitPerMinute:           readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:               readInt("RATE_LIMIT_BURST", 30),
		DepartmentRateLimitPerMinute: readInt("DEPARTMENT_RATE_LIMIT_PER_MIN", 600),
		DepartmentRateLimitBurst:     readInt("DEPARTMENT_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
