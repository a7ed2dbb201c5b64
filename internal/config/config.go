package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds the runtime settings shared by the server, the scheduler and the CLI.
type Config struct {
	DatabaseURL        string
	Port               string
	CronSecret         string
	ResendAPIKey       string
	EmailFrom          string
	EmailRatePerSecond float64
	RedisURL           string
	SchedulerTick      time.Duration
	InvoiceScanSpec    string
	InvoiceDueSoonDays int
	LogLevel           string
	LogFormat          string
}

const (
	defaultPort            = "8080"
	defaultEmailFrom       = "AutoFlow <noreply@autoflow.local>"
	defaultEmailRate       = 2
	defaultSchedulerTick   = 60 * time.Second
	defaultInvoiceScanSpec = "0 8 * * *"
	defaultDueSoonDays     = 3
)

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Port:            getenv("PORT", defaultPort),
		CronSecret:      os.Getenv("CRON_API_SECRET"),
		ResendAPIKey:    os.Getenv("RESEND_API_KEY"),
		EmailFrom:       getenv("EMAIL_FROM", defaultEmailFrom),
		RedisURL:        os.Getenv("REDIS_URL"),
		InvoiceScanSpec: getenv("INVOICE_SCAN_SPEC", defaultInvoiceScanSpec),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		LogFormat:       os.Getenv("LOG_FORMAT"),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = dsnFromParts()
	}

	var err error
	if cfg.EmailRatePerSecond, err = getFloat("EMAIL_RATE_PER_SECOND", defaultEmailRate); err != nil {
		return Config{}, err
	}
	if cfg.InvoiceDueSoonDays, err = getInt("INVOICE_DUE_SOON_DAYS", defaultDueSoonDays); err != nil {
		return Config{}, err
	}
	cfg.SchedulerTick = defaultSchedulerTick
	if v := os.Getenv("SCHEDULER_TICK"); v != "" {
		if cfg.SchedulerTick, err = time.ParseDuration(v); err != nil {
			return Config{}, errors.Wrap(err, "invalid SCHEDULER_TICK")
		}
		if cfg.SchedulerTick <= 0 {
			return Config{}, errors.New("SCHEDULER_TICK must be positive")
		}
	}
	return cfg, nil
}

// dsnFromParts builds a connection string from DB_* variables, or returns "" when any is missing.
func dsnFromParts() string {
	user := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if user == "" || password == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return f, nil
}
