package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	DBPath        string
	TickInterval  time.Duration
	MaxConcurrent int
	MaxAttempts   int
	Providers     []string
	RetentionDays int
}

func Load() Config {
	// Optional .env for local development; deployments set real env vars.
	_ = godotenv.Load()

	return Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "barsync.db"),
		TickInterval:  getEnvDuration("TICK_INTERVAL", 60*time.Second),
		MaxConcurrent: getEnvInt("MAX_CONCURRENT", 8),
		MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 5),
		Providers:     getEnvList("PROVIDERS", []string{"yahoo", "stooq"}),
		RetentionDays: getEnvInt("RETENTION_DAYS", 60),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
