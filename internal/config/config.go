// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote authority
	AuthorityBaseURL string
	AuthorityToken   string

	// Storage
	DataDir string

	// Poll
	PollInterval     time.Duration
	KickoffDelay     time.Duration
	MinIntervalHours int
	ItemDelay        time.Duration

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Conditional fetch cache
	CacheCapacity int
	CacheTTL      time.Duration

	// Jobs
	JobMaxAge time.Duration

	// Defaults per subscription
	DefaultMaxItemsPerRun int
	DefaultBackfillDays   int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.AuthorityBaseURL = os.Getenv("AUTHORITY_BASE_URL")
	if cfg.AuthorityBaseURL == "" {
		missing = append(missing, "AUTHORITY_BASE_URL")
	}

	cfg.AuthorityToken = os.Getenv("AUTHORITY_TOKEN")
	if cfg.AuthorityToken == "" {
		missing = append(missing, "AUTHORITY_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DataDir = getEnvString("DATA_DIR", "./data")
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 30*time.Minute)
	cfg.KickoffDelay = getEnvDuration("KICKOFF_DELAY", 10*time.Second)
	cfg.MinIntervalHours = getEnvInt("MIN_INTERVAL_HOURS", 1)
	cfg.ItemDelay = getEnvDuration("ITEM_DELAY", 2*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.CacheCapacity = getEnvInt("CACHE_CAPACITY", 100)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 24*time.Hour)
	cfg.JobMaxAge = getEnvDuration("JOB_MAX_AGE", 7*24*time.Hour)
	cfg.DefaultMaxItemsPerRun = getEnvInt("DEFAULT_MAX_ITEMS_PER_RUN", 20)
	cfg.DefaultBackfillDays = getEnvInt("DEFAULT_BACKFILL_DAYS", 7)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
