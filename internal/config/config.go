package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	ServerPort     int
	APIBaseURL     string // Base URL of the gallery REST backend
	DatabasePath   string
	PageLimit      int
	RecentMax      int
	RecentPoll     string // Cron spec for the recent feed poller, empty disables it
	MaxImageDim    int
	LogLevel       string
	LogFormat      string // "console" or "json"
	AllowedOrigins []string
	HTTPTimeout    time.Duration
}

// Load loads configuration from environment variables or sets defaults.
func Load() (*Config, error) {
	port, err := getEnvInt("PORT", 8090)
	if err != nil {
		return nil, err
	}
	pageLimit, err := getEnvInt("GALLERY_PAGE_LIMIT", 12)
	if err != nil {
		return nil, err
	}
	recentMax, err := getEnvInt("GALLERY_RECENT_MAX", 10)
	if err != nil {
		return nil, err
	}
	maxDim, err := getEnvInt("GALLERY_MAX_IMAGE_DIM", 2048)
	if err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(getEnv("GALLERY_HTTP_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("GALLERY_HTTP_TIMEOUT: %w", err)
	}

	var origins []string
	for _, o := range strings.Split(getEnv("GALLERY_ALLOWED_ORIGINS", "http://localhost:3000"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		ServerPort:     port,
		APIBaseURL:     strings.TrimRight(getEnv("GALLERY_API_URL", "http://localhost:8080/api"), "/"),
		DatabasePath:   getEnv("GALLERY_DB_PATH", "./gallery.db"),
		PageLimit:      pageLimit,
		RecentMax:      recentMax,
		RecentPoll:     getEnv("GALLERY_RECENT_POLL", "@every 1m"),
		MaxImageDim:    maxDim,
		LogLevel:       getEnv("GALLERY_LOG_LEVEL", "info"),
		LogFormat:      getEnv("GALLERY_LOG_FORMAT", "console"),
		AllowedOrigins: origins,
		HTTPTimeout:    timeout,
	}, nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	return n, nil
}
