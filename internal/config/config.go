package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the chat relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL  string
	StoreTimeout time.Duration

	OpenRouterAPIKey string
	OpenRouterURL    string
	TextModel        string
	VisionModel      string
	RelayTimeout     time.Duration
	ContextWindow    int

	MaxUploadBytes     int64
	FallbackSessionCap int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	// Missing .env is fine; real deployments configure via environment.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "chatrelay"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		OpenRouterAPIKey: stringsTrimSpace("OPENROUTER_API_KEY"),
		OpenRouterURL:    envOrDefault("OPENROUTER_URL", "https://openrouter.ai/api/v1/chat/completions"),
		TextModel:        envOrDefault("RELAY_TEXT_MODEL", "google/gemma-3n-e2b-it:free"),
		VisionModel:      envOrDefault("RELAY_VISION_MODEL", "meta-llama/llama-3.2-11b-vision-instruct:free"),

		ShutdownTimeout:    15 * time.Second,
		StoreTimeout:       5 * time.Second,
		RelayTimeout:       60 * time.Second,
		ContextWindow:      10,
		MaxUploadBytes:     16 << 20,
		FallbackSessionCap: 100,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayTimeout, err = durationFromEnv("RELAY_TIMEOUT", cfg.RelayTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextWindow, err = intFromEnv("RELAY_CONTEXT_WINDOW", cfg.ContextWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.FallbackSessionCap, err = intFromEnv("FALLBACK_SESSION_CAP", cfg.FallbackSessionCap)
	if err != nil {
		return Config{}, err
	}
	maxUpload, err := intFromEnv("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ContextWindow <= 0 {
		return Config{}, fmt.Errorf("RELAY_CONTEXT_WINDOW must be positive")
	}
	if cfg.FallbackSessionCap <= 0 {
		return Config{}, fmt.Errorf("FALLBACK_SESSION_CAP must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if cfg.StoreTimeout < time.Second {
		return Config{}, fmt.Errorf("STORE_TIMEOUT must be at least 1s")
	}
	if strings.TrimSpace(cfg.OpenRouterURL) == "" {
		return Config{}, fmt.Errorf("OPENROUTER_URL must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
