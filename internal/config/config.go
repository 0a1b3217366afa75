// Package config centralizes runtime configuration, loaded from
// environment variables with validation and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the story engine.
type Config struct {
	// Storage settings
	DataDir string

	// Mutation gate settings
	ValidationMode string // off | warn | enforce

	// Reviewer collaborator (optional; empty key disables review)
	ReviewerKey         string
	ReviewerBaseURL     string
	ReviewerModel       string
	MaxConcurrentReview int

	// Narrator collaborator
	NarratorKey     string
	NarratorBaseURL string
	NarratorModel   string
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration

	// Branch hygiene
	AutoPrune     bool
	PruneAdvance  int
	PruneMaxDelta int
	LockTimeout   time.Duration
	IncompleteTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Defaults
		DataDir:             getEnv("LOOM_DATA_DIR", "./data"),
		ValidationMode:      getEnv("LOOM_VALIDATION_MODE", "enforce"),
		ReviewerKey:         getEnv("LOOM_REVIEWER_API_KEY", os.Getenv("OPENAI_API_KEY")),
		ReviewerBaseURL:     os.Getenv("LOOM_REVIEWER_BASE_URL"),
		ReviewerModel:       getEnv("LOOM_REVIEWER_MODEL", "gpt-4o-mini"),
		MaxConcurrentReview: getEnvInt("LOOM_MAX_CONCURRENT_REVIEW", 2),
		NarratorKey:         getEnv("LOOM_NARRATOR_API_KEY", os.Getenv("OPENAI_API_KEY")),
		NarratorBaseURL:     os.Getenv("LOOM_NARRATOR_BASE_URL"),
		NarratorModel:       getEnv("LOOM_NARRATOR_MODEL", "gpt-4o"),
		Timeout:             getEnvDuration("LOOM_LLM_TIMEOUT", 60*time.Second),
		MaxRetries:          getEnvInt("LOOM_LLM_MAX_RETRIES", 3),
		RetryDelay:          getEnvDuration("LOOM_LLM_RETRY_DELAY", 2*time.Second),
		AutoPrune:           getEnvBool("LOOM_AUTO_PRUNE", true),
		PruneAdvance:        getEnvInt("LOOM_PRUNE_ADVANCE", 5),
		PruneMaxDelta:       getEnvInt("LOOM_PRUNE_MAX_DELTA", 2),
		LockTimeout:         getEnvDuration("LOOM_LOCK_TIMEOUT", 5*time.Second),
		IncompleteTTL:       getEnvDuration("LOOM_INCOMPLETE_TTL", 10*time.Minute),
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.ValidationMode {
	case "off", "warn", "enforce":
	default:
		return fmt.Errorf("LOOM_VALIDATION_MODE must be off, warn, or enforce, got %q", c.ValidationMode)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("LOOM_LLM_MAX_RETRIES must be 0-10, got %d", c.MaxRetries)
	}
	if c.MaxConcurrentReview < 1 {
		return fmt.Errorf("LOOM_MAX_CONCURRENT_REVIEW must be >= 1, got %d", c.MaxConcurrentReview)
	}
	if c.PruneAdvance < 1 {
		return fmt.Errorf("LOOM_PRUNE_ADVANCE must be >= 1, got %d", c.PruneAdvance)
	}
	if c.PruneMaxDelta < 0 {
		return fmt.Errorf("LOOM_PRUNE_MAX_DELTA must be >= 0, got %d", c.PruneMaxDelta)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
