package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %s, want ./data", cfg.DataDir)
	}
	if cfg.ValidationMode != "enforce" {
		t.Errorf("ValidationMode = %s, want enforce", cfg.ValidationMode)
	}
	if cfg.ReviewerModel != "gpt-4o-mini" {
		t.Errorf("ReviewerModel = %s, want gpt-4o-mini", cfg.ReviewerModel)
	}
	if cfg.NarratorModel != "gpt-4o" {
		t.Errorf("NarratorModel = %s, want gpt-4o", cfg.NarratorModel)
	}
	if cfg.MaxConcurrentReview != 2 {
		t.Errorf("MaxConcurrentReview = %d, want 2", cfg.MaxConcurrentReview)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if !cfg.AutoPrune {
		t.Error("AutoPrune = false, want true")
	}
	if cfg.PruneAdvance != 5 {
		t.Errorf("PruneAdvance = %d, want 5", cfg.PruneAdvance)
	}
	if cfg.PruneMaxDelta != 2 {
		t.Errorf("PruneMaxDelta = %d, want 2", cfg.PruneMaxDelta)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Errorf("LockTimeout = %v, want 5s", cfg.LockTimeout)
	}
	if cfg.IncompleteTTL != 10*time.Minute {
		t.Errorf("IncompleteTTL = %v, want 10m", cfg.IncompleteTTL)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Clearenv()
	os.Setenv("LOOM_DATA_DIR", "/tmp/stories")
	os.Setenv("LOOM_VALIDATION_MODE", "warn")
	os.Setenv("LOOM_NARRATOR_MODEL", "gpt-4.1")
	os.Setenv("LOOM_AUTO_PRUNE", "false")
	os.Setenv("LOOM_PRUNE_ADVANCE", "8")
	os.Setenv("LOOM_LOCK_TIMEOUT", "250ms")
	os.Setenv("LOOM_INCOMPLETE_TTL", "1h")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir != "/tmp/stories" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.ValidationMode != "warn" {
		t.Errorf("ValidationMode = %s", cfg.ValidationMode)
	}
	if cfg.NarratorModel != "gpt-4.1" {
		t.Errorf("NarratorModel = %s", cfg.NarratorModel)
	}
	if cfg.AutoPrune {
		t.Error("AutoPrune = true, want false")
	}
	if cfg.PruneAdvance != 8 {
		t.Errorf("PruneAdvance = %d", cfg.PruneAdvance)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Errorf("LockTimeout = %v", cfg.LockTimeout)
	}
	if cfg.IncompleteTTL != time.Hour {
		t.Errorf("IncompleteTTL = %v", cfg.IncompleteTTL)
	}
}

func TestLoad_SharedOpenAIKey(t *testing.T) {
	os.Clearenv()
	os.Setenv("OPENAI_API_KEY", "sk-shared")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.NarratorKey != "sk-shared" || cfg.ReviewerKey != "sk-shared" {
		t.Errorf("keys = %q, %q, want shared fallback", cfg.NarratorKey, cfg.ReviewerKey)
	}

	os.Setenv("LOOM_REVIEWER_API_KEY", "sk-reviewer")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ReviewerKey != "sk-reviewer" || cfg.NarratorKey != "sk-shared" {
		t.Errorf("keys = %q, %q, dedicated key must win", cfg.NarratorKey, cfg.ReviewerKey)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.ValidationMode = "strict" }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero review slots", func(c *Config) { c.MaxConcurrentReview = 0 }},
		{"zero prune advance", func(c *Config) { c.PruneAdvance = 0 }},
		{"negative prune delta", func(c *Config) { c.PruneMaxDelta = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}
