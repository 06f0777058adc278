package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Dispatch.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Dispatch.IdleTimeout)
	}
	if cfg.Dispatch.MaxTimeout != 45*time.Minute {
		t.Errorf("MaxTimeout = %v, want 45m", cfg.Dispatch.MaxTimeout)
	}
	if cfg.Dispatch.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.ReviewMaxRetries != 1 {
		t.Errorf("ReviewMaxRetries = %d, want 1", cfg.Dispatch.ReviewMaxRetries)
	}
	if cfg.Dispatch.ReviewMaxRetries >= cfg.Dispatch.MaxRetries {
		t.Error("review retries should be lower than worker retries")
	}
	if cfg.Review.Depth != "auto" {
		t.Errorf("Review.Depth = %q, want auto", cfg.Review.Depth)
	}
	if !cfg.Runner.Commit {
		t.Error("Runner.Commit should default to true")
	}
	if len(cfg.Dispatch.RateLimitPatterns) == 0 {
		t.Error("expected default rate limit patterns")
	}

	// Default must not share the package-level pattern slice.
	cfg.Dispatch.RateLimitPatterns[0] = "changed"
	if DefaultRateLimitPatterns[0] == "changed" {
		t.Error("Default() aliases DefaultRateLimitPatterns")
	}
}

func TestRetriesFor(t *testing.T) {
	d := Default().Dispatch
	if got := d.RetriesFor(false); got != 2 {
		t.Errorf("RetriesFor(worker) = %d, want 2", got)
	}
	if got := d.RetriesFor(true); got != 1 {
		t.Errorf("RetriesFor(review) = %d, want 1", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("uses XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		if got := ConfigDir(); got != filepath.Join("/tmp/xdg", "featurepipe") {
			t.Errorf("ConfigDir() = %q", got)
		}
	})

	t.Run("falls back to home", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory")
		}
		if got := ConfigDir(); got != filepath.Join(home, ".config", "featurepipe") {
			t.Errorf("ConfigDir() = %q", got)
		}
	})

	t.Run("config file inside dir", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		if got := ConfigFile(); got != filepath.Join("/tmp/xdg", "featurepipe", "config.yaml") {
			t.Errorf("ConfigFile() = %q", got)
		}
	})
}

func TestLoad_FromYAML(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
models:
  default:
    cli: codex
    model: gpt-5
  step_tiers:
    implement: deep
  steps:
    "planreview:skeptic":
      model: opus
dispatch:
  idle_timeout: 2m
  max_retries: 4
review:
  depth: deep
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Dispatch.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.Dispatch.IdleTimeout)
	}
	if cfg.Dispatch.MaxTimeout != 45*time.Minute {
		t.Errorf("MaxTimeout default lost: %v", cfg.Dispatch.MaxTimeout)
	}
	if cfg.Dispatch.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.Dispatch.MaxRetries)
	}
	if cfg.Review.Depth != "deep" {
		t.Errorf("Depth = %q", cfg.Review.Depth)
	}

	res := cfg.ResolveModel("planreview", "skeptic", "plan")
	if res.Model != "opus" || res.CLI != "codex" {
		t.Errorf("ResolveModel = %+v, want codex/opus", res)
	}
	impl := cfg.ResolveModel("implement", "", "")
	if impl.Model != "opus" || impl.ModelSource != SourceTier {
		t.Errorf("implement resolution = %+v, want tier opus", impl)
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("review.depth", "bottomless")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "review.depth") {
		t.Errorf("error should name the field: %v", err)
	}

	if cfg := Get(); cfg.Review.Depth != "auto" {
		t.Errorf("Get() should fall back to defaults, got depth %q", cfg.Review.Depth)
	}
}
