package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "dispatch.max_retries",
		Value:   -1,
		Message: "must be non-negative",
	}

	expected := "dispatch.max_retries: must be non-negative (got: -1)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("default config has validation errors: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "unknown cli",
			mutate: func(c *Config) { c.Models.Default.CLI = "cursor" },
			field:  "models.default.cli",
		},
		{
			name:   "undefined tier",
			mutate: func(c *Config) { c.Models.StepTiers["plan"] = "ultra" },
			field:  "models.step_tiers.plan",
		},
		{
			name:   "persona override with unknown cli",
			mutate: func(c *Config) { c.Models.Steps["codereview:security"] = ModelSpec{CLI: "bard"} },
			field:  "models.steps.codereview:security.cli",
		},
		{
			name:   "zero idle timeout",
			mutate: func(c *Config) { c.Dispatch.IdleTimeout = 0 },
			field:  "dispatch.idle_timeout",
		},
		{
			name: "idle exceeds max",
			mutate: func(c *Config) {
				c.Dispatch.IdleTimeout = time.Hour
				c.Dispatch.MaxTimeout = time.Minute
			},
			field: "dispatch.idle_timeout",
		},
		{
			name:   "negative retries",
			mutate: func(c *Config) { c.Dispatch.MaxRetries = -1 },
			field:  "dispatch.max_retries",
		},
		{
			name:   "negative review retries",
			mutate: func(c *Config) { c.Dispatch.ReviewMaxRetries = -1 },
			field:  "dispatch.review_max_retries",
		},
		{
			name:   "bad rate limit regexp",
			mutate: func(c *Config) { c.Dispatch.RateLimitPatterns = []string{"("} },
			field:  "dispatch.rate_limit_patterns[0]",
		},
		{
			name:   "unknown depth",
			mutate: func(c *Config) { c.Review.Depth = "extreme" },
			field:  "review.depth",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Logging.Level = "trace" },
			field:  "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %q in %v", tt.field, errs)
			}
		})
	}
}
