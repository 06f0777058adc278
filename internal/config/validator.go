package config

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "dispatch.idle_timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDepths returns the accepted review.depth values
func ValidDepths() []string {
	return []string{"auto", "light", "standard", "deep"}
}

// ValidCLIs returns the worker CLIs featurepipe knows how to drive
func ValidCLIs() []string {
	return []string{"claude", "codex", "gemini"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateModels()...)
	errors = append(errors, c.validateDispatch()...)
	errors = append(errors, c.validateReview()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func validateSpec(field string, spec ModelSpec) []ValidationError {
	if spec.CLI != "" && !slices.Contains(ValidCLIs(), spec.CLI) {
		return []ValidationError{{
			Field:   field + ".cli",
			Value:   spec.CLI,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCLIs(), ", ")),
		}}
	}
	return nil
}

// sortedKeys keeps validation output stable across runs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validateModels validates the ModelsConfig
func (c *Config) validateModels() []ValidationError {
	var errors []ValidationError
	m := c.Models

	errors = append(errors, validateSpec("models.default", m.Default)...)
	for _, name := range sortedKeys(m.Tiers) {
		errors = append(errors, validateSpec("models.tiers."+name, m.Tiers[name])...)
	}
	for _, key := range sortedKeys(m.Steps) {
		errors = append(errors, validateSpec("models.steps."+key, m.Steps[key])...)
	}
	for _, cat := range sortedKeys(m.Categories) {
		errors = append(errors, validateSpec("models.categories."+cat, m.Categories[cat])...)
	}

	for _, step := range sortedKeys(m.StepTiers) {
		tier := m.StepTiers[step]
		if _, ok := m.Tiers[tier]; !ok {
			errors = append(errors, ValidationError{
				Field:   "models.step_tiers." + step,
				Value:   tier,
				Message: "references an undefined tier",
			})
		}
	}

	return errors
}

// validateDispatch validates the DispatchConfig
func (c *Config) validateDispatch() []ValidationError {
	var errors []ValidationError
	d := c.Dispatch

	positive := []struct {
		field string
		value time.Duration
	}{
		{"dispatch.idle_timeout", d.IdleTimeout},
		{"dispatch.max_timeout", d.MaxTimeout},
		{"dispatch.poll_interval", d.PollInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "must be positive",
			})
		}
	}

	if d.IdleTimeout > 0 && d.MaxTimeout > 0 && d.IdleTimeout > d.MaxTimeout {
		errors = append(errors, ValidationError{
			Field:   "dispatch.idle_timeout",
			Value:   d.IdleTimeout,
			Message: fmt.Sprintf("must not exceed dispatch.max_timeout (%s)", d.MaxTimeout),
		})
	}

	if d.CompletionGrace < 0 {
		errors = append(errors, ValidationError{
			Field:   "dispatch.completion_grace",
			Value:   d.CompletionGrace,
			Message: "must be non-negative",
		})
	}
	if d.RetryDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "dispatch.retry_delay",
			Value:   d.RetryDelay,
			Message: "must be non-negative",
		})
	}
	if d.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "dispatch.max_retries",
			Value:   d.MaxRetries,
			Message: "must be non-negative",
		})
	}
	if d.ReviewMaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "dispatch.review_max_retries",
			Value:   d.ReviewMaxRetries,
			Message: "must be non-negative",
		})
	}

	for i, pattern := range d.RateLimitPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("dispatch.rate_limit_patterns[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	return errors
}

// validateReview validates the ReviewConfig
func (c *Config) validateReview() []ValidationError {
	var errors []ValidationError

	if c.Review.Depth != "" && !slices.Contains(ValidDepths(), c.Review.Depth) {
		errors = append(errors, ValidationError{
			Field:   "review.depth",
			Value:   c.Review.Depth,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDepths(), ", ")),
		})
	}
	if c.Review.MaxIssuesInPrompt < 0 {
		errors = append(errors, ValidationError{
			Field:   "review.max_issues_in_prompt",
			Value:   c.Review.MaxIssuesInPrompt,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
