package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete featurepipe configuration
type Config struct {
	Models    ModelsConfig    `mapstructure:"models"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Review    ReviewConfig    `mapstructure:"review"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	// FlowsDir is a directory of YAML flow overrides merged over the built-in flows.
	// Empty means built-in flows only.
	FlowsDir string `mapstructure:"flows_dir"`
}

// ModelSpec names an external CLI program and the model string passed to it.
type ModelSpec struct {
	CLI   string `mapstructure:"cli" json:"cli" yaml:"cli"`
	Model string `mapstructure:"model" json:"model" yaml:"model"`
}

// IsZero reports whether neither field is set.
func (m ModelSpec) IsZero() bool {
	return m.CLI == "" && m.Model == ""
}

// ModelsConfig controls which CLI and model every step and persona uses.
type ModelsConfig struct {
	// Default applies when nothing more specific resolves.
	Default ModelSpec `mapstructure:"default"`
	// Tiers are named model specs referenced from StepTiers.
	Tiers map[string]ModelSpec `mapstructure:"tiers"`
	// StepTiers maps a step name to a tier name.
	StepTiers map[string]string `mapstructure:"step_tiers"`
	// Steps overrides a step ("plan") or a single persona of a review step
	// ("planreview:skeptic").
	Steps map[string]ModelSpec `mapstructure:"steps"`
	// Categories overrides every persona of a review category ("code", "plan"...).
	Categories map[string]ModelSpec `mapstructure:"categories"`
}

// DispatchConfig controls external worker invocation
type DispatchConfig struct {
	// IdleTimeout fires when output stops growing for this long, once output has started.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// MaxTimeout is the hard ceiling on a single attempt regardless of activity.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	// PollInterval is how often the output file size is sampled.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CompletionGrace is how long to keep reading after an in-band completion marker.
	CompletionGrace time.Duration `mapstructure:"completion_grace"`
	// MaxRetries is the number of additional attempts for worker steps.
	MaxRetries int `mapstructure:"max_retries"`
	// ReviewMaxRetries is the number of additional attempts for review personas and fixers.
	ReviewMaxRetries int `mapstructure:"review_max_retries"`
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// WorkDir is where prompt and output files are written. Empty uses the OS temp dir.
	WorkDir string `mapstructure:"work_dir"`
	// UsePTY attaches workers to a pseudo-terminal instead of plain pipes.
	UsePTY bool `mapstructure:"use_pty"`
	// RateLimitPatterns are regular expressions scanned over worker output after
	// retries are exhausted. A match classifies the failure as a rate limit.
	RateLimitPatterns []string `mapstructure:"rate_limit_patterns"`
}

// ReviewConfig controls review loops
type ReviewConfig struct {
	// Depth forces the iteration budget. "auto" sizes it from the change.
	// Options: "auto", "light", "standard", "deep"
	Depth string `mapstructure:"depth"`
	// MaxIssuesInPrompt caps the issue summary handed to the fixer.
	MaxIssuesInPrompt int `mapstructure:"max_issues_in_prompt"`
}

// RunnerConfig controls the sequential pipeline runner
type RunnerConfig struct {
	// ProtectedPaths are restored from git after every worker step.
	ProtectedPaths []string `mapstructure:"protected_paths"`
	// Commit records a git commit after each completed step.
	Commit bool `mapstructure:"commit"`
	// CommitPrefix is prepended to every commit subject.
	CommitPrefix string `mapstructure:"commit_prefix"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is where featurepipe.log is written. Empty means
	// <feature-dir>/.featurepipe when a feature is given, stderr otherwise.
	Dir string `mapstructure:"dir"`
}

// TelemetryConfig controls OpenTelemetry export
type TelemetryConfig struct {
	// Enabled installs real tracer and meter providers. Disabled uses no-ops.
	Enabled bool `mapstructure:"enabled"`
	// File receives exported spans and metrics as JSON. Empty means stderr.
	File string `mapstructure:"file"`
}

// DefaultRateLimitPatterns are matched case-insensitively against worker output.
var DefaultRateLimitPatterns = []string{
	`(?i)(?:rate limit|quota) (?:exceeded|reached)`,
	`(?i)usage limit`,
	`(?i)too many requests`,
	`(?i)(?:api|request) (?:error|failed).*429`,
	`(?i)overloaded_error`,
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Default: ModelSpec{CLI: "claude", Model: "sonnet"},
			Tiers: map[string]ModelSpec{
				"fast":     {CLI: "claude", Model: "haiku"},
				"balanced": {CLI: "claude", Model: "sonnet"},
				"deep":     {CLI: "claude", Model: "opus"},
			},
			StepTiers:  map[string]string{},
			Steps:      map[string]ModelSpec{},
			Categories: map[string]ModelSpec{},
		},
		Dispatch: DispatchConfig{
			IdleTimeout:       5 * time.Minute,
			MaxTimeout:        45 * time.Minute,
			PollInterval:      2 * time.Second,
			CompletionGrace:   3 * time.Second,
			MaxRetries:        2,
			ReviewMaxRetries:  1,
			RetryDelay:        15 * time.Second,
			WorkDir:           "",
			UsePTY:            false,
			RateLimitPatterns: append([]string(nil), DefaultRateLimitPatterns...),
		},
		Review: ReviewConfig{
			Depth:             "auto",
			MaxIssuesInPrompt: 50,
		},
		Runner: RunnerConfig{
			ProtectedPaths: []string{".claude", ".codex"},
			Commit:         true,
			CommitPrefix:   "featurepipe:",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			File:    "",
		},
		FlowsDir: "",
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Model defaults
	viper.SetDefault("models.default.cli", defaults.Models.Default.CLI)
	viper.SetDefault("models.default.model", defaults.Models.Default.Model)
	// Tiers are registered leaf by leaf so a config file can add tiers
	// without replacing the built-in ones.
	for name, spec := range defaults.Models.Tiers {
		viper.SetDefault("models.tiers."+name+".cli", spec.CLI)
		viper.SetDefault("models.tiers."+name+".model", spec.Model)
	}

	// Dispatch defaults
	viper.SetDefault("dispatch.idle_timeout", defaults.Dispatch.IdleTimeout)
	viper.SetDefault("dispatch.max_timeout", defaults.Dispatch.MaxTimeout)
	viper.SetDefault("dispatch.poll_interval", defaults.Dispatch.PollInterval)
	viper.SetDefault("dispatch.completion_grace", defaults.Dispatch.CompletionGrace)
	viper.SetDefault("dispatch.max_retries", defaults.Dispatch.MaxRetries)
	viper.SetDefault("dispatch.review_max_retries", defaults.Dispatch.ReviewMaxRetries)
	viper.SetDefault("dispatch.retry_delay", defaults.Dispatch.RetryDelay)
	viper.SetDefault("dispatch.work_dir", defaults.Dispatch.WorkDir)
	viper.SetDefault("dispatch.use_pty", defaults.Dispatch.UsePTY)
	viper.SetDefault("dispatch.rate_limit_patterns", defaults.Dispatch.RateLimitPatterns)

	// Review defaults
	viper.SetDefault("review.depth", defaults.Review.Depth)
	viper.SetDefault("review.max_issues_in_prompt", defaults.Review.MaxIssuesInPrompt)

	// Runner defaults
	viper.SetDefault("runner.protected_paths", defaults.Runner.ProtectedPaths)
	viper.SetDefault("runner.commit", defaults.Runner.Commit)
	viper.SetDefault("runner.commit_prefix", defaults.Runner.CommitPrefix)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.file", defaults.Telemetry.File)

	viper.SetDefault("flows_dir", defaults.FlowsDir)
}

// Load reads the configuration from viper into a Config struct
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration cannot be decoded or is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the featurepipe configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "featurepipe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".featurepipe"
	}
	return filepath.Join(home, ".config", "featurepipe")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// RetriesFor returns the retry budget for a worker step or a review role.
func (c *DispatchConfig) RetriesFor(review bool) int {
	if review {
		return c.ReviewMaxRetries
	}
	return c.MaxRetries
}
