package config

import "testing"

func TestResolveModel(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Models.Default = ModelSpec{CLI: "claude", Model: "sonnet"}
		return cfg
	}

	tests := []struct {
		name        string
		setup       func(*Config)
		step        string
		persona     string
		category    string
		want        ModelSpec
		modelSource string
		cliSource   string
	}{
		{
			name:        "global default",
			setup:       func(*Config) {},
			step:        "plan",
			want:        ModelSpec{CLI: "claude", Model: "sonnet"},
			modelSource: SourceDefault,
			cliSource:   SourceDefault,
		},
		{
			name: "hardcoded fallback",
			setup: func(c *Config) {
				c.Models.Default = ModelSpec{}
			},
			step:        "plan",
			want:        FallbackModel,
			modelSource: SourceFallback,
			cliSource:   SourceFallback,
		},
		{
			name: "tier indirection",
			setup: func(c *Config) {
				c.Models.StepTiers["implement"] = "deep"
			},
			step:        "implement",
			want:        ModelSpec{CLI: "claude", Model: "opus"},
			modelSource: SourceTier,
			cliSource:   SourceTier,
		},
		{
			name: "category beats tier",
			setup: func(c *Config) {
				c.Models.StepTiers["codereview"] = "deep"
				c.Models.Categories["code"] = ModelSpec{CLI: "codex", Model: "gpt-5"}
			},
			step:        "codereview",
			persona:     "security",
			category:    "code",
			want:        ModelSpec{CLI: "codex", Model: "gpt-5"},
			modelSource: SourceCategory,
			cliSource:   SourceCategory,
		},
		{
			name: "step beats category",
			setup: func(c *Config) {
				c.Models.Categories["code"] = ModelSpec{CLI: "codex", Model: "gpt-5"}
				c.Models.Steps["codereview"] = ModelSpec{CLI: "gemini", Model: "gemini-2.5-pro"}
			},
			step:        "codereview",
			persona:     "security",
			category:    "code",
			want:        ModelSpec{CLI: "gemini", Model: "gemini-2.5-pro"},
			modelSource: SourceStep,
			cliSource:   SourceStep,
		},
		{
			name: "persona beats step",
			setup: func(c *Config) {
				c.Models.Steps["codereview"] = ModelSpec{CLI: "gemini", Model: "gemini-2.5-pro"}
				c.Models.Steps["codereview:security"] = ModelSpec{CLI: "codex", Model: "o3"}
			},
			step:        "codereview",
			persona:     "security",
			category:    "code",
			want:        ModelSpec{CLI: "codex", Model: "o3"},
			modelSource: SourcePersona,
			cliSource:   SourcePersona,
		},
		{
			name: "partial entry inherits cli",
			setup: func(c *Config) {
				c.Models.Categories["plan"] = ModelSpec{CLI: "codex"}
				c.Models.Steps["planreview"] = ModelSpec{Model: "o3"}
			},
			step:        "planreview",
			persona:     "skeptic",
			category:    "plan",
			want:        ModelSpec{CLI: "codex", Model: "o3"},
			modelSource: SourceStep,
			cliSource:   SourceCategory,
		},
		{
			name: "lowercased viper keys",
			setup: func(c *Config) {
				c.Models.Steps["planreview:devils-advocate"] = ModelSpec{Model: "opus"}
			},
			step:        "planreview",
			persona:     "Devils-Advocate",
			want:        ModelSpec{CLI: "claude", Model: "opus"},
			modelSource: SourcePersona,
			cliSource:   SourceDefault,
		},
		{
			name: "missing tier is skipped",
			setup: func(c *Config) {
				c.Models.StepTiers["plan"] = "nonexistent"
			},
			step:        "plan",
			want:        ModelSpec{CLI: "claude", Model: "sonnet"},
			modelSource: SourceDefault,
			cliSource:   SourceDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.setup(cfg)
			got := cfg.ResolveModel(tt.step, tt.persona, tt.category)
			if got.ModelSpec != tt.want {
				t.Errorf("ResolveModel() = %+v, want %+v", got.ModelSpec, tt.want)
			}
			if got.ModelSource != tt.modelSource {
				t.Errorf("ModelSource = %q, want %q", got.ModelSource, tt.modelSource)
			}
			if got.CLISource != tt.cliSource {
				t.Errorf("CLISource = %q, want %q", got.CLISource, tt.cliSource)
			}
		})
	}
}
