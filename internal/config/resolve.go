package config

import "strings"

// FallbackModel is used when no configuration level names a CLI or model.
var FallbackModel = ModelSpec{CLI: "claude", Model: "sonnet"}

// Resolution sources, most specific first.
const (
	SourcePersona  = "persona"
	SourceStep     = "step"
	SourceCategory = "category"
	SourceTier     = "tier"
	SourceDefault  = "default"
	SourceFallback = "fallback"
)

// Resolution is the outcome of walking the model override chain.
type Resolution struct {
	ModelSpec
	// CLISource and ModelSource name the level each field came from.
	CLISource   string `json:"cliSource"`
	ModelSource string `json:"modelSource"`
}

// PersonaKey builds the steps map key for one persona of a review step.
func PersonaKey(step, persona string) string {
	return step + ":" + persona
}

// ResolveModel walks the override chain for a step, and optionally for a
// persona within a review category:
//
//	steps["step:persona"] -> steps[step] -> categories[category]
//	  -> tiers[step_tiers[step]] -> default -> FallbackModel
//
// Each field is taken from the first level that sets it, so a level naming
// only a model inherits its CLI from the levels below.
func (c *Config) ResolveModel(step, persona, category string) Resolution {
	type level struct {
		source string
		spec   ModelSpec
	}

	m := c.Models
	var chain []level
	if persona != "" {
		if spec, ok := lookup(m.Steps, PersonaKey(step, persona)); ok {
			chain = append(chain, level{SourcePersona, spec})
		}
	}
	if spec, ok := lookup(m.Steps, step); ok {
		chain = append(chain, level{SourceStep, spec})
	}
	if category != "" {
		if spec, ok := lookup(m.Categories, category); ok {
			chain = append(chain, level{SourceCategory, spec})
		}
	}
	if tier, ok := m.StepTiers[strings.ToLower(step)]; ok && tier != "" {
		if spec, ok := lookup(m.Tiers, tier); ok {
			chain = append(chain, level{SourceTier, spec})
		}
	}
	chain = append(chain, level{SourceDefault, m.Default}, level{SourceFallback, FallbackModel})

	var res Resolution
	for _, l := range chain {
		if res.CLI == "" && l.spec.CLI != "" {
			res.CLI = l.spec.CLI
			res.CLISource = l.source
		}
		if res.Model == "" && l.spec.Model != "" {
			res.Model = l.spec.Model
			res.ModelSource = l.source
		}
	}
	return res
}

// lookup reads a map keyed by viper, which lowercases every key.
func lookup(specs map[string]ModelSpec, key string) (ModelSpec, bool) {
	if spec, ok := specs[key]; ok && !spec.IsZero() {
		return spec, true
	}
	if spec, ok := specs[strings.ToLower(key)]; ok && !spec.IsZero() {
		return spec, true
	}
	return ModelSpec{}, false
}
