package flow

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// TeamType selects how a step is dispatched.
type TeamType string

const (
	// TeamTypeTeam dispatches one worker.
	TeamTypeTeam TeamType = "team"
	// TeamTypeReviewLoop runs reviewers and a fixer until convergence.
	TeamTypeReviewLoop TeamType = "review-loop"
	// TeamTypeParallelReview runs reviewers concurrently with a fixer pass.
	TeamTypeParallelReview TeamType = "parallel-review"
)

// IsReview reports whether the team type drives a review loop.
func (t TeamType) IsReview() bool {
	return t == TeamTypeReviewLoop || t == TeamTypeParallelReview
}

// IsValid returns true if the team type is a recognized value
func (t TeamType) IsValid() bool {
	switch t {
	case TeamTypeTeam, TeamTypeReviewLoop, TeamTypeParallelReview:
		return true
	}
	return false
}

// Teammate is one role within a step's team.
type Teammate struct {
	Role        string `json:"role" yaml:"role"`
	Persona     string `json:"persona,omitempty" yaml:"persona,omitempty"`
	WriteAccess bool   `json:"writeAccess" yaml:"writeAccess"`
	MaxTurns    int    `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
}

// StepTeamConfig declares how a step is staffed.
type StepTeamConfig struct {
	Type                TeamType   `json:"type" yaml:"type"`
	Teammates           []Teammate `json:"teammates" yaml:"teammates"`
	MaxReviewIterations int        `json:"maxReviewIterations,omitempty" yaml:"maxReviewIterations,omitempty"`
	ReviewCommunication string     `json:"reviewCommunication,omitempty" yaml:"reviewCommunication,omitempty"`
	MaxTurns            int        `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
}

// Reviewers returns the read-only teammates.
func (c StepTeamConfig) Reviewers() []Teammate {
	var out []Teammate
	for _, tm := range c.Teammates {
		if !tm.WriteAccess {
			out = append(out, tm)
		}
	}
	return out
}

// Fixers returns the write-enabled teammates.
func (c StepTeamConfig) Fixers() []Teammate {
	var out []Teammate
	for _, tm := range c.Teammates {
		if tm.WriteAccess {
			out = append(out, tm)
		}
	}
	return out
}

// BranchAction is what a conditional outcome does to the pipeline.
type BranchAction string

const (
	BranchReplace  BranchAction = "replace"
	BranchPause    BranchAction = "pause"
	BranchContinue BranchAction = "continue"
)

// ConditionalBranch is the rule attached to a "step:OUTCOME" key.
type ConditionalBranch struct {
	Action BranchAction `json:"action" yaml:"action"`
	// Pipeline is the replacement step list for BranchReplace.
	Pipeline []string `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	Variant  string   `json:"variant,omitempty" yaml:"variant,omitempty"`
	Message  string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// GateOption is one labeled choice of a user gate.
type GateOption struct {
	Label          string `json:"label" yaml:"label"`
	ConditionalKey string `json:"conditionalKey" yaml:"conditionalKey"`
}

// UserGate is a multi-way decision offered to the operator after a step pauses.
type UserGate struct {
	Message string       `json:"message" yaml:"message"`
	Options []GateOption `json:"options" yaml:"options"`
}

// Definition is the static description of one flow.
type Definition struct {
	Name                string                       `json:"name" yaml:"name"`
	Description         string                       `json:"description,omitempty" yaml:"description,omitempty"`
	Steps               []string                     `json:"steps" yaml:"steps"`
	Reviews             []string                     `json:"reviews,omitempty" yaml:"reviews,omitempty"`
	Conditionals        []string                     `json:"conditionals,omitempty" yaml:"conditionals,omitempty"`
	Context             map[string]map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
	ContextInject       map[string]map[string]bool   `json:"contextInject,omitempty" yaml:"contextInject,omitempty"`
	Prerequisites       map[string][]string          `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Artifacts           map[string]ArtifactSpec      `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	TeamConfig          map[string]StepTeamConfig    `json:"teamConfig,omitempty" yaml:"teamConfig,omitempty"`
	ConditionalBranches map[string]ConditionalBranch `json:"conditionalBranches,omitempty" yaml:"conditionalBranches,omitempty"`
	UserGates           map[string]UserGate          `json:"userGates,omitempty" yaml:"userGates,omitempty"`
	ReviewTargets       map[string][]string          `json:"reviewTargets,omitempty" yaml:"reviewTargets,omitempty"`
	ReviewPersonaGroups map[string]string            `json:"reviewPersonaGroups,omitempty" yaml:"reviewPersonaGroups,omitempty"`
	DiscussionSteps     []string                     `json:"discussionSteps,omitempty" yaml:"discussionSteps,omitempty"`
	ParallelGroups      [][]string                   `json:"parallelGroups,omitempty" yaml:"parallelGroups,omitempty"`
}

// IsReview reports whether step is declared as a review step.
func (def Definition) IsReview(step string) bool {
	if slices.Contains(def.Reviews, step) {
		return true
	}
	tc, ok := def.TeamConfig[step]
	return ok && tc.Type.IsReview()
}

// IsConditional reports whether step output may redirect the pipeline.
func (def Definition) IsConditional(step string) bool {
	return slices.Contains(def.Conditionals, step)
}

// IsDiscussion reports whether step needs an interactive operator session.
func (def Definition) IsDiscussion(step string) bool {
	return slices.Contains(def.DiscussionSteps, step)
}

// ContextKeys returns the context keys of a step in sorted order.
func (def Definition) ContextKeys(step string) []string {
	entries := def.Context[step]
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Injected reports whether a context entry is embedded in the prompt.
func (def Definition) Injected(step, key string) bool {
	return def.ContextInject[step][key]
}

// Branch looks up the rule for an outcome token emitted by step.
func (def Definition) Branch(step, outcome string) (ConditionalBranch, bool) {
	b, ok := def.ConditionalBranches[BranchKey(step, outcome)]
	return b, ok
}

// ParallelGroupLedBy returns the parallel group whose first member is step.
func (def Definition) ParallelGroupLedBy(step string) ([]string, bool) {
	for _, group := range def.ParallelGroups {
		if len(group) > 0 && group[0] == step {
			return group, true
		}
	}
	return nil, false
}

// KnownSteps returns every step name the definition can schedule: the
// canonical steps plus any step introduced by a replacement pipeline.
func (def Definition) KnownSteps() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(step string) {
		if _, ok := seen[step]; ok {
			return
		}
		seen[step] = struct{}{}
		out = append(out, step)
	}
	for _, s := range def.Steps {
		add(s)
	}
	keys := make([]string, 0, len(def.ConditionalBranches))
	for k := range def.ConditionalBranches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, s := range def.ConditionalBranches[k].Pipeline {
			add(s)
		}
	}
	return out
}

// BranchKey builds a ConditionalBranches key.
func BranchKey(step, outcome string) string {
	return step + ":" + outcome
}

// SplitBranchKey splits a "step:OUTCOME" key.
func SplitBranchKey(key string) (step, outcome string, ok bool) {
	step, outcome, ok = strings.Cut(key, ":")
	if !ok || step == "" || outcome == "" {
		return "", "", false
	}
	return step, outcome, true
}

var stepNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate ensures the definition is self-consistent.
func (def Definition) Validate() error {
	if def.Name == "" {
		return fmt.Errorf("flow: name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("flow %s: at least one step is required", def.Name)
	}

	seen := map[string]struct{}{}
	for _, step := range def.Steps {
		if !stepNamePattern.MatchString(step) {
			return fmt.Errorf("flow %s: invalid step name %q", def.Name, step)
		}
		if _, dup := seen[step]; dup {
			return fmt.Errorf("flow %s: duplicate step %s", def.Name, step)
		}
		seen[step] = struct{}{}
	}

	known := map[string]struct{}{}
	for _, step := range def.KnownSteps() {
		known[step] = struct{}{}
	}
	for step := range def.TeamConfig {
		known[step] = struct{}{}
	}
	requireKnown := func(field, step string) error {
		if _, ok := known[step]; !ok {
			return fmt.Errorf("flow %s: %s references unknown step %s", def.Name, field, step)
		}
		return nil
	}

	for _, step := range def.KnownSteps() {
		if !stepNamePattern.MatchString(step) {
			return fmt.Errorf("flow %s: invalid step name %q", def.Name, step)
		}
	}
	for _, list := range []struct {
		field string
		steps []string
	}{
		{"reviews", def.Reviews},
		{"conditionals", def.Conditionals},
		{"discussionSteps", def.DiscussionSteps},
	} {
		for _, step := range list.steps {
			if err := requireKnown(list.field, step); err != nil {
				return err
			}
		}
	}
	for _, field := range []struct {
		name string
		keys []string
	}{
		{"context", mapKeys(def.Context)},
		{"contextInject", mapKeys(def.ContextInject)},
		{"prerequisites", mapKeys(def.Prerequisites)},
		{"artifacts", mapKeys(def.Artifacts)},
		{"userGates", mapKeys(def.UserGates)},
		{"reviewTargets", mapKeys(def.ReviewTargets)},
		{"reviewPersonaGroups", mapKeys(def.ReviewPersonaGroups)},
	} {
		for _, step := range field.keys {
			if err := requireKnown(field.name, step); err != nil {
				return err
			}
		}
	}

	for _, step := range mapKeys(def.ContextInject) {
		for key := range def.ContextInject[step] {
			if _, ok := def.Context[step][key]; !ok {
				return fmt.Errorf("flow %s: contextInject %s.%s has no context entry", def.Name, step, key)
			}
		}
	}

	for _, step := range mapKeys(def.TeamConfig) {
		if err := def.validateTeam(step, def.TeamConfig[step]); err != nil {
			return err
		}
	}
	for _, step := range def.Reviews {
		if tc, ok := def.TeamConfig[step]; ok && !tc.Type.IsReview() {
			return fmt.Errorf("flow %s: review step %s has team type %s", def.Name, step, tc.Type)
		}
	}

	for _, key := range mapKeys(def.ConditionalBranches) {
		if err := def.validateBranch(key, def.ConditionalBranches[key], requireKnown); err != nil {
			return err
		}
	}

	for _, step := range mapKeys(def.UserGates) {
		gate := def.UserGates[step]
		if len(gate.Options) == 0 {
			return fmt.Errorf("flow %s: user gate %s has no options", def.Name, step)
		}
		for _, opt := range gate.Options {
			if opt.Label == "" {
				return fmt.Errorf("flow %s: user gate %s has an option without a label", def.Name, step)
			}
			if _, ok := def.ConditionalBranches[opt.ConditionalKey]; !ok {
				return fmt.Errorf("flow %s: user gate %s option %q references unknown branch %s",
					def.Name, step, opt.Label, opt.ConditionalKey)
			}
		}
	}

	inGroup := map[string]struct{}{}
	for idx, group := range def.ParallelGroups {
		if len(group) < 2 {
			return fmt.Errorf("flow %s: parallel group %d needs at least two steps", def.Name, idx)
		}
		for _, step := range group {
			if err := requireKnown(fmt.Sprintf("parallelGroups[%d]", idx), step); err != nil {
				return err
			}
			if _, dup := inGroup[step]; dup {
				return fmt.Errorf("flow %s: step %s appears in more than one parallel group", def.Name, step)
			}
			inGroup[step] = struct{}{}
		}
	}

	return nil
}

func (def Definition) validateTeam(step string, tc StepTeamConfig) error {
	if !tc.Type.IsValid() {
		return fmt.Errorf("flow %s: step %s has unknown team type %q", def.Name, step, tc.Type)
	}
	if len(tc.Teammates) == 0 {
		return fmt.Errorf("flow %s: step %s has no teammates", def.Name, step)
	}
	if tc.Type.IsReview() {
		if len(tc.Reviewers()) == 0 {
			return fmt.Errorf("flow %s: review step %s has no reviewers", def.Name, step)
		}
		if tc.MaxReviewIterations < 0 {
			return fmt.Errorf("flow %s: step %s maxReviewIterations must be >= 0", def.Name, step)
		}
	}
	return nil
}

func (def Definition) validateBranch(key string, b ConditionalBranch, requireKnown func(string, string) error) error {
	step, outcome, ok := SplitBranchKey(key)
	if !ok {
		return fmt.Errorf("flow %s: conditional branch key %q must be step:OUTCOME", def.Name, key)
	}
	if err := requireKnown("conditionalBranches", step); err != nil {
		return err
	}
	if !ValidOutcomeToken(outcome) {
		return fmt.Errorf("flow %s: conditional branch %s has invalid outcome token", def.Name, key)
	}
	switch b.Action {
	case BranchReplace:
		if len(b.Pipeline) == 0 {
			return fmt.Errorf("flow %s: replace branch %s has an empty pipeline", def.Name, key)
		}
	case BranchPause, BranchContinue:
	default:
		return fmt.Errorf("flow %s: conditional branch %s has unknown action %q", def.Name, key, b.Action)
	}
	return nil
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		Name:            def.Name,
		Description:     def.Description,
		Steps:           slices.Clone(def.Steps),
		Reviews:         slices.Clone(def.Reviews),
		Conditionals:    slices.Clone(def.Conditionals),
		DiscussionSteps: slices.Clone(def.DiscussionSteps),
	}
	if def.Context != nil {
		clone.Context = make(map[string]map[string]string, len(def.Context))
		for step, entries := range def.Context {
			clone.Context[step] = cloneMap(entries)
		}
	}
	if def.ContextInject != nil {
		clone.ContextInject = make(map[string]map[string]bool, len(def.ContextInject))
		for step, entries := range def.ContextInject {
			clone.ContextInject[step] = cloneMap(entries)
		}
	}
	if def.Prerequisites != nil {
		clone.Prerequisites = make(map[string][]string, len(def.Prerequisites))
		for step, files := range def.Prerequisites {
			clone.Prerequisites[step] = slices.Clone(files)
		}
	}
	if def.Artifacts != nil {
		clone.Artifacts = make(map[string]ArtifactSpec, len(def.Artifacts))
		for step, spec := range def.Artifacts {
			clone.Artifacts[step] = ArtifactSpec{Files: slices.Clone(spec.Files), Whole: spec.Whole}
		}
	}
	if def.TeamConfig != nil {
		clone.TeamConfig = make(map[string]StepTeamConfig, len(def.TeamConfig))
		for step, tc := range def.TeamConfig {
			tc.Teammates = slices.Clone(tc.Teammates)
			clone.TeamConfig[step] = tc
		}
	}
	if def.ConditionalBranches != nil {
		clone.ConditionalBranches = make(map[string]ConditionalBranch, len(def.ConditionalBranches))
		for key, b := range def.ConditionalBranches {
			b.Pipeline = slices.Clone(b.Pipeline)
			clone.ConditionalBranches[key] = b
		}
	}
	if def.UserGates != nil {
		clone.UserGates = make(map[string]UserGate, len(def.UserGates))
		for step, g := range def.UserGates {
			g.Options = slices.Clone(g.Options)
			clone.UserGates[step] = g
		}
	}
	if def.ReviewTargets != nil {
		clone.ReviewTargets = make(map[string][]string, len(def.ReviewTargets))
		for step, targets := range def.ReviewTargets {
			clone.ReviewTargets[step] = slices.Clone(targets)
		}
	}
	clone.ReviewPersonaGroups = cloneMap(def.ReviewPersonaGroups)
	if def.ParallelGroups != nil {
		clone.ParallelGroups = make([][]string, len(def.ParallelGroups))
		for i, g := range def.ParallelGroups {
			clone.ParallelGroups[i] = slices.Clone(g)
		}
	}
	return clone
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
