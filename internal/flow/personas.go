package flow

import "strings"

// Review categories. Every review step belongs to exactly one.
const (
	CategorySpec  = "spec"
	CategoryPlan  = "plan"
	CategoryTasks = "tasks"
	CategoryArch  = "arch"
	CategoryCode  = "code"
)

// Persona is one reviewer role of a category roster.
type Persona struct {
	Name  string `json:"name"`
	Focus string `json:"focus"`
}

// FixerPersona is the write-enabled role of every review loop.
var FixerPersona = Persona{
	Name:  "fixer",
	Focus: "apply corrections for the listed issues, highest severity first, without widening scope",
}

var rosters = map[string][]Persona{
	CategorySpec: {
		{Name: "product-skeptic", Focus: "unclear user value, unjustified requirements"},
		{Name: "scope-guardian", Focus: "scope creep, hidden features, missing non-goals"},
		{Name: "ambiguity-hunter", Focus: "requirements that admit more than one reading"},
		{Name: "user-advocate", Focus: "missing user journeys, error states and accessibility"},
	},
	CategoryPlan: {
		{Name: "architect", Focus: "component boundaries, data flow and coupling"},
		{Name: "skeptic", Focus: "unstated assumptions and designs that will not survive contact"},
		{Name: "risk-assessor", Focus: "migration, rollout, failure modes and recovery"},
		{Name: "simplifier", Focus: "accidental complexity and cheaper alternatives"},
	},
	CategoryTasks: {
		{Name: "sequencer", Focus: "ordering, dependencies and tasks that block each other"},
		{Name: "completeness-checker", Focus: "plan items with no task and tasks with no plan item"},
		{Name: "estimator", Focus: "tasks too large to finish in one sitting"},
		{Name: "test-strategist", Focus: "tasks that ship without a way to verify them"},
	},
	CategoryArch: {
		{Name: "systems-architect", Focus: "layering, ownership of state and interface contracts"},
		{Name: "security-reviewer", Focus: "trust boundaries, secrets and input validation"},
		{Name: "performance-reviewer", Focus: "hot paths, unbounded work and resource usage"},
		{Name: "maintainability-reviewer", Focus: "cohesion, naming and change cost"},
	},
	CategoryCode: {
		{Name: "correctness", Focus: "logic errors, edge cases and broken invariants"},
		{Name: "security", Focus: "injection, authz gaps and unsafe handling of data"},
		{Name: "performance", Focus: "needless allocation, N+1 access and blocking calls"},
		{Name: "maintainability", Focus: "readability, duplication and missing tests"},
	},
}

// Categories returns the review categories in a stable order.
func Categories() []string {
	return []string{CategorySpec, CategoryPlan, CategoryTasks, CategoryArch, CategoryCode}
}

// Roster returns the reviewer personas of a category.
func Roster(category string) ([]Persona, bool) {
	personas, ok := rosters[category]
	if !ok {
		return nil, false
	}
	out := make([]Persona, len(personas))
	copy(out, personas)
	return out, true
}

// LookupPersona finds a persona by name across all rosters.
func LookupPersona(name string) (Persona, bool) {
	if name == FixerPersona.Name {
		return FixerPersona, true
	}
	for _, cat := range Categories() {
		for _, p := range rosters[cat] {
			if p.Name == name {
				return p, true
			}
		}
	}
	return Persona{}, false
}

// CategoryFor returns the review category of a step: the flow's
// reviewPersonaGroups entry when present, otherwise a guess from the step
// name, otherwise "code".
func CategoryFor(def Definition, step string) string {
	if cat, ok := def.ReviewPersonaGroups[step]; ok && cat != "" {
		return cat
	}
	switch {
	case strings.HasPrefix(step, "spec"), strings.HasPrefix(step, "vision"):
		return CategorySpec
	case strings.HasPrefix(step, "plan"), strings.HasPrefix(step, "roadmap"):
		return CategoryPlan
	case strings.HasPrefix(step, "task"):
		return CategoryTasks
	case strings.HasPrefix(step, "arch"):
		return CategoryArch
	default:
		return CategoryCode
	}
}

// ReviewTeam builds the teammates of a review step: the category's four
// reviewers and one fixer.
func ReviewTeam(category string, reviewerTurns, fixerTurns int) []Teammate {
	personas, _ := Roster(category)
	team := make([]Teammate, 0, len(personas)+1)
	for _, p := range personas {
		team = append(team, Teammate{Role: "reviewer", Persona: p.Name, MaxTurns: reviewerTurns})
	}
	return append(team, Teammate{Role: "fixer", Persona: FixerPersona.Name, WriteAccess: true, MaxTurns: fixerTurns})
}
