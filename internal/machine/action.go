package machine

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/featurepipe/internal/flow"
)

// ActionType names what the driver should do next.
type ActionType string

const (
	ActionDispatch         ActionType = "bash_dispatch"
	ActionReviewDispatch   ActionType = "bash_review_dispatch"
	ActionParallelDispatch ActionType = "bash_parallel_dispatch"
	ActionUserGate         ActionType = "user_gate"
	ActionDone             ActionType = "done"
)

// GateKind tells a responder which mutation an option maps to.
type GateKind string

const (
	// GatePaused is raised for a paused pipeline: resume or abort.
	GatePaused GateKind = "paused"
	// GateApproval is a plain approve/reject of a step.
	GateApproval GateKind = "approval"
	// GateUserGate is a multi-way decision declared by the flow.
	GateUserGate GateKind = "user-gate"
	// GatePrerequisite is raised when required input files are missing.
	GatePrerequisite GateKind = "prerequisite"
	// GateUnconfigured is raised for a step with no team configuration.
	GateUnconfigured GateKind = "unconfigured"
)

// Gate option labels shared by the built-in gate kinds.
const (
	OptionResume  = "resume"
	OptionAbort   = "abort"
	OptionApprove = "approve"
	OptionReject  = "reject"
	OptionRetry   = "retry"
	OptionSkip    = "skip"
)

// GateOption is one choice offered by a user_gate action.
type GateOption struct {
	Label          string `json:"label"`
	ConditionalKey string `json:"conditionalKey,omitempty"`
}

// Gate describes a user_gate action.
type Gate struct {
	Kind    GateKind     `json:"kind"`
	Options []GateOption `json:"options"`
	Missing []string     `json:"missing,omitempty"`
}

// Labels returns the option labels in order.
func (g *Gate) Labels() []string {
	labels := make([]string, len(g.Options))
	for i, o := range g.Options {
		labels[i] = o.Label
	}
	return labels
}

// Option finds an option by label.
func (g *Gate) Option(label string) (GateOption, bool) {
	for _, o := range g.Options {
		if o.Label == label {
			return o, true
		}
	}
	return GateOption{}, false
}

// Meta tells an external driver how to record the outcome of the action
// without any in-memory context.
type Meta struct {
	FeatureDir      string   `json:"featureDir"`
	Flow            string   `json:"flow"`
	Steps           []string `json:"steps"`
	CompleteCommand string   `json:"completeCommand,omitempty"`
}

// Action is the single next unit of work computed from the state.
type Action struct {
	Type    ActionType `json:"type"`
	Step    string     `json:"step,omitempty"`
	Message string     `json:"message,omitempty"`

	// bash_dispatch
	Role       string   `json:"role,omitempty"`
	Persona    string   `json:"persona,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
	MaxTurns   int      `json:"maxTurns,omitempty"`
	Discussion bool     `json:"discussion,omitempty"`
	// Outcomes lists the tokens a conditional step may emit.
	Outcomes []string `json:"outcomes,omitempty"`

	// bash_review_dispatch
	Reviewers           []flow.Teammate `json:"reviewers,omitempty"`
	Fixers              []flow.Teammate `json:"fixers,omitempty"`
	Targets             []string        `json:"targets,omitempty"`
	MaxReviewIterations int             `json:"maxReviewIterations,omitempty"`
	ReviewCommunication string          `json:"reviewCommunication,omitempty"`

	// bash_parallel_dispatch
	Actions []Action `json:"actions,omitempty"`

	// user_gate
	Gate *Gate `json:"gate,omitempty"`

	Meta Meta `json:"_meta"`
}

// IsDispatch reports whether the action runs worker processes.
func (a Action) IsDispatch() bool {
	switch a.Type {
	case ActionDispatch, ActionReviewDispatch, ActionParallelDispatch:
		return true
	}
	return false
}

func newMeta(featureDir, flowName string, steps []string) Meta {
	m := Meta{FeatureDir: featureDir, Flow: flowName, Steps: steps}
	if m.Steps == nil {
		m.Steps = []string{}
	}
	if len(steps) > 0 {
		m.CompleteCommand = fmt.Sprintf("featurepipe complete %s %s", shellQuote(featureDir), strings.Join(steps, " "))
	}
	return m
}

func gateMeta(featureDir, flowName, step string) Meta {
	m := Meta{FeatureDir: featureDir, Flow: flowName, Steps: []string{}}
	if step != "" {
		m.Steps = []string{step}
	}
	m.CompleteCommand = fmt.Sprintf("featurepipe respond %s <option>", shellQuote(featureDir))
	return m
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
