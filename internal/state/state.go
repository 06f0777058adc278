// Package state persists the pipeline state of one feature directory.
//
// The state file is the only mutable shared resource of a run. It is written
// atomically (temp file + rename) so it stays parseable after every write,
// and a gofrs/flock advisory lock keeps a second orchestrator from driving the
// same feature concurrently.
package state

import (
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/featurepipe/internal/flow"
)

// Status drives the guard logic of the state machine.
type Status string

const (
	StatusActive           Status = "active"
	StatusPaused           Status = "paused"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
	StatusRateLimited      Status = "rate-limited"
)

const abortedPrefix = "aborted: "

// IsValid returns true if the status is a recognized value
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusAwaitingApproval, StatusCompleted, StatusError, StatusRateLimited:
		return true
	}
	return false
}

// Approval types recorded in PendingApproval.
const (
	// ApprovalUserGate is a multi-way decision declared by flow.UserGates.
	ApprovalUserGate = "user-gate"
	// ApprovalStep is a plain approve/reject of a step's output.
	ApprovalStep = "step"
)

// MaxHistory bounds the transition history kept in the state file.
const MaxHistory = 100

// PendingApproval names the decision a paused pipeline is waiting on.
type PendingApproval struct {
	Type string `json:"type"`
	Step string `json:"step"`
}

// Condition records the conditional outcome that paused the pipeline.
type Condition struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Step   string    `json:"step,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// PipelineState is the persisted progress of one feature.
type PipelineState struct {
	Flow                     string           `json:"flow"`
	Variant                  string           `json:"variant,omitempty"`
	Pipeline                 []string         `json:"pipeline"`
	Completed                []string         `json:"completed"`
	Current                  string           `json:"current,omitempty"`
	Status                   Status           `json:"status"`
	PauseReason              string           `json:"pauseReason,omitempty"`
	Condition                *Condition       `json:"condition,omitempty"`
	PendingApproval          *PendingApproval `json:"pendingApproval,omitempty"`
	ImplementPhasesCompleted []string         `json:"implement_phases_completed"`
	LastError                string           `json:"lastError,omitempty"`
	// BaseRef is the commit the pipeline started from, when run inside git.
	BaseRef string         `json:"baseRef,omitempty"`
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
	History []HistoryEntry `json:"history,omitempty"`
}

// New returns an active state for a flow with an empty completed set.
func New(def flow.Definition, now time.Time) *PipelineState {
	st := &PipelineState{
		Flow:                     def.Name,
		Pipeline:                 slices.Clone(def.Steps),
		Completed:                []string{},
		Status:                   StatusActive,
		ImplementPhasesCompleted: []string{},
		Created:                  now.UTC(),
		Updated:                  now.UTC(),
	}
	st.record(now, "init", "", def.Name)
	return st
}

// IsCompleted reports whether step is in the completed set.
func (s *PipelineState) IsCompleted(step string) bool {
	return slices.Contains(s.Completed, step)
}

// LivePipeline returns the pipeline in effect, falling back to the flow's steps.
func (s *PipelineState) LivePipeline(def flow.Definition) []string {
	if len(s.Pipeline) > 0 {
		return s.Pipeline
	}
	return def.Steps
}

// Clone returns a deep copy.
func (s *PipelineState) Clone() *PipelineState {
	c := *s
	c.Pipeline = slices.Clone(s.Pipeline)
	c.Completed = slices.Clone(s.Completed)
	c.ImplementPhasesCompleted = slices.Clone(s.ImplementPhasesCompleted)
	c.History = slices.Clone(s.History)
	if s.Condition != nil {
		cond := *s.Condition
		c.Condition = &cond
	}
	if s.PendingApproval != nil {
		pa := *s.PendingApproval
		c.PendingApproval = &pa
	}
	return &c
}

func (s *PipelineState) record(now time.Time, event, step, detail string) {
	s.History = append(s.History, HistoryEntry{At: now.UTC(), Event: event, Step: step, Detail: detail})
	if len(s.History) > MaxHistory {
		s.History = slices.Clone(s.History[len(s.History)-MaxHistory:])
	}
}

func (s *PipelineState) clearGate() {
	s.PauseReason = ""
	s.Condition = nil
	s.PendingApproval = nil
}

// Start records that step is being worked on.
func (s *PipelineState) Start(step string, now time.Time) {
	s.Current = step
	s.record(now, "start", step, "")
}

// MarkComplete adds steps to the completed set. Steps already present are
// ignored, so repeating a completion is harmless.
func (s *PipelineState) MarkComplete(now time.Time, steps ...string) {
	for _, step := range steps {
		if s.IsCompleted(step) {
			continue
		}
		s.Completed = append(s.Completed, step)
		s.record(now, "complete", step, "")
		if s.Current == step {
			s.Current = ""
		}
	}
	s.LastError = ""
}

// Skip marks step complete without running it.
func (s *PipelineState) Skip(step string, now time.Time) {
	s.MarkComplete(now, step)
	s.record(now, "skip", step, "")
}

// Finish moves the pipeline to its terminal completed status.
func (s *PipelineState) Finish(now time.Time) {
	s.Status = StatusCompleted
	s.Current = ""
	s.clearGate()
	s.record(now, "finish", "", "")
}

// Pause stops the pipeline until an operator resumes it.
func (s *PipelineState) Pause(reason string, cond *Condition, now time.Time) {
	s.Status = StatusPaused
	s.PauseReason = reason
	s.Condition = cond
	s.PendingApproval = nil
	step := ""
	if cond != nil {
		step = cond.Step
	}
	s.record(now, "pause", step, reason)
}

// AwaitApproval stops the pipeline until an operator answers a gate on step.
func (s *PipelineState) AwaitApproval(approvalType, step, reason string, cond *Condition, now time.Time) {
	s.Status = StatusAwaitingApproval
	s.PauseReason = reason
	s.Condition = cond
	s.PendingApproval = &PendingApproval{Type: approvalType, Step: step}
	s.Current = step
	s.record(now, "await-approval", step, reason)
}

// Resume returns a paused, gated, failed or rate-limited pipeline to active.
func (s *PipelineState) Resume(now time.Time) {
	s.Status = StatusActive
	s.clearGate()
	s.LastError = ""
	s.record(now, "resume", s.Current, "")
}

// Abort stops the pipeline in the error status.
func (s *PipelineState) Abort(reason string, now time.Time) {
	s.Status = StatusError
	s.clearGate()
	s.LastError = abortedPrefix + reason
	s.record(now, "abort", s.Current, reason)
}

// Aborted reports whether the error status came from Abort rather than a
// failed step.
func (s *PipelineState) Aborted() bool {
	return s.Status == StatusError && strings.HasPrefix(s.LastError, abortedPrefix)
}

// Fail records a dispatch failure. Rate-limited failures get their own status
// so that waiting and re-running is the obvious remedy.
func (s *PipelineState) Fail(step, lastError string, rateLimited bool, now time.Time) {
	if rateLimited {
		s.Status = StatusRateLimited
	} else {
		s.Status = StatusError
	}
	s.Current = step
	s.LastError = lastError
	s.record(now, string(s.Status), step, lastError)
}

// ReplacePipeline swaps the live pipeline. Completed steps that are not part
// of the new pipeline are dropped.
func (s *PipelineState) ReplacePipeline(pipeline []string, variant string, now time.Time) {
	s.Pipeline = slices.Clone(pipeline)
	kept := make([]string, 0, len(s.Completed))
	for _, step := range s.Completed {
		if slices.Contains(pipeline, step) {
			kept = append(kept, step)
		}
	}
	s.Completed = kept
	s.Variant = variant
	s.record(now, "replace-pipeline", "", variant)
}

// CompletePhase records an implement phase as done.
func (s *PipelineState) CompletePhase(phase string, now time.Time) {
	if slices.Contains(s.ImplementPhasesCompleted, phase) {
		return
	}
	s.ImplementPhasesCompleted = append(s.ImplementPhasesCompleted, phase)
	s.record(now, "phase-complete", "implement", phase)
}

// ApplyBranch applies the conditional branch selected by step's outcome.
// A pause branch on a step with a declared user gate waits for the gate
// instead of a plain resume. The step itself is marked complete for replace
// and continue branches; a pause leaves it incomplete so that a plain resume
// runs it again.
func (s *PipelineState) ApplyBranch(def flow.Definition, step, outcome string, b flow.ConditionalBranch, now time.Time) {
	cond := &Condition{Step: step, Outcome: outcome, Message: b.Message}
	switch b.Action {
	case flow.BranchReplace:
		s.MarkComplete(now, step)
		s.ReplacePipeline(b.Pipeline, b.Variant, now)
	case flow.BranchPause:
		reason := b.Message
		if reason == "" {
			reason = "paused by outcome " + outcome + " of " + step
		}
		if _, ok := def.UserGates[step]; ok {
			s.AwaitApproval(ApprovalUserGate, step, reason, cond, now)
			return
		}
		s.Pause(reason, cond, now)
	default:
		s.MarkComplete(now, step)
		s.record(now, "continue", step, outcome)
	}
}
