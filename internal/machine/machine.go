// Package machine computes the next action of a pipeline.
//
// ComputeNextInstruction is a pure function of the persisted state, the flow
// definition and the feature directory contents. It never mutates anything;
// callers persist the consequence of an action before asking again, so a
// crashed driver can recover by calling it once more.
package machine

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

// ComputeNextInstruction returns the single next action for st.
func ComputeNextInstruction(st *state.PipelineState, def flow.Definition, fs afero.Fs, featureDir string) (Action, error) {
	switch st.Status {
	case state.StatusPaused:
		return pausedGate(st, def, featureDir), nil
	case state.StatusAwaitingApproval:
		return approvalGate(st, def, featureDir), nil
	case state.StatusCompleted:
		return Action{
			Type:      ActionDone,
			Message:   "Pipeline already completed",
			Artifacts: []string{},
			Meta:      newMeta(featureDir, def.Name, nil),
		}, nil
	}

	pipeline := st.LivePipeline(def)
	next, ok := nextStep(st, pipeline)
	if !ok {
		artifacts, err := CollectArtifacts(fs, def, featureDir)
		if err != nil {
			return Action{}, err
		}
		return Action{
			Type:      ActionDone,
			Message:   fmt.Sprintf("All %d steps of flow %s are complete", len(pipeline), def.Name),
			Artifacts: artifacts,
			Meta:      newMeta(featureDir, def.Name, nil),
		}, nil
	}

	missing, err := MissingPrerequisites(fs, def, featureDir, next)
	if err != nil {
		return Action{}, err
	}
	if len(missing) > 0 {
		return Action{
			Type:    ActionUserGate,
			Step:    next,
			Message: fmt.Sprintf("Step %s is missing required files: %s", next, strings.Join(missing, ", ")),
			Gate: &Gate{
				Kind:    GatePrerequisite,
				Options: labels(OptionRetry, OptionSkip, OptionAbort),
				Missing: missing,
			},
			Meta: gateMeta(featureDir, def.Name, next),
		}, nil
	}

	if group, ok := eligibleGroup(fs, def, st, pipeline, featureDir, next); ok {
		sub := make([]Action, 0, len(group))
		for _, step := range group {
			a, err := stepAction(fs, def, st, featureDir, step)
			if err != nil {
				return Action{}, err
			}
			sub = append(sub, a)
		}
		return Action{
			Type:    ActionParallelDispatch,
			Step:    next,
			Message: fmt.Sprintf("Run %s in parallel", strings.Join(group, ", ")),
			Actions: sub,
			Meta:    newMeta(featureDir, def.Name, slices.Clone(group)),
		}, nil
	}

	if _, ok := def.TeamConfig[next]; !ok {
		return Action{
			Type:    ActionUserGate,
			Step:    next,
			Message: fmt.Sprintf("Step %s has no team configuration", next),
			Gate: &Gate{
				Kind:    GateUnconfigured,
				Options: labels(OptionSkip, OptionAbort),
			},
			Meta: gateMeta(featureDir, def.Name, next),
		}, nil
	}

	return stepAction(fs, def, st, featureDir, next)
}

func nextStep(st *state.PipelineState, pipeline []string) (string, bool) {
	for _, step := range pipeline {
		if !st.IsCompleted(step) {
			return step, true
		}
	}
	return "", false
}

func pausedGate(st *state.PipelineState, def flow.Definition, featureDir string) Action {
	msg := st.PauseReason
	if msg == "" {
		msg = "Pipeline is paused"
	}
	step := st.Current
	if step == "" && st.Condition != nil {
		step = st.Condition.Step
	}
	return Action{
		Type:    ActionUserGate,
		Step:    step,
		Message: msg,
		Gate:    &Gate{Kind: GatePaused, Options: labels(OptionResume, OptionAbort)},
		Meta:    gateMeta(featureDir, def.Name, step),
	}
}

func approvalGate(st *state.PipelineState, def flow.Definition, featureDir string) Action {
	step := st.Current
	approvalType := ""
	if st.PendingApproval != nil {
		step = st.PendingApproval.Step
		approvalType = st.PendingApproval.Type
	}

	if ug, ok := def.UserGates[step]; ok && approvalType == state.ApprovalUserGate {
		opts := make([]GateOption, len(ug.Options))
		for i, o := range ug.Options {
			opts[i] = GateOption{Label: o.Label, ConditionalKey: o.ConditionalKey}
		}
		msg := ug.Message
		if msg == "" {
			msg = st.PauseReason
		}
		return Action{
			Type:    ActionUserGate,
			Step:    step,
			Message: msg,
			Gate:    &Gate{Kind: GateUserGate, Options: opts},
			Meta:    gateMeta(featureDir, def.Name, step),
		}
	}

	msg := st.PauseReason
	if msg == "" {
		msg = fmt.Sprintf("Step %s is awaiting approval", step)
	}
	return Action{
		Type:    ActionUserGate,
		Step:    step,
		Message: msg,
		Gate:    &Gate{Kind: GateApproval, Options: labels(OptionApprove, OptionReject)},
		Meta:    gateMeta(featureDir, def.Name, step),
	}
}

func labels(names ...string) []GateOption {
	opts := make([]GateOption, len(names))
	for i, n := range names {
		opts[i] = GateOption{Label: n}
	}
	return opts
}

// MissingPrerequisites returns the declared prerequisite files of step that
// do not exist, in declaration order.
func MissingPrerequisites(fs afero.Fs, def flow.Definition, featureDir, step string) ([]string, error) {
	var missing []string
	for _, rel := range def.Prerequisites[step] {
		exists, err := afero.Exists(fs, filepath.Join(featureDir, rel))
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, rel)
		}
	}
	return missing, nil
}

// eligibleGroup returns the parallel group led by next when every member is
// in the live pipeline, not yet completed, configured and has its
// prerequisites on disk.
func eligibleGroup(fs afero.Fs, def flow.Definition, st *state.PipelineState, pipeline []string, featureDir, next string) ([]string, bool) {
	group, ok := def.ParallelGroupLedBy(next)
	if !ok {
		return nil, false
	}
	for _, step := range group {
		if st.IsCompleted(step) || !slices.Contains(pipeline, step) {
			return nil, false
		}
		if _, ok := def.TeamConfig[step]; !ok {
			return nil, false
		}
		missing, err := MissingPrerequisites(fs, def, featureDir, step)
		if err != nil || len(missing) > 0 {
			return nil, false
		}
	}
	return group, true
}

// stepAction builds the dispatch action of a configured step.
func stepAction(fs afero.Fs, def flow.Definition, st *state.PipelineState, featureDir, step string) (Action, error) {
	tc := def.TeamConfig[step]
	prompt, err := BuildPrompt(fs, def, st, featureDir, step)
	if err != nil {
		return Action{}, err
	}

	if tc.Type.IsReview() {
		targets, err := ResolveTargets(fs, def, featureDir, step)
		if err != nil {
			return Action{}, err
		}
		return Action{
			Type:                ActionReviewDispatch,
			Step:                step,
			Message:             fmt.Sprintf("Review %s with %d reviewers", step, len(tc.Reviewers())),
			Prompt:              prompt,
			Reviewers:           tc.Reviewers(),
			Fixers:              tc.Fixers(),
			Targets:             targets,
			MaxReviewIterations: tc.MaxReviewIterations,
			ReviewCommunication: tc.ReviewCommunication,
			Artifacts:           declaredArtifacts(def, featureDir, step),
			Meta:                newMeta(featureDir, def.Name, []string{step}),
		}, nil
	}

	a := Action{
		Type:       ActionDispatch,
		Step:       step,
		Prompt:     prompt,
		Artifacts:  declaredArtifacts(def, featureDir, step),
		MaxTurns:   tc.MaxTurns,
		Discussion: def.IsDiscussion(step),
		Outcomes:   Outcomes(def, step),
		Meta:       newMeta(featureDir, def.Name, []string{step}),
	}
	if len(tc.Teammates) > 0 {
		lead := tc.Teammates[0]
		a.Role = lead.Role
		a.Persona = lead.Persona
		if a.MaxTurns == 0 {
			a.MaxTurns = lead.MaxTurns
		}
	}
	a.Message = fmt.Sprintf("Dispatch %s for %s", a.Role, step)
	if a.Discussion {
		a.Message = fmt.Sprintf("Step %s is a discussion; run it interactively, then mark it complete", step)
	}
	return a, nil
}

func declaredArtifacts(def flow.Definition, featureDir, step string) []string {
	spec, ok := def.Artifacts[step]
	if !ok {
		return nil
	}
	if spec.Whole {
		return []string{featureDir}
	}
	out := make([]string, len(spec.Files))
	for i, f := range spec.Files {
		out[i] = filepath.Join(featureDir, f)
	}
	return out
}

// CollectArtifacts returns every declared artifact that exists, ordered by
// the flow's known steps and then by step name. The whole-directory sentinel
// resolves to featureDir itself.
func CollectArtifacts(fs afero.Fs, def flow.Definition, featureDir string) ([]string, error) {
	order := def.KnownSteps()
	var rest []string
	for step := range def.Artifacts {
		if !slices.Contains(order, step) {
			rest = append(rest, step)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	out := []string{}
	for _, step := range order {
		spec, ok := def.Artifacts[step]
		if !ok {
			continue
		}
		for _, path := range declaredArtifacts(def, featureDir, step) {
			if slices.Contains(out, path) {
				continue
			}
			exists, err := afero.Exists(fs, path)
			if err != nil {
				return nil, err
			}
			if exists || spec.Whole {
				out = append(out, path)
			}
		}
	}
	return out, nil
}
