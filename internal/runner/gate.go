package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/dispatch"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/machine"
	"github.com/Iron-Ham/featurepipe/internal/review"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

// Response is the outcome of answering a gate.
type Response struct {
	Step   string           `json:"step,omitempty"`
	Kind   machine.GateKind `json:"kind"`
	Choice string           `json:"choice"`
	Status state.Status     `json:"status"`
	// Next is the action computed after the answer was applied.
	Next machine.Action `json:"next"`
}

// Respond answers the gate the pipeline is currently stopped at. The gate is
// recomputed from the persisted state, so a choice is only accepted when it is
// one of the options offered right now.
func (r *Runner) Respond(ctx context.Context, featureDir, choice string) (*Response, error) {
	featureDir, err := filepath.Abs(featureDir)
	if err != nil {
		return nil, err
	}
	lock, err := state.AcquireLock(ctx, featureDir, r.lockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	store := state.NewStore(r.fs, featureDir, state.WithClock(r.now), state.WithLogger(r.logger.WithFeature(featureDir)))
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	def, err := r.flows.Get(st.Flow)
	if err != nil {
		return nil, err
	}
	action, err := machine.ComputeNextInstruction(st, def, r.fs, featureDir)
	if err != nil {
		return nil, err
	}
	if action.Type != machine.ActionUserGate || action.Gate == nil {
		return nil, errors.NewPipelineError(fmt.Sprintf("next action is %s", action.Type), errors.ErrGateNotPending).
			WithFeatureDir(featureDir).
			WithSeverity(errors.SeverityWarning)
	}
	choice = strings.TrimSpace(choice)
	opt, ok := action.Gate.Option(choice)
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("choose one of: %s", strings.Join(action.Gate.Labels(), ", "))).
			WithField("choice").
			WithValue(choice).
			WithCause(errors.ErrInvalidChoice)
	}

	st, err = store.Update(func(st *state.PipelineState, now time.Time) error {
		return applyChoice(st, def, action, opt, now)
	})
	if err != nil {
		return nil, err
	}
	r.logger.WithFeature(featureDir).WithStep(action.Step).Info("gate answered",
		"kind", string(action.Gate.Kind), "choice", choice, "status", string(st.Status))

	next, err := machine.ComputeNextInstruction(st, def, r.fs, featureDir)
	if err != nil {
		return nil, err
	}
	return &Response{
		Step:   action.Step,
		Kind:   action.Gate.Kind,
		Choice: choice,
		Status: st.Status,
		Next:   next,
	}, nil
}

func applyChoice(st *state.PipelineState, def flow.Definition, action machine.Action, opt machine.GateOption, now time.Time) error {
	step := action.Step
	switch action.Gate.Kind {
	case machine.GatePaused:
		if opt.Label == machine.OptionAbort {
			st.Abort("operator aborted at "+step, now)
			return nil
		}
		st.Resume(now)

	case machine.GateApproval:
		if opt.Label == machine.OptionReject {
			// The step stays incomplete and runs again.
			st.Resume(now)
			st.Current = step
			return nil
		}
		st.Resume(now)
		st.MarkComplete(now, step)

	case machine.GateUserGate:
		gateStep, outcome, ok := flow.SplitBranchKey(opt.ConditionalKey)
		if !ok {
			return errors.NewValidationError("gate option has no conditional key").WithField("conditionalKey").WithValue(opt.ConditionalKey)
		}
		b, ok := def.Branch(gateStep, outcome)
		if !ok {
			return errors.NewValidationError("unknown conditional branch").WithField("conditionalKey").WithValue(opt.ConditionalKey)
		}
		st.Resume(now)
		st.ApplyBranch(def, gateStep, outcome, b, now)

	case machine.GatePrerequisite, machine.GateUnconfigured:
		switch opt.Label {
		case machine.OptionSkip:
			st.Skip(step, now)
		case machine.OptionAbort:
			st.Abort("operator aborted at "+step, now)
		}
		// retry changes nothing; the gate is recomputed from the directory.

	default:
		return errors.NewValidationError("unknown gate kind").WithField("kind").WithValue(string(action.Gate.Kind))
	}
	return nil
}

// CompleteOptions tune Complete.
type CompleteOptions struct {
	// ResultFile overrides the default dispatch result artifact. It applies
	// to every step being completed.
	ResultFile string
	// Outcome is the outcome token the worker emitted, for conditional steps.
	Outcome string
}

// Completion reports the state after Complete.
type Completion struct {
	Completed []string       `json:"completed"`
	Status    state.Status   `json:"status"`
	Pipeline  []string       `json:"pipeline"`
	Next      machine.Action `json:"next"`
}

// Complete marks steps done on behalf of an external driver. Each step must
// be in the live pipeline and have a valid success artifact: the dispatch
// result for worker steps, a passing review result for review steps. Nothing
// is written unless every step passes.
func (r *Runner) Complete(ctx context.Context, featureDir string, steps []string, opts CompleteOptions) (*Completion, error) {
	if len(steps) == 0 {
		return nil, errors.NewValidationError("no steps given").WithField("steps")
	}
	featureDir, err := filepath.Abs(featureDir)
	if err != nil {
		return nil, err
	}
	lock, err := state.AcquireLock(ctx, featureDir, r.lockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	store := state.NewStore(r.fs, featureDir, state.WithClock(r.now), state.WithLogger(r.logger.WithFeature(featureDir)))
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	def, err := r.flows.Get(st.Flow)
	if err != nil {
		return nil, err
	}

	pipeline := st.LivePipeline(def)
	for _, step := range steps {
		if !slices.Contains(pipeline, step) {
			return nil, errors.NewPipelineError(fmt.Sprintf("step %q is not in the pipeline", step), errors.ErrUnknownStep).
				WithStep(step).
				WithFeatureDir(featureDir)
		}
		if err := verifyCompletion(r.fs, def, featureDir, step, opts.ResultFile); err != nil {
			return nil, err
		}
	}

	var branch *flow.ConditionalBranch
	outcome := strings.TrimSpace(opts.Outcome)
	if outcome != "" {
		if len(steps) != 1 {
			return nil, errors.NewValidationError("an outcome applies to a single step").WithField("outcome").WithValue(outcome)
		}
		if !flow.ValidOutcomeToken(outcome) {
			return nil, errors.NewValidationError("malformed outcome token").WithField("outcome").WithValue(outcome)
		}
		if b, ok := def.Branch(steps[0], outcome); ok {
			branch = &b
		}
	}

	st, err = store.Update(func(st *state.PipelineState, now time.Time) error {
		if st.Aborted() {
			return errors.NewPipelineError(st.LastError, nil).WithFeatureDir(featureDir)
		}
		if st.Status == state.StatusError || st.Status == state.StatusRateLimited {
			st.Resume(now)
		}
		if branch != nil {
			st.ApplyBranch(def, steps[0], outcome, *branch, now)
			return nil
		}
		st.MarkComplete(now, steps...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.WithFeature(featureDir).Info("steps completed", "steps", strings.Join(steps, ","), "status", string(st.Status))

	next, err := machine.ComputeNextInstruction(st, def, r.fs, featureDir)
	if err != nil {
		return nil, err
	}
	completed := make([]string, 0, len(steps))
	for _, step := range steps {
		if st.IsCompleted(step) {
			completed = append(completed, step)
		}
	}
	return &Completion{
		Completed: completed,
		Status:    st.Status,
		Pipeline:  st.LivePipeline(def),
		Next:      next,
	}, nil
}

// verifyCompletion rejects a completion that has no evidence of real work.
func verifyCompletion(fs afero.Fs, def flow.Definition, featureDir, step, resultFile string) error {
	if def.IsReview(step) && resultFile == "" {
		res, err := review.ReadResult(fs, featureDir, step)
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidResult, "review result of %s: %v", step, err)
		}
		if res == nil {
			return errors.Wrapf(errors.ErrResultMissing, "no review result for %s", step)
		}
		if !res.Verdict.Passed() {
			return errors.NewPipelineError(fmt.Sprintf("review %s ended %s", step, res.Verdict), errors.ErrNoGo).WithStep(step)
		}
		return nil
	}

	path := resultFile
	if path == "" {
		path = dispatch.ResultPath(featureDir, step, "")
	}
	ok, err := dispatch.ReadResult(fs, path)
	if err != nil {
		return errors.NewPipelineError("cannot complete "+step, err).WithStep(step).WithFeatureDir(featureDir)
	}
	if !ok {
		return errors.NewPipelineError("cannot complete "+step+": the dispatch failed", errors.ErrInvalidResult).
			WithStep(step).
			WithFeatureDir(featureDir)
	}
	return nil
}
