package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/config"
	"github.com/Iron-Ham/featurepipe/internal/dispatch"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/logging"
	"github.com/Iron-Ham/featurepipe/internal/machine"
	"github.com/Iron-Ham/featurepipe/internal/review"
	"github.com/Iron-Ham/featurepipe/internal/state"
	"github.com/Iron-Ham/featurepipe/internal/vcs"
)

// DefaultLockWait bounds how long a run waits for another process to release
// the feature lock.
const DefaultLockWait = 5 * time.Second

// maxIterations guards Run against a pipeline that never settles.
const maxIterations = 1000

// Runner executes pipeline actions until the pipeline completes, stops at a
// gate or fails.
type Runner struct {
	cfg      *config.Config
	flows    *flow.Registry
	worker   review.Worker
	fs       afero.Fs
	logger   *logging.Logger
	now      func() time.Time
	lockWait time.Duration

	repo    *vcs.Git
	repoSet bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithFs sets the filesystem state, artifacts and results are read from.
func WithFs(fs afero.Fs) Option {
	return func(r *Runner) { r.fs = fs }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLockWait sets how long to wait for the feature lock.
func WithLockWait(d time.Duration) Option {
	return func(r *Runner) { r.lockWait = d }
}

// WithRepository fixes the git repository instead of discovering it from the
// feature directory. A nil repository disables protection and commits.
func WithRepository(g *vcs.Git) Option {
	return func(r *Runner) {
		r.repo = g
		r.repoSet = true
	}
}

// New creates a Runner. worker is usually a *dispatch.Dispatcher.
func New(cfg *config.Config, flows *flow.Registry, worker review.Worker, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	if flows == nil {
		flows = flow.NewRegistry()
	}
	r := &Runner{
		cfg:      cfg,
		flows:    flows,
		worker:   worker,
		fs:       afero.NewOsFs(),
		logger:   logging.NopLogger(),
		now:      time.Now,
		lockWait: DefaultLockWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// Result summarizes what a Run or Step did.
type Result struct {
	// Action is the last action computed.
	Action machine.Action `json:"action"`
	// Completed lists the steps completed by this call, in order.
	Completed []string         `json:"completed"`
	Phases    []string         `json:"phases,omitempty"`
	Reviews   []*review.Result `json:"reviews,omitempty"`
	Status    state.Status     `json:"status"`
	LastError string           `json:"lastError,omitempty"`
	Commits   int              `json:"commits,omitempty"`
}

// session is the per-call context shared by the steps of one run. mu
// serializes state writes of parallel group members.
type session struct {
	mu         sync.Mutex
	featureDir string
	store      *state.Store
	def        flow.Definition
	repo       *vcs.Git
	logger     *logging.Logger
	res        *Result
}

// Run executes actions until the pipeline completes, stops at a gate or a
// step fails. A failed step is reported as an error after its failure has
// been persisted.
func (r *Runner) Run(ctx context.Context, featureDir string) (*Result, error) {
	return r.drive(ctx, featureDir, maxIterations)
}

// Step executes exactly one action.
func (r *Runner) Step(ctx context.Context, featureDir string) (*Result, error) {
	return r.drive(ctx, featureDir, 1)
}

func (r *Runner) drive(ctx context.Context, featureDir string, limit int) (*Result, error) {
	featureDir, err := filepath.Abs(featureDir)
	if err != nil {
		return nil, err
	}
	lock, err := state.AcquireLock(ctx, featureDir, r.lockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	s, err := r.open(featureDir)
	if err != nil {
		return nil, err
	}
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return s.res, errors.Join(errors.ErrCanceled, err)
		}
		stop, err := r.iterate(ctx, s)
		if err != nil {
			return s.res, err
		}
		if stop {
			return s.res, nil
		}
	}
	if limit > 1 {
		return s.res, errors.NewPipelineError("pipeline did not settle", nil).WithFeatureDir(featureDir)
	}
	return s.res, nil
}

func (r *Runner) open(featureDir string) (*session, error) {
	logger := r.logger.WithFeature(featureDir)
	store := state.NewStore(r.fs, featureDir, state.WithClock(r.now), state.WithLogger(logger))
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	def, err := r.flows.Get(st.Flow)
	if err != nil {
		return nil, err
	}

	repo := r.repo
	if !r.repoSet {
		if g, ok := vcs.Open(featureDir); ok {
			repo = g
		}
	}
	s := &session{
		featureDir: featureDir,
		store:      store,
		def:        def,
		repo:       repo,
		logger:     logger,
		res:        &Result{Completed: []string{}, Status: st.Status},
	}

	if repo != nil && st.BaseRef == "" && repo.HasHead() {
		head, err := repo.Head()
		if err != nil {
			return nil, err
		}
		if _, err := store.Update(func(st *state.PipelineState, _ time.Time) error {
			st.BaseRef = head
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// iterate computes and executes one action. It reports whether the run
// should stop.
func (r *Runner) iterate(ctx context.Context, s *session) (bool, error) {
	st, err := s.store.Load()
	if err != nil {
		return true, err
	}
	if st.Aborted() {
		return true, errors.NewPipelineError(st.LastError+"; re-initialize to start over", nil).
			WithFeatureDir(s.featureDir)
	}
	if st.Status == state.StatusError || st.Status == state.StatusRateLimited {
		s.logger.Info("retrying after failure", "status", string(st.Status), "step", st.Current, "last_error", st.LastError)
		if st, err = s.store.Update(func(st *state.PipelineState, now time.Time) error {
			st.Resume(now)
			return nil
		}); err != nil {
			return true, err
		}
	}

	action, err := machine.ComputeNextInstruction(st, s.def, r.fs, s.featureDir)
	if err != nil {
		return true, err
	}
	s.res.Action = action
	s.res.Status = st.Status

	switch action.Type {
	case machine.ActionDone:
		if st.Status != state.StatusCompleted {
			st, err = s.store.Update(func(st *state.PipelineState, now time.Time) error {
				st.Finish(now)
				return nil
			})
			if err != nil {
				return true, err
			}
			s.logger.Info("pipeline completed", "steps", len(st.Completed))
		}
		s.res.Status = st.Status
		return true, nil

	case machine.ActionUserGate:
		// Paused and approval gates are already persisted as status;
		// prerequisite and unconfigured gates are derived from the
		// directory and recomputed when answered.
		s.logger.Info("stopped at gate", "step", action.Step, "kind", string(action.Gate.Kind),
			"options", strings.Join(action.Gate.Labels(), ","))
		return true, nil

	case machine.ActionDispatch, machine.ActionReviewDispatch:
		run := r.execute(ctx, s, action, true)
		return r.settle(s, run)

	case machine.ActionParallelDispatch:
		return r.runParallel(ctx, s, action)
	}
	return true, errors.NewPipelineError(fmt.Sprintf("unknown action type %q", action.Type), nil).
		WithFeatureDir(s.featureDir)
}

// stepRun is the unsettled result of executing one step.
type stepRun struct {
	step       string
	action     machine.Action
	discussion bool
	phase      string
	lastPhase  bool
	outcome    *dispatch.Outcome
	review     *review.Result
	err        error
}

func (r *Runner) runParallel(ctx context.Context, s *session, action machine.Action) (bool, error) {
	s.logger.Info("running parallel group", "steps", strings.Join(action.Meta.Steps, ","))
	p := pool.NewWithResults[stepRun]().WithMaxGoroutines(len(action.Actions))
	for _, sub := range action.Actions {
		p.Go(func() stepRun {
			// Members share the work tree, so a retry must not discard a
			// sibling's changes.
			return r.execute(ctx, s, sub, false)
		})
	}
	runs := p.Wait()

	order := make(map[string]int, len(action.Actions))
	for i, sub := range action.Actions {
		order[sub.Step] = i
	}
	sorted := make([]stepRun, len(runs))
	for _, run := range runs {
		sorted[order[run.step]] = run
	}

	var (
		stop     bool
		firstErr error
	)
	for _, run := range sorted {
		st, err := r.settle(s, run)
		stop = stop || st
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return stop || firstErr != nil, firstErr
}

// execute runs one dispatch or review action without touching the state
// file, except for recording the step as started.
func (r *Runner) execute(ctx context.Context, s *session, action machine.Action, exclusive bool) stepRun {
	run := stepRun{step: action.Step, action: action}
	logger := s.logger.WithStep(action.Step)

	if action.Type == machine.ActionDispatch && action.Discussion {
		run.discussion = true
		return run
	}
	if err := r.update(s, func(st *state.PipelineState, now time.Time) {
		st.Start(action.Step, now)
	}); err != nil {
		run.err = err
		return run
	}

	switch action.Type {
	case machine.ActionReviewDispatch:
		run.review, run.err = r.runReview(ctx, s, action)
	default:
		req := dispatch.Request{
			Step:        action.Step,
			Persona:     action.Persona,
			Prompt:      action.Prompt,
			FeatureDir:  s.featureDir,
			Dir:         r.workDir(s),
			WriteAccess: leadWriteAccess(s.def, action.Step),
			MaxTurns:    action.MaxTurns,
		}
		if exclusive && req.WriteAccess && s.repo != nil && r.cfg.Runner.Commit {
			req.BeforeRetry = func(_ context.Context, attempt int) error {
				logger.Info("discarding partial changes before retry", "attempt", attempt)
				return s.repo.DiscardChanges(filepath.Join(s.featureDir, state.WorkDir))
			}
		}
		if action.Step == ImplementStep {
			phase, last, prompt, err := r.nextPhase(s, action.Prompt)
			if err != nil {
				run.err = err
				return run
			}
			if phase != "" {
				run.phase, run.lastPhase = phase, last
				req.Prompt = prompt
				logger.Info("dispatching implement phase", "phase", phase)
			}
		}
		run.outcome, run.err = r.worker.Run(ctx, req)
	}
	return run
}

func (r *Runner) nextPhase(s *session, prompt string) (string, bool, string, error) {
	phases, err := LoadPhases(r.fs, s.featureDir)
	if err != nil || len(phases) == 0 {
		return "", false, "", err
	}
	st, err := s.store.Load()
	if err != nil {
		return "", false, "", err
	}
	pending := PendingPhases(phases, st.ImplementPhasesCompleted)
	if len(pending) == 0 {
		return "", false, "", nil
	}
	ph := pending[0]
	index := len(phases) - len(pending) + 1
	return ph.Key, len(pending) == 1, PhasePrompt(prompt, ph, index, len(phases)), nil
}

func (r *Runner) runReview(ctx context.Context, s *session, action machine.Action) (*review.Result, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	setup, err := review.Resolve(review.SetupParams{
		Config:     r.cfg,
		Flow:       s.def,
		Fs:         r.fs,
		FeatureDir: s.featureDir,
		Step:       action.Step,
		Targets:    action.Targets,
		Repo:       s.repo,
		BaseRef:    st.BaseRef,
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithStep(action.Step).Info("review starting",
		"category", setup.Category,
		"depth", string(setup.Depth),
		"max_iterations", setup.MaxIterations,
		"lines", setup.Stats.Lines,
		"files", setup.Stats.Files,
	)
	loop := review.NewLoop(r.worker, r.fs,
		review.WithLoopLogger(s.logger),
		review.WithLoopClock(r.now),
		review.WithMaxIssuesInPrompt(r.cfg.Review.MaxIssuesInPrompt),
	)
	return loop.Run(ctx, review.Request{
		Setup:      setup,
		FeatureDir: s.featureDir,
		Dir:        r.workDir(s),
		Prompt:     action.Prompt,
	})
}

// settle persists the consequence of a step run. It reports whether the run
// should stop.
func (r *Runner) settle(s *session, run stepRun) (bool, error) {
	logger := s.logger.WithStep(run.step)

	if run.discussion {
		reason := fmt.Sprintf("Step %s is a discussion; run it interactively, then approve it", run.step)
		return true, r.update(s, func(st *state.PipelineState, now time.Time) {
			st.AwaitApproval(state.ApprovalStep, run.step, reason, nil, now)
		})
	}
	if run.err != nil {
		if errors.Is(run.err, errors.ErrCanceled) || errors.Is(run.err, context.Canceled) {
			logger.Warn("step interrupted", "error", run.err.Error())
			return true, run.err
		}
		return true, r.fail(s, run.step, run.err)
	}

	if run.review != nil {
		s.res.Reviews = append(s.res.Reviews, run.review)
		logger.Info("review settled", "verdict", string(run.review.Verdict), "iterations", run.review.Iterations)
		if !run.review.Verdict.Passed() {
			reason := fmt.Sprintf("Review %s ended %s with %d critical issue(s); see %s",
				run.step, run.review.Verdict, run.review.Counts.Critical, run.review.Report)
			cond := &state.Condition{Step: run.step, Outcome: string(run.review.Verdict), Message: reason}
			if err := r.update(s, func(st *state.PipelineState, now time.Time) {
				st.Current = run.step
				st.Pause(reason, cond, now)
			}); err != nil {
				return true, err
			}
			return true, errors.NewPipelineError(reason, errors.ErrNoGo).WithStep(run.step).WithFeatureDir(s.featureDir)
		}
		if err := r.commit(s, run.step, ""); err != nil {
			return true, r.fail(s, run.step, err)
		}
		return false, r.complete(s, run.step)
	}

	out := run.outcome
	if out == nil {
		return true, r.fail(s, run.step, errors.NewPipelineError("worker returned no outcome", nil).WithStep(run.step))
	}
	if len(out.Errors) > 0 {
		err := errors.NewPipelineError("worker reported errors: "+strings.Join(out.Errors, "; "), nil).WithStep(run.step)
		return true, r.fail(s, run.step, err)
	}
	if len(out.Clarifications) > 0 {
		reason := "Worker needs clarification: " + strings.Join(out.Clarifications, "; ")
		return true, r.update(s, func(st *state.PipelineState, now time.Time) {
			st.Current = run.step
			st.Pause(reason, &state.Condition{Step: run.step, Outcome: "CLARIFICATION", Message: reason}, now)
		})
	}
	if out.ResultPath != "" {
		ok, err := dispatch.ReadResult(r.fs, out.ResultPath)
		if err == nil && !ok {
			err = errors.Wrap(errors.ErrInvalidResult, "result artifact records a failed dispatch")
		}
		if err != nil {
			return true, r.fail(s, run.step, err)
		}
	}

	if s.repo != nil && len(r.cfg.Runner.ProtectedPaths) > 0 {
		restored, err := s.repo.RestoreProtectedPaths(r.cfg.Runner.ProtectedPaths)
		if err != nil {
			return true, r.fail(s, run.step, err)
		}
		if len(restored) > 0 {
			logger.Warn("restored protected paths", "paths", strings.Join(restored, ","))
		}
	}

	if run.phase != "" {
		if err := r.commit(s, run.step, run.phase); err != nil {
			return true, r.fail(s, run.step, err)
		}
		if err := r.update(s, func(st *state.PipelineState, now time.Time) {
			st.CompletePhase(run.phase, now)
		}); err != nil {
			return true, err
		}
		s.res.Phases = append(s.res.Phases, run.phase)
		logger.Info("phase completed", "phase", run.phase)
		if !run.lastPhase {
			return false, nil
		}
	}

	if s.def.IsConditional(run.step) {
		if token, ok := flow.ParseOutcome(out.Text); ok {
			if b, ok := s.def.Branch(run.step, token); ok {
				if run.phase == "" {
					if err := r.commit(s, run.step, ""); err != nil {
						return true, r.fail(s, run.step, err)
					}
				}
				logger.Info("applying conditional branch", "outcome", token, "action", string(b.Action))
				var after *state.PipelineState
				if err := r.update(s, func(st *state.PipelineState, now time.Time) {
					st.ApplyBranch(s.def, run.step, token, b, now)
					after = st
				}); err != nil {
					return true, err
				}
				if after.IsCompleted(run.step) {
					s.res.Completed = append(s.res.Completed, run.step)
				}
				return after.Status != state.StatusActive, nil
			}
			logger.Warn("outcome has no branch; continuing", "outcome", token)
		}
	}

	if run.phase == "" {
		if err := r.commit(s, run.step, ""); err != nil {
			return true, r.fail(s, run.step, err)
		}
	}
	return false, r.complete(s, run.step)
}

func (r *Runner) complete(s *session, step string) error {
	if err := r.update(s, func(st *state.PipelineState, now time.Time) {
		st.MarkComplete(now, step)
	}); err != nil {
		return err
	}
	s.res.Completed = append(s.res.Completed, step)
	s.logger.WithStep(step).Info("step completed")
	return nil
}

// fail records err against step and returns it. A review iteration in which
// every persona failed counts as a rate limit: the pipeline waits to be
// resumed rather than reporting a step error.
func (r *Runner) fail(s *session, step string, err error) error {
	rateLimited := errors.Is(err, errors.ErrRateLimited) || errors.Is(err, errors.ErrAllPersonasFailed)
	if uerr := r.update(s, func(st *state.PipelineState, now time.Time) {
		st.Fail(step, err.Error(), rateLimited, now)
	}); uerr != nil {
		return errors.Join(err, uerr)
	}
	s.res.LastError = err.Error()
	s.logger.WithStep(step).Error("step failed", "rate_limited", rateLimited, "error", err.Error())
	return err
}

func (r *Runner) update(s *session, fn func(st *state.PipelineState, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.store.Update(func(st *state.PipelineState, now time.Time) error {
		fn(st, now)
		return nil
	})
	if err != nil {
		return err
	}
	s.res.Status = st.Status
	return nil
}

// commit records the work of a step when commits are enabled. The work
// directory holding state and logs is never committed.
func (r *Runner) commit(s *session, step, phase string) error {
	if s.repo == nil || !r.cfg.Runner.Commit {
		return nil
	}
	msg := strings.TrimSpace(r.cfg.Runner.CommitPrefix + " " + step)
	if phase != "" {
		msg += " phase " + phase
	}
	committed, err := s.repo.Commit(msg, filepath.Join(s.featureDir, state.WorkDir))
	if err != nil {
		return err
	}
	if committed {
		s.res.Commits++
		s.logger.WithStep(step).Info("committed step output", "message", msg)
	}
	return nil
}

// workDir is the worker's working directory: the repository root, so that
// workers see the whole project, or the feature directory outside git.
func (r *Runner) workDir(s *session) string {
	if s.repo != nil {
		return s.repo.RepoDir()
	}
	return s.featureDir
}

func leadWriteAccess(def flow.Definition, step string) bool {
	tc, ok := def.TeamConfig[step]
	if !ok || len(tc.Teammates) == 0 {
		return true
	}
	return tc.Teammates[0].WriteAccess
}
