package review

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/dispatch"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/logging"
	"github.com/Iron-Ham/featurepipe/internal/telemetry"
)

// Worker runs one dispatch request. *dispatch.Dispatcher satisfies it.
type Worker interface {
	Run(ctx context.Context, req dispatch.Request) (*dispatch.Outcome, error)
}

// Loop drives review iterations until convergence or the budget runs out.
type Loop struct {
	worker    Worker
	fs        afero.Fs
	logger    *logging.Logger
	metrics   *telemetry.ReviewMetrics
	now       func() time.Time
	maxIssues int
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger attaches a logger.
func WithLoopLogger(l *logging.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithLoopClock overrides time.Now, for tests.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(lp *Loop) { lp.now = now }
}

// WithMaxIssuesInPrompt caps the issue lists handed to personas and the fixer.
func WithMaxIssuesInPrompt(n int) LoopOption {
	return func(lp *Loop) { lp.maxIssues = n }
}

// NewLoop creates a Loop that dispatches through worker and writes logs,
// reports and results to fs.
func NewLoop(worker Worker, fs afero.Fs, opts ...LoopOption) *Loop {
	l := &Loop{
		worker:  worker,
		fs:      fs,
		logger:  logging.NopLogger(),
		metrics: telemetry.NewReviewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger)
	return l
}

// Request is one review run.
type Request struct {
	Setup      Setup
	FeatureDir string
	// Dir is the working directory of personas and the fixer.
	Dir string
	// Prompt is the step prompt shared by every persona and the fixer.
	Prompt string
}

type personaResult struct {
	index       int
	output      PersonaOutput
	rateLimited bool
}

// Run reviews until no critical or high issue remains or the iteration
// budget is spent. Personas of one iteration run concurrently. When every
// persona of an iteration fails the run stops with ErrAllPersonasFailed,
// joined with ErrRateLimited if any of them hit a rate limit. The report and
// result are written for every verdict.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	setup := req.Setup
	if len(setup.Personas) == 0 {
		return nil, errors.NewReviewError("no personas resolved", nil).WithStep(setup.Step)
	}
	budget := setup.MaxIterations
	if budget <= 0 {
		budget = setup.Depth.Iterations()
	}
	setup.MaxIterations = budget

	logger := l.logger.WithStep(setup.Step)
	log, err := OpenLog(l.fs, req.FeatureDir, setup.Step)
	if err != nil {
		return nil, err
	}

	nextID := setup.NextIssueID
	if floor := log.NextIssueID(setup.Prefix); nextID < floor {
		nextID = floor
	}

	var (
		last      Aggregation
		open      []Issue
		iteration int
	)
	for iteration = 1; iteration <= budget; iteration++ {
		ictx, span := l.metrics.StartIteration(ctx, setup.Step, iteration)
		logger.Info("review iteration started", "iteration", iteration, "budget", budget)

		outputs, rateLimited, err := l.runPersonas(ictx, req, setup, iteration, open)
		if err != nil {
			l.metrics.EndIteration(ictx, span, setup.Step, nil, false, err)
			return nil, err
		}
		if allFailed(outputs) {
			cause := errors.ErrAllPersonasFailed
			if rateLimited {
				cause = errors.Join(errors.ErrAllPersonasFailed, errors.ErrRateLimited)
			}
			err := errors.NewReviewError("every persona failed", cause).
				WithStep(setup.Step).
				WithIteration(iteration)
			l.metrics.EndIteration(ictx, span, setup.Step, nil, false, err)
			return nil, err
		}

		agg := Aggregate(outputs, setup.Prefix, nextID, log.Ledger())
		nextID = agg.NextID
		last = agg
		logger.Info("review iteration aggregated",
			"iteration", iteration,
			"critical", agg.Counts.Critical,
			"high", agg.Counts.High,
			"medium", agg.Counts.Medium,
			"low", agg.Counts.Low,
			"duplicates", agg.Duplicates,
			"failed_personas", len(agg.Failed),
			"converged", agg.Converged,
		)

		logged := make([]Issue, 0, len(agg.Issues)+len(agg.Resurfaced))
		logged = append(append(logged, agg.Issues...), agg.Resurfaced...)
		entry := LogEntry{
			Iteration: log.LastIteration() + 1,
			Issues:    logged,
			Verdicts:  agg.Verdicts,
			At:        l.now().UTC(),
		}
		if !agg.Converged && iteration < budget {
			fixed, err := l.runFixer(ictx, req, setup, iteration, agg.Issues)
			if err != nil {
				_ = log.Append(entry)
				l.metrics.EndIteration(ictx, span, setup.Step, severityCounts(agg.Counts), false, err)
				return nil, err
			}
			entry.Fixed = fixed
		}
		if err := log.Append(entry); err != nil {
			l.metrics.EndIteration(ictx, span, setup.Step, severityCounts(agg.Counts), agg.Converged, err)
			return nil, err
		}
		l.metrics.EndIteration(ictx, span, setup.Step, severityCounts(agg.Counts), agg.Converged, nil)

		if agg.Converged {
			break
		}
		open = agg.Issues
	}
	if iteration > budget {
		iteration = budget
	}

	res := &Result{
		Step:       setup.Step,
		Verdict:    verdictFor(last),
		Converged:  last.Converged,
		Iterations: iteration,
		Depth:      setup.Depth,
		Counts:     last.Counts,
		Issues:     last.Issues,
		Fixed:      log.Fixed(),
		Verdicts:   last.Verdicts,
		Report:     ReportPath(req.FeatureDir, setup.Step),
		Finished:   l.now().UTC(),
	}
	if res.Fixed == nil {
		res.Fixed = []FixedIssue{}
	}
	if err := afero.WriteFile(l.fs, res.Report, []byte(RenderReport(res, setup)), 0644); err != nil {
		return nil, errors.Wrap(err, "write review report")
	}
	if err := WriteResult(l.fs, req.FeatureDir, res); err != nil {
		return nil, err
	}
	logger.Info("review finished", "verdict", string(res.Verdict), "iterations", res.Iterations)
	return res, nil
}

func (l *Loop) runPersonas(ctx context.Context, req Request, setup Setup, iteration int, open []Issue) ([]PersonaOutput, bool, error) {
	p := pool.NewWithResults[personaResult]().WithMaxGoroutines(len(setup.Personas))
	for i, persona := range setup.Personas {
		p.Go(func() personaResult {
			out, err := l.worker.Run(ctx, dispatch.Request{
				Step:       setup.Step,
				Persona:    persona.Name,
				Category:   setup.Category,
				Prompt:     PersonaPrompt(req.Prompt, setup, persona, iteration, open, l.maxIssues),
				FeatureDir: req.FeatureDir,
				Dir:        req.Dir,
				MaxTurns:   persona.MaxTurns,
				Review:     true,
				CLI:        persona.CLI,
				Model:      persona.Model,
			})
			r := personaResult{index: i, output: PersonaOutput{Persona: persona.Name}}
			if err != nil {
				r.output.Failed = true
				r.output.Error = err.Error()
				r.rateLimited = errors.Is(err, errors.ErrRateLimited)
				return r
			}
			r.output.Text = out.Text
			r.output.Verdict = out.Verdict
			return r
		})
	}
	results := p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, false, errors.Join(errors.ErrCanceled, err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	outputs := make([]PersonaOutput, len(results))
	rateLimited := false
	for i, r := range results {
		outputs[i] = r.output
		if r.output.Failed {
			l.logger.WithStep(setup.Step).WithPersona(r.output.Persona).
				Warn("persona failed", "iteration", iteration, "error", r.output.Error)
		}
		rateLimited = rateLimited || r.rateLimited
	}
	return outputs, rateLimited, nil
}

// runFixer hands the open issues to the fixer and returns the ones it
// confirmed. A fixer failure is logged and the next iteration re-reviews;
// rate limits and cancellation stop the loop.
func (l *Loop) runFixer(ctx context.Context, req Request, setup Setup, iteration int, issues []Issue) ([]FixedIssue, error) {
	logger := l.logger.WithStep(setup.Step).WithPersona(setup.Fixer.Name)
	out, err := l.worker.Run(ctx, dispatch.Request{
		Step:        setup.Step,
		Persona:     setup.Fixer.Name,
		Category:    setup.Category,
		Prompt:      FixerPrompt(req.Prompt, setup, iteration, issues, l.maxIssues),
		FeatureDir:  req.FeatureDir,
		Dir:         req.Dir,
		WriteAccess: true,
		MaxTurns:    setup.Fixer.MaxTurns,
		Review:      true,
		CLI:         setup.Fixer.CLI,
		Model:       setup.Fixer.Model,
	})
	if err != nil {
		if errors.Is(err, errors.ErrRateLimited) || errors.Is(err, errors.ErrCanceled) || ctx.Err() != nil {
			return nil, errors.NewReviewError("fixer stopped", err).WithStep(setup.Step).WithIteration(iteration)
		}
		logger.Warn("fixer failed", "iteration", iteration, "error", err.Error())
		return nil, nil
	}

	byID := make(map[string]Issue, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
	}
	var fixed []FixedIssue
	for _, id := range ParseFixed(out.Text) {
		is, ok := byID[id]
		if !ok {
			logger.Debug("fixer claimed an unknown issue", "id", id)
			continue
		}
		fixed = append(fixed, FixedIssue{ID: is.ID, Severity: is.Severity, Description: is.Description})
	}
	logger.Info("fixer finished", "iteration", iteration, "fixed", len(fixed), "open", len(issues))
	return fixed, nil
}

func allFailed(outputs []PersonaOutput) bool {
	for _, o := range outputs {
		if !o.Failed {
			return false
		}
	}
	return true
}

func verdictFor(agg Aggregation) Verdict {
	switch {
	case agg.Converged:
		return VerdictGo
	case agg.Counts.Critical == 0:
		return VerdictConditional
	default:
		return VerdictNoGo
	}
}

func severityCounts(c Counts) map[string]int {
	return map[string]int{
		string(SeverityCritical): c.Critical,
		string(SeverityHigh):     c.High,
		string(SeverityMedium):   c.Medium,
		string(SeverityLow):      c.Low,
	}
}

// String renders a one-line summary of the result.
func (r *Result) String() string {
	return fmt.Sprintf("%s: %s after %d iteration(s) (C=%d H=%d M=%d L=%d, %d fixed)",
		r.Step, r.Verdict, r.Iterations, r.Counts.Critical, r.Counts.High, r.Counts.Medium, r.Counts.Low, len(r.Fixed))
}
