// Package dispatch runs external worker CLIs.
//
// One attempt launches a worker in its own process group, streams its output
// to a file and polls that file: an idle timeout fires only after output has
// started, a max timeout always applies, and an in-band completion event ends
// the attempt after a short grace period. Dispatcher.Run wraps attempts in a
// bounded retry policy and writes a result artifact whatever happens.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/config"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/logging"
	"github.com/Iron-Ham/featurepipe/internal/telemetry"
)

// Request describes one dispatch.
type Request struct {
	Step     string
	Persona  string
	Category string
	Prompt   string
	// FeatureDir locates the default result artifact.
	FeatureDir string
	// Dir is the worker's working directory.
	Dir string
	// ResultPath overrides the default result artifact location.
	ResultPath  string
	WriteAccess bool
	MaxTurns    int
	// Review selects the smaller retry budget of review personas and fixers.
	Review bool
	// CLI and Model override the configured resolution chain when set.
	CLI   string
	Model string
	// BeforeRetry runs before every attempt after the first, e.g. to discard
	// partial changes. An error stops retrying.
	BeforeRetry func(ctx context.Context, attempt int) error
}

// Dispatcher runs worker requests with retries.
type Dispatcher struct {
	cfg       *config.Config
	fs        afero.Fs
	providers map[string]Provider
	logger    *logging.Logger
	metrics   *telemetry.DispatchMetrics
	rateLimit []*regexp.Regexp
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithProvider registers p under its name, replacing a built-in adapter.
func WithProvider(p Provider) Option {
	return func(d *Dispatcher) { d.providers[p.Name()] = p }
}

// WithFs sets the filesystem result artifacts are written to.
func WithFs(fs afero.Fs) Option {
	return func(d *Dispatcher) { d.fs = fs }
}

// New creates a Dispatcher from configuration.
func New(cfg *config.Config, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	d := &Dispatcher{
		cfg:       cfg,
		fs:        afero.NewOsFs(),
		providers: DefaultProviders(),
		logger:    logging.NopLogger(),
		metrics:   telemetry.NewDispatchMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger)

	patterns := cfg.Dispatch.RateLimitPatterns
	if len(patterns) == 0 {
		patterns = config.DefaultRateLimitPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.NewValidationError(err.Error()).WithField("dispatch.rate_limit_patterns").WithValue(p)
		}
		d.rateLimit = append(d.rateLimit, re)
	}
	return d, nil
}

// Resolve returns the CLI and model a request will use.
func (d *Dispatcher) Resolve(req Request) config.ModelSpec {
	spec := d.cfg.ResolveModel(req.Step, req.Persona, req.Category).ModelSpec
	if req.CLI != "" {
		spec.CLI = req.CLI
	}
	if req.Model != "" {
		spec.Model = req.Model
	}
	return spec
}

// Run dispatches req, retrying failed attempts with a constant delay. It
// always writes the result artifact and removes its prompt and output files. A failure whose output matches a rate
// limit pattern is reported as ErrRateLimited.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Outcome, error) {
	spec := d.Resolve(req)
	provider, ok := d.providers[spec.CLI]
	if !ok {
		return nil, errors.NewValidationError(providerNotFound(spec.CLI).Error()).WithField("cli").WithValue(spec.CLI)
	}

	logger := d.logger.WithStep(req.Step)
	if req.Persona != "" {
		logger = logger.WithPersona(req.Persona)
	}

	base, err := d.tempBase(req)
	if err != nil {
		return nil, err
	}
	promptPath := base + "-prompt.md"
	if err := os.WriteFile(promptPath, []byte(req.Prompt), 0600); err != nil {
		return nil, errors.Wrap(err, "write prompt file")
	}
	defer func() { _ = os.Remove(promptPath) }()

	// Output logs outlive their attempt only until the rate limit scan below;
	// the result artifact is the durable record.
	var outputs []string
	var last Outcome
	defer func() {
		for _, path := range outputs {
			_ = os.Remove(path)
		}
		last.OutputPath = ""
	}()

	dc := d.cfg.Dispatch
	retries := dc.RetriesFor(req.Review)
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dc.RetryDelay), uint64(retries)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		outputPath := fmt.Sprintf("%s-output-%d.log", base, attempt)
		outputs = append(outputs, outputPath)
		if attempt > 1 && req.BeforeRetry != nil {
			if err := req.BeforeRetry(ctx, attempt); err != nil {
				return backoff.Permanent(errors.Wrap(err, "before retry"))
			}
		}

		actx, span, started := d.metrics.StartAttempt(ctx, req.Step, req.Persona, spec.CLI, attempt)
		out, err := runAttempt(actx, attemptSpec{
			provider:   provider,
			inv:        Invocation{Model: spec.Model, MaxTurns: req.MaxTurns, WriteAccess: req.WriteAccess},
			promptPath: promptPath,
			outputPath: outputPath,
			dir:        req.Dir,
			env: []string{
				"FEATUREPIPE_STEP=" + req.Step,
				"FEATUREPIPE_PERSONA=" + req.Persona,
				"FEATUREPIPE_MODEL=" + spec.Model,
			},
			timing: Timing{
				Idle:  dc.IdleTimeout,
				Max:   dc.MaxTimeout,
				Poll:  dc.PollInterval,
				Grace: dc.CompletionGrace,
			},
			usePTY: dc.UsePTY,
		})
		out.Attempts = attempt
		last = out

		var attemptErr error
		switch {
		case err != nil:
			attemptErr = backoff.Permanent(errors.Wrap(errors.ErrCanceled, err.Error()))
		case out.Status != StatusSuccess:
			attemptErr = attemptError(req.Step, out, dc)
		}
		d.metrics.EndAttempt(actx, span, started, req.Step, string(out.Status), attemptErr)
		if attemptErr == nil {
			logger.Info("worker finished", "attempt", attempt, "cli", spec.CLI, "model", spec.Model,
				"duration_ms", out.Duration.Milliseconds())
		}
		return attemptErr
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("worker attempt failed", "attempt", attempt, "error", err.Error(), "retry_in", wait.String())
	}

	runErr := backoff.RetryNotify(operation, policy, notify)

	resultPath := req.ResultPath
	if resultPath == "" && req.FeatureDir != "" {
		resultPath = ResultPath(req.FeatureDir, req.Step, req.Persona)
	}
	last.ResultPath = resultPath

	if runErr == nil {
		if resultPath != "" {
			if err := WriteResult(d.fs, resultPath, NewSuccessResult(&last)); err != nil {
				return &last, errors.Wrap(err, "write result artifact")
			}
		}
		return &last, nil
	}

	if d.rateLimited(&last) {
		runErr = errors.NewDispatchError("worker hit a rate limit", errors.ErrRateLimited).
			WithStep(req.Step).
			WithAttempt(last.Attempts).
			WithClassification("rate-limited").
			WithRetryable(false)
	}
	last.Error = runErr.Error()
	if resultPath != "" {
		if err := WriteResult(d.fs, resultPath, NewFailureResult(&last, runErr)); err != nil {
			logger.Error("failed to write failure artifact", "error", err.Error())
		}
	}
	logger.Error("worker failed", "attempts", last.Attempts, "status", string(last.Status), "error", runErr.Error())
	return &last, runErr
}

// tempBase returns the path prefix of this dispatch's prompt and output
// files, namespaced by process id, step and persona.
func (d *Dispatcher) tempBase(req Request) (string, error) {
	dir := d.cfg.Dispatch.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "create work dir %s", dir)
	}
	name := fmt.Sprintf("featurepipe-%d-%s", os.Getpid(), sanitize(req.Step))
	if req.Persona != "" {
		name += "-" + sanitize(req.Persona)
	}
	return filepath.Join(dir, name), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func attemptError(step string, out Outcome, dc config.DispatchConfig) error {
	var cause error
	switch out.Status {
	case StatusIdleTimeout:
		cause = errors.NewTimeoutError("dispatch "+step, dc.IdleTimeout).WithKind("idle")
	case StatusMaxTimeout:
		cause = errors.NewTimeoutError("dispatch "+step, dc.MaxTimeout).WithKind("max")
	default:
		cause = errors.ErrDispatchFailed
	}
	return errors.NewDispatchError(out.Error, cause).
		WithStep(step).
		WithAttempt(out.Attempts).
		WithExitCode(out.ExitCode).
		WithClassification(string(out.Status))
}

// rateLimited scans the last attempt's output for a rate limit signal.
func (d *Dispatcher) rateLimited(out *Outcome) bool {
	texts := []string{out.Error, out.Text}
	texts = append(texts, out.Errors...)
	if out.OutputPath != "" {
		if data, err := os.ReadFile(out.OutputPath); err == nil {
			texts = append(texts, string(data))
		}
	}
	for _, text := range texts {
		for _, re := range d.rateLimit {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}
