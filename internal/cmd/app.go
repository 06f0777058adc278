package cmd

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/featurepipe/internal/config"
	"github.com/Iron-Ham/featurepipe/internal/dispatch"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/logging"
	"github.com/Iron-Ham/featurepipe/internal/review"
	"github.com/Iron-Ham/featurepipe/internal/runner"
	"github.com/Iron-Ham/featurepipe/internal/state"
	"github.com/Iron-Ham/featurepipe/internal/telemetry"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	// ExitPersonasFailed reports a review aborted because every persona of
	// an iteration failed, which usually means a provider outage.
	ExitPersonasFailed = 3
)

// app is what one command invocation needs: configuration, flows, a logger
// tagged with the run id, and the filesystem.
type app struct {
	cfg    *config.Config
	flows  *flow.Registry
	logger *logging.Logger
	fs     afero.Fs
}

// newWorker builds the worker that runs dispatches. Tests replace it.
var newWorker = func(a *app) (review.Worker, error) {
	d, err := dispatch.New(a.cfg, dispatch.WithLogger(a.logger), dispatch.WithFs(a.fs))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// newApp loads configuration and opens the log. Logs of a feature go to its
// work directory unless logging.dir is set.
func newApp(cmd *cobra.Command, featureDir string) (*app, error) {
	if configErr != nil {
		return nil, errors.NewValidationError("cannot read config file").WithField("config").WithCause(configErr)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("config")
	}

	dir := cfg.Logging.Dir
	if dir == "" && featureDir != "" {
		dir = filepath.Join(featureDir, state.WorkDir)
	}
	logger, err := logging.NewLogger(dir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger = logger.WithRun(runID).With("command", cmd.Name())

	if err := telemetry.Init(cmd.Context(), cfg.Telemetry, "featurepipe", Version); err != nil {
		logger.Warn("telemetry disabled", "error", err.Error())
	}

	fs := afero.NewOsFs()
	flows := flow.NewRegistry()
	loaded, err := flows.LoadDir(fs, cfg.FlowsDir)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	if len(loaded) > 0 {
		logger.Debug("loaded flow overrides", "dir", cfg.FlowsDir, "flows", strings.Join(loaded, ","))
	}

	return &app{cfg: cfg, flows: flows, logger: logger, fs: fs}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(ctx)
	_ = a.logger.Close()
}

func (a *app) runner() (*runner.Runner, error) {
	w, err := newWorker(a)
	if err != nil {
		return nil, err
	}
	return runner.New(a.cfg, a.flows, w, runner.WithLogger(a.logger), runner.WithFs(a.fs)), nil
}

// load reads the state of featureDir together with its flow.
func (a *app) load(featureDir string) (*state.PipelineState, flow.Definition, error) {
	st, err := state.NewStore(a.fs, featureDir, state.WithLogger(a.logger)).Load()
	if err != nil {
		return nil, flow.Definition{}, err
	}
	def, err := a.flows.Get(st.Flow)
	if err != nil {
		return nil, flow.Definition{}, err
	}
	return st, def, nil
}

// featureDirArg resolves the feature directory argument to an absolute path.
func featureDirArg(arg string) (string, error) {
	dir, err := filepath.Abs(arg)
	if err != nil {
		return "", errors.NewValidationError("invalid feature directory").WithField("feature-dir").WithValue(arg).WithCause(err)
	}
	return dir, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorOutput is printed for every failed command. Retryable tells a driver
// that invoking the same command again may succeed; UserFacing that the
// message can be shown to an operator as is.
type errorOutput struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	Retryable  bool   `json:"retryable"`
	UserFacing bool   `json:"userFacing"`
}

func writeError(w io.Writer, err error) {
	_ = writeJSON(w, errorOutput{
		Error:      err.Error(),
		Kind:       errors.Kind(err),
		Severity:   errors.GetSeverity(err).String(),
		Retryable:  errors.IsRetryable(err),
		UserFacing: errors.IsUserFacing(err),
	})
}

func exitCode(err error) int {
	if errors.Is(err, errors.ErrAllPersonasFailed) {
		return ExitPersonasFailed
	}
	return ExitError
}
