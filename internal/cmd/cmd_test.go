package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/dispatch"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/machine"
	"github.com/Iron-Ham/featurepipe/internal/review"
	"github.com/Iron-Ham/featurepipe/internal/runner"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

// executeCommand runs the root command with args and returns captured output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores flag defaults, which cobra keeps between executions.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// setupEnv isolates the user config and returns a fresh feature directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return filepath.Join(t.TempDir(), "feat")
}

// specWorker writes spec.md for the specify step and reports success.
type specWorker struct {
	reqs []dispatch.Request
}

func (w *specWorker) Run(_ context.Context, req dispatch.Request) (*dispatch.Outcome, error) {
	w.reqs = append(w.reqs, req)
	fs := afero.NewOsFs()
	if req.Step == "specify" {
		if err := afero.WriteFile(fs, filepath.Join(req.FeatureDir, "spec.md"), []byte("# Spec\n"), 0644); err != nil {
			return nil, err
		}
	}
	out := &dispatch.Outcome{
		Status:     dispatch.StatusSuccess,
		Attempts:   1,
		Text:       "done",
		ResultPath: dispatch.ResultPath(req.FeatureDir, req.Step, ""),
	}
	if err := dispatch.WriteResult(fs, out.ResultPath, dispatch.NewSuccessResult(out)); err != nil {
		return nil, err
	}
	return out, nil
}

func useWorker(t *testing.T, w review.Worker) {
	t.Helper()
	prev := newWorker
	newWorker = func(*app) (review.Worker, error) { return w, nil }
	t.Cleanup(func() { newWorker = prev })
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "featurepipe", rootCmd.Use)

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{
		"init", "next", "complete", "respond", "run", "step",
		"dispatch", "review", "validate-result", "status", "flows", "config",
	} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestInitCreatesState(t *testing.T) {
	dir := setupEnv(t)

	out, err := executeCommand(t, "init", dir)
	require.NoError(t, err)
	st := decode[state.PipelineState](t, out)
	assert.Equal(t, "feature", st.Flow)
	assert.Equal(t, state.StatusActive, st.Status)
	assert.Equal(t, "specify", st.Pipeline[0])
	assert.FileExists(t, filepath.Join(dir, state.FileName))
	assert.FileExists(t, filepath.Join(dir, state.WorkDir, "featurepipe.log"))

	out, err = executeCommand(t, "init", dir, "--flow", "bugfix", "--force")
	require.NoError(t, err)
	st = decode[state.PipelineState](t, out)
	assert.Equal(t, "bugfix", st.Flow)
}

func TestInitUnknownFlow(t *testing.T) {
	dir := setupEnv(t)

	_, err := executeCommand(t, "init", dir, "--flow", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownFlow))
}

func TestNextReportsFirstStep(t *testing.T) {
	dir := setupEnv(t)
	_, err := executeCommand(t, "init", dir)
	require.NoError(t, err)

	out, err := executeCommand(t, "next", dir)
	require.NoError(t, err)
	action := decode[machine.Action](t, out)
	assert.Equal(t, machine.ActionDispatch, action.Type)
	assert.Equal(t, "specify", action.Step)
	assert.NotEmpty(t, action.Prompt)
}

func TestNextWithoutState(t *testing.T) {
	dir := setupEnv(t)
	require.NoError(t, os.MkdirAll(dir, 0755))

	_, err := executeCommand(t, "next", dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStateNotFound))
	assert.Equal(t, ExitError, exitCode(err))
}

func TestStepRunsOneAction(t *testing.T) {
	dir := setupEnv(t)
	w := &specWorker{}
	useWorker(t, w)
	_, err := executeCommand(t, "init", dir)
	require.NoError(t, err)

	out, err := executeCommand(t, "step", dir)
	require.NoError(t, err)
	res := decode[runner.Result](t, out)
	assert.Equal(t, []string{"specify"}, res.Completed)
	require.Len(t, w.reqs, 1)
	assert.Equal(t, dir, w.reqs[0].Dir)

	out, err = executeCommand(t, "status", dir, "--json")
	require.NoError(t, err)
	st := decode[state.PipelineState](t, out)
	assert.Contains(t, st.Completed, "specify")

	out, err = executeCommand(t, "status", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "featurepipe: feature")
	assert.Contains(t, out, "specify")
	assert.Contains(t, out, "plan")
}

func TestCompleteAndRespond(t *testing.T) {
	dir := setupEnv(t)
	_, err := executeCommand(t, "init", dir)
	require.NoError(t, err)

	_, err = executeCommand(t, "complete", dir, "specify")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrResultMissing))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec.md"), []byte("# Spec\n"), 0644))
	out := &dispatch.Outcome{Status: dispatch.StatusSuccess, Attempts: 1}
	require.NoError(t, dispatch.WriteResult(afero.NewOsFs(), dispatch.ResultPath(dir, "specify", ""), dispatch.NewSuccessResult(out)))

	res, err := executeCommand(t, "complete", dir, "specify", "--outcome", "SPLIT")
	require.NoError(t, err)
	done := decode[runner.Completion](t, res)
	assert.Empty(t, done.Completed)
	assert.Equal(t, state.StatusAwaitingApproval, done.Status)
	assert.Equal(t, machine.ActionUserGate, done.Next.Type)

	_, err = executeCommand(t, "respond", dir, "maybe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidChoice))

	res, err = executeCommand(t, "respond", dir, "keep")
	require.NoError(t, err)
	resp := decode[runner.Response](t, res)
	assert.Equal(t, state.StatusActive, resp.Status)
	assert.Equal(t, "plan", resp.Next.Step)
}

func TestDispatchRejectsReviewStep(t *testing.T) {
	dir := setupEnv(t)
	useWorker(t, &specWorker{})
	_, err := executeCommand(t, "init", dir)
	require.NoError(t, err)

	_, err = executeCommand(t, "dispatch", dir, "planreview")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = executeCommand(t, "dispatch", dir, "nosuchstep")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownStep))
}

func TestDispatchRunsWorker(t *testing.T) {
	dir := setupEnv(t)
	w := &specWorker{}
	useWorker(t, w)
	_, err := executeCommand(t, "init", dir)
	require.NoError(t, err)

	out, err := executeCommand(t, "dispatch", dir, "specify", "--model", "opus")
	require.NoError(t, err)
	outcome := decode[dispatch.Outcome](t, out)
	assert.Equal(t, dispatch.StatusSuccess, outcome.Status)
	require.Len(t, w.reqs, 1)
	assert.Equal(t, "opus", w.reqs[0].Model)
	assert.Equal(t, 60, w.reqs[0].MaxTurns)
	assert.True(t, w.reqs[0].WriteAccess)

	// dispatch leaves the state alone
	out, err = executeCommand(t, "status", dir, "--json")
	require.NoError(t, err)
	assert.Empty(t, decode[state.PipelineState](t, out).Completed)
}

func TestValidateResult(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	fs := afero.NewOsFs()

	ok := filepath.Join(dir, "ok.json")
	require.NoError(t, dispatch.WriteResult(fs, ok, dispatch.NewSuccessResult(&dispatch.Outcome{Status: dispatch.StatusSuccess})))
	out, err := executeCommand(t, "validate-result", ok)
	require.NoError(t, err)
	v := decode[validateOutput](t, out)
	assert.True(t, v.Valid)
	assert.Equal(t, "success", v.Shape)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"status":"done","summary":"x"}`), 0644))
	_, err = executeCommand(t, "validate-result", bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidResult))

	event := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(event, []byte(`{"type":"result","subtype":"success","stop_reason":"end_turn"}`), 0644))
	out, err = executeCommand(t, "validate-result", event)
	require.NoError(t, err)
	assert.Equal(t, "success", decode[validateOutput](t, out).Shape)

	_, err = executeCommand(t, "validate-result", filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestFlowsCommand(t *testing.T) {
	setupEnv(t)

	out, err := executeCommand(t, "flows")
	require.NoError(t, err)
	flows := decode[[]flowSummary](t, out)
	var names []string
	for _, f := range flows {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"bugfix", "feature", "roadmap"}, names)

	out, err = executeCommand(t, "flows", "feature")
	require.NoError(t, err)
	assert.Contains(t, out, `"specify"`)
}

func TestConfigResolve(t *testing.T) {
	setupEnv(t)

	out, err := executeCommand(t, "config", "resolve", "planreview", "--persona", "skeptic")
	require.NoError(t, err)
	res := decode[resolveOutput](t, out)
	assert.Equal(t, "plan", res.Category)
	assert.Equal(t, "claude", res.CLI)
	assert.Equal(t, "sonnet", res.Model)
	assert.Equal(t, "default", res.ModelSource)

	t.Setenv("FEATUREPIPE_MODELS_DEFAULT_MODEL", "opus")
	out, err = executeCommand(t, "config", "resolve", "plan")
	require.NoError(t, err)
	res = decode[resolveOutput](t, out)
	assert.Equal(t, "opus", res.Model)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitPersonasFailed, exitCode(errors.Wrap(errors.ErrAllPersonasFailed, "review")))
	assert.Equal(t, ExitError, exitCode(errors.ErrNoGo))

	var buf bytes.Buffer
	writeError(&buf, errors.ErrNoGo)
	out := decode[errorOutput](t, buf.String())
	assert.Equal(t, "no-go", out.Kind)
	assert.Equal(t, "error", out.Severity)
	assert.False(t, out.Retryable)
	assert.False(t, out.UserFacing)

	buf.Reset()
	writeError(&buf, errors.NewValidationError("bad flag").WithField("flow"))
	out = decode[errorOutput](t, buf.String())
	assert.Equal(t, "validation", out.Kind)
	assert.Equal(t, "warning", out.Severity)
	assert.True(t, out.UserFacing)
}
