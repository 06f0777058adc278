//go:build unix

package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/config"
	"github.com/Iron-Ham/featurepipe/internal/errors"
)

const fakeCLI = "fake"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Models.Default = config.ModelSpec{CLI: fakeCLI, Model: "m1"}
	cfg.Dispatch.IdleTimeout = 3 * time.Second
	cfg.Dispatch.MaxTimeout = 5 * time.Second
	cfg.Dispatch.PollInterval = 20 * time.Millisecond
	cfg.Dispatch.CompletionGrace = 100 * time.Millisecond
	cfg.Dispatch.RetryDelay = 0
	cfg.Dispatch.MaxRetries = 0
	cfg.Dispatch.ReviewMaxRetries = 0
	cfg.Dispatch.WorkDir = t.TempDir()
	return cfg
}

func shellProvider(script string) Provider {
	return NewCommandProvider(fakeCLI, "/bin/sh", "-c", script)
}

// streamProvider behaves like the Claude adapter but runs a shell script.
type streamProvider struct {
	*CommandProvider
}

func (s streamProvider) Scanner() CompletionScanner { return &streamJSONScanner{} }

func (s streamProvider) ParseResult(output []byte) (string, map[string]any) {
	return (&ClaudeProvider{}).ParseResult(output)
}

func newDispatcher(t *testing.T, cfg *config.Config, p Provider) *Dispatcher {
	t.Helper()
	d, err := New(cfg, WithProvider(p))
	require.NoError(t, err)
	return d
}

func TestRunSuccessWritesResult(t *testing.T) {
	cfg := testConfig(t)
	d := newDispatcher(t, cfg, shellProvider(`cat >/dev/null; echo hello; echo "VERDICT: GO"; echo "CLARIFICATION: which db?"`))
	featureDir := t.TempDir()

	out, err := d.Run(context.Background(), Request{Step: "plan", Prompt: "do it", FeatureDir: featureDir})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "GO", out.Verdict)
	assert.Equal(t, []string{"which db?"}, out.Clarifications)
	assert.Equal(t, fakeCLI, out.CLI)
	assert.Equal(t, "m1", out.Model)
	assert.Contains(t, out.Text, "hello")

	ok, err := ReadResult(afero.NewOsFs(), ResultPath(featureDir, "plan", ""))
	require.NoError(t, err)
	assert.True(t, ok)

	left, err := os.ReadDir(cfg.Dispatch.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunFeedsPromptOnStdin(t *testing.T) {
	cfg := testConfig(t)
	d := newDispatcher(t, cfg, shellProvider(`cat; echo "step=$FEATUREPIPE_STEP model=$FEATUREPIPE_MODEL"`))

	out, err := d.Run(context.Background(), Request{Step: "tasks", Prompt: "line one\nline two\n"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "line one\nline two\n")
	assert.Contains(t, out.Text, "step=tasks model=m1")
}

func TestRunRetriesThenFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.MaxRetries = 2
	d := newDispatcher(t, cfg, shellProvider(`echo boom >&2; exit 3`))
	featureDir := t.TempDir()

	var hooks []int
	out, err := d.Run(context.Background(), Request{
		Step:       "implement",
		FeatureDir: featureDir,
		BeforeRetry: func(_ context.Context, attempt int) error {
			hooks = append(hooks, attempt)
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDispatchFailed))
	assert.False(t, errors.Is(err, errors.ErrRateLimited))
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, StatusExitError, out.Status)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, []int{2, 3}, hooks)
	assert.Empty(t, out.OutputPath)

	ok, err := ReadResult(afero.NewOsFs(), ResultPath(featureDir, "implement", ""))
	require.NoError(t, err)
	assert.False(t, ok)

	left, err := os.ReadDir(cfg.Dispatch.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, left, "prompt and output files should be removed")
}

func TestRunReviewUsesReviewRetryBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.MaxRetries = 4
	cfg.Dispatch.ReviewMaxRetries = 1
	d := newDispatcher(t, cfg, shellProvider(`exit 1`))

	out, err := d.Run(context.Background(), Request{Step: "planreview", Persona: "skeptic", Review: true})
	require.Error(t, err)
	assert.Equal(t, 2, out.Attempts)
}

func TestRunSucceedsOnRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.MaxRetries = 2
	counter := filepath.Join(t.TempDir(), "count")
	script := `n=$(cat "` + counter + `" 2>/dev/null || echo 0); n=$((n+1)); echo $n > "` + counter + `"; ` +
		`if [ $n -lt 2 ]; then exit 1; fi; echo ok`
	d := newDispatcher(t, cfg, shellProvider(script))

	out, err := d.Run(context.Background(), Request{Step: "plan"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestRunRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.MaxRetries = 1
	d := newDispatcher(t, cfg, shellProvider(`echo "API Error: Rate limit exceeded, try later"; exit 1`))

	_, err := d.Run(context.Background(), Request{Step: "plan"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, "rate-limited", errors.Kind(err))
}

func TestIdleTimeoutAfterOutputStarted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.IdleTimeout = 300 * time.Millisecond
	d := newDispatcher(t, cfg, shellProvider(`echo started; sleep 10`))

	start := time.Now()
	out, err := d.Run(context.Background(), Request{Step: "plan"})
	require.Error(t, err)
	assert.Equal(t, StatusIdleTimeout, out.Status)
	assert.Less(t, time.Since(start), 4*time.Second)

	var te *errors.TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestNoIdleTimeoutBeforeOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.IdleTimeout = 100 * time.Millisecond
	cfg.Dispatch.MaxTimeout = 600 * time.Millisecond
	d := newDispatcher(t, cfg, shellProvider(`sleep 10`))

	out, err := d.Run(context.Background(), Request{Step: "plan"})
	require.Error(t, err)
	assert.Equal(t, StatusMaxTimeout, out.Status)
	assert.GreaterOrEqual(t, out.Duration, 600*time.Millisecond)
}

func TestCompletionEventEndsAttempt(t *testing.T) {
	cfg := testConfig(t)
	event := `{"type":"result","subtype":"success","result":"done\nVERDICT: GO","num_turns":4,"duration_ms":1234,"session_id":"abc"}`
	p := streamProvider{NewCommandProvider(fakeCLI, "/bin/sh", "-c", `printf '%s\n' '`+event+`'; sleep 10`)}
	d := newDispatcher(t, cfg, p)
	featureDir := t.TempDir()

	start := time.Now()
	out, err := d.Run(context.Background(), Request{Step: "specify", FeatureDir: featureDir})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "GO", out.Verdict)
	assert.Equal(t, "done\nVERDICT: GO", out.Text)

	data, err := os.ReadFile(ResultPath(featureDir, "specify", ""))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"num_turns": 4`)
	assert.Contains(t, string(data), `"session_id": "abc"`)
	assert.Contains(t, string(data), `"duration_ms": 1234`)
}

func TestRunCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.MaxRetries = 3
	d := newDispatcher(t, cfg, shellProvider(`sleep 10`))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out, err := d.Run(ctx, Request{Step: "plan"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	assert.Equal(t, 1, out.Attempts)
}

func TestRunUnknownCLI(t *testing.T) {
	cfg := testConfig(t)
	d := newDispatcher(t, cfg, shellProvider(`true`))

	_, err := d.Run(context.Background(), Request{Step: "plan", CLI: "nope"})
	require.Error(t, err)
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestStartErrorIsClassified(t *testing.T) {
	cfg := testConfig(t)
	d := newDispatcher(t, cfg, NewCommandProvider(fakeCLI, "/definitely/not/here"))

	out, err := d.Run(context.Background(), Request{Step: "plan"})
	require.Error(t, err)
	assert.Equal(t, StatusStartError, out.Status)
	assert.True(t, strings.Contains(out.Error, "start"))
}
