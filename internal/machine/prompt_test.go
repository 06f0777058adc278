package machine

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/review"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))

	long := strings.Repeat("é", 15)
	got := Truncate(long, 10)
	assert.Equal(t, strings.Repeat("é", 10)+"\n"+TruncatedMarker, got)
}

func TestRewriteLinks(t *testing.T) {
	in := "See [plan](plan.md), [sec](docs/x.md#scope), [web](https://example.com/a.md), " +
		"[abs](/etc/hosts), [top](#top) and [mail](mailto:a@b.c)."
	got := RewriteLinks(in, "/work/feat")

	assert.Contains(t, got, "[plan](/work/feat/plan.md)")
	assert.Contains(t, got, "[sec](/work/feat/docs/x.md#scope)")
	assert.Contains(t, got, "[web](https://example.com/a.md)")
	assert.Contains(t, got, "[abs](/etc/hosts)")
	assert.Contains(t, got, "[top](#top)")
	assert.Contains(t, got, "[mail](mailto:a@b.c)")
}

func TestBuildPromptInjectsAndTruncates(t *testing.T) {
	def := featureFlow(t)
	fs := afero.NewMemMapFs()
	big := "[tasks](tasks.md)\n" + strings.Repeat("x", ContextBudget+500)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(featureDir, "spec.md"), []byte(big), 0644))

	prompt, err := BuildPrompt(fs, def, stateWith(def, "specify"), featureDir, "plan")
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Context: spec\n\n[tasks](/work/feat/tasks.md)")
	assert.Contains(t, prompt, TruncatedMarker)
	assert.NotContains(t, prompt, strings.Repeat("x", ContextBudget))
	assert.Contains(t, prompt, "Write your output to: /work/feat/plan.md")
}

func TestBuildPromptListsOutcomes(t *testing.T) {
	def := featureFlow(t)
	fs := afero.NewMemMapFs()

	prompt, err := BuildPrompt(fs, def, stateWith(def), featureDir, "specify")
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Outcome")
	assert.Contains(t, prompt, "NEEDS_CLARIFICATION, SPLIT")
	assert.NotContains(t, prompt, "SPLIT_ACCEPTED")
}

func TestBuildPromptAlreadyFixed(t *testing.T) {
	def := featureFlow(t)
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, "plan.md", "tasks.md")

	res := &review.Result{Step: "archreview", Verdict: review.VerdictGo}
	for i := 1; i <= 12; i++ {
		res.Fixed = append(res.Fixed, review.FixedIssue{
			ID:          review.FormatIssueID("AR", i),
			Severity:    review.SeverityHigh,
			Description: fmt.Sprintf("fixed thing %d", i),
		})
	}
	require.NoError(t, review.WriteResult(fs, featureDir, res))

	st := stateWith(def, "specify", "plan", "planreview", "tasks", "testdesign", "archreview")
	prompt, err := BuildPrompt(fs, def, st, featureDir, "taskreview")
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Already Fixed")
	assert.Contains(t, prompt, "- AR-001: fixed thing 1")
	assert.Contains(t, prompt, "- AR-010: fixed thing 10")
	assert.NotContains(t, prompt, "AR-011")
}

func TestBuildPromptNoAlreadyFixedAfterWorkerStep(t *testing.T) {
	def := featureFlow(t)
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, "plan.md", "tasks.md")

	st := stateWith(def, "specify", "plan")
	prompt, err := BuildPrompt(fs, def, st, featureDir, "planreview")
	require.NoError(t, err)
	assert.NotContains(t, prompt, "## Already Fixed")
}

func TestResolveTargets(t *testing.T) {
	def := featureFlow(t)
	fs := afero.NewMemMapFs()

	targets, err := ResolveTargets(fs, def, featureDir, "codereview")
	require.NoError(t, err)
	assert.Equal(t, []string{featureDir}, targets)

	delete(def.ReviewTargets, "planreview")
	targets, err = ResolveTargets(fs, def, featureDir, "planreview")
	require.NoError(t, err)
	assert.Equal(t, []string{featureDir}, targets)

	writeFiles(t, fs, "spec.md")
	targets, err = ResolveTargets(fs, def, featureDir, "planreview")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(featureDir, "spec.md")}, targets)
}
