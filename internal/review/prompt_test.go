package review

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIssueSummaryOrdersBySeverityAndCaps(t *testing.T) {
	issues := []Issue{
		{ID: "PR-003", Severity: SeverityLow, Description: "low", Location: "a.md"},
		{ID: "PR-002", Severity: SeverityCritical, Description: "crit", Location: "b.md"},
		{ID: "PR-001", Severity: SeverityHigh, Description: "high", Location: "c.md"},
		{ID: "PR-004", Severity: SeverityCritical, Description: "crit2", Location: "d.md"},
	}

	full := IssueSummary(issues, 0)
	lines := strings.Split(strings.TrimSpace(full), "\n")
	assert.Equal(t, []string{
		"- [C] PR-002 crit (b.md)",
		"- [C] PR-004 crit2 (d.md)",
		"- [H] PR-001 high (c.md)",
		"- [L] PR-003 low (a.md)",
	}, lines)

	capped := IssueSummary(issues, 2)
	assert.Contains(t, capped, "PR-004")
	assert.NotContains(t, capped, "PR-001")
	assert.Contains(t, capped, "- ... 2 more not shown")
}

func TestPersonaPrompt(t *testing.T) {
	setup := loopSetup(3)
	prompt := PersonaPrompt("# Step: planreview\n\n", setup, setup.Personas[0], 1, nil, 0)

	assert.True(t, strings.HasPrefix(prompt, "# Step: planreview\n\n## Your Role"))
	assert.Contains(t, prompt, "You are the architect reviewer (review planreview, iteration 1 of 3)")
	assert.Contains(t, prompt, "Focus: component boundaries")
	assert.Contains(t, prompt, "ISSUE: <C|H|M|L>|<one-line description>|<location>")
	assert.NotContains(t, prompt, "Previous Iteration")
}

func TestFixerPrompt(t *testing.T) {
	setup := loopSetup(2)
	issues := []Issue{{ID: "PR-001", Severity: SeverityHigh, Description: "No rollback", Location: "plan.md#rollout"}}
	prompt := FixerPrompt("", setup, 1, issues, 50)

	assert.True(t, strings.HasPrefix(prompt, "## Your Role"))
	assert.Contains(t, prompt, "You are the fixer of review planreview (iteration 1 of 2)")
	assert.Contains(t, prompt, "- [H] PR-001 No rollback (plan.md#rollout)")
	assert.Contains(t, prompt, "FIXED: <issue id>")
}

func TestRenderReport(t *testing.T) {
	setup := loopSetup(3)
	res := &Result{
		Step:       "planreview",
		Verdict:    VerdictConditional,
		Iterations: 3,
		Depth:      DepthStandard,
		Counts:     Counts{High: 1},
		Issues:     []Issue{{ID: "PR-002", Severity: SeverityHigh, Description: "a|b", Location: "", Persona: "skeptic"}},
		Fixed:      []FixedIssue{{ID: "PR-001", Severity: SeverityCritical, Description: "Data loss"}},
		Verdicts:   []string{"skeptic: CONDITIONAL"},
	}

	report := RenderReport(res, setup)
	assert.Contains(t, report, "# Review: planreview")
	assert.Contains(t, report, "- Verdict: **CONDITIONAL**")
	assert.Contains(t, report, "- Converged: no")
	assert.Contains(t, report, "- Iterations: 3 of 3")
	assert.Contains(t, report, "- Depth: standard (120 lines in 1 files, from walk)")
	assert.Contains(t, report, `| PR-002 | H | - | a\|b | skeptic |`)
	assert.Contains(t, report, "- PR-001 [C] Data loss")
	assert.Contains(t, report, "- skeptic: CONDITIONAL")
	assert.Contains(t, report, "- fixer (fixer, claude/opus)")
}
