package review

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Iron-Ham/featurepipe/internal/flow"
)

// PersonaPromptTemplate is appended to the step prompt for every reviewer.
const PersonaPromptTemplate = `## Your Role
You are the %s reviewer (review %s, iteration %d of %d).
Focus: %s

Review the targets listed above. Do NOT modify any file; a separate fixer
applies corrections.
%s
## Output Format
Report every finding on its own line, exactly in this form:

ISSUE: <C|H|M|L>|<one-line description>|<location>

- Severity: C critical, H high, M medium, L low. Only C and H block the review.
- Location: a file path with an optional line or section, e.g. plan.md#data-model or internal/api/handler.go:42.
- One issue per line. Do not number or wrap the lines.

Finish with a single line:

VERDICT: <GO|CONDITIONAL|NO-GO>`

// FixerPromptTemplate is appended to the step prompt for the fixer.
const FixerPromptTemplate = `## Your Role
You are the fixer of review %s (iteration %d of %d). Apply corrections for the
issues below, highest severity first. Do not widen scope and do not touch
anything the issues do not mention.

## Issues
%s
## Output Format
For every issue you resolved, print one line:

FIXED: <issue id>

Leave unresolved issues out. Do not claim an id that is not listed above.`

// PersonaPrompt builds the prompt of one reviewer. Open issues from the
// previous iteration are listed so the persona can check whether they were
// resolved.
func PersonaPrompt(base string, setup Setup, persona Persona, iteration int, open []Issue, maxIssues int) string {
	focus := persona.Name
	if p, ok := flow.LookupPersona(persona.Name); ok {
		focus = p.Focus
	}
	previous := ""
	if len(open) > 0 {
		previous = "\n## Open Issues From The Previous Iteration\n" +
			"Re-report an issue with the same description and location if it is still present.\n\n" +
			IssueSummary(open, maxIssues)
	}
	section := fmt.Sprintf(PersonaPromptTemplate,
		persona.Name, setup.Step, iteration, setup.MaxIterations, focus, previous)
	return joinPrompt(base, section)
}

// FixerPrompt builds the prompt of the fixer pass.
func FixerPrompt(base string, setup Setup, iteration int, issues []Issue, maxIssues int) string {
	section := fmt.Sprintf(FixerPromptTemplate,
		setup.Step, iteration, setup.MaxIterations, IssueSummary(issues, maxIssues))
	return joinPrompt(base, section)
}

// IssueSummary lists issues critical first, then high, medium and low, each
// group in id order. At most maxIssues are listed when maxIssues is positive.
func IssueSummary(issues []Issue, maxIssues int) string {
	sorted := SortBySeverity(issues)
	var b strings.Builder
	for i, is := range sorted {
		if maxIssues > 0 && i == maxIssues {
			fmt.Fprintf(&b, "- ... %d more not shown\n", len(sorted)-maxIssues)
			break
		}
		fmt.Fprintf(&b, "- %s\n", is.String())
	}
	return b.String()
}

// SortBySeverity returns a copy of issues ordered C, H, M, L and by id.
func SortBySeverity(issues []Issue) []Issue {
	sorted := make([]Issue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool {
		wi, wj := sorted[i].Severity.Weight(), sorted[j].Severity.Weight()
		if wi != wj {
			return wi < wj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

func joinPrompt(base, section string) string {
	base = strings.TrimRight(base, "\n")
	if base == "" {
		return section + "\n"
	}
	return base + "\n\n" + section + "\n"
}
