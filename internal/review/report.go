package review

import (
	"fmt"
	"strings"
)

// RenderReport renders the markdown report written to <feature>/<step>.md.
func RenderReport(res *Result, setup Setup) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Review: %s\n\n", res.Step)
	fmt.Fprintf(&b, "- Verdict: **%s**\n", res.Verdict)
	fmt.Fprintf(&b, "- Converged: %s\n", yesNo(res.Converged))
	fmt.Fprintf(&b, "- Iterations: %d of %d\n", res.Iterations, setup.MaxIterations)
	fmt.Fprintf(&b, "- Depth: %s (%d lines in %d files, from %s)\n",
		res.Depth, setup.Stats.Lines, setup.Stats.Files, setup.Stats.Source)
	fmt.Fprintf(&b, "- Open issues: %d critical, %d high, %d medium, %d low\n",
		res.Counts.Critical, res.Counts.High, res.Counts.Medium, res.Counts.Low)

	b.WriteString("\n## Open Issues\n\n")
	if len(res.Issues) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| ID | Severity | Location | Description | Persona |\n")
		b.WriteString("|----|----------|----------|-------------|---------|\n")
		for _, is := range SortBySeverity(res.Issues) {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				is.ID, is.Severity, cell(is.Location), cell(is.Description), is.Persona)
		}
	}

	b.WriteString("\n## Fixed\n\n")
	if len(res.Fixed) == 0 {
		b.WriteString("None.\n")
	}
	for _, f := range res.Fixed {
		fmt.Fprintf(&b, "- %s [%s] %s\n", f.ID, f.Severity, f.Description)
	}

	if len(res.Verdicts) > 0 {
		b.WriteString("\n## Persona Verdicts\n\n")
		for _, v := range res.Verdicts {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}

	b.WriteString("\n## Personas\n\n")
	for _, p := range setup.Personas {
		fmt.Fprintf(&b, "- %s (%s/%s)\n", p.Name, p.CLI, p.Model)
	}
	fmt.Fprintf(&b, "- %s (fixer, %s/%s)\n", setup.Fixer.Name, setup.Fixer.CLI, setup.Fixer.Model)
	return b.String()
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
