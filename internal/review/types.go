// Package review runs multi-persona review loops to convergence.
//
// A review step dispatches every persona of its category in parallel, merges
// their ISSUE lines into one deduplicated issue list, and hands anything
// blocking to a fixer. The loop stops when no critical or high issue remains
// or when the iteration budget runs out.
package review

import (
	"fmt"
	"strings"
)

// Severity is the single-letter severity of an issue.
type Severity string

const (
	SeverityCritical Severity = "C"
	SeverityHigh     Severity = "H"
	SeverityMedium   Severity = "M"
	SeverityLow      Severity = "L"
)

// ParseSeverity accepts the letter or the spelled-out name.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CRITICAL":
		return SeverityCritical, true
	case "H", "HIGH":
		return SeverityHigh, true
	case "M", "MEDIUM":
		return SeverityMedium, true
	case "L", "LOW":
		return SeverityLow, true
	}
	return "", false
}

// IsValid returns true if the severity is a recognized value
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Weight orders severities for the fixer summary (lower is more urgent).
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// Blocking reports whether the severity prevents convergence.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Issue is one merged review finding.
type Issue struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Persona     string   `json:"persona,omitempty"`
}

// String renders the issue as one summary line.
func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s %s (%s)", i.Severity, i.ID, i.Description, i.Location)
}

// Verdict is the final decision of a review.
type Verdict string

const (
	// VerdictGo means no critical or high issue remains.
	VerdictGo Verdict = "GO"
	// VerdictConditional means the budget ran out with no critical issue left.
	VerdictConditional Verdict = "CONDITIONAL"
	// VerdictNoGo means critical issues remain; a human has to intervene.
	VerdictNoGo Verdict = "NO-GO"
)

// Passed reports whether the pipeline may proceed.
func (v Verdict) Passed() bool {
	return v == VerdictGo || v == VerdictConditional
}

// Depth is the size class of the change under review.
type Depth string

const (
	DepthAuto     Depth = "auto"
	DepthLight    Depth = "light"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Iterations returns the iteration budget of a depth.
func (d Depth) Iterations() int {
	switch d {
	case DepthLight:
		return 2
	case DepthDeep:
		return 5
	default:
		return 3
	}
}

// Persona is one reviewer or the fixer with its resolved CLI and model.
type Persona struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	WriteAccess bool   `json:"writeAccess"`
	MaxTurns    int    `json:"maxTurns,omitempty"`
	CLI         string `json:"cli"`
	Model       string `json:"model"`
}

// Setup is the resolved configuration of one review run.
type Setup struct {
	Step          string    `json:"step"`
	Category      string    `json:"category"`
	Prefix        string    `json:"prefix"`
	Personas      []Persona `json:"personas"`
	Fixer         Persona   `json:"fixer"`
	Depth         Depth     `json:"depth"`
	Stats         DiffStats `json:"stats"`
	MaxIterations int       `json:"maxIterations"`
	NextIssueID   int       `json:"nextIssueId"`
}

// FormatIssueID renders the n-th issue id of a prefix, e.g. PR-007.
func FormatIssueID(prefix string, n int) string {
	return fmt.Sprintf("%s-%03d", prefix, n)
}
