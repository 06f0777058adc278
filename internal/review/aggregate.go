package review

import (
	"strings"

	"github.com/Iron-Ham/featurepipe/internal/dispatch"
)

// Line prefixes of the review protocol.
const (
	// IssueMarker starts a finding: "ISSUE: <C|H|M|L>|<description>|<location>".
	IssueMarker = "ISSUE:"
	// FixedMarker starts a fixer confirmation: "FIXED: <id>".
	FixedMarker = "FIXED:"
)

// PersonaOutput is what one persona produced in one iteration.
type PersonaOutput struct {
	Persona string `json:"persona"`
	Text    string `json:"-"`
	Verdict string `json:"verdict,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Aggregation is the merged result of one iteration.
type Aggregation struct {
	// Issues are the deduplicated findings that count toward convergence.
	Issues []Issue `json:"issues"`
	// Resurfaced are findings identical to an issue already confirmed fixed.
	// They are recorded but excluded from convergence.
	Resurfaced []Issue  `json:"resurfaced,omitempty"`
	Verdicts   []string `json:"verdicts,omitempty"`
	Counts     Counts   `json:"counts"`
	Duplicates int      `json:"duplicates"`
	Malformed  int      `json:"malformed"`
	NextID     int      `json:"nextId"`
	Converged  bool     `json:"converged"`
	Failed     []string `json:"failed,omitempty"`
}

// ParseIssues extracts ISSUE lines from persona output. Lines with an
// unknown severity or no description are counted as malformed.
func ParseIssues(persona, text string) ([]Issue, int) {
	var issues []Issue
	malformed := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		line = strings.TrimLeft(line, "-*` ")
		rest, ok := strings.CutPrefix(line, IssueMarker)
		if !ok {
			continue
		}
		parts := strings.Split(rest, "|")
		if len(parts) < 3 {
			malformed++
			continue
		}
		sev, ok := ParseSeverity(parts[0])
		desc := strings.TrimSpace(strings.Join(parts[1:len(parts)-1], "|"))
		if !ok || desc == "" {
			malformed++
			continue
		}
		issues = append(issues, Issue{
			Severity:    sev,
			Description: desc,
			Location:    strings.TrimSpace(strings.TrimRight(parts[len(parts)-1], "`")),
			Persona:     persona,
		})
	}
	return issues, malformed
}

// ParseFixed extracts the ids a fixer confirmed with FIXED lines.
func ParseFixed(text string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "-*` ")
		rest, ok := strings.CutPrefix(line, FixedMarker)
		if !ok {
			continue
		}
		for _, id := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			id = strings.Trim(id, "`.")
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Aggregate merges persona outputs into one issue list. Outputs are taken in
// order; the first issue seen at a location wins and later ones at the same
// location are dropped. Issues get the id they had in earlier iterations
// when their identity matches, otherwise the next sequence number starting
// at nextID. The iteration converges when no critical or high issue remains.
func Aggregate(outputs []PersonaOutput, prefix string, nextID int, ledger Ledger) Aggregation {
	agg := Aggregation{Issues: []Issue{}, NextID: nextID}
	locations := map[string]bool{}
	ids := map[string]bool{}

	for _, out := range outputs {
		if out.Failed {
			agg.Failed = append(agg.Failed, out.Persona)
			continue
		}
		verdict := out.Verdict
		if verdict == "" {
			verdict = dispatch.ParseMarkers(out.Text).Verdict
		}
		if verdict != "" {
			agg.Verdicts = append(agg.Verdicts, out.Persona+": "+verdict)
		}

		issues, malformed := ParseIssues(out.Persona, out.Text)
		agg.Malformed += malformed
		for _, is := range issues {
			if is.Location != "" {
				if locations[is.Location] {
					agg.Duplicates++
					continue
				}
				locations[is.Location] = true
			}

			if id, ok := ledger.Lookup(is); ok {
				if ids[id] {
					agg.Duplicates++
					continue
				}
				is.ID = id
				ids[id] = true
				if ledger.IsFixed(id) {
					agg.Resurfaced = append(agg.Resurfaced, is)
					continue
				}
			} else {
				is.ID = FormatIssueID(prefix, agg.NextID)
				agg.NextID++
				ids[is.ID] = true
			}
			agg.Issues = append(agg.Issues, is)
			agg.Counts.Add(is.Severity)
		}
	}

	agg.Converged = agg.Counts.Critical == 0 && agg.Counts.High == 0
	return agg
}

// Blocking returns the critical and high issues.
func (a Aggregation) Blocking() []Issue {
	var out []Issue
	for _, is := range a.Issues {
		if is.Severity.Blocking() {
			out = append(out, is)
		}
	}
	return out
}
