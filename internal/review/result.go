package review

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/state"
)

// ReviewsDirName holds review logs and results inside the work directory.
const ReviewsDirName = "reviews"

// FixedIssue is an issue the fixer confirmed as resolved.
type FixedIssue struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Counts tallies issues per severity.
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Add counts one issue.
func (c *Counts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	}
}

// Result is the machine-readable outcome of a review run, written next to the
// review log and read back when the following step's prompt is built.
type Result struct {
	Step       string       `json:"step"`
	Verdict    Verdict      `json:"verdict"`
	Converged  bool         `json:"converged"`
	Iterations int          `json:"iterations"`
	Depth      Depth        `json:"depth"`
	Counts     Counts       `json:"counts"`
	Issues     []Issue      `json:"issues"`
	Fixed      []FixedIssue `json:"fixed"`
	Verdicts   []string     `json:"verdicts,omitempty"`
	Report     string       `json:"report"`
	Finished   time.Time    `json:"finished"`
}

// ReviewsDir returns the directory holding review logs for a feature.
func ReviewsDir(featureDir string) string {
	return filepath.Join(featureDir, state.WorkDir, ReviewsDirName)
}

// ResultPath returns the result file of a review step.
func ResultPath(featureDir, step string) string {
	return filepath.Join(ReviewsDir(featureDir), step+".result.json")
}

// ReportPath returns the human-readable report of a review step.
func ReportPath(featureDir, step string) string {
	return filepath.Join(featureDir, step+".md")
}

// ReadResult reads the result of a review step. A missing result is returned
// as nil without error.
func ReadResult(fs afero.Fs, featureDir, step string) (*Result, error) {
	data, err := afero.ReadFile(fs, ResultPath(featureDir, step))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse review result JSON: %w", err)
	}
	return &res, nil
}

// WriteResult writes the result of a review step.
func WriteResult(fs afero.Fs, featureDir string, res *Result) error {
	if err := fs.MkdirAll(ReviewsDir(featureDir), 0755); err != nil {
		return fmt.Errorf("failed to create reviews directory: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal review result: %w", err)
	}
	return afero.WriteFile(fs, ResultPath(featureDir, res.Step), append(data, '\n'), 0644)
}
