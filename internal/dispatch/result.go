package dispatch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

// ResultsDirName holds dispatch result artifacts inside the work directory.
const ResultsDirName = "results"

// SuccessResult is the artifact written after a successful dispatch. Its
// shape mirrors the result event of Claude's stream-json output.
type SuccessResult struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype"`
	DurationMS int64          `json:"duration_ms"`
	NumTurns   int            `json:"num_turns"`
	SessionID  string         `json:"session_id,omitempty"`
	ModelUsage map[string]any `json:"modelUsage,omitempty"`
}

// FailureResult is the artifact written when every attempt failed.
type FailureResult struct {
	Status    string `json:"status"`
	ExitCode  int    `json:"exitCode"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError"`
}

var (
	// Kinds of the success fields featurepipe reads. Any other field of a
	// result event passes through unchecked.
	successKinds = map[string]string{
		"subtype": "string", "duration_ms": "number", "num_turns": "number",
		"session_id": "string", "modelUsage": "object",
	}
	failureRequired = []string{"status", "exitCode", "attempts", "lastError"}
)

// ResultPath returns the result artifact of a dispatch. Persona dispatches of
// a review step get their own file.
func ResultPath(featureDir, step, persona string) string {
	name := step
	if persona != "" {
		name += "--" + persona
	}
	return filepath.Join(featureDir, state.WorkDir, ResultsDirName, name+".json")
}

// NewSuccessResult builds the success artifact of an outcome.
func NewSuccessResult(o *Outcome) SuccessResult {
	res := SuccessResult{
		Type:       "result",
		Subtype:    "success",
		DurationMS: o.Duration.Milliseconds(),
	}
	if ev := o.Result; ev != nil {
		if v, ok := ev["subtype"].(string); ok && v != "" {
			res.Subtype = v
		}
		if v, ok := ev["duration_ms"].(float64); ok {
			res.DurationMS = int64(v)
		}
		if v, ok := ev["num_turns"].(float64); ok {
			res.NumTurns = int(v)
		}
		if v, ok := ev["session_id"].(string); ok {
			res.SessionID = v
		}
		if v, ok := ev["modelUsage"].(map[string]any); ok {
			res.ModelUsage = v
		}
	}
	return res
}

// NewFailureResult builds the failure artifact of an outcome.
func NewFailureResult(o *Outcome, lastErr error) FailureResult {
	msg := o.Error
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return FailureResult{
		Status:    "failed",
		ExitCode:  o.ExitCode,
		Attempts:  o.Attempts,
		LastError: msg,
	}
}

// WriteResult writes a result artifact as indented JSON.
func WriteResult(fs afero.Fs, path string, v any) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return afero.WriteFile(fs, path, append(data, '\n'), 0644)
}

// ReadResult reads and validates a result artifact. It returns whether the
// artifact records a success.
func ReadResult(fs afero.Fs, path string) (bool, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return false, errors.Wrapf(errors.ErrResultMissing, "%s: %v", path, err)
	}
	return ValidateResult(data)
}

// ValidateResult reports whether an artifact records a success. Any object
// tagged type "result" is a success; only the known fields it carries are
// type-checked. A failure must have exactly the failure shape. Anything else is
// rejected with a reason naming the offending fields.
func ValidateResult(data []byte) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, invalidResult("not a JSON object: %v", err)
	}

	var typ, status string
	_ = json.Unmarshal(fields["type"], &typ)
	_ = json.Unmarshal(fields["status"], &status)

	switch {
	case typ == "result":
		present := map[string]string{}
		for k, kind := range successKinds {
			if _, ok := fields[k]; ok {
				present[k] = kind
			}
		}
		if err := requireKinds(fields, present); err != nil {
			return false, err
		}
		return true, nil
	case status == "failed":
		if err := checkShape(fields, failureRequired, nil); err != nil {
			return false, err
		}
		if err := requireKinds(fields, map[string]string{
			"exitCode": "number", "attempts": "number", "lastError": "string",
		}); err != nil {
			return false, err
		}
		return false, nil
	}

	known := map[string]bool{"type": true}
	for k := range successKinds {
		known[k] = true
	}
	for _, k := range failureRequired {
		known[k] = true
	}
	var unexpected []string
	for k := range fields {
		if !known[k] {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(unexpected)
	reason := `neither a success result (type "result") nor a failure result (status "failed")`
	if status != "" {
		reason += fmt.Sprintf(`; status is %q`, status)
	}
	if len(unexpected) > 0 {
		reason += "; unexpected fields: " + strings.Join(unexpected, ", ")
	}
	return false, invalidResult("%s", reason)
}

func checkShape(fields map[string]json.RawMessage, required, optional []string) error {
	allowed := map[string]bool{}
	for _, k := range append(append([]string{}, required...), optional...) {
		allowed[k] = true
	}
	var missing, unexpected []string
	for _, k := range required {
		if _, ok := fields[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range fields {
		if !allowed[k] {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(unexpected)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		parts = append(parts, "unexpected fields: "+strings.Join(unexpected, ", "))
	}
	if len(parts) > 0 {
		return invalidResult("%s", strings.Join(parts, "; "))
	}
	return nil
}

func requireKinds(fields map[string]json.RawMessage, kinds map[string]string) error {
	keys := make([]string, 0, len(kinds))
	for k := range kinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if got := jsonKind(fields[k]); got != kinds[k] {
			return invalidResult("field %s must be a %s, got %s", k, kinds[k], got)
		}
	}
	return nil
}

func jsonKind(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "invalid"
	}
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	case []any:
		return "array"
	default:
		return "object"
	}
}

func invalidResult(format string, args ...any) error {
	return errors.NewValidationError(fmt.Sprintf(format, args...)).
		WithField("result").
		WithCause(errors.ErrInvalidResult)
}
