package flow

import (
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// WholeDir is the artifact sentinel meaning "the whole feature directory".
const WholeDir = "*"

// ArtifactSpec is a step's expected output: one file, several files, or the
// whole feature directory. It is written as a string, a list, or "*".
type ArtifactSpec struct {
	Files []string
	Whole bool
}

// Files returns an ArtifactSpec for a list of relative paths.
func Files(paths ...string) ArtifactSpec {
	return ArtifactSpec{Files: paths}
}

// Whole returns the whole-directory ArtifactSpec.
func Whole() ArtifactSpec {
	return ArtifactSpec{Whole: true}
}

// IsZero reports whether the spec declares nothing.
func (a ArtifactSpec) IsZero() bool {
	return !a.Whole && len(a.Files) == 0
}

func (a ArtifactSpec) value() any {
	switch {
	case a.Whole:
		return WholeDir
	case len(a.Files) == 1:
		return a.Files[0]
	default:
		return slices.Clone(a.Files)
	}
}

func (a *ArtifactSpec) set(values []string) {
	*a = ArtifactSpec{}
	for _, v := range values {
		if v == WholeDir {
			a.Whole = true
			continue
		}
		a.Files = append(a.Files, v)
	}
	if a.Whole {
		a.Files = nil
	}
}

// MarshalJSON implements json.Marshaler.
func (a ArtifactSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.value())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *ArtifactSpec) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		a.set([]string{single})
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("artifact must be a string or a list of strings: %w", err)
	}
	a.set(list)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a ArtifactSpec) MarshalYAML() (any, error) {
	return a.value(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *ArtifactSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.set([]string{node.Value})
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		a.set(list)
		return nil
	default:
		return fmt.Errorf("line %d: artifact must be a string or a list of strings", node.Line)
	}
}
