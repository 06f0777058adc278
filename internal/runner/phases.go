package runner

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

const (
	// ImplementStep is the step that is split into phases.
	ImplementStep = "implement"
	// TasksFile declares the phases of the implement step.
	TasksFile = "tasks.md"
)

var phaseHeading = regexp.MustCompile(`^##\s+Phase\s+([^\s:]+)\s*:?\s*(.*)$`)

// Phase is one independently dispatched slice of the implement step.
type Phase struct {
	Key   string `json:"key" yaml:"key"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	// Body is the markdown under the phase heading.
	Body string `json:"-" yaml:"-"`
}

type tasksFrontMatter struct {
	Phases []phaseEntry `yaml:"phases"`
}

// phaseEntry accepts a bare key or a {key, title} mapping.
type phaseEntry struct {
	Phase
}

func (p *phaseEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Key = node.Value
		return nil
	}
	var ph struct {
		Key   string `yaml:"key"`
		Title string `yaml:"title"`
	}
	if err := node.Decode(&ph); err != nil {
		return err
	}
	p.Key, p.Title = ph.Key, ph.Title
	return nil
}

// ParsePhases reads the phases of a tasks document. A front matter phases
// list takes precedence and is matched to headings for the phase bodies;
// without it every "## Phase <key>" heading starts a phase. A document with
// neither has no phases.
func ParsePhases(data []byte) ([]Phase, error) {
	front, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}
	headed := phaseSections(body)

	if front == nil || len(front.Phases) == 0 {
		return headed, nil
	}

	phases := make([]Phase, 0, len(front.Phases))
	seen := map[string]bool{}
	for _, entry := range front.Phases {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, errors.NewValidationError("phase without a key").WithField("phases")
		}
		if seen[key] {
			return nil, errors.NewValidationError("duplicate phase").WithField("phases").WithValue(key)
		}
		seen[key] = true
		ph := Phase{Key: key, Title: entry.Title}
		if i := slices.IndexFunc(headed, func(h Phase) bool { return h.Key == key }); i >= 0 {
			ph.Body = headed[i].Body
			if ph.Title == "" {
				ph.Title = headed[i].Title
			}
		}
		phases = append(phases, ph)
	}
	return phases, nil
}

// LoadPhases parses tasks.md of a feature. A missing file has no phases.
func LoadPhases(fs afero.Fs, featureDir string) ([]Phase, error) {
	path := filepath.Join(featureDir, TasksFile)
	exists, err := afero.Exists(fs, path)
	if err != nil || !exists {
		return nil, err
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	phases, err := ParsePhases(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse phases of %s", path)
	}
	return phases, nil
}

// PendingPhases returns the phases not in completed, in document order.
func PendingPhases(phases []Phase, completed []string) []Phase {
	var out []Phase
	for _, ph := range phases {
		if !slices.Contains(completed, ph.Key) {
			out = append(out, ph)
		}
	}
	return out
}

// PhasePrompt narrows the implement prompt to one phase.
func PhasePrompt(base string, ph Phase, index, total int) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))
	fmt.Fprintf(&b, "\n\n## Current Phase: %s (%d of %d)\n", ph.Key, index, total)
	if ph.Title != "" {
		fmt.Fprintf(&b, "%s\n", ph.Title)
	}
	b.WriteString("\nImplement only the tasks of this phase. Earlier phases are already done; later phases run separately.\n")
	if body := strings.TrimSpace(ph.Body); body != "" {
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	return b.String()
}

func splitFrontMatter(data []byte) (*tasksFrontMatter, []byte, error) {
	text := bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(text, []byte("---\n")) && !bytes.HasPrefix(text, []byte("---\r\n")) {
		return nil, data, nil
	}
	rest := text[bytes.IndexByte(text, '\n')+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, data, nil
	}
	var fm tasksFrontMatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, nil, errors.NewValidationError("invalid tasks front matter").WithCause(err)
	}
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return &fm, body, nil
}

func phaseSections(body []byte) []Phase {
	var (
		phases  []Phase
		current *Phase
		lines   []string
	)
	flush := func() {
		if current != nil {
			current.Body = strings.TrimSpace(strings.Join(lines, "\n"))
			phases = append(phases, *current)
		}
		lines = nil
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if m := phaseHeading.FindStringSubmatch(line); m != nil {
			flush()
			current = &Phase{Key: m[1], Title: strings.TrimSpace(m[2])}
			continue
		}
		if current != nil && strings.HasPrefix(line, "## ") {
			flush()
			current = nil
			continue
		}
		if current != nil {
			lines = append(lines, line)
		}
	}
	flush()
	return phases
}
