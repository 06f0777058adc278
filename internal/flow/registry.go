package flow

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

// Registry maps flow names to definitions. It starts with the built-in flows;
// YAML overrides loaded with LoadDir replace a built-in flow of the same name
// or add a new one.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]Definition
}

// NewRegistry returns a registry holding the built-in flows.
func NewRegistry() *Registry {
	r := &Registry{flows: make(map[string]Definition)}
	for _, def := range Builtin() {
		r.flows[def.Name] = def
	}
	return r
}

// Register validates def and adds it, replacing any flow with the same name.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return errors.NewValidationError(err.Error()).WithField("flow").WithValue(def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[def.Name] = def.Clone()
	return nil
}

// Get returns a copy of the named flow.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.flows[name]
	if !ok {
		return Definition{}, errors.Wrapf(errors.ErrUnknownFlow, "flow %q (known: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return def.Clone(), nil
}

// Names returns the registered flow names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseDefinitionYAML decodes a flow definition from YAML or JSON bytes.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("flow: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("flow: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadDefinitionFile loads one flow definition from fs.
func LoadDefinitionFile(fs afero.Fs, path string) (Definition, error) {
	content, err := afero.ReadFile(fs, path)
	if err != nil {
		return Definition{}, fmt.Errorf("flow: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("flow: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDir registers every *.yaml and *.yml file in dir. A missing directory
// is not an error.
func (r *Registry) LoadDir(fs afero.Fs, dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("flow: list %s: %w", dir, err)
	}

	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadDefinitionFile(fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.Register(def); err != nil {
			return loaded, err
		}
		loaded = append(loaded, def.Name)
	}
	return loaded, nil
}
