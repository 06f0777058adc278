package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/logging"
)

const (
	// FileName is the state document inside a feature directory.
	FileName = "pipeline-state.json"
	// WorkDir holds featurepipe's own files inside a feature directory.
	WorkDir = ".featurepipe"
)

// Store reads and writes the state file of one feature directory.
type Store struct {
	fs     afero.Fs
	dir    string
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns a Store for featureDir on fs.
func NewStore(fs afero.Fs, featureDir string, opts ...Option) *Store {
	s := &Store{
		fs:     fs,
		dir:    featureDir,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Path returns the state file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Dir returns the feature directory.
func (s *Store) Dir() string {
	return s.dir
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// Exists reports whether the state file exists.
func (s *Store) Exists() (bool, error) {
	return afero.Exists(s.fs, s.Path())
}

// Load reads the state file.
func (s *Store) Load() (*PipelineState, error) {
	data, err := afero.ReadFile(s.fs, s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewPipelineError("no pipeline state; run init first", errors.ErrStateNotFound).
				WithFeatureDir(s.dir)
		}
		return nil, errors.Wrapf(err, "read %s", s.Path())
	}

	var st PipelineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.NewPipelineError(err.Error(), errors.ErrStateCorrupted).
			WithFeatureDir(s.dir).
			WithSeverity(errors.SeverityCritical)
	}
	if st.Flow == "" || !st.Status.IsValid() {
		return nil, errors.NewPipelineError(
			fmt.Sprintf("missing flow or unknown status %q", st.Status), errors.ErrStateCorrupted,
		).WithFeatureDir(s.dir).WithSeverity(errors.SeverityCritical)
	}
	if st.Completed == nil {
		st.Completed = []string{}
	}
	if st.ImplementPhasesCompleted == nil {
		st.ImplementPhasesCompleted = []string{}
	}
	return &st, nil
}

// Save writes st atomically and stamps its updated time.
func (s *Store) Save(st *PipelineState) error {
	st.Updated = s.now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode pipeline state")
	}
	data = append(data, '\n')

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", s.dir)
	}
	tmp, err := afero.TempFile(s.fs, s.dir, "."+FileName+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return errors.Wrap(err, "write temp state file")
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrap(err, "close temp state file")
	}
	if err := s.fs.Rename(tmpName, s.Path()); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrap(err, "replace state file")
	}

	s.logger.Debug("state saved", "status", st.Status, "completed", len(st.Completed), "current", st.Current)
	return nil
}

// Init creates the state file for def. An existing state is kept unless
// force is set.
func (s *Store) Init(def flow.Definition, force bool) (*PipelineState, error) {
	if !force {
		exists, err := s.Exists()
		if err != nil {
			return nil, err
		}
		if exists {
			st, err := s.Load()
			if err != nil {
				return nil, err
			}
			if st.Flow != def.Name {
				return nil, errors.NewPipelineError(
					fmt.Sprintf("state already initialized with flow %q", st.Flow), nil,
				).WithFeatureDir(s.dir)
			}
			return st, nil
		}
	}

	st := New(def, s.now())
	if err := s.Save(st); err != nil {
		return nil, err
	}
	s.logger.Info("pipeline initialized", "flow", def.Name, "steps", len(st.Pipeline))
	return st, nil
}

// Update loads the state, applies fn and saves the result. Nothing is written
// when fn returns an error.
func (s *Store) Update(fn func(st *PipelineState, now time.Time) error) (*PipelineState, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(st, s.now()); err != nil {
		return nil, err
	}
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}
