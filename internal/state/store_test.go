package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
)

func newTestStore(fs afero.Fs) *Store {
	clock := t0
	return NewStore(fs, "/specs/001-login", WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())
	_, err := s.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStateNotFound)
}

func TestStoreInitAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(fs)
	def := featureFlow(t)

	st, err := s.Init(def, false)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st.Status)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, st.Pipeline, loaded.Pipeline)
	assert.Equal(t, flow.FlowFeature, loaded.Flow)

	raw, err := afero.ReadFile(fs, s.Path())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"flow", "pipeline", "completed", "status", "implement_phases_completed", "updated"} {
		assert.Contains(t, doc, key)
	}
}

func TestStoreInitKeepsExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(fs)
	def := featureFlow(t)

	_, err := s.Init(def, false)
	require.NoError(t, err)
	_, err = s.Update(func(st *PipelineState, now time.Time) error {
		st.MarkComplete(now, "specify")
		return nil
	})
	require.NoError(t, err)

	st, err := s.Init(def, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"specify"}, st.Completed)

	st, err = s.Init(def, true)
	require.NoError(t, err)
	assert.Empty(t, st.Completed)

	bugfix, err := flow.NewRegistry().Get(flow.FlowBugfix)
	require.NoError(t, err)
	_, err = s.Init(bugfix, false)
	assert.Error(t, err, "re-initializing with another flow needs force")
}

func TestStoreCorrupted(t *testing.T) {
	tests := map[string]string{
		"not json":       "{nope",
		"missing flow":   `{"status":"active"}`,
		"unknown status": `{"flow":"feature","status":"sleeping"}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			s := newTestStore(fs)
			require.NoError(t, afero.WriteFile(fs, s.Path(), []byte(content), 0644))

			_, err := s.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrStateCorrupted)
			assert.Equal(t, errors.SeverityCritical, errors.GetSeverity(err))
		})
	}
}

func TestStoreUpdateErrorWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(fs)
	_, err := s.Init(featureFlow(t), false)
	require.NoError(t, err)
	before, err := afero.ReadFile(fs, s.Path())
	require.NoError(t, err)

	_, err = s.Update(func(st *PipelineState, now time.Time) error {
		st.MarkComplete(now, "specify")
		return errors.ErrInvalidResult
	})
	require.ErrorIs(t, err, errors.ErrInvalidResult)

	after, err := afero.ReadFile(fs, s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(fs)
	_, err := s.Init(featureFlow(t), false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.Update(func(st *PipelineState, now time.Time) error {
			st.Start("specify", now)
			return nil
		})
		require.NoError(t, err)
	}

	entries, err := afero.ReadDir(fs, s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestStoreSaveStampsUpdated(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())
	st, err := s.Init(featureFlow(t), false)
	require.NoError(t, err)
	first := st.Updated

	st, err = s.Update(func(*PipelineState, time.Time) error { return nil })
	require.NoError(t, err)
	assert.True(t, st.Updated.After(first))
}
