package runner

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

// resumePoll bounds how long a missed file event can delay WaitForResume.
const resumePoll = 2 * time.Second

// WaitForResume blocks until the pipeline in featureDir leaves the paused and
// awaiting-approval statuses, which happens when another process answers the
// gate. It returns the state that ended the wait.
func (r *Runner) WaitForResume(ctx context.Context, featureDir string) (*state.PipelineState, error) {
	featureDir, err := filepath.Abs(featureDir)
	if err != nil {
		return nil, err
	}
	store := state.NewStore(r.fs, featureDir, state.WithClock(r.now))
	logger := r.logger.WithFeature(featureDir)

	check := func() (*state.PipelineState, bool, error) {
		st, err := store.Load()
		if err != nil {
			return nil, false, err
		}
		return st, !blocked(st.Status), nil
	}

	if st, done, err := check(); err != nil || done {
		return st, err
	}

	// The state file is replaced on every save, so the directory is watched
	// rather than the file.
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(featureDir); err != nil {
			logger.Warn("cannot watch feature directory, polling", "error", err.Error())
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	} else {
		logger.Warn("file watcher unavailable, polling", "error", err.Error())
	}

	ticker := time.NewTicker(resumePoll)
	defer ticker.Stop()

	logger.Info("waiting for gate response")
	for {
		select {
		case <-ctx.Done():
			return nil, errors.NewPipelineError("stopped waiting for resume", errors.ErrCanceled).
				WithFeatureDir(featureDir)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != state.FileName || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Warn("file watcher error", "error", err.Error())
			continue
		case <-ticker.C:
		}

		st, done, err := check()
		if err != nil {
			// An editor may leave the file half written.
			if errors.Is(err, errors.ErrStateCorrupted) {
				continue
			}
			return nil, err
		}
		if done {
			logger.Info("pipeline resumed", "status", string(st.Status))
			return st, nil
		}
	}
}

func blocked(s state.Status) bool {
	return s == state.StatusPaused || s == state.StatusAwaitingApproval
}
