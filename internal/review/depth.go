package review

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/state"
	"github.com/Iron-Ham/featurepipe/internal/vcs"
)

// Depth thresholds.
const (
	deepLines  = 500
	deepFiles  = 20
	lightLines = 50
	lightFiles = 5
)

// Sources of DiffStats.
const (
	StatsFromGit  = "git"
	StatsFromWalk = "walk"
)

// DiffStats is the size of the change a review looks at.
type DiffStats struct {
	Files  int    `json:"files"`
	Lines  int    `json:"lines"`
	Source string `json:"source"`
}

// ClassifyDepth sizes a change: deep above 500 lines or 20 files, light
// under 50 lines and 5 files, standard otherwise.
func ClassifyDepth(s DiffStats) Depth {
	switch {
	case s.Lines > deepLines || s.Files > deepFiles:
		return DepthDeep
	case s.Lines < lightLines && s.Files < lightFiles:
		return DepthLight
	default:
		return DepthStandard
	}
}

// ParseDepth accepts a configured depth name. Unknown and empty names mean auto.
func ParseDepth(s string) Depth {
	switch Depth(s) {
	case DepthLight, DepthStandard, DepthDeep:
		return Depth(s)
	}
	return DepthAuto
}

// MeasureChange sizes the change under review. With a repository the diff
// between base and the work tree is measured, untracked files included,
// over the targets or over the whole repository when wholeRepo is set. An
// unchanged committed target measures as no change. Only without a
// repository are the targets walked and counted whole.
func MeasureChange(fs afero.Fs, repo *vcs.Git, base string, targets []string, wholeRepo bool) (DiffStats, error) {
	if repo == nil {
		return walkTargets(fs, targets)
	}
	paths := targets
	if wholeRepo {
		paths = nil
	}
	ds, err := repo.DiffStats(base, paths...)
	if err != nil {
		return DiffStats{}, err
	}
	return DiffStats{Files: ds.Files, Lines: ds.Lines(), Source: StatsFromGit}, nil
}

func walkTargets(fs afero.Fs, targets []string) (DiffStats, error) {
	stats := DiffStats{Source: StatsFromWalk}
	seen := map[string]struct{}{}
	for _, target := range targets {
		err := afero.Walk(fs, target, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				if path != target && (info.Name() == state.WorkDir || info.Name() == ".git") {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if _, dup := seen[path]; dup {
				return nil
			}
			seen[path] = struct{}{}
			data, err := afero.ReadFile(fs, path)
			if err != nil {
				return err
			}
			stats.Files++
			stats.Lines += lineCount(data)
			return nil
		})
		if err != nil {
			return DiffStats{}, err
		}
	}
	return stats, nil
}

func lineCount(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
