// Package vcs wraps the git commands featurepipe runs against the repository
// that holds a feature directory: sizing the pending change for review depth,
// restoring protected paths after a worker step, discarding a failed attempt's
// edits and committing completed steps.
//
// Every command goes through a CommandExecutor so tests can script git output
// without a repository.
package vcs

import (
	"bytes"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)

	// RunQuiet executes a command and returns only the error.
	RunQuiet(dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RunQuiet executes a command and returns only the error.
func (e *CLICommandExecutor) RunQuiet(dir string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

// -----------------------------------------------------------------------------
// Git
// -----------------------------------------------------------------------------

// Git runs git commands rooted at one repository directory. Pathspecs are
// resolved relative to that directory.
type Git struct {
	repoDir  string
	executor CommandExecutor
	fs       afero.Fs
}

// New creates a Git for repoDir using the git CLI.
func New(repoDir string) *Git {
	return NewWithExecutor(repoDir, NewCLICommandExecutor(), afero.NewOsFs())
}

// NewWithExecutor creates a Git with a custom executor and filesystem.
// This is primarily useful for testing.
func NewWithExecutor(repoDir string, executor CommandExecutor, fs afero.Fs) *Git {
	return &Git{repoDir: repoDir, executor: executor, fs: fs}
}

// Open finds the repository containing dir and returns a Git rooted at its
// top level. It returns false when dir is not inside a work tree.
func Open(dir string) (*Git, bool) {
	return OpenWithExecutor(dir, NewCLICommandExecutor(), afero.NewOsFs())
}

// OpenWithExecutor is Open with a custom executor and filesystem.
func OpenWithExecutor(dir string, executor CommandExecutor, fs afero.Fs) (*Git, bool) {
	output, err := executor.Run(dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, false
	}
	root := strings.TrimSpace(string(output))
	if root == "" {
		return nil, false
	}
	return NewWithExecutor(root, executor, fs), true
}

// RepoDir returns the repository top level.
func (g *Git) RepoDir() string {
	return g.repoDir
}

// Rel converts path to a pathspec relative to the repository root. Paths
// outside the repository are returned unchanged.
func (g *Git) Rel(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(g.repoDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// Head returns the commit HEAD points at.
func (g *Git) Head() (string, error) {
	output, err := g.executor.Run(g.repoDir, "git", "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// HasHead reports whether the repository has at least one commit.
func (g *Git) HasHead() bool {
	return g.executor.RunQuiet(g.repoDir, "git", "rev-parse", "--verify", "--quiet", "HEAD") == nil
}

// -----------------------------------------------------------------------------
// Diff statistics
// -----------------------------------------------------------------------------

// DiffStats summarizes how a work tree differs from a base commit.
type DiffStats struct {
	// Files is the number of changed tracked files plus untracked files.
	Files int `json:"files"`
	// Additions and Deletions count changed lines the way --numstat does; a
	// modified line counts once in each.
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	// Untracked is the number of new files not yet known to git. Their lines
	// are included in Additions.
	Untracked int `json:"untracked"`
}

// Lines returns the total number of changed lines.
func (s DiffStats) Lines() int {
	return s.Additions + s.Deletions
}

// DiffStats measures the change between base and the work tree, limited to
// paths when any are given. An empty base means HEAD.
func (g *Git) DiffStats(base string, paths ...string) (DiffStats, error) {
	var stats DiffStats
	pathspec := g.pathspec(paths)
	if base == "" {
		base = "HEAD"
	}

	if g.HasHead() {
		args := append([]string{"diff", base, "--no-color", "--no-ext-diff", "--"}, pathspec...)
		output, err := g.executor.Run(g.repoDir, "git", args...)
		if err != nil {
			return DiffStats{}, errors.NewGitError("failed to diff work tree", err).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
		if err := addUnifiedDiff(&stats, output); err != nil {
			return DiffStats{}, err
		}
	}

	untracked, err := g.Untracked(paths...)
	if err != nil {
		return DiffStats{}, err
	}
	for _, rel := range untracked {
		stats.Files++
		stats.Untracked++
		data, err := afero.ReadFile(g.fs, filepath.Join(g.repoDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		stats.Additions += countLines(data)
	}
	return stats, nil
}

func addUnifiedDiff(stats *DiffStats, output []byte) error {
	if len(bytes.TrimSpace(output)) == 0 {
		return nil
	}
	fileDiffs, err := diff.ParseMultiFileDiff(output)
	if err != nil {
		return errors.Wrap(err, "parse git diff")
	}
	for _, fd := range fileDiffs {
		st := fd.Stat()
		stats.Files++
		stats.Additions += int(st.Added + st.Changed)
		stats.Deletions += int(st.Deleted + st.Changed)
	}
	return nil
}

// Untracked lists untracked, non-ignored files relative to the repository root.
func (g *Git) Untracked(paths ...string) ([]string, error) {
	args := append([]string{"ls-files", "--others", "--exclude-standard", "--"}, g.pathspec(paths)...)
	output, err := g.executor.Run(g.repoDir, "git", args...)
	if err != nil {
		return nil, errors.NewGitError("failed to list untracked files", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// -----------------------------------------------------------------------------
// Work tree mutations
// -----------------------------------------------------------------------------

// RestoreProtectedPaths checks out the HEAD version of every protected path
// a worker modified or deleted. Untracked files under those paths are left
// alone. It returns the paths that were restored.
func (g *Git) RestoreProtectedPaths(paths []string) ([]string, error) {
	if !g.HasHead() {
		return nil, nil
	}
	var restored []string
	for _, path := range paths {
		spec := g.Rel(path)
		output, err := g.executor.Run(g.repoDir, "git", "status", "--porcelain", "--untracked-files=no", "--", spec)
		if err != nil {
			return restored, errors.NewGitError("failed to inspect protected path "+spec, err).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
		if len(bytes.TrimSpace(output)) == 0 {
			continue
		}
		output, err = g.executor.Run(g.repoDir, "git", "checkout", "HEAD", "--", spec)
		if err != nil {
			return restored, errors.NewGitError("failed to restore protected path "+spec, err).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
		restored = append(restored, spec)
	}
	return restored, nil
}

// DiscardChanges resets tracked files to HEAD and removes untracked files,
// leaving ignored files and the excluded paths untouched.
func (g *Git) DiscardChanges(exclude ...string) error {
	pathspec := g.excludeSpec(exclude)
	if g.HasHead() {
		args := append([]string{"checkout", "HEAD", "--"}, pathspec...)
		output, err := g.executor.Run(g.repoDir, "git", args...)
		if err != nil {
			return errors.NewGitError("failed to reset tracked files", err).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
	}
	args := append([]string{"clean", "-fdq", "--"}, pathspec...)
	output, err := g.executor.Run(g.repoDir, "git", args...)
	if err != nil {
		return errors.NewGitError("failed to remove untracked files", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return nil
}

// Commit stages every change except the excluded paths and commits it. It
// returns false without error when there is nothing to commit.
func (g *Git) Commit(message string, exclude ...string) (bool, error) {
	args := append([]string{"add", "-A", "--"}, g.excludeSpec(exclude)...)
	output, err := g.executor.Run(g.repoDir, "git", args...)
	if err != nil {
		return false, errors.NewGitError("failed to stage changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}

	output, err = g.executor.Run(g.repoDir, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") ||
			strings.Contains(string(output), "no changes added to commit") {
			return false, nil
		}
		return false, errors.NewGitError("failed to commit changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return true, nil
}

func (g *Git) pathspec(paths []string) []string {
	specs := make([]string, 0, len(paths))
	for _, p := range paths {
		specs = append(specs, g.Rel(p))
	}
	return specs
}

func (g *Git) excludeSpec(exclude []string) []string {
	specs := []string{"."}
	for _, p := range exclude {
		specs = append(specs, ":(exclude)"+g.Rel(p))
	}
	return specs
}
