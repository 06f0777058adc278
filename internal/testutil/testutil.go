// Package testutil provides git repository fixtures for featurepipe tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// gitEnv pins the identity of commits made by tests and by the code under
// test, whatever the machine's global git config says.
var gitEnv = []string{
	"GIT_AUTHOR_NAME=Featurepipe Test",
	"GIT_AUTHOR_EMAIL=test@featurepipe.dev",
	"GIT_COMMITTER_NAME=Featurepipe Test",
	"GIT_COMMITTER_EMAIL=test@featurepipe.dev",
}

// Git runs git in dir and returns its trimmed stdout. The test fails on a
// non-zero exit.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), gitEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// SetupTestRepo creates a repository in a temp dir with one commit, so HEAD
// exists for diff stats. It is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	Git(t, dir, "init")
	Git(t, dir, "config", "user.email", "test@featurepipe.dev")
	Git(t, dir, "config", "user.name", "Featurepipe Test")
	WriteFile(t, dir, "README.md", "# Test Repository\n")
	Git(t, dir, "add", ".")
	Git(t, dir, "commit", "-m", "Initial commit")
	return dir
}

// SetupTestRepoWithContent creates a test repository and commits files, a
// map of relative paths to contents.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	Git(t, dir, "add", ".")
	Git(t, dir, "commit", "-m", "Add test files")
	return dir
}

// WriteFile creates or overwrites a file below dir without staging it.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// GetCommitCount returns the number of commits reachable from HEAD.
func GetCommitCount(t *testing.T, repoDir string) int {
	t.Helper()

	n, err := strconv.Atoi(Git(t, repoDir, "rev-list", "--count", "HEAD"))
	if err != nil {
		t.Fatalf("parse commit count: %v", err)
	}
	return n
}

// LastCommitSubject returns the subject line of HEAD.
func LastCommitSubject(t *testing.T, repoDir string) string {
	t.Helper()
	return Git(t, repoDir, "log", "-1", "--format=%s")
}

// HasUncommittedChanges reports whether the work tree differs from HEAD,
// untracked files included.
func HasUncommittedChanges(t *testing.T, repoDir string) bool {
	t.Helper()
	return Git(t, repoDir, "status", "--porcelain") != ""
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}
