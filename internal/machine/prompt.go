package machine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/review"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

const (
	// ContextBudget is the number of characters of one injected file kept in a prompt.
	ContextBudget = 12000
	// TruncatedMarker ends an injected file that exceeded ContextBudget.
	TruncatedMarker = "(truncated)"
	// MaxAlreadyFixed bounds the Already Fixed section of review prompts.
	MaxAlreadyFixed = 10
)

var markdownLink = regexp.MustCompile(`\]\(([^)\s]+)\)`)

// BuildPrompt composes the worker prompt for step. Injected context files are
// embedded under "## Context: <key>" headings; the others are listed for the
// worker to read. Review prompts list the targets and the issues the previous
// review already fixed.
func BuildPrompt(fs afero.Fs, def flow.Definition, st *state.PipelineState, featureDir, step string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", step)
	fmt.Fprintf(&b, "Feature directory: %s\n", featureDir)
	fmt.Fprintf(&b, "Flow: %s\n\n", def.Name)

	tc, hasTeam := def.TeamConfig[step]
	isReview := def.IsReview(step)
	switch {
	case isReview:
		targets, err := ResolveTargets(fs, def, featureDir, step)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## Task\n\nReview the output of the previous steps for the `%s` step.\n\nTargets:\n", step)
		for _, t := range targets {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("\n")
	default:
		role := "worker"
		if hasTeam && len(tc.Teammates) > 0 {
			role = tc.Teammates[0].Role
		}
		fmt.Fprintf(&b, "## Task\n\nYou are the %s for the `%s` step.\n", role, step)
		if def.IsDiscussion(step) {
			b.WriteString("This step is a discussion with the operator; ask your questions and record the answers.\n")
		}
		if out := artifactInstruction(def, featureDir, step); out != "" {
			b.WriteString(out)
		}
		b.WriteString("\n")
	}

	var readSelf []string
	for _, key := range def.ContextKeys(step) {
		rel := def.Context[step][key]
		path := filepath.Join(featureDir, rel)
		if !def.Injected(step, key) {
			readSelf = append(readSelf, fmt.Sprintf("- %s: %s", key, path))
			continue
		}
		content, err := afero.ReadFile(fs, path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintf(&b, "## Context: %s\n\n(not found: %s)\n\n", key, path)
				continue
			}
			return "", err
		}
		text := RewriteLinks(string(content), filepath.Dir(path))
		fmt.Fprintf(&b, "## Context: %s\n\n%s\n\n", key, Truncate(strings.TrimRight(text, "\n"), ContextBudget))
	}
	if len(readSelf) > 0 {
		b.WriteString("## Files to read\n\n")
		b.WriteString(strings.Join(readSelf, "\n"))
		b.WriteString("\n\n")
	}

	if isReview {
		fixed, err := alreadyFixed(fs, def, st, featureDir, step)
		if err != nil {
			return "", err
		}
		if len(fixed) > 0 {
			b.WriteString("## Already Fixed\n\nDo not report these again:\n")
			for _, f := range fixed {
				fmt.Fprintf(&b, "- %s: %s\n", f.ID, f.Description)
			}
			b.WriteString("\n")
		}
	}

	if outcomes := Outcomes(def, step); len(outcomes) > 0 {
		fmt.Fprintf(&b, "## Outcome\n\nIf one of these applies, end your response with exactly one line `%s <TOKEN>`: %s\n",
			flow.OutcomePrefix, strings.Join(outcomes, ", "))
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func artifactInstruction(def flow.Definition, featureDir, step string) string {
	spec, ok := def.Artifacts[step]
	if !ok || spec.IsZero() {
		return ""
	}
	if spec.Whole {
		return fmt.Sprintf("Make your changes under %s.\n", featureDir)
	}
	paths := make([]string, len(spec.Files))
	for i, f := range spec.Files {
		paths[i] = filepath.Join(featureDir, f)
	}
	return fmt.Sprintf("Write your output to: %s\n", strings.Join(paths, ", "))
}

// Outcomes returns the outcome tokens a worker may emit for step, excluding
// the ones that only a user gate selects.
func Outcomes(def flow.Definition, step string) []string {
	if !def.IsConditional(step) {
		return nil
	}
	gated := map[string]struct{}{}
	for _, opt := range def.UserGates[step].Options {
		gated[opt.ConditionalKey] = struct{}{}
	}
	var out []string
	for key := range def.ConditionalBranches {
		s, outcome, ok := flow.SplitBranchKey(key)
		if !ok || s != step {
			continue
		}
		if _, isGated := gated[key]; isGated {
			continue
		}
		out = append(out, outcome)
	}
	sort.Strings(out)
	return out
}

// Truncate cuts s to budget characters and appends TruncatedMarker.
func Truncate(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget]) + "\n" + TruncatedMarker
}

// RewriteLinks turns relative markdown link targets into absolute paths
// under baseDir. URLs, anchors and absolute paths are left alone.
func RewriteLinks(content, baseDir string) string {
	return markdownLink.ReplaceAllStringFunc(content, func(m string) string {
		target := markdownLink.FindStringSubmatch(m)[1]
		if !isRelativeLink(target) {
			return m
		}
		path, anchor, _ := strings.Cut(target, "#")
		abs := filepath.Join(baseDir, path)
		if anchor != "" {
			abs += "#" + anchor
		}
		return "](" + abs + ")"
	})
}

func isRelativeLink(target string) bool {
	switch {
	case target == "",
		strings.HasPrefix(target, "#"),
		strings.HasPrefix(target, "/"),
		strings.HasPrefix(target, "mailto:"),
		strings.Contains(target, "://"):
		return false
	}
	return true
}

// alreadyFixed returns the fixed issues of the nearest completed step before
// step in the live pipeline, when that step is a review.
func alreadyFixed(fs afero.Fs, def flow.Definition, st *state.PipelineState, featureDir, step string) ([]review.FixedIssue, error) {
	if st == nil {
		return nil, nil
	}
	pipeline := st.LivePipeline(def)
	idx := slices.Index(pipeline, step)
	for i := idx - 1; i >= 0; i-- {
		prev := pipeline[i]
		if !st.IsCompleted(prev) {
			continue
		}
		if !def.IsReview(prev) {
			return nil, nil
		}
		res, err := review.ReadResult(fs, featureDir, prev)
		if err != nil || res == nil {
			return nil, err
		}
		fixed := res.Fixed
		if len(fixed) > MaxAlreadyFixed {
			fixed = fixed[:MaxAlreadyFixed]
		}
		return fixed, nil
	}
	return nil, nil
}

// ResolveTargets returns the files a review step inspects: its declared
// targets, else its context files that exist, else the feature directory.
func ResolveTargets(fs afero.Fs, def flow.Definition, featureDir, step string) ([]string, error) {
	if declared, ok := def.ReviewTargets[step]; ok && len(declared) > 0 {
		out := make([]string, 0, len(declared))
		for _, t := range declared {
			if t == flow.WholeDir {
				out = append(out, featureDir)
				continue
			}
			out = append(out, filepath.Join(featureDir, t))
		}
		return out, nil
	}

	var out []string
	for _, key := range def.ContextKeys(step) {
		path := filepath.Join(featureDir, def.Context[step][key])
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return nil, err
		}
		if exists && !slices.Contains(out, path) {
			out = append(out, path)
		}
	}
	if len(out) == 0 {
		out = []string{featureDir}
	}
	return out, nil
}
