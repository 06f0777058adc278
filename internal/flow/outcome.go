package flow

import (
	"bufio"
	"regexp"
	"strings"
)

// OutcomePrefix starts the single line a conditional step uses to redirect
// the pipeline, e.g. "OUTCOME: NEEDS_CLARIFICATION".
const OutcomePrefix = "OUTCOME:"

var outcomeTokenPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidOutcomeToken reports whether token is a well-formed outcome token.
func ValidOutcomeToken(token string) bool {
	return outcomeTokenPattern.MatchString(token)
}

// ParseOutcome extracts the outcome token from worker output. Exactly one
// line starting with "OUTCOME:" must be present and its token must be a
// valid upper-case identifier; anything else yields no outcome.
func ParseOutcome(output string) (string, bool) {
	var tokens []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, OutcomePrefix)
		if !ok {
			continue
		}
		tokens = append(tokens, strings.TrimSpace(rest))
	}
	if len(tokens) != 1 || !ValidOutcomeToken(tokens[0]) {
		return "", false
	}
	return tokens[0], true
}
