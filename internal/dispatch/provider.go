package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Supported worker CLIs.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
	ProviderGemini = "gemini"
)

// Invocation is what a provider needs to build one command line. The prompt
// is always fed on stdin.
type Invocation struct {
	Model       string
	MaxTurns    int
	WriteAccess bool
}

// CompletionScanner watches streamed output for an in-band completion event.
type CompletionScanner interface {
	// Feed consumes the next chunk and reports whether completion was seen.
	Feed(chunk []byte) bool
}

// Provider adapts one worker CLI.
type Provider interface {
	Name() string
	// Command returns the executable and its arguments.
	Command(inv Invocation) (string, []string)
	// Scanner returns a fresh completion scanner, or nil when the CLI only
	// signals completion by exiting.
	Scanner() CompletionScanner
	// ParseResult extracts the final text and, when the CLI emits one, the
	// structured result event.
	ParseResult(output []byte) (text string, result map[string]any)
}

// DefaultProviders returns the built-in adapters keyed by name.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		ProviderClaude: &ClaudeProvider{command: "claude"},
		ProviderCodex:  &CodexProvider{command: "codex"},
		ProviderGemini: &GeminiProvider{command: "gemini"},
	}
}

// ClaudeProvider runs Claude Code in print mode with stream-json output.
type ClaudeProvider struct {
	command string
}

func (c *ClaudeProvider) Name() string { return ProviderClaude }

func (c *ClaudeProvider) Command(inv Invocation) (string, []string) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(inv.MaxTurns))
	}
	if inv.WriteAccess {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--disallowedTools", "Edit,Write,NotebookEdit")
	}
	return c.command, args
}

func (c *ClaudeProvider) Scanner() CompletionScanner { return &streamJSONScanner{} }

func (c *ClaudeProvider) ParseResult(output []byte) (string, map[string]any) {
	event := lastResultEvent(output)
	if event == nil {
		return string(output), nil
	}
	text, _ := event["result"].(string)
	return text, event
}

// CodexProvider runs the Codex CLI non-interactively.
type CodexProvider struct {
	command string
}

func (c *CodexProvider) Name() string { return ProviderCodex }

func (c *CodexProvider) Command(inv Invocation) (string, []string) {
	args := []string{"exec"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.WriteAccess {
		args = append(args, "--full-auto")
	} else {
		args = append(args, "--sandbox", "read-only")
	}
	return c.command, append(args, "-")
}

func (c *CodexProvider) Scanner() CompletionScanner { return nil }

func (c *CodexProvider) ParseResult(output []byte) (string, map[string]any) {
	return string(output), nil
}

// GeminiProvider runs the Gemini CLI non-interactively.
type GeminiProvider struct {
	command string
}

func (g *GeminiProvider) Name() string { return ProviderGemini }

func (g *GeminiProvider) Command(inv Invocation) (string, []string) {
	var args []string
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.WriteAccess {
		args = append(args, "--yolo")
	}
	return g.command, args
}

func (g *GeminiProvider) Scanner() CompletionScanner { return nil }

func (g *GeminiProvider) ParseResult(output []byte) (string, map[string]any) {
	return string(output), nil
}

// CommandProvider runs an arbitrary executable with the prompt on stdin and
// treats its whole output as the result text. The model is passed in the
// FEATUREPIPE_MODEL environment variable.
type CommandProvider struct {
	name    string
	command string
	args    []string
}

// NewCommandProvider registers a custom worker command under name.
func NewCommandProvider(name, command string, args ...string) *CommandProvider {
	return &CommandProvider{name: name, command: command, args: args}
}

func (c *CommandProvider) Name() string { return c.name }

func (c *CommandProvider) Command(Invocation) (string, []string) {
	return c.command, append([]string(nil), c.args...)
}

func (c *CommandProvider) Scanner() CompletionScanner { return nil }

func (c *CommandProvider) ParseResult(output []byte) (string, map[string]any) {
	return string(output), nil
}

// streamJSONScanner looks for a {"type":"result"} line in stream-json output.
type streamJSONScanner struct {
	partial []byte
	done    bool
}

func (s *streamJSONScanner) Feed(chunk []byte) bool {
	if s.done {
		return true
	}
	s.partial = append(s.partial, chunk...)
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(s.partial[:idx])
		s.partial = s.partial[idx+1:]
		if isResultEvent(line) {
			s.done = true
			s.partial = nil
			return true
		}
	}
	return false
}

func isResultEvent(line []byte) bool {
	if len(line) == 0 || line[0] != '{' {
		return false
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	return probe.Type == "result"
}

func lastResultEvent(output []byte) map[string]any {
	var last map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !isResultEvent(line) {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err == nil {
			last = event
		}
	}
	return last
}

// Marker line prefixes scanned in worker output.
const (
	VerdictPrefix       = "VERDICT:"
	ErrorPrefix         = "ERROR:"
	ClarificationPrefix = "CLARIFICATION:"
)

// Markers are the structural lines a worker may emit.
type Markers struct {
	Verdict        string
	Errors         []string
	Clarifications []string
}

// ParseMarkers scans text for VERDICT, ERROR and CLARIFICATION lines. The
// last verdict wins.
func ParseMarkers(text string) Markers {
	var m Markers
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case strings.HasPrefix(line, VerdictPrefix):
			m.Verdict = strings.TrimSpace(strings.TrimPrefix(line, VerdictPrefix))
		case strings.HasPrefix(line, ErrorPrefix):
			if msg := strings.TrimSpace(strings.TrimPrefix(line, ErrorPrefix)); msg != "" {
				m.Errors = append(m.Errors, msg)
			}
		case strings.HasPrefix(line, ClarificationPrefix):
			if q := strings.TrimSpace(strings.TrimPrefix(line, ClarificationPrefix)); q != "" {
				m.Clarifications = append(m.Clarifications, q)
			}
		}
	}
	return m
}

func providerNotFound(name string) error {
	return fmt.Errorf("unknown worker CLI %q", name)
}
