package dispatch

import (
	"strings"
	"testing"
)

func TestClaudeCommand(t *testing.T) {
	p := &ClaudeProvider{command: "claude"}

	name, args := p.Command(Invocation{Model: "opus", MaxTurns: 20})
	if name != "claude" {
		t.Errorf("name = %q, want claude", name)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"--print", "--output-format stream-json", "--model opus", "--max-turns 20", "--disallowedTools"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}

	_, args = p.Command(Invocation{WriteAccess: true})
	joined = strings.Join(args, " ")
	if !strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Errorf("write access args %q missing skip-permissions", joined)
	}
	if strings.Contains(joined, "--model") {
		t.Errorf("args %q should not carry an empty model", joined)
	}
}

func TestCodexAndGeminiCommands(t *testing.T) {
	_, args := (&CodexProvider{command: "codex"}).Command(Invocation{Model: "o3"})
	if args[0] != "exec" || args[len(args)-1] != "-" {
		t.Errorf("codex args = %v, want exec ... -", args)
	}
	if !strings.Contains(strings.Join(args, " "), "--sandbox read-only") {
		t.Errorf("read-only codex args = %v", args)
	}

	_, args = (&GeminiProvider{command: "gemini"}).Command(Invocation{Model: "pro", WriteAccess: true})
	if strings.Join(args, " ") != "--model pro --yolo" {
		t.Errorf("gemini args = %v", args)
	}
}

func TestStreamJSONScanner(t *testing.T) {
	s := &streamJSONScanner{}
	if s.Feed([]byte(`{"type":"assistant","message":{}}` + "\n" + `{"type":"res`)) {
		t.Fatal("completion reported before the result line finished")
	}
	if !s.Feed([]byte(`ult","subtype":"success"}` + "\n")) {
		t.Fatal("completion not reported for a result line split across chunks")
	}
	if !s.Feed([]byte("anything")) {
		t.Error("scanner should stay completed")
	}
}

func TestClaudeParseResult(t *testing.T) {
	p := &ClaudeProvider{}
	output := `{"type":"system"}
{"type":"assistant"}
{"type":"result","subtype":"success","result":"final text","num_turns":2}
`
	text, event := p.ParseResult([]byte(output))
	if text != "final text" {
		t.Errorf("text = %q, want final text", text)
	}
	if event["num_turns"] != float64(2) {
		t.Errorf("num_turns = %v, want 2", event["num_turns"])
	}

	raw := "not json at all"
	text, event = p.ParseResult([]byte(raw))
	if text != raw || event != nil {
		t.Errorf("ParseResult(raw) = %q, %v", text, event)
	}
}

func TestParseMarkers(t *testing.T) {
	text := "intro\nVERDICT: CONDITIONAL\r\n  ERROR: disk full\nCLARIFICATION: which region?\nERROR:\nVERDICT: GO\n"
	m := ParseMarkers(text)
	if m.Verdict != "GO" {
		t.Errorf("Verdict = %q, want GO", m.Verdict)
	}
	if len(m.Errors) != 1 || m.Errors[0] != "disk full" {
		t.Errorf("Errors = %v", m.Errors)
	}
	if len(m.Clarifications) != 1 || m.Clarifications[0] != "which region?" {
		t.Errorf("Clarifications = %v", m.Clarifications)
	}
}
