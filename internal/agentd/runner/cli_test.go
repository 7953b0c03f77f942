package runner

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/botmaster/botmaster/pkg/clistream"
)

func TestDescribeTool(t *testing.T) {
	long := strings.Repeat("x", 250)
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{clistream.ToolBash, map[string]any{"command": "go vet ./..."}, "$ go vet ./..."},
		{clistream.ToolBash, map[string]any{"command": long}, "$ " + long[:200] + "…"},
		{clistream.ToolEdit, map[string]any{"file_path": "cmd/main.go"}, "Edit cmd/main.go"},
		{clistream.ToolRead, map[string]any{"file_path": "go.mod"}, "Read go.mod"},
		{clistream.ToolGrep, map[string]any{"pattern": "TODO"}, "Grep TODO"},
		{"Unknown", nil, "Unknown"},
	}
	for _, tc := range cases {
		if got := describeTool(tc.name, tc.input); got != tc.want {
			t.Errorf("describeTool(%s) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTranslateResult(t *testing.T) {
	var msg clistream.CLIMessage
	err := json.Unmarshal([]byte(`{
		"type":"result","result":"error_max_turns","is_error":true,
		"session_id":"sess-1","num_turns":10,
		"usage":{"input_tokens":100,"output_tokens":20},"cost_usd":0.03
	}`), &msg)
	if err != nil {
		t.Fatal(err)
	}
	res := translateResult(&msg)
	if !res.IsError || res.ErrorCode != clistream.ResultErrorMaxTurns {
		t.Errorf("error result = %+v", res)
	}
	if res.SessionID != "sess-1" || res.NumTurns != 10 {
		t.Errorf("metadata lost: %+v", res)
	}
	if res.InputTokens != 100 || res.OutputTokens != 20 || res.CostUSD != 0.03 {
		t.Errorf("counters lost: %+v", res)
	}

	msg = clistream.CLIMessage{}
	err = json.Unmarshal([]byte(`{
		"type":"result","result":"All tests pass.","is_error":false,
		"total_input_tokens":50,"total_output_tokens":10
	}`), &msg)
	if err != nil {
		t.Fatal(err)
	}
	res = translateResult(&msg)
	if res.IsError || res.ErrorCode != "" || res.Text != "All tests pass." {
		t.Errorf("success result = %+v", res)
	}
	if res.InputTokens != 50 || res.OutputTokens != 10 {
		t.Errorf("total counter fallback broken: %+v", res)
	}
}

func TestEmitAssistantTranslatesBlocks(t *testing.T) {
	r := NewCLIRunner("claude", nil)
	msg := &clistream.CLIMessage{
		Type: clistream.MessageTypeAssistant,
		Message: &clistream.AssistantMessage{
			Role: "assistant",
			Content: []clistream.ContentBlock{
				{Type: "text", Text: "Let me edit the file."},
				{Type: "tool_use", Name: clistream.ToolEdit, Input: map[string]any{"file_path": "pkg/a.go"}},
				{Type: "tool_use", Name: clistream.ToolBash, Input: map[string]any{"command": "make test"}},
				{Type: "text", Text: " Done."},
			},
		},
	}

	var events []Event
	r.emitAssistant(msg, func(ev Event) { events = append(events, ev) })

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventToolUse || events[0].File != "pkg/a.go" {
		t.Errorf("edit event = %+v", events[0])
	}
	if events[1].Kind != EventToolUse || events[1].Command != "make test" {
		t.Errorf("bash event = %+v", events[1])
	}
	// Text blocks of one turn merge into a single event, emitted last.
	if events[2].Kind != EventText || events[2].Text != "Let me edit the file. Done." {
		t.Errorf("text event = %+v", events[2])
	}
}
