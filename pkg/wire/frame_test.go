package wire

import (
	"strings"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	submit := TaskSubmit{
		TaskID:       "task-1",
		ProjectID:    "proj-1",
		BotName:      "coder",
		Command:      "build",
		Prompt:       "add a healthcheck endpoint",
		SystemPrompt: "You are a careful engineer.",
		LocalPath:    "/srv/projects/api",
		Model:        "claude-sonnet-4-5",
		MaxBudget:    2.5,
		AllowedTools: []string{"Bash", "Edit", "Write"},
		SlackContext: SlackContext{ChannelID: "C123", ThreadTS: "171.001", UserID: "U42"},
	}

	frame, err := NewFrame(FrameTaskSubmit, submit)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Type != FrameTaskSubmit {
		t.Fatalf("type = %q, want %q", parsed.Type, FrameTaskSubmit)
	}

	var got TaskSubmit
	if err := parsed.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.TaskID != submit.TaskID || got.BotName != submit.BotName {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.SlackContext.ChannelID != "C123" {
		t.Errorf("slackContext.channelId = %q", got.SlackContext.ChannelID)
	}
	if len(got.AllowedTools) != 3 {
		t.Errorf("allowedTools = %v", got.AllowedTools)
	}
}

func TestFrameFieldNamesAreCamelCase(t *testing.T) {
	frame := MustFrame(FrameTaskComplete, TaskComplete{
		TaskID:        "t1",
		Result:        "done",
		SessionID:     "sess-9",
		InputTokens:   100,
		OutputTokens:  50,
		EstimatedCost: 0.04,
		FilesChanged:  []string{"main.go"},
		CommandsRun:   []string{"go test ./..."},
		DurationMs:    1200,
	})
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"taskId"`, `"sessionId"`, `"estimatedCost"`, `"filesChanged"`, `"commandsRun"`, `"durationMs"`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded frame missing %s: %s", want, s)
		}
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"payload":{}}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestParsePreservesUnknownType(t *testing.T) {
	// Unknown types must survive parsing; the router decides to drop them.
	f, err := Parse([]byte(`{"type":"task-telemetry","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != FrameType("task-telemetry") {
		t.Errorf("type = %q", f.Type)
	}
}

func TestProgressTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	frame := MustFrame(FrameTaskProgress, TaskProgress{
		TaskID:    "t1",
		Type:      ProgressToolUse,
		Message:   "Bash: go test ./...",
		Timestamp: ts,
	})
	data, _ := frame.Encode()
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var got TaskProgress
	if err := parsed.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Type != ProgressToolUse {
		t.Errorf("type = %q", got.Type)
	}
}
