// Package runner invokes the AI coding backend for one task attempt and
// streams its activity back to the caller.
package runner

import "context"

// Invocation describes one backend attempt. A resumed invocation continues
// the conversation identified by ResumeSessionID.
type Invocation struct {
	TaskID          string
	Prompt          string
	SystemPrompt    string
	Model           string
	MaxTurns        int
	WorkDir         string
	AllowedTools    []string
	ResumeSessionID string
}

// EventKind discriminates streaming events.
type EventKind string

const (
	// EventSession reports the backend session id, from the init message.
	EventSession EventKind = "session"
	// EventToolUse reports one tool invocation.
	EventToolUse EventKind = "tool_use"
	// EventText reports the text of one assistant turn.
	EventText EventKind = "text"
)

// Event is one streaming observation during an invocation.
type Event struct {
	Kind      EventKind
	SessionID string // EventSession
	Tool      string // EventToolUse: tool name
	Detail    string // EventToolUse: human-readable descriptor
	File      string // EventToolUse: file path for file-editing tools
	Command   string // EventToolUse: shell command for Bash
	Text      string // EventText
}

// Result is the terminal outcome of one invocation.
type Result struct {
	Text         string
	SessionID    string
	IsError      bool
	ErrorCode    string // machine code such as "error_max_turns"
	NumTurns     int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// EmitFunc receives streaming events. Called from the runner's read
// goroutine; implementations must not block.
type EmitFunc func(Event)

// Runner executes one invocation to completion, emitting events along the
// way. Cancelling the context aborts the attempt.
type Runner interface {
	Run(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error)
}
