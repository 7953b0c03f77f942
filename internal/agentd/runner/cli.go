package runner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/clistream"
)

const killGracePeriod = 2 * time.Second

// CLIRunner drives the coding CLI as a subprocess speaking newline-delimited
// stream-json on stdin/stdout.
type CLIRunner struct {
	cliPath string
	logger  *logger.Logger
}

// NewCLIRunner creates a runner invoking the CLI binary at cliPath.
func NewCLIRunner(cliPath string, log *logger.Logger) *CLIRunner {
	if log == nil {
		log = logger.Default()
	}
	return &CLIRunner{
		cliPath: cliPath,
		logger:  log.WithFields(zap.String("component", "cli-runner")),
	}
}

// Run spawns the CLI, writes the prompt, and consumes the stream until the
// result message arrives or the context is cancelled.
func (r *CLIRunner) Run(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
		"--max-turns", strconv.Itoa(inv.MaxTurns),
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(inv.AllowedTools, ","))
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.SystemPrompt)
	}
	if inv.ResumeSessionID != "" {
		args = append(args, "--resume", inv.ResumeSessionID)
	}

	cmd := exec.Command(r.cliPath, args...)
	cmd.Dir = inv.WorkDir
	// New process group so stopping kills the CLI's own subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.cliPath, err)
	}

	log := r.logger.WithTaskID(inv.TaskID)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("CLI stderr", zap.String("line", scanner.Text()))
		}
	}()

	var (
		mu     sync.Mutex
		result *Result
	)
	done := make(chan struct{})

	client := clistream.NewClient(stdin, stdout, r.logger)
	client.SetMessageHandler(func(msg *clistream.CLIMessage) {
		switch msg.Type {
		case clistream.MessageTypeSystem:
			if msg.Subtype == clistream.SubtypeInit && msg.SessionID != "" {
				emit(Event{Kind: EventSession, SessionID: msg.SessionID})
			}
		case clistream.MessageTypeAssistant:
			r.emitAssistant(msg, emit)
		case clistream.MessageTypeResult:
			mu.Lock()
			if result == nil {
				result = translateResult(msg)
				close(done)
			}
			mu.Unlock()
		}
	})
	<-client.Start(ctx)

	if err := client.SendUserMessage(inv.Prompt); err != nil {
		r.stop(cmd)
		_ = cmd.Wait()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		client.Stop()
		r.stop(cmd)
		_ = cmd.Wait()
		return nil, ctx.Err()
	}

	// Result received; let the process exit on its own, then reap it.
	_ = stdin.Close()
	waitErr := cmd.Wait()
	client.Stop()

	mu.Lock()
	defer mu.Unlock()
	if result == nil {
		if waitErr != nil {
			return nil, fmt.Errorf("CLI exited without result: %w", waitErr)
		}
		return nil, fmt.Errorf("CLI exited without result")
	}
	return result, nil
}

func (r *CLIRunner) emitAssistant(msg *clistream.CLIMessage, emit EmitFunc) {
	if msg.Message == nil {
		return
	}
	var text strings.Builder
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			event := Event{
				Kind:   EventToolUse,
				Tool:   block.Name,
				Detail: describeTool(block.Name, block.Input),
			}
			switch block.Name {
			case clistream.ToolEdit, clistream.ToolWrite, clistream.ToolNotebookEdit:
				event.File, _ = block.Input["file_path"].(string)
				if event.File == "" {
					event.File, _ = block.Input["notebook_path"].(string)
				}
			case clistream.ToolBash:
				event.Command, _ = block.Input["command"].(string)
			}
			emit(event)
		}
	}
	if text.Len() > 0 {
		emit(Event{Kind: EventText, Text: text.String()})
	}
}

func translateResult(msg *clistream.CLIMessage) *Result {
	res := &Result{
		SessionID: msg.SessionID,
		IsError:   msg.IsError,
		NumTurns:  msg.NumTurns,
		CostUSD:   msg.CostUSD,
	}
	if msg.Usage != nil {
		res.InputTokens = msg.Usage.InputTokens
		res.OutputTokens = msg.Usage.OutputTokens
	} else {
		res.InputTokens = msg.TotalInputTokens
		res.OutputTokens = msg.TotalOutputTokens
	}
	if s := msg.ResultString(); s != "" {
		res.Text = s
		if msg.IsError {
			res.ErrorCode = s
		}
	} else if len(msg.Result) > 0 {
		res.Text = string(msg.Result)
	}
	if res.ErrorCode == "" && msg.IsError && msg.Subtype != "" && msg.Subtype != "success" {
		res.ErrorCode = msg.Subtype
	}
	return res
}

// describeTool renders a tool_use block as a short human-readable line for
// the progress thread.
func describeTool(name string, input map[string]any) string {
	switch name {
	case clistream.ToolBash:
		cmd, _ := input["command"].(string)
		return "$ " + truncate(cmd, 200)
	case clistream.ToolEdit, clistream.ToolWrite:
		path, _ := input["file_path"].(string)
		return name + " " + path
	case clistream.ToolNotebookEdit:
		path, _ := input["notebook_path"].(string)
		if path == "" {
			path, _ = input["file_path"].(string)
		}
		return name + " " + path
	case clistream.ToolRead:
		path, _ := input["file_path"].(string)
		return "Read " + path
	case clistream.ToolGlob, clistream.ToolGrep:
		pattern, _ := input["pattern"].(string)
		return name + " " + truncate(pattern, 80)
	case clistream.ToolWebFetch:
		url, _ := input["url"].(string)
		return "WebFetch " + truncate(url, 120)
	default:
		return name
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// stop terminates the CLI process group: SIGTERM, then SIGKILL after the
// grace period.
func (r *CLIRunner) stop(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	exited := make(chan struct{})
	go func() {
		// Signal-only wait; the caller reaps via cmd.Wait.
		for {
			if cmd.ProcessState != nil {
				close(exited)
				return
			}
			if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
				close(exited)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-exited:
	case <-time.After(killGracePeriod):
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
	}
}
