// Package executor runs submitted tasks on this worker host: it
// materializes attachments, drives the runner, pipes streaming activity
// back to the broker, and applies the auto-continuation policy when an
// invocation exhausts its turn budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/agentd/config"
	"github.com/botmaster/botmaster/internal/agentd/runner"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/clistream"
	"github.com/botmaster/botmaster/pkg/wire"
)

// continuationPrompt resumes a session whose previous invocation ran out of
// turns.
const continuationPrompt = "Continue where you left off. Complete the remaining work from the original task."

const defaultContinuationDelay = time.Second

// Sender delivers frames to the broker.
type Sender interface {
	Send(frame *wire.Frame) error
}

// Executor handles inbound frames from the broker connection.
type Executor struct {
	runner    runner.Runner
	sender    Sender
	runnerCfg config.RunnerConfig
	deployCfg config.DeployConfig
	logger    *logger.Logger

	// onRestart is invoked for system-restart frames; wired by main to
	// terminate the process so the supervisor brings it back up.
	onRestart func(reason string, rebuild bool)

	continuationDelay time.Duration

	mu     sync.Mutex
	active map[string]*taskRun
	slots  chan struct{}
}

type taskRun struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
	reason  string
}

func (t *taskRun) abort(reason string) {
	t.mu.Lock()
	t.aborted = true
	t.reason = reason
	t.mu.Unlock()
	t.cancel()
}

func (t *taskRun) abortState() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted, t.reason
}

// New creates an executor.
func New(r runner.Runner, sender Sender, runnerCfg config.RunnerConfig, deployCfg config.DeployConfig, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	slots := runnerCfg.MaxConcurrentTasks
	if slots <= 0 {
		slots = 1
	}
	return &Executor{
		runner:            r,
		sender:            sender,
		runnerCfg:         runnerCfg,
		deployCfg:         deployCfg,
		logger:            log.WithFields(zap.String("component", "executor")),
		continuationDelay: defaultContinuationDelay,
		active:            make(map[string]*taskRun),
		slots:             make(chan struct{}, slots),
	}
}

// SetRestartHandler wires the system-restart callback.
func (e *Executor) SetRestartHandler(fn func(reason string, rebuild bool)) {
	e.onRestart = fn
}

// HandleFrame dispatches one inbound frame. Task execution runs on its own
// goroutine; the caller's read loop is never blocked.
func (e *Executor) HandleFrame(frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameTaskSubmit:
		var sub wire.TaskSubmit
		if err := frame.DecodePayload(&sub); err != nil {
			e.logger.Warn("Malformed task-submit dropped", zap.Error(err))
			return
		}
		go e.runTask(sub)
	case wire.FrameTaskCancel:
		var cancel wire.TaskCancel
		if err := frame.DecodePayload(&cancel); err != nil {
			e.logger.Warn("Malformed task-cancel dropped", zap.Error(err))
			return
		}
		e.cancelTask(cancel)
	case wire.FrameDeployRequest:
		var req wire.DeployRequest
		if err := frame.DecodePayload(&req); err != nil {
			e.logger.Warn("Malformed deploy-request dropped", zap.Error(err))
			return
		}
		go e.handleDeploy(req)
	case wire.FramePathValidateRequest:
		var req wire.PathValidateRequest
		if err := frame.DecodePayload(&req); err != nil {
			e.logger.Warn("Malformed path-validate-request dropped", zap.Error(err))
			return
		}
		go e.handlePathValidate(req)
	case wire.FrameSystemRestart:
		var req wire.SystemRestart
		if err := frame.DecodePayload(&req); err != nil {
			e.logger.Warn("Malformed system-restart dropped", zap.Error(err))
			return
		}
		e.handleRestart(req)
	default:
		e.logger.Warn("Unknown frame type dropped", zap.String("type", string(frame.Type)))
	}
}

// ActiveTaskIDs returns the ids of tasks currently executing.
func (e *Executor) ActiveTaskIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Status builds the periodic agent-status report.
func (e *Executor) Status() wire.AgentStatus {
	ids := e.ActiveTaskIDs()
	status := wire.AgentOnline
	if len(ids) > 0 {
		status = wire.AgentBusy
	}
	return wire.AgentStatus{Status: status, ActiveTaskIDs: ids, TS: time.Now().UTC()}
}

func (e *Executor) runTask(sub wire.TaskSubmit) {
	log := e.logger.WithTaskID(sub.TaskID)

	select {
	case e.slots <- struct{}{}:
	default:
		e.send(wire.FrameTaskAck, wire.TaskAck{
			TaskID: sub.TaskID,
			Reason: fmt.Sprintf("agent at capacity (%d tasks running)", cap(e.slots)),
		})
		log.Warn("Task rejected, no free slot")
		return
	}
	defer func() { <-e.slots }()

	ctx, cancel := context.WithTimeout(context.Background(), e.runnerCfg.InvocationTimeout())
	defer cancel()

	run := &taskRun{cancel: cancel}
	e.mu.Lock()
	e.active[sub.TaskID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, sub.TaskID)
		e.mu.Unlock()
	}()

	attachResults, savedPaths := e.materializeAttachments(sub.TaskID, sub.Attachments)
	defer e.sweepAttachments(savedPaths)

	e.send(wire.FrameTaskAck, wire.TaskAck{TaskID: sub.TaskID, Accepted: true})
	log.Info("Task accepted",
		zap.String("bot", sub.BotName),
		zap.String("command", sub.Command),
		zap.Int("attachments", len(sub.Attachments)))

	start := time.Now()
	state := newStreamState(e, sub.TaskID)

	prompt := sub.Prompt
	if note := attachmentNote(attachResults); note != "" {
		prompt += note
	}
	resume := sub.ResumeSessionID

	var (
		res           *runner.Result
		runErr        error
		invocations   int
		continuations int
		totalTurns    int
		inputTokens   int64
		outputTokens  int64
		cost          float64
	)

	for {
		invocations++
		res, runErr = e.runner.Run(ctx, runner.Invocation{
			TaskID:          sub.TaskID,
			Prompt:          prompt,
			SystemPrompt:    sub.SystemPrompt,
			Model:           sub.Model,
			MaxTurns:        e.runnerCfg.MaxTurns,
			WorkDir:         sub.LocalPath,
			AllowedTools:    sub.AllowedTools,
			ResumeSessionID: resume,
		}, state.emit)
		if runErr != nil {
			break
		}
		totalTurns += res.NumTurns
		inputTokens += res.InputTokens
		outputTokens += res.OutputTokens
		cost += res.CostUSD
		if res.SessionID != "" {
			state.setSession(res.SessionID)
		}

		aborted, _ := run.abortState()
		sessionID := state.session()
		if res.IsError && res.ErrorCode == clistream.ResultErrorMaxTurns &&
			sessionID != "" && continuations < sub.MaxContinuations && !aborted {
			continuations++
			log.Info("Turn budget exhausted, continuing",
				zap.Int("continuation", continuations),
				zap.String("session_id", sessionID))
			select {
			case <-time.After(e.continuationDelay):
			case <-ctx.Done():
				runErr = ctx.Err()
			}
			if runErr != nil {
				break
			}
			resume = sessionID
			prompt = continuationPrompt
			continue
		}
		break
	}

	durationMs := time.Since(start).Milliseconds()
	sessionID := state.session()

	if runErr != nil {
		if aborted, reason := run.abortState(); aborted {
			e.send(wire.FrameTaskCancelled, wire.TaskCancelled{TaskID: sub.TaskID, Reason: reason})
			log.Info("Task cancelled", zap.String("reason", reason))
			return
		}
		msg := runErr.Error()
		recoverable := true
		if errors.Is(runErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("invocation timeout after %s", e.runnerCfg.InvocationTimeout())
			recoverable = false
		}
		e.send(wire.FrameTaskError, wire.TaskError{
			TaskID:      sub.TaskID,
			Error:       msg,
			Recoverable: recoverable,
			SessionID:   sessionID,
		})
		log.Error("Task failed", zap.Error(runErr))
		return
	}

	if res.IsError && res.ErrorCode == clistream.ResultErrorMaxTurns {
		// Continuation budget exhausted: report what we have as a partial
		// completion rather than a hard failure.
		result := fmt.Sprintf("Reached the turn limit after %d turns across %d invocations; the work may be incomplete.",
			totalTurns, invocations)
		if res.Text != "" && res.Text != clistream.ResultErrorMaxTurns {
			result += "\n\n" + res.Text
		}
		e.sendComplete(sub.TaskID, result, sessionID, inputTokens, outputTokens, cost,
			state, durationMs, continuations, attachResults)
		log.Warn("Continuation budget exhausted",
			zap.Int("turns", totalTurns),
			zap.Int("invocations", invocations))
		return
	}

	if res.IsError {
		errText := res.Text
		if errText == "" {
			errText = res.ErrorCode
		}
		e.send(wire.FrameTaskError, wire.TaskError{
			TaskID:      sub.TaskID,
			Error:       errText,
			Recoverable: false,
			SessionID:   sessionID,
		})
		log.Error("Backend reported error", zap.String("error", errText))
		return
	}

	e.sendComplete(sub.TaskID, res.Text, sessionID, inputTokens, outputTokens, cost,
		state, durationMs, continuations, attachResults)
	log.Info("Task completed",
		zap.Int("turns", totalTurns),
		zap.Int("continuations", continuations),
		zap.Float64("cost_usd", cost),
		zap.Int64("duration_ms", durationMs))
}

func (e *Executor) sendComplete(taskID, result, sessionID string, in, out int64, cost float64,
	state *streamState, durationMs int64, continuations int, attachResults []wire.AttachmentResult) {
	e.send(wire.FrameTaskComplete, wire.TaskComplete{
		TaskID:            taskID,
		Result:            result,
		SessionID:         sessionID,
		InputTokens:       in,
		OutputTokens:      out,
		EstimatedCost:     cost,
		FilesChanged:      state.filesChanged(),
		CommandsRun:       state.commandsRun(),
		DurationMs:        durationMs,
		Continuations:     continuations,
		AttachmentResults: attachResults,
	})
}

func (e *Executor) cancelTask(req wire.TaskCancel) {
	e.mu.Lock()
	run, ok := e.active[req.TaskID]
	e.mu.Unlock()
	if !ok {
		// Broadcast cancel for a task another agent holds.
		return
	}
	run.abort(req.Reason)
	e.logger.WithTaskID(req.TaskID).Info("Cancelling task", zap.String("reason", req.Reason))
}

func (e *Executor) handleRestart(req wire.SystemRestart) {
	e.logger.Warn("Restart requested",
		zap.String("reason", req.Reason),
		zap.Bool("rebuild", req.Rebuild))
	if e.onRestart != nil {
		e.onRestart(req.Reason, req.Rebuild)
	}
}

func (e *Executor) send(t wire.FrameType, payload any) {
	frame, err := wire.NewFrame(t, payload)
	if err != nil {
		e.logger.Error("Frame marshal failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := e.sender.Send(frame); err != nil {
		e.logger.Warn("Frame send failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func attachmentNote(results []wire.AttachmentResult) string {
	var saved []string
	for _, r := range results {
		if r.Saved {
			saved = append(saved, r.Path)
		}
	}
	if len(saved) == 0 {
		return ""
	}
	note := "\n\nAttached files for this task:"
	for _, p := range saved {
		note += "\n- " + p
	}
	return note
}

// streamState collects streaming observations for one task: the session id,
// changed files, executed commands, and text-delta separation.
type streamState struct {
	exec   *Executor
	taskID string

	mu        sync.Mutex
	sessionID string
	sentText  bool
	files     []string
	fileSet   map[string]struct{}
	commands  []string
}

func newStreamState(e *Executor, taskID string) *streamState {
	return &streamState{exec: e, taskID: taskID, fileSet: make(map[string]struct{})}
}

func (s *streamState) emit(ev runner.Event) {
	switch ev.Kind {
	case runner.EventSession:
		s.setSession(ev.SessionID)
	case runner.EventToolUse:
		s.mu.Lock()
		if ev.File != "" {
			if _, seen := s.fileSet[ev.File]; !seen {
				s.fileSet[ev.File] = struct{}{}
				s.files = append(s.files, ev.File)
			}
		}
		if ev.Command != "" {
			s.commands = append(s.commands, truncateCommand(ev.Command))
		}
		s.mu.Unlock()
		s.exec.send(wire.FrameTaskProgress, wire.TaskProgress{
			TaskID:    s.taskID,
			Type:      wire.ProgressToolUse,
			Message:   ev.Detail,
			Timestamp: time.Now().UTC(),
		})
	case runner.EventText:
		s.mu.Lock()
		delta := ev.Text
		if s.sentText {
			delta = "\n\n" + delta
		}
		s.sentText = true
		s.mu.Unlock()
		s.exec.send(wire.FrameTaskStream, wire.TaskStream{
			TaskID:    s.taskID,
			Delta:     delta,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *streamState) setSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *streamState) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *streamState) filesChanged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

func (s *streamState) commandsRun() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

const maxCommandLen = 200

func truncateCommand(cmd string) string {
	if len(cmd) <= maxCommandLen {
		return cmd
	}
	return cmd[:maxCommandLen]
}
