// Package router demultiplexes agent frames into task state transitions
// and outbound chat effects. It is the single consumer of the gateway's
// inbound frame stream and the sole writer of terminal task state.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/broker/command"
	"github.com/botmaster/botmaster/internal/broker/health"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/pending"
	"github.com/botmaster/botmaster/internal/broker/progress"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/broker/stream"
	"github.com/botmaster/botmaster/internal/broker/syncflow"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/events"
	"github.com/botmaster/botmaster/internal/events/bus"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"

	blockkit "github.com/botmaster/botmaster/internal/broker/blocks"
)

// Router consumes frames from connected agents.
type Router struct {
	repo     repository.Repository
	registry *registry.Registry
	health   *health.Tracker
	streams  *stream.Accumulator
	progress *progress.Manager
	notifier *notify.Notifier
	commands *command.Service
	sync     *syncflow.Orchestrator
	pending  *pending.Registry
	bus      bus.EventBus
	logger   *logger.Logger
}

// New wires the router.
func New(
	repo repository.Repository,
	reg *registry.Registry,
	healthTracker *health.Tracker,
	streams *stream.Accumulator,
	progressMgr *progress.Manager,
	notifier *notify.Notifier,
	commands *command.Service,
	sync *syncflow.Orchestrator,
	pend *pending.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		repo:     repo,
		registry: reg,
		health:   healthTracker,
		streams:  streams,
		progress: progressMgr,
		notifier: notifier,
		commands: commands,
		sync:     sync,
		pending:  pend,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "message_router")),
	}
}

// HandleFrame routes one agent frame. A per-frame error never reaches the
// gateway loop: it is logged here and the next frame proceeds.
func (r *Router) HandleFrame(ctx context.Context, agentID string, frame *wire.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic handling frame",
				zap.String("agent_id", agentID),
				zap.String("frame_type", string(frame.Type)),
				zap.Any("panic", rec))
		}
	}()

	var err error
	switch frame.Type {
	case wire.FrameTaskAck:
		err = r.handleAck(ctx, agentID, frame)
	case wire.FrameTaskProgress:
		err = r.handleProgress(ctx, frame)
	case wire.FrameTaskStream:
		err = r.handleStream(ctx, frame)
	case wire.FrameTaskComplete:
		err = r.handleComplete(ctx, agentID, frame)
	case wire.FrameTaskError:
		err = r.handleError(ctx, agentID, frame)
	case wire.FrameTaskCancelled:
		err = r.handleCancelled(ctx, agentID, frame)
	case wire.FrameDeployResult:
		err = r.handleDeployResult(ctx, frame)
	case wire.FramePathValidateResult:
		err = r.handlePathValidateResult(ctx, frame)
	case wire.FrameAgentStatus:
		err = r.handleAgentStatus(ctx, agentID, frame)
	default:
		r.logger.Warn("Dropping unknown frame type",
			zap.String("agent_id", agentID),
			zap.String("frame_type", string(frame.Type)))
		return
	}
	if err != nil {
		r.logger.Error("Frame handling failed",
			zap.String("agent_id", agentID),
			zap.String("frame_type", string(frame.Type)),
			zap.Error(err))
	}
}

func (r *Router) handleAck(ctx context.Context, agentID string, frame *wire.Frame) error {
	var ack wire.TaskAck
	if err := frame.DecodePayload(&ack); err != nil {
		return err
	}
	task, err := r.repo.GetTask(ctx, ack.TaskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		// Late ack after a cancel; the agent will learn from the
		// broadcast it already received.
		return nil
	}

	if ack.Accepted {
		if err := r.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
			return err
		}
		r.registry.TrackTask(agentID, task.ID)
		r.publishTask(ctx, events.TaskRunning, task)
		return nil
	}

	reason := ack.Reason
	if reason == "" {
		reason = "agent rejected the task"
	}
	task.ErrorMessage = reason
	if err := r.repo.UpdateTask(ctx, task); err != nil {
		return err
	}
	if err := r.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed); err != nil {
		return err
	}
	r.swapTerminalReaction(ctx, task, command.ReactionFailed)
	if _, err := r.notifier.PostMessage(ctx, task.ChannelID, task.ThreadTS,
		fmt.Sprintf("❌ Task rejected by agent `%s`: %s", agentID, reason)); err != nil {
		r.logger.Warn("Failed to post rejection", zap.Error(err))
	}
	r.publishTask(ctx, events.TaskFailed, task)
	r.sync.OnTaskComplete(ctx, task.ID, false)
	return nil
}

func (r *Router) handleProgress(ctx context.Context, frame *wire.Frame) error {
	var prog wire.TaskProgress
	if err := frame.DecodePayload(&prog); err != nil {
		return err
	}
	if prog.Type != wire.ProgressToolUse {
		return nil
	}
	task, err := r.repo.GetTask(ctx, prog.TaskID)
	if err != nil {
		return err
	}
	r.progress.AddStep(ctx, task.ID, task.ChannelID, task.ThreadTS, prog.Message)
	return nil
}

func (r *Router) handleStream(ctx context.Context, frame *wire.Frame) error {
	var delta wire.TaskStream
	if err := frame.DecodePayload(&delta); err != nil {
		return err
	}
	task, err := r.repo.GetTask(ctx, delta.TaskID)
	if err != nil {
		return err
	}
	r.streams.AddDelta(task.ID, delta.Delta, task.ChannelID, task.ThreadTS)
	return nil
}

func (r *Router) handleComplete(ctx context.Context, agentID string, frame *wire.Frame) error {
	var result wire.TaskComplete
	if err := frame.DecodePayload(&result); err != nil {
		return err
	}
	task, err := r.repo.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		// At-least-once delivery: a redelivered terminal frame is a no-op.
		return nil
	}

	// Metrics and the session token are durable before any chat effect so
	// a resume is always possible.
	task.Result = result.Result
	if result.SessionID != "" {
		task.SessionID = result.SessionID
	}
	task.InputTokens = result.InputTokens
	task.OutputTokens = result.OutputTokens
	task.EstimatedCost = result.EstimatedCost
	task.FilesChanged = result.FilesChanged
	task.CommandsRun = result.CommandsRun
	if err := r.repo.UpdateTask(ctx, task); err != nil {
		return err
	}
	r.recordSession(ctx, agentID, task, &result)
	r.registry.UntrackTask(agentID, task.ID)

	// Decomposition planning parent: its own run finishing starts the
	// subtasks; the parent goes terminal when the last child does.
	if task.Command == command.CommandDecompose {
		r.health.RecordSuccess(agentID)
		r.cleanupStreams(task.ID)
		if err := r.commands.HandleDecompositionComplete(ctx, task, result.Result); err != nil {
			task.ErrorMessage = fmt.Sprintf("decomposition failed: %v", err)
			if updateErr := r.repo.UpdateTask(ctx, task); updateErr != nil {
				r.logger.Error("Failed to record decomposition error", zap.Error(updateErr))
			}
			return r.finishTask(ctx, agentID, task, models.TaskStatusFailed, false)
		}
		return nil
	}

	return r.finishTask(ctx, agentID, task, models.TaskStatusCompleted, true)
}

func (r *Router) handleError(ctx context.Context, agentID string, frame *wire.Frame) error {
	var taskErr wire.TaskError
	if err := frame.DecodePayload(&taskErr); err != nil {
		return err
	}
	task, err := r.repo.GetTask(ctx, taskErr.TaskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	task.ErrorMessage = taskErr.Error
	if taskErr.SessionID != "" {
		// Preserved so the session can be resumed after the failure.
		task.SessionID = taskErr.SessionID
	}
	if err := r.repo.UpdateTask(ctx, task); err != nil {
		return err
	}
	r.registry.UntrackTask(agentID, task.ID)
	return r.finishTask(ctx, agentID, task, models.TaskStatusFailed, false)
}

func (r *Router) handleCancelled(ctx context.Context, agentID string, frame *wire.Frame) error {
	var cancelled wire.TaskCancelled
	if err := frame.DecodePayload(&cancelled); err != nil {
		return err
	}
	task, err := r.repo.GetTask(ctx, cancelled.TaskID)
	if err != nil {
		return err
	}
	r.registry.UntrackTask(agentID, task.ID)
	r.cleanupStreams(task.ID)

	if task.Status.IsTerminal() {
		// Usually already cancelled by the command service broadcast.
		return nil
	}
	if err := r.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCancelled); err != nil {
		return err
	}
	task.Status = models.TaskStatusCancelled

	if !task.IsSubtask() {
		r.swapTerminalReaction(ctx, task, command.ReactionCancelled)
	}
	cb := blockkit.TaskCancelled(task, cancelled.Reason)
	if _, err := r.notifier.PostBlocks(ctx, task.ChannelID, task.ThreadTS, cb, blockkit.Fallback(cb)); err != nil {
		r.logger.Warn("Failed to post cancellation block", zap.Error(err))
	}
	r.audit(ctx, "task:cancelled", task)
	r.publishTask(ctx, events.TaskCancelled, task)
	r.sync.OnTaskComplete(ctx, task.ID, false)
	if task.IsSubtask() {
		r.checkSiblings(ctx, *task.ParentTaskID)
	}
	return nil
}

func (r *Router) handleDeployResult(ctx context.Context, frame *wire.Frame) error {
	var result wire.DeployResult
	if err := frame.DecodePayload(&result); err != nil {
		return err
	}
	r.pending.ResolveDeploy(ctx, &result)
	return nil
}

func (r *Router) handlePathValidateResult(ctx context.Context, frame *wire.Frame) error {
	var result wire.PathValidateResult
	if err := frame.DecodePayload(&result); err != nil {
		return err
	}
	r.pending.ResolvePathValidate(ctx, &result)
	return nil
}

func (r *Router) handleAgentStatus(ctx context.Context, agentID string, frame *wire.Frame) error {
	var status wire.AgentStatus
	if err := frame.DecodePayload(&status); err != nil {
		return err
	}
	switch status.Status {
	case wire.AgentBusy:
		r.registry.SetStatus(agentID, registry.StatusBusy)
	default:
		r.registry.SetStatus(agentID, registry.StatusOnline)
	}
	r.registry.ReplaceTasks(agentID, status.ActiveTaskIDs)

	if r.bus != nil {
		event := bus.NewEvent(events.AgentStatusEvent, "message_router", map[string]interface{}{
			"agent_id":     agentID,
			"status":       status.Status,
			"active_tasks": len(status.ActiveTaskIDs),
		})
		if err := r.bus.Publish(ctx, events.BuildAgentSubject(events.AgentStatusEvent, agentID), event); err != nil {
			r.logger.Warn("Failed to publish agent status event", zap.Error(err))
		}
	}
	return nil
}

// finishTask applies the terminal transition shared by completion and
// failure: status write, health record, chat block, sibling bookkeeping.
func (r *Router) finishTask(ctx context.Context, agentID string, task *models.Task, status models.TaskStatus, success bool) error {
	if err := r.repo.UpdateTaskStatus(ctx, task.ID, status); err != nil {
		return err
	}
	task.Status = status

	if success {
		r.health.RecordSuccess(agentID)
	} else {
		r.health.RecordFailure(agentID)
	}
	r.sync.OnTaskComplete(ctx, task.ID, success)

	// The stream buffer dies before the terminal block posts, so a late
	// flush can never overwrite it.
	r.cleanupStreams(task.ID)

	if success {
		b := blockkit.TaskCompleted(task)
		if _, err := r.notifier.PostBlocks(ctx, task.ChannelID, task.ThreadTS, b, blockkit.Fallback(b)); err != nil {
			r.logger.Warn("Failed to post terminal block", zap.Error(err))
		}
		if !task.IsSubtask() {
			r.swapTerminalReaction(ctx, task, command.ReactionCompleted)
		}
		r.audit(ctx, "task:completed", task)
		r.publishTask(ctx, events.TaskCompleted, task)
	} else {
		b := blockkit.TaskFailed(task)
		if _, err := r.notifier.PostBlocks(ctx, task.ChannelID, task.ThreadTS, b, blockkit.Fallback(b)); err != nil {
			r.logger.Warn("Failed to post failure block", zap.Error(err))
		}
		if !task.IsSubtask() {
			r.swapTerminalReaction(ctx, task, command.ReactionFailed)
		}
		r.audit(ctx, "task:failed", task)
		r.publishTask(ctx, events.TaskFailed, task)
	}

	if task.IsSubtask() {
		r.checkSiblings(ctx, *task.ParentTaskID)
	}
	return nil
}

// checkSiblings completes the parent once every subtask is terminal and
// posts the aggregate summary.
func (r *Router) checkSiblings(ctx context.Context, parentID string) {
	subtasks, err := r.repo.ListSubtasks(ctx, parentID)
	if err != nil {
		r.logger.Error("Failed to list subtasks",
			zap.String("parent_task_id", parentID),
			zap.Error(err))
		return
	}
	if len(subtasks) == 0 {
		return
	}
	for _, st := range subtasks {
		if !st.Status.IsTerminal() {
			return
		}
	}

	parent, err := r.repo.GetTask(ctx, parentID)
	if err != nil {
		r.logger.Error("Failed to load parent task", zap.Error(err))
		return
	}
	if parent.Status.IsTerminal() {
		return
	}

	// Aggregate counters roll up into the parent record.
	var cost float64
	var files []string
	for _, st := range subtasks {
		cost += st.EstimatedCost
		files = models.UnionOrdered(files, st.FilesChanged)
	}
	parent.EstimatedCost += cost
	parent.FilesChanged = models.UnionOrdered(parent.FilesChanged, files)
	if err := r.repo.UpdateTask(ctx, parent); err != nil {
		r.logger.Error("Failed to roll up parent counters", zap.Error(err))
		return
	}
	if err := r.repo.UpdateTaskStatus(ctx, parent.ID, models.TaskStatusCompleted); err != nil {
		r.logger.Error("Failed to complete parent task", zap.Error(err))
		return
	}
	parent.Status = models.TaskStatusCompleted

	sb := blockkit.ParentSummary(parent, subtasks)
	if _, err := r.notifier.PostBlocks(ctx, parent.ChannelID, parent.ThreadTS, sb, blockkit.Fallback(sb)); err != nil {
		r.logger.Warn("Failed to post subtask summary", zap.Error(err))
	}
	r.swapTerminalReaction(ctx, parent, command.ReactionCompleted)
	r.audit(ctx, "task:completed", parent)
	r.publishTask(ctx, events.TaskCompleted, parent)
}

func (r *Router) recordSession(ctx context.Context, agentID string, task *models.Task, result *wire.TaskComplete) {
	if result.SessionID == "" {
		return
	}
	session := &models.Session{
		ID:            result.SessionID,
		TaskID:        task.ID,
		AgentID:       agentID,
		InputTokens:   result.InputTokens,
		OutputTokens:  result.OutputTokens,
		EstimatedCost: result.EstimatedCost,
		DurationMs:    result.DurationMs,
		Status:        models.SessionStatusActive,
	}
	if err := r.repo.CreateSession(ctx, session); err != nil {
		// An existing row means a continuation reused the session id.
		existing, getErr := r.repo.GetSession(ctx, result.SessionID)
		if getErr != nil {
			r.logger.Warn("Failed to record session",
				zap.String("session_id", result.SessionID),
				zap.Error(err))
			return
		}
		existing.InputTokens = result.InputTokens
		existing.OutputTokens = result.OutputTokens
		existing.EstimatedCost = result.EstimatedCost
		if err := r.repo.UpdateSession(ctx, existing); err != nil {
			r.logger.Warn("Failed to update session", zap.Error(err))
		}
	}
}

func (r *Router) cleanupStreams(taskID string) {
	r.streams.Remove(taskID)
	r.progress.Remove(taskID)
}

// swapTerminalReaction replaces the lifecycle reaction on the triggering
// message with the terminal one.
func (r *Router) swapTerminalReaction(ctx context.Context, task *models.Task, emoji string) {
	if task.MessageTS == "" {
		return
	}
	for _, old := range []string{command.ReactionWorking, command.ReactionQueued} {
		_ = r.notifier.RemoveReaction(ctx, task.ChannelID, task.MessageTS, old)
	}
	if err := r.notifier.AddReaction(ctx, task.ChannelID, task.MessageTS, emoji); err != nil {
		r.logger.Debug("Failed to add terminal reaction",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (r *Router) audit(ctx context.Context, action string, task *models.Task) {
	entry := &models.AuditLogEntry{
		Action:       action,
		ResourceType: "task",
		ResourceID:   task.ID,
		UserID:       task.UserID,
		Metadata: map[string]interface{}{
			"project_id": task.ProjectID,
			"status":     string(task.Status),
			"cost":       task.EstimatedCost,
		},
	}
	if err := r.repo.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Error("Failed to append audit entry", zap.Error(err))
	}
}

func (r *Router) publishTask(ctx context.Context, subject string, task *models.Task) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "message_router", map[string]interface{}{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"status":     string(task.Status),
	})
	if err := r.bus.Publish(ctx, events.BuildTaskSubject(subject, task.ID), event); err != nil {
		r.logger.Warn("Failed to publish task event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
