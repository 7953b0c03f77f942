// Package command implements task submission, resubmission, cancellation,
// and the decomposition planning pre-pass. It is the only component that
// creates tasks; the message router owns their terminal transitions.
package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/broker/bots"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/offline"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/events"
	"github.com/botmaster/botmaster/internal/events/bus"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"

	blockkit "github.com/botmaster/botmaster/internal/broker/blocks"
)

// Reaction emoji mirrored onto the triggering chat message per lifecycle
// stage.
const (
	ReactionWorking   = "eyes"
	ReactionQueued    = "inbox_tray"
	ReactionCompleted = "white_check_mark"
	ReactionFailed    = "x"
	ReactionCancelled = "no_entry_sign"
)

// CommandDecompose marks the planning parent task of a decomposition.
const CommandDecompose = "decompose"

// SubmitRequest carries everything needed to create and dispatch a task.
type SubmitRequest struct {
	Project *models.Project
	BotName string
	Command string
	Prompt  string

	ChannelID string
	ThreadTS  string
	UserID    string
	// MessageTS is the triggering chat message; reactions land on it.
	MessageTS string

	ResumeSessionID string
	ParentTaskID    string
	Attachments     []wire.Attachment
	// MaxBudget overrides the project/bot default when positive.
	MaxBudget float64
}

// Service builds execution configs, persists tasks, and hands frames to
// the registry or the offline queue.
type Service struct {
	repo     repository.Repository
	registry *registry.Registry
	drainer  *offline.Drainer
	notifier *notify.Notifier
	bots     *bots.Registry
	bus      bus.EventBus
	cfg      config.DispatchConfig
	logger   *logger.Logger
}

// NewService wires the command service.
func NewService(
	repo repository.Repository,
	reg *registry.Registry,
	drainer *offline.Drainer,
	notifier *notify.Notifier,
	botReg *bots.Registry,
	eventBus bus.EventBus,
	cfg config.DispatchConfig,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:     repo,
		registry: reg,
		drainer:  drainer,
		notifier: notifier,
		bots:     botReg,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "command_service")),
	}
}

// Submit creates a task and dispatches it to the project's agent, queueing
// offline when the agent is unreachable. It returns the persisted task.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	bot, err := s.bots.Get(req.BotName)
	if err != nil {
		return nil, err
	}
	task := s.buildTask(req, bot)
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	s.audit(ctx, "task:submitted", "task", task.ID, req.UserID, map[string]interface{}{
		"bot":     req.BotName,
		"command": req.Command,
		"project": req.Project.ID,
	})
	s.publish(ctx, events.TaskSubmitted, task)

	frame, err := s.submitFrame(task, req, bot)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, task, req.Project, frame); err != nil {
		return nil, err
	}
	return task, nil
}

// SubmitWithDecomposition submits the request directly unless the bot
// judges the prompt complex enough to plan first. The planning parent runs
// with read-only tools and no continuation budget; the router hands its
// completion to HandleDecompositionComplete.
func (s *Service) SubmitWithDecomposition(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	bot, err := s.bots.Get(req.BotName)
	if err != nil {
		return nil, err
	}
	if !bot.ShouldDecompose(req.Prompt) {
		return s.Submit(ctx, req)
	}

	task := s.buildTask(req, bot)
	task.Command = CommandDecompose
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist planning task: %w", err)
	}
	s.audit(ctx, "task:decompose", "task", task.ID, req.UserID, map[string]interface{}{
		"bot":     req.BotName,
		"project": req.Project.ID,
	})
	s.publish(ctx, events.TaskSubmitted, task)

	payload := s.submitPayload(task, req, bot)
	payload.Command = CommandDecompose
	payload.Prompt = planningPrompt(req.Prompt)
	payload.AllowedTools = bot.PlanningToolSet()
	payload.MaxContinuations = 0
	if payload.MaxBudget > 1.0 {
		payload.MaxBudget = 1.0
	}
	frame, err := wire.NewFrame(wire.FrameTaskSubmit, payload)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, task, req.Project, frame); err != nil {
		return nil, err
	}
	return task, nil
}

// HandleDecompositionComplete parses the planning result and submits each
// subtask as a child of the parent. A result with no parseable subtask
// list falls back to exactly one direct child submission of the original
// prompt, so the request never silently disappears.
func (s *Service) HandleDecompositionComplete(ctx context.Context, parent *models.Task, result string) error {
	project, err := s.repo.GetProject(ctx, parent.ProjectID)
	if err != nil {
		return err
	}

	subtasks := ParseSubtasks(result)
	if len(subtasks) == 0 {
		s.logger.Warn("Planning result had no parseable subtasks, submitting directly",
			zap.String("parent_task_id", parent.ID))
		_, err := s.Submit(ctx, SubmitRequest{
			Project:      project,
			BotName:      parent.BotName,
			Command:      defaultChildCommand(parent),
			Prompt:       parent.Prompt,
			ChannelID:    parent.ChannelID,
			ThreadTS:     parent.ThreadTS,
			UserID:       parent.UserID,
			MessageTS:    parent.MessageTS,
			ParentTaskID: parent.ID,
			MaxBudget:    parent.MaxBudget,
		})
		return err
	}

	if _, err := s.notifier.PostMessage(ctx, parent.ChannelID, parent.ThreadTS,
		fmt.Sprintf("📋 Split into %d subtasks.", len(subtasks))); err != nil {
		s.logger.Warn("Failed to post decomposition notice", zap.Error(err))
	}
	for _, st := range subtasks {
		cmd := st.Command
		if cmd == "" {
			cmd = defaultChildCommand(parent)
		}
		if _, err := s.Submit(ctx, SubmitRequest{
			Project:      project,
			BotName:      parent.BotName,
			Command:      cmd,
			Prompt:       st.Prompt,
			ChannelID:    parent.ChannelID,
			ThreadTS:     parent.ThreadTS,
			UserID:       parent.UserID,
			MessageTS:    parent.MessageTS,
			ParentTaskID: parent.ID,
			MaxBudget:    parent.MaxBudget,
		}); err != nil {
			s.logger.Error("Failed to submit subtask",
				zap.String("parent_task_id", parent.ID),
				zap.String("title", st.Title),
				zap.Error(err))
		}
	}
	return nil
}

// Resubmit creates a follow-up task that resumes the prior task's session.
// Chat context and budget carry over from the original.
func (s *Service) Resubmit(ctx context.Context, task *models.Task, project *models.Project, prompt string) (*models.Task, error) {
	if prompt == "" {
		prompt = task.Prompt
	}
	return s.Submit(ctx, SubmitRequest{
		Project:         project,
		BotName:         task.BotName,
		Command:         task.Command,
		Prompt:          prompt,
		ChannelID:       task.ChannelID,
		ThreadTS:        task.ThreadTS,
		UserID:          task.UserID,
		MessageTS:       task.MessageTS,
		ResumeSessionID: task.SessionID,
		MaxBudget:       task.MaxBudget,
	})
}

// Cancel marks the task cancelled, tells every connected agent to abort
// it, and cascades to non-terminal subtasks. Only the agent holding the
// task acts on the broadcast; the rest ignore the unknown id.
func (s *Service) Cancel(ctx context.Context, taskID, reason, requestedBy string) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}

	if err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskStatusCancelled); err != nil {
		return err
	}
	s.audit(ctx, "task:cancelled", "task", taskID, requestedBy, map[string]interface{}{
		"reason": reason,
	})
	s.publish(ctx, events.TaskCancelled, task)
	s.broadcastCancel(taskID, reason)
	s.swapReaction(ctx, task, ReactionCancelled)

	subtasks, err := s.repo.ListSubtasks(ctx, taskID)
	if err != nil {
		return err
	}
	for _, st := range subtasks {
		if st.Status.IsTerminal() {
			continue
		}
		if err := s.Cancel(ctx, st.ID, "parent cancelled", requestedBy); err != nil {
			s.logger.Error("Failed to cascade cancellation",
				zap.String("parent_task_id", taskID),
				zap.String("task_id", st.ID),
				zap.Error(err))
		}
	}
	return nil
}

// dispatch hands the frame to the resolved agent, or to the offline queue
// when no live connection accepts it.
func (s *Service) dispatch(ctx context.Context, task *models.Task, project *models.Project, frame *wire.Frame) error {
	agentID, online := s.registry.Resolve(project.AgentID)
	if agentID == "" {
		// "auto" with no agent ever registered: nowhere to queue.
		s.swapReaction(ctx, task, ReactionFailed)
		return fmt.Errorf("no agent available for project %s", project.ID)
	}

	if online && s.registry.Send(agentID, frame) {
		s.logger.Info("Task dispatched",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID))
		s.swapReaction(ctx, task, ReactionWorking)
		return nil
	}

	if err := s.drainer.Enqueue(ctx, agentID, frame); err != nil {
		s.swapReaction(ctx, task, ReactionFailed)
		return fmt.Errorf("queue for offline agent: %w", err)
	}
	if err := s.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued); err != nil {
		return err
	}
	task.Status = models.TaskStatusQueued
	s.publish(ctx, events.TaskQueued, task)
	s.swapReaction(ctx, task, ReactionQueued)

	qb := blockkit.TaskQueued(task, agentID, s.cfg.QueueTTL())
	if _, err := s.notifier.PostBlocks(ctx, task.ChannelID, task.ThreadTS, qb, blockkit.Fallback(qb)); err != nil {
		s.logger.Warn("Failed to post queued notice",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	return nil
}

func (s *Service) buildTask(req SubmitRequest, bot *bots.Bot) *models.Task {
	budget := req.MaxBudget
	if budget <= 0 {
		budget = req.Project.DefaultMaxBudget
	}
	if budget <= 0 {
		budget = bot.MaxBudget
	}
	task := &models.Task{
		ProjectID: req.Project.ID,
		BotName:   req.BotName,
		Command:   req.Command,
		Prompt:    req.Prompt,
		Status:    models.TaskStatusPending,
		ChannelID: req.ChannelID,
		ThreadTS:  req.ThreadTS,
		UserID:    req.UserID,
		MessageTS: req.MessageTS,
		MaxBudget: budget,
	}
	if req.ParentTaskID != "" {
		parentID := req.ParentTaskID
		task.ParentTaskID = &parentID
	}
	return task
}

func (s *Service) submitPayload(task *models.Task, req SubmitRequest, bot *bots.Bot) *wire.TaskSubmit {
	model := req.Project.DefaultModel
	if model == "" {
		model = bot.Model
	}
	return &wire.TaskSubmit{
		TaskID:           task.ID,
		ProjectID:        req.Project.ID,
		BotName:          bot.Name,
		Command:          req.Command,
		Prompt:           req.Prompt,
		SystemPrompt:     bot.SystemPrompt,
		LocalPath:        req.Project.LocalPath,
		Model:            model,
		MaxBudget:        task.MaxBudget,
		AllowedTools:     bot.AllowedTools,
		MaxContinuations: bot.MaxContinuations,
		ResumeSessionID:  req.ResumeSessionID,
		ParentTaskID:     req.ParentTaskID,
		Attachments:      req.Attachments,
		SlackContext: wire.SlackContext{
			ChannelID: req.ChannelID,
			ThreadTS:  req.ThreadTS,
			UserID:    req.UserID,
		},
	}
}

func (s *Service) submitFrame(task *models.Task, req SubmitRequest, bot *bots.Bot) (*wire.Frame, error) {
	return wire.NewFrame(wire.FrameTaskSubmit, s.submitPayload(task, req, bot))
}

func (s *Service) broadcastCancel(taskID, reason string) {
	frame, err := wire.NewFrame(wire.FrameTaskCancel, &wire.TaskCancel{TaskID: taskID, Reason: reason})
	if err != nil {
		s.logger.Error("Failed to build cancel frame", zap.Error(err))
		return
	}
	for _, agent := range s.registry.List() {
		if agent.Status == registry.StatusOffline {
			continue
		}
		s.registry.Send(agent.ID, frame)
	}
}

// swapReaction replaces the lifecycle reaction on the triggering message.
// Reaction churn is cosmetic; failures are logged and dropped.
func (s *Service) swapReaction(ctx context.Context, task *models.Task, emoji string) {
	if task.MessageTS == "" {
		return
	}
	for _, old := range []string{ReactionWorking, ReactionQueued} {
		if old != emoji {
			_ = s.notifier.RemoveReaction(ctx, task.ChannelID, task.MessageTS, old)
		}
	}
	if err := s.notifier.AddReaction(ctx, task.ChannelID, task.MessageTS, emoji); err != nil {
		s.logger.Debug("Failed to add reaction",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, action, resourceType, resourceID, userID string, metadata map[string]interface{}) {
	entry := &models.AuditLogEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Metadata:     metadata,
	}
	if err := s.repo.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("Failed to append audit entry",
			zap.String("action", action),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, subject string, task *models.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "command_service", map[string]interface{}{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"status":     string(task.Status),
	})
	if err := s.bus.Publish(ctx, events.BuildTaskSubject(subject, task.ID), event); err != nil {
		s.logger.Warn("Failed to publish task event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func defaultChildCommand(parent *models.Task) string {
	if parent.Command == "" || parent.Command == CommandDecompose {
		return "build"
	}
	return parent.Command
}

// planningPrompt wraps the user's request in the decomposition instruction.
func planningPrompt(original string) string {
	return fmt.Sprintf(`Analyze the following request and split it into independently executable subtasks.

Request:
%s

Respond with a fenced code block tagged json:subtasks containing a JSON array of objects with keys "title", "prompt", and optionally "command". Each prompt must be self-contained: a different engineer will execute it without seeing the others. Use 2-5 subtasks. Do not modify any files.`, original)
}
