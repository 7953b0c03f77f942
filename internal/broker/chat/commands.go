package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/broker/bots"
	"github.com/botmaster/botmaster/internal/broker/command"
	"github.com/botmaster/botmaster/internal/broker/health"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/pending"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/broker/syncflow"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"

	blockkit "github.com/botmaster/botmaster/internal/broker/blocks"
)

// defaultBotName handles submissions that do not name a bot.
const defaultBotName = "coder"

// CommandRequest is one slash command or bound-channel message.
type CommandRequest struct {
	ChannelID string
	UserID    string // chat user id
	UserName  string
	Text      string
	TriggerID string
}

// Response is what the listener sends back: ephemeral text, channel blocks,
// or a modal to open.
type Response struct {
	Text   string
	Blocks []slack.Block
	Modal  *slack.ModalViewRequest
}

func ephemeral(format string, args ...interface{}) Response {
	return Response{Text: fmt.Sprintf(format, args...)}
}

// Handler executes slash subcommands against the broker services.
type Handler struct {
	repo     repository.Repository
	commands *command.Service
	sync     *syncflow.Orchestrator
	registry *registry.Registry
	health   *health.Tracker
	pending  *pending.Registry
	notifier *notify.Notifier
	bots     *bots.Registry
	limiter  *UserLimiter
	logger   *logger.Logger
}

// NewHandler wires the command handler.
func NewHandler(
	repo repository.Repository,
	commands *command.Service,
	sync *syncflow.Orchestrator,
	reg *registry.Registry,
	healthTracker *health.Tracker,
	pend *pending.Registry,
	notifier *notify.Notifier,
	botReg *bots.Registry,
	limiter *UserLimiter,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		repo:     repo,
		commands: commands,
		sync:     sync,
		registry: reg,
		health:   healthTracker,
		pending:  pend,
		notifier: notifier,
		bots:     botReg,
		limiter:  limiter,
		logger:   log.WithFields(zap.String("component", "chat_handler")),
	}
}

// Execute authenticates, rate-limits, and dispatches one slash command.
func (h *Handler) Execute(ctx context.Context, req CommandRequest) Response {
	user, err := h.ensureUser(ctx, req.UserID, req.UserName)
	if err != nil {
		h.logger.Error("Failed to upsert user", zap.Error(err))
		return ephemeral("❌ Internal error, try again.")
	}
	if !h.limiter.Allow(user) {
		return ephemeral("🐢 Rate limit reached, slow down a little.")
	}

	sub, rest := splitFirst(req.Text)
	switch sub {
	case "build":
		return h.build(ctx, user, req, rest)
	case "test":
		return h.test(ctx, user, req)
	case "deploy":
		return h.deploy(ctx, user, req)
	case "sync":
		return h.syncProject(ctx, user, req)
	case "agents":
		return h.agents()
	case "queue":
		return h.queue(ctx, req, rest)
	case "cancel":
		return h.cancel(ctx, user, rest)
	case "config":
		return h.config(ctx, req)
	case "logs":
		return h.logs(ctx, req)
	case "restart":
		return h.restart(ctx, user, req, rest)
	case "schedule":
		return h.schedule(ctx, user, req, rest)
	case "help", "":
		return h.help()
	default:
		return ephemeral("Unknown subcommand `%s`.\n%s", sub, h.help().Text)
	}
}

// SubmitMessage handles a plain message in a bound channel: it goes to the
// project's default bot as a build task.
func (h *Handler) SubmitMessage(ctx context.Context, channelID, chatUserID, userName, text, messageTS, threadTS string) {
	user, err := h.ensureUser(ctx, chatUserID, userName)
	if err != nil {
		h.logger.Error("Failed to upsert user", zap.Error(err))
		return
	}
	if !h.limiter.Allow(user) {
		_ = h.notifier.PostEphemeral(ctx, channelID, chatUserID, "🐢 Rate limit reached, slow down a little.")
		return
	}
	project, err := h.repo.GetProjectByChannel(ctx, channelID)
	if err != nil {
		// Unbound channel; nothing to do.
		return
	}
	if threadTS == "" {
		threadTS = messageTS
	}
	if _, err := h.commands.SubmitWithDecomposition(ctx, command.SubmitRequest{
		Project:   project,
		BotName:   defaultBotName,
		Command:   "build",
		Prompt:    text,
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    chatUserID,
		MessageTS: messageTS,
	}); err != nil {
		h.logger.Error("Message submission failed",
			zap.String("channel_id", channelID),
			zap.Error(err))
		_, _ = h.notifier.PostMessage(ctx, channelID, threadTS, fmt.Sprintf("❌ %v", err))
	}
}

func (h *Handler) build(ctx context.Context, user *models.User, req CommandRequest, rest string) Response {
	if strings.TrimSpace(rest) == "" {
		return ephemeral("Usage: `build [bot] <prompt>`")
	}
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		return ephemeral("❌ No project bound to this channel. Run `config` first.")
	}

	botName := defaultBotName
	first, remainder := splitFirst(rest)
	if _, err := h.bots.Get(first); err == nil && strings.TrimSpace(remainder) != "" {
		botName, rest = first, remainder
	}

	// The confirmation message anchors the task thread: streams, progress,
	// and the terminal block all land under it.
	ts, err := h.notifier.PostMessage(ctx, req.ChannelID, "",
		fmt.Sprintf("🤖 `%s` working on it…", botName))
	if err != nil {
		h.logger.Warn("Failed to post submission anchor", zap.Error(err))
	}

	task, err := h.commands.SubmitWithDecomposition(ctx, command.SubmitRequest{
		Project:   project,
		BotName:   botName,
		Command:   "build",
		Prompt:    rest,
		ChannelID: req.ChannelID,
		ThreadTS:  ts,
		UserID:    user.ChatUserID,
		MessageTS: ts,
	})
	if err != nil {
		return ephemeral("❌ %v", err)
	}
	return ephemeral("Submitted task `%s`.", task.ID)
}

func (h *Handler) test(ctx context.Context, user *models.User, req CommandRequest) Response {
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		return ephemeral("❌ No project bound to this channel. Run `config` first.")
	}
	ts, err := h.notifier.PostMessage(ctx, req.ChannelID, "", "🧪 Running the test suite…")
	if err != nil {
		h.logger.Warn("Failed to post submission anchor", zap.Error(err))
	}
	task, err := h.commands.Submit(ctx, command.SubmitRequest{
		Project:   project,
		BotName:   "ops",
		Command:   "test",
		Prompt:    "Run the project's full test suite. Report every failure with file and line.",
		ChannelID: req.ChannelID,
		ThreadTS:  ts,
		UserID:    user.ChatUserID,
		MessageTS: ts,
	})
	if err != nil {
		return ephemeral("❌ %v", err)
	}
	return ephemeral("Submitted test task `%s`.", task.ID)
}

func (h *Handler) deploy(ctx context.Context, user *models.User, req CommandRequest) Response {
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		return ephemeral("❌ No project bound to this channel. Run `config` first.")
	}
	agentID, online := h.registry.Resolve(project.AgentID)
	if agentID == "" || !online {
		return ephemeral("❌ Agent `%s` is offline; deploy needs a live connection.", project.AgentID)
	}

	requestID := "deploy-" + uuid.New().String()
	channelID := req.ChannelID
	h.pending.RegisterDeploy(requestID, func(ctx context.Context, result *wire.DeployResult) {
		b := blockkit.DeployResult(result.Success, result.Output, result.BuildLogsURL)
		if _, err := h.notifier.PostBlocks(ctx, channelID, "", b, blockkit.Fallback(b)); err != nil {
			h.logger.Warn("Failed to post deploy result", zap.Error(err))
		}
	})
	frame := wire.MustFrame(wire.FrameDeployRequest, &wire.DeployRequest{
		RequestID:   requestID,
		LocalPath:   project.LocalPath,
		ChannelID:   channelID,
		RequestedBy: user.ChatUserID,
	})
	if !h.registry.Send(agentID, frame) {
		return ephemeral("❌ Agent `%s` dropped the deploy request, try again.", agentID)
	}
	h.audit(ctx, "deploy:requested", "project", project.ID, user.ChatUserID, nil)
	return ephemeral("🚀 Deploy requested on `%s`; results land in this channel.", agentID)
}

func (h *Handler) syncProject(ctx context.Context, user *models.User, req CommandRequest) Response {
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		return ephemeral("❌ No project bound to this channel. Run `config` first.")
	}
	wf, err := h.sync.Start(ctx, project, req.ChannelID, "", user.ChatUserID)
	if err != nil {
		return ephemeral("❌ %v", err)
	}
	return ephemeral("🔄 Sync `%s` started: test and build run in parallel, then restart and deploy.", wf.ID)
}

func (h *Handler) agents() Response {
	agents := h.registry.List()
	states := make(map[string]health.State, len(agents))
	for _, a := range agents {
		states[a.ID] = h.health.State(a.ID)
	}
	b := blockkit.AgentList(agents, states)
	return Response{Blocks: b, Text: blockkit.Fallback(b)}
}

func (h *Handler) queue(ctx context.Context, req CommandRequest, rest string) Response {
	agentID := strings.TrimSpace(rest)
	if agentID == "" {
		project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
		if err != nil {
			return ephemeral("Usage: `queue <agentId>` (no project bound to this channel)")
		}
		agentID = project.AgentID
	}
	if agentID == models.AgentAuto {
		return ephemeral("The project uses `auto` routing; name an agent: `queue <agentId>`.")
	}
	entries, err := h.repo.ListPendingOfflineMessages(ctx, agentID)
	if err != nil {
		return ephemeral("❌ %v", err)
	}
	b := blockkit.QueueSummary(agentID, entries)
	return Response{Blocks: b, Text: blockkit.Fallback(b)}
}

func (h *Handler) cancel(ctx context.Context, user *models.User, rest string) Response {
	taskID := strings.TrimSpace(rest)
	if taskID == "" {
		return ephemeral("Usage: `cancel <taskId>`")
	}
	task, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		return ephemeral("❌ %v", err)
	}
	if user.Role != models.RoleAdmin && task.UserID != user.ChatUserID {
		return ephemeral("❌ Only admins can cancel other people's tasks.")
	}
	if err := h.commands.Cancel(ctx, taskID, "cancelled via chat", user.ChatUserID); err != nil {
		return ephemeral("❌ %v", err)
	}
	return ephemeral("🚫 Task `%s` cancelled.", taskID)
}

func (h *Handler) config(ctx context.Context, req CommandRequest) Response {
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		project = &models.Project{ChannelID: req.ChannelID, AgentID: models.AgentAuto}
	}
	modal := projectConfigModal(project)
	return Response{Modal: &modal}
}

func (h *Handler) logs(ctx context.Context, req CommandRequest) Response {
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		return ephemeral("❌ No project bound to this channel.")
	}
	entries, err := h.repo.SearchAuditLog(ctx, project.ID, 20)
	if err != nil {
		return ephemeral("❌ %v", err)
	}
	b := blockkit.AuditTrail(entries)
	return Response{Blocks: b, Text: blockkit.Fallback(b)}
}

func (h *Handler) restart(ctx context.Context, user *models.User, req CommandRequest, rest string) Response {
	if user.Role != models.RoleAdmin {
		return ephemeral("❌ `restart` is admin-only.")
	}
	agentID := strings.TrimSpace(rest)
	if agentID == "" {
		project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
		if err != nil {
			return ephemeral("Usage: `restart <agentId>`")
		}
		agentID, _ = h.registry.Resolve(project.AgentID)
	}
	if !h.registry.IsOnline(agentID) {
		return ephemeral("❌ Agent `%s` is not online.", agentID)
	}
	frame := wire.MustFrame(wire.FrameSystemRestart, &wire.SystemRestart{Reason: "requested via chat"})
	if !h.registry.Send(agentID, frame) {
		return ephemeral("❌ Agent `%s` dropped the restart request.", agentID)
	}
	h.audit(ctx, "agent:restart", "agent", agentID, user.ChatUserID, nil)
	return ephemeral("♻️ Restart sent to `%s`.", agentID)
}

func (h *Handler) schedule(ctx context.Context, user *models.User, req CommandRequest, rest string) Response {
	if user.Role != models.RoleAdmin {
		return ephemeral("❌ `schedule` is admin-only.")
	}
	project, err := h.repo.GetProjectByChannel(ctx, req.ChannelID)
	if err != nil {
		return ephemeral("❌ No project bound to this channel. Run `config` first.")
	}

	sub, args := splitFirst(rest)
	switch sub {
	case "list":
		schedules, err := h.repo.ListSchedules(ctx, project.ID)
		if err != nil {
			return ephemeral("❌ %v", err)
		}
		b := blockkit.ScheduleList(schedules)
		return Response{Blocks: b, Text: blockkit.Fallback(b)}

	case "rm":
		id := strings.TrimSpace(args)
		if id == "" {
			return ephemeral("Usage: `schedule rm <id>`")
		}
		if err := h.repo.DeleteSchedule(ctx, id); err != nil {
			return ephemeral("❌ %v", err)
		}
		h.audit(ctx, "schedule:deleted", "schedule", id, user.ChatUserID, nil)
		return ephemeral("🗑 Schedule `%s` removed.", id)

	default:
		cron, remainder, ok := splitQuoted(rest)
		if !ok {
			return ephemeral("Usage: `schedule \"<cron>\" <command> <prompt>` | `schedule list` | `schedule rm <id>`")
		}
		if !gronx.New().IsValid(cron) {
			return ephemeral("❌ `%s` is not a valid cron expression.", cron)
		}
		cmd, prompt := splitFirst(remainder)
		if cmd == "" || strings.TrimSpace(prompt) == "" {
			return ephemeral("Usage: `schedule \"<cron>\" <command> <prompt>`")
		}
		schedule := &models.Schedule{
			ProjectID: project.ID,
			BotName:   defaultBotName,
			Command:   cmd,
			Prompt:    prompt,
			CronExpr:  cron,
			Enabled:   true,
			CreatedBy: user.ChatUserID,
		}
		if err := h.repo.CreateSchedule(ctx, schedule); err != nil {
			return ephemeral("❌ %v", err)
		}
		h.audit(ctx, "schedule:created", "schedule", schedule.ID, user.ChatUserID, map[string]interface{}{
			"cron":    cron,
			"command": cmd,
		})
		return ephemeral("⏰ Schedule `%s` created: `%s` → %s.", schedule.ID, cron, cmd)
	}
}

func (h *Handler) help() Response {
	names := make([]string, 0, 4)
	for _, b := range h.bots.List() {
		names = append(names, b.Name)
	}
	return ephemeral("Subcommands: build [bot] <prompt> · test · deploy · sync · agents · queue [agentId] · cancel <taskId> · config · logs · restart [agentId] · schedule …\nBots: %s",
		strings.Join(names, ", "))
}

// ensureUser upserts the chat user. The very first user to talk to the
// broker becomes the admin; everyone after that starts as a member.
func (h *Handler) ensureUser(ctx context.Context, chatUserID, name string) (*models.User, error) {
	if existing, err := h.repo.GetUserByChatID(ctx, chatUserID); err == nil {
		if name != "" && existing.Name != name {
			existing.Name = name
			if err := h.repo.UpdateUser(ctx, existing); err != nil {
				h.logger.Warn("Failed to refresh user name", zap.Error(err))
			}
		}
		return existing, nil
	}

	role := models.RoleMember
	if all, err := h.repo.ListUsers(ctx); err == nil && len(all) == 0 {
		role = models.RoleAdmin
	}
	user := &models.User{
		ChatUserID: chatUserID,
		Name:       name,
		Role:       role,
	}
	if err := h.repo.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (h *Handler) audit(ctx context.Context, action, resourceType, resourceID, userID string, metadata map[string]interface{}) {
	entry := &models.AuditLogEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Metadata:     metadata,
	}
	if err := h.repo.AppendAuditLog(ctx, entry); err != nil {
		h.logger.Error("Failed to append audit entry", zap.Error(err))
	}
}

// splitFirst cuts the first whitespace-delimited token off the text.
func splitFirst(text string) (first, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	if idx := strings.IndexAny(text, " \t"); idx >= 0 {
		return text[:idx], strings.TrimSpace(text[idx:])
	}
	return text, ""
}

// splitQuoted extracts a leading double-quoted segment.
func splitQuoted(text string) (quoted, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, `"`) {
		return "", "", false
	}
	end := strings.Index(text[1:], `"`)
	if end < 0 {
		return "", "", false
	}
	return text[1 : end+1], strings.TrimSpace(text[end+2:]), true
}
