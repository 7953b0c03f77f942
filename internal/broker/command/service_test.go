package command

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmaster/botmaster/internal/broker/bots"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/offline"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/events/bus"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"
)

// nullChat accepts every chat call and records reactions.
type nullChat struct {
	mu        sync.Mutex
	reactions []string
	messages  []string
}

func (c *nullChat) PostMessage(_ context.Context, _, _, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return "ts-1", nil
}

func (c *nullChat) PostBlocks(_ context.Context, _, _ string, _ []slack.Block, fallback string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, fallback)
	return "ts-2", nil
}

func (c *nullChat) UpdateMessage(context.Context, string, string, string) error { return nil }

func (c *nullChat) AddReaction(_ context.Context, _, _, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, emoji)
	return nil
}

func (c *nullChat) RemoveReaction(context.Context, string, string, string) error { return nil }
func (c *nullChat) PostEphemeral(context.Context, string, string, string) error  { return nil }
func (c *nullChat) UploadFile(context.Context, string, string, string, []byte) error {
	return nil
}

func (c *nullChat) lastReaction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reactions) == 0 {
		return ""
	}
	return c.reactions[len(c.reactions)-1]
}

// recordConn captures frames enqueued for one agent.
type recordConn struct {
	mu     sync.Mutex
	frames []*wire.Frame
}

func (c *recordConn) Enqueue(data []byte) bool {
	frame, err := wire.Parse(data)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *recordConn) Close() {}

func (c *recordConn) byType(t wire.FrameType) []*wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	repo *repository.MemoryRepository
	reg  *registry.Registry
	chat *nullChat
	svc  *Service
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	reg := registry.New(nil)
	chat := &nullChat{}
	notifier := notify.New(chat, config.NotifyConfig{MaxAttempts: 1}, nil)
	cfg := config.DispatchConfig{QueueTTLHours: 24, QueueRetentionDays: 7, DrainIntervalSeconds: 30}
	drainer := offline.NewDrainer(repo, reg.Send, cfg, nil)
	botReg, err := bots.NewRegistry("", nil)
	require.NoError(t, err)
	svc := NewService(repo, reg, drainer, notifier, botReg, bus.NewMemoryEventBus(nil), cfg, nil)
	return &fixture{repo: repo, reg: reg, chat: chat, svc: svc}
}

func testProject(agentID string) *models.Project {
	return &models.Project{
		ID:        "proj-1",
		Name:      "demo",
		ChannelID: "C123",
		AgentID:   agentID,
		LocalPath: "/srv/projects/demo",
	}
}

func submitReq(project *models.Project, prompt string) SubmitRequest {
	return SubmitRequest{
		Project:   project,
		BotName:   "coder",
		Command:   "build",
		Prompt:    prompt,
		ChannelID: project.ChannelID,
		UserID:    "U1",
		MessageTS: "1724680000.000100",
	}
}

func TestSubmitOnlineAgent(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)

	task, err := f.svc.Submit(context.Background(), submitReq(testProject("a1"), "fix the login bug"))
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusPending, task.Status)
	frames := conn.byType(wire.FrameTaskSubmit)
	require.Len(t, frames, 1)

	var payload wire.TaskSubmit
	require.NoError(t, frames[0].DecodePayload(&payload))
	assert.Equal(t, task.ID, payload.TaskID)
	assert.Equal(t, "fix the login bug", payload.Prompt)
	assert.Equal(t, "/srv/projects/demo", payload.LocalPath)
	assert.NotEmpty(t, payload.AllowedTools)
	assert.Equal(t, "C123", payload.SlackContext.ChannelID)
	assert.Equal(t, ReactionWorking, f.chat.lastReaction())
}

func TestSubmitOfflineAgentQueues(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, submitReq(testProject("a1"), "fix the login bug"))
	require.NoError(t, err)

	stored, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, stored.Status)

	pending, err := f.repo.ListPendingOfflineMessages(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, string(wire.FrameTaskSubmit), pending[0].MessageType)
	assert.Equal(t, ReactionQueued, f.chat.lastReaction())
}

func TestSubmitUnknownBot(t *testing.T) {
	f := setupService(t)
	req := submitReq(testProject("a1"), "anything")
	req.BotName = "no-such-bot"
	_, err := f.svc.Submit(context.Background(), req)
	assert.Error(t, err)
}

func TestSubmitAutoNoAgents(t *testing.T) {
	f := setupService(t)
	_, err := f.svc.Submit(context.Background(), submitReq(testProject(models.AgentAuto), "anything"))
	assert.Error(t, err, "auto with no registered agents has nowhere to queue")
}

func TestSubmitWithDecompositionShortPromptGoesDirect(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)

	task, err := f.svc.SubmitWithDecomposition(context.Background(), submitReq(testProject("a1"), "short prompt"))
	require.NoError(t, err)
	assert.Equal(t, "build", task.Command)
}

func TestSubmitWithDecompositionCreatesPlanningParent(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)

	long := "feature: " + strings.Repeat("add a reporting dashboard with filters ", 8)
	task, err := f.svc.SubmitWithDecomposition(context.Background(), submitReq(testProject("a1"), long))
	require.NoError(t, err)

	assert.Equal(t, CommandDecompose, task.Command)
	assert.Equal(t, long, task.Prompt, "the parent keeps the original prompt for the fallback path")

	frames := conn.byType(wire.FrameTaskSubmit)
	require.Len(t, frames, 1)
	var payload wire.TaskSubmit
	require.NoError(t, frames[0].DecodePayload(&payload))
	assert.Equal(t, CommandDecompose, payload.Command)
	assert.Zero(t, payload.MaxContinuations)
	assert.LessOrEqual(t, payload.MaxBudget, 1.0)
	assert.Contains(t, payload.Prompt, "json:subtasks")
	for _, tool := range payload.AllowedTools {
		assert.NotContains(t, []string{"Write", "Edit", "Bash"}, tool, "planning must be read-only")
	}
}

func TestHandleDecompositionCompleteCreatesSubtasks(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)
	ctx := context.Background()

	project := testProject("a1")
	require.NoError(t, f.repo.CreateProject(ctx, project))

	long := strings.Repeat("build the whole reporting feature ", 10)
	parent, err := f.svc.SubmitWithDecomposition(ctx, submitReq(project, long))
	require.NoError(t, err)

	result := "```json:subtasks\n" +
		`[{"title":"API","prompt":"Add the endpoint"},` +
		`{"title":"UI","prompt":"Build the page"},` +
		`{"title":"Tests","prompt":"Cover both","command":"test"}]` + "\n```"
	require.NoError(t, f.svc.HandleDecompositionComplete(ctx, parent, result))

	subtasks, err := f.repo.ListSubtasks(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 3)
	for _, st := range subtasks {
		require.NotNil(t, st.ParentTaskID)
		assert.Equal(t, parent.ID, *st.ParentTaskID)
	}
	assert.Equal(t, "test", subtasks[2].Command)
	assert.Equal(t, "build", subtasks[0].Command, "missing command defaults to build")
}

func TestHandleDecompositionCompleteFallback(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)
	ctx := context.Background()

	project := testProject("a1")
	require.NoError(t, f.repo.CreateProject(ctx, project))

	long := strings.Repeat("build the whole reporting feature ", 10)
	parent, err := f.svc.SubmitWithDecomposition(ctx, submitReq(project, long))
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleDecompositionComplete(ctx, parent, "I could not break this down."))

	subtasks, err := f.repo.ListSubtasks(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1, "fallback submits exactly one direct child")
	assert.Equal(t, parent.Prompt, subtasks[0].Prompt)
}

func TestResubmitCarriesSession(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)
	ctx := context.Background()

	project := testProject("a1")
	original, err := f.svc.Submit(ctx, submitReq(project, "first attempt"))
	require.NoError(t, err)
	original.SessionID = "sess-42"
	original.MaxBudget = 3.5
	require.NoError(t, f.repo.UpdateTask(ctx, original))

	followUp, err := f.svc.Resubmit(ctx, original, project, "keep going")
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, followUp.ID)
	assert.Equal(t, 3.5, followUp.MaxBudget)

	frames := conn.byType(wire.FrameTaskSubmit)
	require.Len(t, frames, 2)
	var payload wire.TaskSubmit
	require.NoError(t, frames[1].DecodePayload(&payload))
	assert.Equal(t, "sess-42", payload.ResumeSessionID)
	assert.Equal(t, "keep going", payload.Prompt)
}

func TestCancelCascades(t *testing.T) {
	f := setupService(t)
	conn := &recordConn{}
	f.reg.Register("a1", conn)
	ctx := context.Background()

	project := testProject("a1")
	require.NoError(t, f.repo.CreateProject(ctx, project))

	parent, err := f.svc.Submit(ctx, submitReq(project, "parent work"))
	require.NoError(t, err)
	childReq := submitReq(project, "child work")
	childReq.ParentTaskID = parent.ID
	c1, err := f.svc.Submit(ctx, childReq)
	require.NoError(t, err)
	c2, err := f.svc.Submit(ctx, childReq)
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateTaskStatus(ctx, c2.ID, models.TaskStatusRunning))

	require.NoError(t, f.svc.Cancel(ctx, parent.ID, "user requested", "U1"))

	for _, id := range []string{parent.ID, c1.ID, c2.ID} {
		task, err := f.repo.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCancelled, task.Status, "task %s", id)
	}

	cancels := conn.byType(wire.FrameTaskCancel)
	assert.Len(t, cancels, 3, "one broadcast per cancelled task")
}

func TestCancelTerminalTaskFails(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, submitReq(testProject("a1"), "work"))
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning))
	require.NoError(t, f.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCompleted))

	assert.Error(t, f.svc.Cancel(ctx, task.ID, "too late", "U1"))
}
