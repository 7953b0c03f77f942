package syncflow

import (
	"context"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmaster/botmaster/internal/broker/bots"
	"github.com/botmaster/botmaster/internal/broker/command"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/offline"
	"github.com/botmaster/botmaster/internal/broker/pending"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/events"
	"github.com/botmaster/botmaster/internal/events/bus"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"
)

type quietChat struct{ mu sync.Mutex }

func (c *quietChat) PostMessage(context.Context, string, string, string) (string, error) {
	return "ts", nil
}
func (c *quietChat) PostBlocks(context.Context, string, string, []slack.Block, string) (string, error) {
	return "ts", nil
}
func (c *quietChat) UpdateMessage(context.Context, string, string, string) error      { return nil }
func (c *quietChat) AddReaction(context.Context, string, string, string) error        { return nil }
func (c *quietChat) RemoveReaction(context.Context, string, string, string) error     { return nil }
func (c *quietChat) PostEphemeral(context.Context, string, string, string) error      { return nil }
func (c *quietChat) UploadFile(context.Context, string, string, string, []byte) error { return nil }

type frameConn struct {
	mu     sync.Mutex
	frames []*wire.Frame
}

func (c *frameConn) Enqueue(data []byte) bool {
	frame, err := wire.Parse(data)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *frameConn) Close() {}

func (c *frameConn) countType(t wire.FrameType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}

type syncFixture struct {
	repo *repository.MemoryRepository
	reg  *registry.Registry
	conn *frameConn
	bus  bus.EventBus
	orch *Orchestrator
}

func setupSync(t *testing.T) *syncFixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	reg := registry.New(nil)
	conn := &frameConn{}
	reg.Register("a1", conn)

	notifier := notify.New(&quietChat{}, config.NotifyConfig{MaxAttempts: 1}, nil)
	dispatchCfg := config.DispatchConfig{QueueTTLHours: 24, DrainIntervalSeconds: 30}
	drainer := offline.NewDrainer(repo, reg.Send, dispatchCfg, nil)
	botReg, err := bots.NewRegistry("", nil)
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(nil)
	commands := command.NewService(repo, reg, drainer, notifier, botReg, memBus, dispatchCfg, nil)

	orch, err := NewOrchestrator(repo, commands, reg, pending.NewRegistry(nil), notifier, memBus,
		config.SyncConfig{RestartTimeoutSeconds: 120, DeployTimeoutSeconds: 300, RetentionMinutes: 60}, nil)
	require.NoError(t, err)

	return &syncFixture{repo: repo, reg: reg, conn: conn, bus: memBus, orch: orch}
}

func (f *syncFixture) startWorkflow(t *testing.T) *Workflow {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{ID: "proj-1", Name: "demo", ChannelID: "C1", AgentID: "a1", LocalPath: "/srv/demo"}
	require.NoError(t, f.repo.CreateProject(ctx, project))
	wf, err := f.orch.Start(ctx, project, "C1", "", "U1")
	require.NoError(t, err)
	return wf
}

func (f *syncFixture) presence(t *testing.T, subject, agentID string) {
	t.Helper()
	event := bus.NewEvent(subject, "test", map[string]interface{}{"agent_id": agentID})
	require.NoError(t, f.bus.Publish(context.Background(), events.BuildAgentSubject(subject, agentID), event))
}

func TestStartSubmitsTestAndBuild(t *testing.T) {
	f := setupSync(t)
	wf := f.startWorkflow(t)

	assert.Equal(t, StatusTesting, wf.Status)
	assert.NotEmpty(t, wf.TestTaskID)
	assert.NotEmpty(t, wf.BuildTaskID)
	assert.NotEqual(t, wf.TestTaskID, wf.BuildTaskID)
	assert.Equal(t, 2, f.conn.countType(wire.FrameTaskSubmit))
	assert.True(t, f.orch.TracksTask(wf.TestTaskID))
	assert.True(t, f.orch.TracksTask(wf.BuildTaskID))
}

func TestRestartWaitsForBothPhases(t *testing.T) {
	for name, order := range map[string][2]string{
		"test first":  {"test", "build"},
		"build first": {"build", "test"},
	} {
		t.Run(name, func(t *testing.T) {
			f := setupSync(t)
			wf := f.startWorkflow(t)
			ctx := context.Background()

			first, second := wf.TestTaskID, wf.BuildTaskID
			if order[0] == "build" {
				first, second = second, first
			}

			f.orch.OnTaskComplete(ctx, first, true)
			assert.Equal(t, 0, f.conn.countType(wire.FrameSystemRestart),
				"restart must wait for the second phase")
			got, _ := f.orch.Get(wf.ID)
			assert.Equal(t, StatusTesting, got.Status)

			f.orch.OnTaskComplete(ctx, second, true)
			assert.Equal(t, 1, f.conn.countType(wire.FrameSystemRestart))
			got, _ = f.orch.Get(wf.ID)
			assert.Equal(t, StatusRestarting, got.Status)
		})
	}
}

func TestPhaseFailureAbortsBeforeRestart(t *testing.T) {
	f := setupSync(t)
	wf := f.startWorkflow(t)
	ctx := context.Background()

	f.orch.OnTaskComplete(ctx, wf.BuildTaskID, false)

	got, _ := f.orch.Get(wf.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Equal(t, 0, f.conn.countType(wire.FrameSystemRestart))

	// A late success for the other phase must not revive the workflow.
	f.orch.OnTaskComplete(ctx, wf.TestTaskID, true)
	got, _ = f.orch.Get(wf.ID)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestTwoPhaseRestartWait(t *testing.T) {
	f := setupSync(t)
	wf := f.startWorkflow(t)
	ctx := context.Background()

	f.orch.OnTaskComplete(ctx, wf.TestTaskID, true)
	f.orch.OnTaskComplete(ctx, wf.BuildTaskID, true)
	require.Equal(t, 1, f.conn.countType(wire.FrameSystemRestart))

	// A rising edge with no falling edge is the old connection still
	// alive; the deploy must not fire.
	f.presence(t, events.AgentConnected, "a1")
	assert.Equal(t, 0, f.conn.countType(wire.FrameDeployRequest))

	f.presence(t, events.AgentDisconnected, "a1")
	assert.Equal(t, 0, f.conn.countType(wire.FrameDeployRequest))

	f.presence(t, events.AgentConnected, "a1")
	assert.Equal(t, 1, f.conn.countType(wire.FrameDeployRequest))
	got, _ := f.orch.Get(wf.ID)
	assert.Equal(t, StatusDeploying, got.Status)
	assert.NotEmpty(t, got.DeployReqID)
}

func TestDeployResultCompletesWorkflow(t *testing.T) {
	f := setupSync(t)
	wf := f.startWorkflow(t)
	ctx := context.Background()

	f.orch.OnTaskComplete(ctx, wf.TestTaskID, true)
	f.orch.OnTaskComplete(ctx, wf.BuildTaskID, true)
	f.presence(t, events.AgentDisconnected, "a1")
	f.presence(t, events.AgentConnected, "a1")

	got, _ := f.orch.Get(wf.ID)
	require.Equal(t, StatusDeploying, got.Status)

	f.orch.OnDeployComplete(ctx, &wire.DeployResult{
		RequestID: got.DeployReqID,
		Success:   true,
		Output:    "deployed revision 42",
	})

	got, _ = f.orch.Get(wf.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	entries, err := f.repo.ListAuditLog(context.Background(), 50)
	require.NoError(t, err)
	var sawCompleted bool
	for _, e := range entries {
		if e.Action == "sync:completed" {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted, "sync:completed audit entry expected")
}

func TestDeployFailureFailsWorkflow(t *testing.T) {
	f := setupSync(t)
	wf := f.startWorkflow(t)
	ctx := context.Background()

	f.orch.OnTaskComplete(ctx, wf.TestTaskID, true)
	f.orch.OnTaskComplete(ctx, wf.BuildTaskID, true)
	f.presence(t, events.AgentDisconnected, "a1")
	f.presence(t, events.AgentConnected, "a1")

	got, _ := f.orch.Get(wf.ID)
	f.orch.OnDeployComplete(ctx, &wire.DeployResult{RequestID: got.DeployReqID, Success: false, Output: "build broke"})

	got, _ = f.orch.Get(wf.ID)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestOnlyOneWorkflowPerProject(t *testing.T) {
	f := setupSync(t)
	f.startWorkflow(t)

	project := &models.Project{ID: "proj-1", ChannelID: "C1", AgentID: "a1", LocalPath: "/srv/demo"}
	_, err := f.orch.Start(context.Background(), project, "C1", "", "U1")
	assert.Error(t, err)
}

func TestUnknownTaskIgnored(t *testing.T) {
	f := setupSync(t)
	f.startWorkflow(t)
	// Must not panic or disturb the workflow.
	f.orch.OnTaskComplete(context.Background(), "task-nobody-knows", true)
}
