// Package syncflow coordinates the test → build → restart → deploy
// workflow. Progress is driven by real signals: task terminal events for
// the parallel test and build phase, agent presence events for the
// two-phase restart wait, and the deploy-result frame for completion.
package syncflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/botmaster/botmaster/internal/broker/command"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/pending"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/expiry"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/events"
	"github.com/botmaster/botmaster/internal/events/bus"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"

	blockkit "github.com/botmaster/botmaster/internal/broker/blocks"
)

// Status is a workflow's phase.
type Status string

const (
	StatusTesting    Status = "testing"
	StatusRestarting Status = "restarting"
	StatusDeploying  Status = "deploying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Workflow is the in-memory state of one sync run. All mutation happens
// under the orchestrator mutex.
type Workflow struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	AgentID     string     `json:"agent_id"`
	ChannelID   string     `json:"channel_id"`
	ThreadTS    string     `json:"thread_ts,omitempty"`
	RequestedBy string     `json:"requested_by"`
	Status      Status     `json:"status"`
	TestTaskID  string     `json:"test_task_id,omitempty"`
	BuildTaskID string     `json:"build_task_id,omitempty"`
	DeployReqID string     `json:"deploy_request_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	testDone, testOK   bool
	buildDone, buildOK bool
	// sawOffline records the falling edge of the two-phase restart wait.
	sawOffline bool

	restartTimer *time.Timer
	deployTimer  *time.Timer
}

const maxWorkflows = 200

// Orchestrator runs sync workflows. One workflow per project at a time.
type Orchestrator struct {
	repo     repository.Repository
	commands *command.Service
	registry *registry.Registry
	pending  *pending.Registry
	notifier *notify.Notifier
	bus      bus.EventBus
	cfg      config.SyncConfig
	logger   *logger.Logger

	mu        sync.Mutex
	workflows *expiry.Map[*Workflow]
	byTask    map[string]string // taskID → workflowID
	byProject map[string]string // projectID → active workflowID
}

// NewOrchestrator wires the orchestrator and subscribes it to agent
// presence events for the restart wait.
func NewOrchestrator(
	repo repository.Repository,
	commands *command.Service,
	reg *registry.Registry,
	pend *pending.Registry,
	notifier *notify.Notifier,
	eventBus bus.EventBus,
	cfg config.SyncConfig,
	log *logger.Logger,
) (*Orchestrator, error) {
	if log == nil {
		log = logger.Default()
	}
	o := &Orchestrator{
		repo:      repo,
		commands:  commands,
		registry:  reg,
		pending:   pend,
		notifier:  notifier,
		bus:       eventBus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "sync_orchestrator")),
		workflows: expiry.New[*Workflow](maxWorkflows, cfg.Retention()),
		byTask:    make(map[string]string),
		byProject: make(map[string]string),
	}
	if eventBus != nil {
		if _, err := eventBus.Subscribe(events.BuildAgentWildcardSubject(events.AgentDisconnected), o.onAgentEvent(false)); err != nil {
			return nil, fmt.Errorf("subscribe agent disconnects: %w", err)
		}
		if _, err := eventBus.Subscribe(events.BuildAgentWildcardSubject(events.AgentConnected), o.onAgentEvent(true)); err != nil {
			return nil, fmt.Errorf("subscribe agent connects: %w", err)
		}
	}
	return o, nil
}

// Run sweeps terminal workflows past the retention window until the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.workflows.SweepEvery(ctx, time.Minute)
}

// Start registers a workflow for the project and submits the test and
// build tasks in parallel. The project's agent must be concrete: a
// restart wait cannot float between agents.
func (o *Orchestrator) Start(ctx context.Context, project *models.Project, channelID, threadTS, requestedBy string) (*Workflow, error) {
	agentID, _ := o.registry.Resolve(project.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("no agent available for project %s", project.ID)
	}

	o.mu.Lock()
	if activeID, ok := o.byProject[project.ID]; ok {
		if wf, found := o.workflows.Peek(activeID); found && !terminal(wf.Status) {
			o.mu.Unlock()
			return nil, fmt.Errorf("sync already running for project %s (workflow %s)", project.ID, activeID)
		}
	}
	wf := &Workflow{
		ID:          "sync-" + uuid.New().String(),
		ProjectID:   project.ID,
		AgentID:     agentID,
		ChannelID:   channelID,
		ThreadTS:    threadTS,
		RequestedBy: requestedBy,
		Status:      StatusTesting,
		CreatedAt:   time.Now().UTC(),
	}
	o.workflows.Set(wf.ID, wf)
	o.byProject[project.ID] = wf.ID
	o.mu.Unlock()

	o.post(ctx, wf, "🔄 Sync started — running tests and build in parallel…")
	o.publish(ctx, events.SyncStarted, wf)

	g, gctx := errgroup.WithContext(ctx)
	var testTask, buildTask *models.Task
	g.Go(func() error {
		var err error
		testTask, err = o.commands.Submit(gctx, o.phaseRequest(project, channelID, threadTS, requestedBy,
			"test", "Run the full test suite. Report failures verbatim. Do not fix anything."))
		return err
	})
	g.Go(func() error {
		var err error
		buildTask, err = o.commands.Submit(gctx, o.phaseRequest(project, channelID, threadTS, requestedBy,
			"build", "Run the production build. Report any build errors verbatim. Do not fix anything."))
		return err
	})
	if err := g.Wait(); err != nil {
		o.failLocked(ctx, wf.ID, fmt.Sprintf("failed to submit sync tasks: %v", err))
		return nil, err
	}

	o.mu.Lock()
	wf.TestTaskID = testTask.ID
	wf.BuildTaskID = buildTask.ID
	o.byTask[testTask.ID] = wf.ID
	o.byTask[buildTask.ID] = wf.ID
	o.mu.Unlock()

	o.audit(ctx, "sync:started", wf)
	return wf, nil
}

// OnTaskComplete feeds a terminal task outcome into its workflow, if any.
// Events for the test and build tasks may arrive in either order; the
// restart phase starts only once both succeeded.
func (o *Orchestrator) OnTaskComplete(ctx context.Context, taskID string, success bool) {
	o.mu.Lock()
	wfID, ok := o.byTask[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.byTask, taskID)
	wf, found := o.workflows.Get(wfID)
	if !found || wf.Status != StatusTesting {
		o.mu.Unlock()
		return
	}

	var phase string
	switch taskID {
	case wf.TestTaskID:
		wf.testDone, wf.testOK = true, success
		phase = "Tests"
	case wf.BuildTaskID:
		wf.buildDone, wf.buildOK = true, success
		phase = "Build"
	default:
		o.mu.Unlock()
		return
	}

	if !success {
		o.mu.Unlock()
		o.failLocked(ctx, wfID, fmt.Sprintf("%s failed — sync aborted before restart", phase))
		return
	}
	bothDone := wf.testDone && wf.buildDone
	o.mu.Unlock()

	if !bothDone {
		o.post(ctx, wf, fmt.Sprintf("✅ %s passed — waiting for the other phase…", phase))
		return
	}
	o.startRestart(ctx, wf)
}

// startRestart sends the restart frame and arms the two-phase wait: the
// agent must drop offline and come back before the timeout. Deploying to
// the connection that is about to die is the failure mode this prevents.
func (o *Orchestrator) startRestart(ctx context.Context, wf *Workflow) {
	o.mu.Lock()
	if wf.Status != StatusTesting {
		o.mu.Unlock()
		return
	}
	wf.Status = StatusRestarting
	wf.sawOffline = false
	wfID := wf.ID
	wf.restartTimer = time.AfterFunc(o.cfg.RestartTimeout(), func() {
		o.failLocked(context.Background(), wfID, "agent did not complete its restart in time")
	})
	o.mu.Unlock()

	o.post(ctx, wf, "✅ Tests and build passed — restarting the agent…")

	frame, err := wire.NewFrame(wire.FrameSystemRestart, &wire.SystemRestart{
		Reason: "sync workflow " + wf.ID, Rebuild: true,
	})
	if err != nil {
		o.failLocked(ctx, wf.ID, fmt.Sprintf("failed to build restart frame: %v", err))
		return
	}
	if !o.registry.Send(wf.AgentID, frame) {
		o.failLocked(ctx, wf.ID, "agent unreachable for restart")
	}
}

// onAgentEvent returns the bus handler for one edge of the restart wait.
func (o *Orchestrator) onAgentEvent(connected bool) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		agentID := event.String("agent_id")
		if agentID == "" {
			return nil
		}

		o.mu.Lock()
		var target *Workflow
		for _, wf := range o.workflows.Values() {
			if wf.Status == StatusRestarting && wf.AgentID == agentID {
				target = wf
				break
			}
		}
		if target == nil {
			o.mu.Unlock()
			return nil
		}
		if !connected {
			target.sawOffline = true
			o.mu.Unlock()
			return nil
		}
		if !target.sawOffline {
			// A rising edge without the falling edge is the old
			// connection still answering; keep waiting.
			o.mu.Unlock()
			return nil
		}
		if target.restartTimer != nil {
			target.restartTimer.Stop()
		}
		o.mu.Unlock()

		o.startDeploy(ctx, target)
		return nil
	}
}

// startDeploy sends the deploy request and arms the safety timeout.
func (o *Orchestrator) startDeploy(ctx context.Context, wf *Workflow) {
	project, err := o.repo.GetProject(ctx, wf.ProjectID)
	if err != nil {
		o.failLocked(ctx, wf.ID, fmt.Sprintf("project lookup failed: %v", err))
		return
	}

	requestID := "deploy-" + uuid.New().String()
	o.mu.Lock()
	if wf.Status != StatusRestarting {
		o.mu.Unlock()
		return
	}
	wf.Status = StatusDeploying
	wf.DeployReqID = requestID
	wfID := wf.ID
	wf.deployTimer = time.AfterFunc(o.cfg.DeployTimeout(), func() {
		o.failLocked(context.Background(), wfID, "no deploy result before the safety timeout")
	})
	o.mu.Unlock()

	o.post(ctx, wf, "🚀 Agent back online — deploying…")
	o.pending.RegisterDeploy(requestID, func(ctx context.Context, result *wire.DeployResult) {
		o.OnDeployComplete(ctx, result)
	})

	frame, err := wire.NewFrame(wire.FrameDeployRequest, &wire.DeployRequest{
		RequestID:   requestID,
		LocalPath:   project.LocalPath,
		ChannelID:   wf.ChannelID,
		ThreadTS:    wf.ThreadTS,
		RequestedBy: wf.RequestedBy,
	})
	if err != nil {
		o.failLocked(ctx, wf.ID, fmt.Sprintf("failed to build deploy frame: %v", err))
		return
	}
	if !o.registry.Send(wf.AgentID, frame) {
		o.failLocked(ctx, wf.ID, "agent unreachable for deploy")
	}
}

// OnDeployComplete finishes the workflow from a deploy-result frame.
func (o *Orchestrator) OnDeployComplete(ctx context.Context, result *wire.DeployResult) {
	o.mu.Lock()
	var wf *Workflow
	for _, candidate := range o.workflows.Values() {
		if candidate.DeployReqID == result.RequestID {
			wf = candidate
			break
		}
	}
	if wf == nil || wf.Status != StatusDeploying {
		o.mu.Unlock()
		o.logger.Warn("Deploy result for unknown workflow",
			zap.String("request_id", result.RequestID))
		return
	}
	if wf.deployTimer != nil {
		wf.deployTimer.Stop()
	}
	o.mu.Unlock()

	db := blockkit.DeployResult(result.Success, result.Output, result.BuildLogsURL)
	if _, err := o.notifier.PostBlocks(ctx, wf.ChannelID, wf.ThreadTS, db, blockkit.Fallback(db)); err != nil {
		o.logger.Warn("Failed to post deploy result", zap.Error(err))
	}

	if result.Success {
		o.complete(ctx, wf)
	} else {
		o.failLocked(ctx, wf.ID, "deploy failed")
	}
}

// Get returns a workflow snapshot.
func (o *Orchestrator) Get(workflowID string) (*Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workflows.Peek(workflowID)
}

// TracksTask reports whether the task belongs to an active workflow.
func (o *Orchestrator) TracksTask(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byTask[taskID]
	return ok
}

func (o *Orchestrator) complete(ctx context.Context, wf *Workflow) {
	o.mu.Lock()
	if terminal(wf.Status) {
		o.mu.Unlock()
		return
	}
	wf.Status = StatusCompleted
	now := time.Now().UTC()
	wf.CompletedAt = &now
	delete(o.byProject, wf.ProjectID)
	o.mu.Unlock()

	o.post(ctx, wf, "✅ Sync completed.")
	o.publish(ctx, events.SyncCompleted, wf)
	o.audit(ctx, "sync:completed", wf)
}

// failLocked transitions the workflow to failed. Safe to call from timer
// goroutines; terminal workflows are left untouched.
func (o *Orchestrator) failLocked(ctx context.Context, workflowID, reason string) {
	o.mu.Lock()
	wf, ok := o.workflows.Peek(workflowID)
	if !ok || terminal(wf.Status) {
		o.mu.Unlock()
		return
	}
	wf.Status = StatusFailed
	wf.Error = reason
	now := time.Now().UTC()
	wf.CompletedAt = &now
	if wf.restartTimer != nil {
		wf.restartTimer.Stop()
	}
	if wf.deployTimer != nil {
		wf.deployTimer.Stop()
	}
	delete(o.byTask, wf.TestTaskID)
	delete(o.byTask, wf.BuildTaskID)
	delete(o.byProject, wf.ProjectID)
	o.mu.Unlock()

	o.logger.Warn("Sync workflow failed",
		zap.String("workflow_id", workflowID),
		zap.String("reason", reason))
	o.post(ctx, wf, "❌ Sync failed: "+reason)
	o.publish(ctx, events.SyncFailed, wf)
	o.audit(ctx, "sync:failed", wf)
}

func (o *Orchestrator) phaseRequest(project *models.Project, channelID, threadTS, requestedBy, cmd, prompt string) command.SubmitRequest {
	return command.SubmitRequest{
		Project:   project,
		BotName:   "ops",
		Command:   cmd,
		Prompt:    prompt,
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    requestedBy,
	}
}

func (o *Orchestrator) post(ctx context.Context, wf *Workflow, text string) {
	if _, err := o.notifier.PostMessage(ctx, wf.ChannelID, wf.ThreadTS, text); err != nil {
		o.logger.Warn("Failed to post sync update",
			zap.String("workflow_id", wf.ID),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, subject string, wf *Workflow) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "sync_orchestrator", map[string]interface{}{
		"workflow_id": wf.ID,
		"project_id":  wf.ProjectID,
		"agent_id":    wf.AgentID,
		"status":      string(wf.Status),
		"error":       wf.Error,
	})
	if err := o.bus.Publish(ctx, subject, event); err != nil {
		o.logger.Warn("Failed to publish sync event", zap.Error(err))
	}
}

func (o *Orchestrator) audit(ctx context.Context, action string, wf *Workflow) {
	entry := &models.AuditLogEntry{
		Action:       action,
		ResourceType: "sync_workflow",
		ResourceID:   wf.ID,
		UserID:       wf.RequestedBy,
		Metadata: map[string]interface{}{
			"project_id": wf.ProjectID,
			"agent_id":   wf.AgentID,
			"error":      wf.Error,
		},
	}
	if err := o.repo.AppendAuditLog(ctx, entry); err != nil {
		o.logger.Error("Failed to append sync audit entry", zap.Error(err))
	}
}

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}
