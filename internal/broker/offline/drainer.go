// Package offline delivers queued frames to agents that were unreachable
// when the frame was dispatched. Rows live in the repository's offline
// queue; this package owns the drain protocol and the periodic sweeps.
package offline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"
)

// Drainer queues frames for offline agents and replays them in insertion
// order once the agent is reachable again.
type Drainer struct {
	repo    repository.Repository
	send    func(agentID string, frame *wire.Frame) bool
	cfg     config.DispatchConfig
	logger  *logger.Logger
	trigger chan string
}

// NewDrainer creates a drainer that sends through the given function.
func NewDrainer(repo repository.Repository, send func(agentID string, frame *wire.Frame) bool, cfg config.DispatchConfig, log *logger.Logger) *Drainer {
	if log == nil {
		log = logger.Default()
	}
	return &Drainer{
		repo:    repo,
		send:    send,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "offline_drainer")),
		trigger: make(chan string, 64),
	}
}

// Enqueue stores a frame for later delivery to the agent. The entry
// expires after the configured queue TTL.
func (d *Drainer) Enqueue(ctx context.Context, agentID string, frame *wire.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	entry := &models.OfflineQueueEntry{
		AgentID:     agentID,
		MessageType: string(frame.Type),
		Payload:     data,
		ExpiresAt:   time.Now().UTC().Add(d.cfg.QueueTTL()),
	}
	if err := d.repo.EnqueueOfflineMessage(ctx, entry); err != nil {
		return err
	}
	d.logger.Info("Queued frame for offline agent",
		zap.String("agent_id", agentID),
		zap.String("frame_type", string(frame.Type)),
		zap.Int64("entry_id", entry.ID))
	return nil
}

// OnAgentConnect requests an immediate drain for the agent. It is safe to
// call from registry hooks; the drain itself runs on the Run goroutine.
func (d *Drainer) OnAgentConnect(agentID string) {
	select {
	case d.trigger <- agentID:
	default:
		// Run's periodic tick covers a dropped trigger.
	}
}

// Drain replays pending entries for one agent in insertion order. The
// first failed send stops the drain so ordering is preserved; delivery
// resumes on the next tick or reconnect.
func (d *Drainer) Drain(ctx context.Context, agentID string) (delivered int, err error) {
	pending, err := d.repo.ListPendingOfflineMessages(ctx, agentID)
	if err != nil {
		return 0, err
	}
	for _, entry := range pending {
		frame, err := wire.Parse(entry.Payload)
		if err != nil {
			// An undecodable row would block the queue forever; mark it
			// delivered and move on.
			d.logger.Error("Dropping corrupt offline entry",
				zap.String("agent_id", agentID),
				zap.Int64("entry_id", entry.ID),
				zap.Error(err))
			if err := d.repo.MarkOfflineMessageDelivered(ctx, entry.ID); err != nil {
				return delivered, err
			}
			continue
		}
		if !d.send(agentID, frame) {
			d.logger.Debug("Drain stopped, agent unreachable",
				zap.String("agent_id", agentID),
				zap.Int64("entry_id", entry.ID),
				zap.Int("delivered", delivered))
			return delivered, nil
		}
		if err := d.repo.MarkOfflineMessageDelivered(ctx, entry.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	if delivered > 0 {
		d.logger.Info("Drained offline queue",
			zap.String("agent_id", agentID),
			zap.Int("delivered", delivered))
	}
	return delivered, nil
}

// DrainAll drains every agent that has pending entries and a live
// connection according to the sender.
func (d *Drainer) DrainAll(ctx context.Context, agents []string) {
	for _, agentID := range agents {
		if _, err := d.Drain(ctx, agentID); err != nil {
			d.logger.Error("Drain failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
}

// Sweep removes expired undelivered entries and delivered entries older
// than the retention window.
func (d *Drainer) Sweep(ctx context.Context) {
	if n, err := d.repo.DeleteExpiredOfflineMessages(ctx); err != nil {
		d.logger.Error("Expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("Expired offline entries removed", zap.Int64("count", n))
	}

	retentionHours := d.cfg.QueueRetentionDays * 24
	if retentionHours <= 0 {
		return
	}
	if n, err := d.repo.DeleteDeliveredOfflineMessages(ctx, retentionHours); err != nil {
		d.logger.Error("Retention sweep failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Debug("Delivered offline entries pruned", zap.Int64("count", n))
	}
}

// Run services connect triggers and the periodic drain tick until the
// context is cancelled. listAgents supplies the agent ids to visit on each
// tick (typically every agent the registry knows).
func (d *Drainer) Run(ctx context.Context, listAgents func() []string) {
	ticker := time.NewTicker(d.cfg.DrainInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case agentID := <-d.trigger:
			if _, err := d.Drain(ctx, agentID); err != nil {
				d.logger.Error("Drain failed",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
		case <-ticker.C:
			d.DrainAll(ctx, listAgents())
			d.Sweep(ctx)
		}
	}
}
