// Package scheduler runs the periodic jobs: cron-matched task submissions
// and the stale-session sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/broker/command"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
)

// Scheduler evaluates enabled schedules once per tick and submits the due
// ones through the command service.
type Scheduler struct {
	repo     repository.Repository
	commands *command.Service
	cron     *gronx.Gronx
	cfg      config.SchedulerConfig
	logger   *logger.Logger
	now      func() time.Time
}

// New creates a scheduler.
func New(repo repository.Repository, commands *command.Service, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = 60
	}
	return &Scheduler{
		repo:     repo,
		commands: commands,
		cron:     gronx.New(),
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Scheduler disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass. Exported so tests drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC().Truncate(time.Minute)

	schedules, err := s.repo.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Error("Failed to list schedules", zap.Error(err))
	} else {
		for _, schedule := range schedules {
			s.evaluate(ctx, schedule, now)
		}
	}

	if expired, err := s.repo.ExpireStaleSessions(ctx); err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("Expired stale sessions", zap.Int64("count", expired))
	}
}

func (s *Scheduler) evaluate(ctx context.Context, schedule *models.Schedule, now time.Time) {
	// Double-fire guard: a tick can land twice inside the same cron minute.
	if schedule.LastRunAt != nil && !schedule.LastRunAt.Before(now) {
		return
	}
	due, err := s.cron.IsDue(schedule.CronExpr, now)
	if err != nil {
		s.logger.Warn("Invalid cron expression",
			zap.String("schedule_id", schedule.ID),
			zap.String("cron", schedule.CronExpr),
			zap.Error(err))
		return
	}
	if !due {
		return
	}

	project, err := s.repo.GetProject(ctx, schedule.ProjectID)
	if err != nil {
		s.logger.Error("Schedule references missing project",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return
	}

	if err := s.repo.MarkScheduleRun(ctx, schedule.ID, now); err != nil {
		s.logger.Error("Failed to mark schedule run",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return
	}

	task, err := s.commands.Submit(ctx, command.SubmitRequest{
		Project:   project,
		BotName:   schedule.BotName,
		Command:   schedule.Command,
		Prompt:    schedule.Prompt,
		ChannelID: project.ChannelID,
		UserID:    schedule.CreatedBy,
	})
	if err != nil {
		s.logger.Error("Scheduled submission failed",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("Scheduled task submitted",
		zap.String("schedule_id", schedule.ID),
		zap.String("task_id", task.ID))
}
