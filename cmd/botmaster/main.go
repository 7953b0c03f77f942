// Command botmaster runs the chat-driven task dispatch broker: it accepts
// worker agents over WebSocket, listens to the chat workspace, and mediates
// task submission, streaming, and lifecycle between the two.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/botmaster/botmaster/internal/broker/admin"
	"github.com/botmaster/botmaster/internal/broker/apikeys"
	"github.com/botmaster/botmaster/internal/broker/bots"
	"github.com/botmaster/botmaster/internal/broker/chat"
	"github.com/botmaster/botmaster/internal/broker/command"
	"github.com/botmaster/botmaster/internal/broker/gateway"
	"github.com/botmaster/botmaster/internal/broker/health"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/offline"
	"github.com/botmaster/botmaster/internal/broker/pending"
	"github.com/botmaster/botmaster/internal/broker/progress"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/broker/router"
	"github.com/botmaster/botmaster/internal/broker/scheduler"
	"github.com/botmaster/botmaster/internal/broker/stream"
	"github.com/botmaster/botmaster/internal/broker/syncflow"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/db"
	"github.com/botmaster/botmaster/internal/events"
	"github.com/botmaster/botmaster/internal/events/bus"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/internal/tracing"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "botmaster: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	pool, err := db.Open(db.Options{
		Driver:      cfg.Database.Driver,
		SQLitePath:  cfg.Database.Path,
		PostgresDSN: postgresDSN(cfg.Database),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	repo, closeRepo, err := repository.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		_ = pool.Close()
		return fmt.Errorf("init repository: %w", err)
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}

	reg := registry.New(log)
	keys := apikeys.NewService(repo, log)
	tracker := health.NewTracker(cfg.Breaker, log, nil)

	// Chat surface: optional in development. Without tokens the broker
	// still serves agents and the admin API.
	var (
		chatAPI  notify.ChatAPI
		slackAPI *slack.Client
		socket   *socketmode.Client
	)
	if cfg.Chat.BotToken != "" && cfg.Chat.AppToken != "" {
		slackAPI = slack.New(cfg.Chat.BotToken, slack.OptionAppLevelToken(cfg.Chat.AppToken))
		socket = socketmode.New(slackAPI)
		chatAPI = chat.NewAPI(slackAPI)
	} else {
		log.Warn("Chat tokens not configured, running without the chat surface")
	}

	notifier := notify.New(chatAPI, cfg.Notify, log)
	drainer := offline.NewDrainer(repo, reg.Send, cfg.Dispatch, log)
	botReg, err := bots.NewRegistry("", log)
	if err != nil {
		return fmt.Errorf("load bot registry: %w", err)
	}
	commands := command.NewService(repo, reg, drainer, notifier, botReg, eventBus, cfg.Dispatch, log)
	pend := pending.NewRegistry(log)
	sync, err := syncflow.NewOrchestrator(repo, commands, reg, pend, notifier, eventBus, cfg.Sync, log)
	if err != nil {
		return fmt.Errorf("init sync orchestrator: %w", err)
	}
	streams := stream.NewAccumulator(notifier, cfg.Dispatch, log)
	progressMgr := progress.NewManager(notifier, cfg.Dispatch, log)
	frames := router.New(repo, reg, tracker, streams, progressMgr, notifier, commands, sync, pend, eventBus, log)
	gw := gateway.New(reg, keys, frames, cfg.Gateway, log)

	// Presence: connect drains the agent's offline queue and both edges
	// publish bus events for the sync orchestrator's restart watcher.
	reg.OnConnect(func(agentID string) {
		drainer.OnAgentConnect(agentID)
		publishPresence(eventBus, events.AgentConnected, agentID)
	})
	reg.OnDisconnect(func(agentID string) {
		publishPresence(eventBus, events.AgentDisconnected, agentID)
	})

	srv := admin.New(cfg.Server, admin.Deps{
		Registry: reg,
		Health:   tracker,
		Repo:     repo,
		Notifier: notifier,
		Keys:     keys,
		Gateway:  gw,
	}, log)

	sched := scheduler.New(repo, commands, cfg.Scheduler, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streams.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		drainer.Run(gctx, func() []string {
			var ids []string
			for _, a := range reg.List() {
				ids = append(ids, a.ID)
			}
			return ids
		})
		return nil
	})
	g.Go(func() error { progressMgr.Run(gctx); return nil })
	g.Go(func() error { pend.Run(gctx); return nil })
	g.Go(func() error { sync.Run(gctx); return nil })
	g.Go(func() error { sched.Run(gctx); return nil })
	if slackAPI != nil {
		limiter := chat.NewUserLimiter(cfg.RateLimit)
		handler := chat.NewHandler(repo, commands, sync, reg, tracker, pend, notifier, botReg, limiter, log)
		listener, err := chat.NewListener(slackAPI, socket, handler, cfg.Chat, log)
		if err != nil {
			return fmt.Errorf("init chat listener: %w", err)
		}
		g.Go(func() error { return listener.Run(gctx) })
	}

	log.Info("Broker started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("database", cfg.Database.Driver))

	<-gctx.Done()
	log.Info("Shutting down")

	// Watchdog: a wedged dependency must not block shutdown forever.
	watchdog := time.AfterFunc(shutdownGrace, func() {
		log.Error("Shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer watchdog.Stop()

	streams.Stop()
	reg.Shutdown()

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Warn("Component error during shutdown", zap.Error(err))
	}

	_ = closeBus()
	if err := closeRepo(); err != nil {
		log.Warn("Repository close error", zap.Error(err))
	}
	if err := pool.Close(); err != nil {
		log.Warn("Database close error", zap.Error(err))
	}
	_ = tracing.Shutdown(context.Background())
	return nil
}

func publishPresence(eventBus bus.EventBus, base, agentID string) {
	evt := bus.NewEvent(base, "broker", map[string]interface{}{"agent_id": agentID})
	_ = eventBus.Publish(context.Background(), events.BuildAgentSubject(base, agentID), evt)
}

func postgresDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
}
