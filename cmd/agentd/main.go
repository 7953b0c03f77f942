// Command agentd runs the worker-host agent: it holds a persistent
// connection to the broker, executes submitted tasks through the configured
// runner, and reports streaming activity and terminal outcomes back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/agentd/config"
	"github.com/botmaster/botmaster/internal/agentd/conn"
	"github.com/botmaster/botmaster/internal/agentd/executor"
	"github.com/botmaster/botmaster/internal/agentd/runner"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/wire"
)

// restartExitCode tells the supervisor this exit was a requested restart.
const restartExitCode = 0

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
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

	var r runner.Runner
	switch cfg.Runner.Kind {
	case "api":
		r, err = runner.NewAPIRunner(cfg.Runner.AnthropicAPIKey, cfg.Runner.DefaultModel, log)
		if err != nil {
			return fmt.Errorf("init api runner: %w", err)
		}
	default:
		r = runner.NewCLIRunner(cfg.Runner.CLIPath, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The executor and the connection reference each other; the sender
	// binding is completed once both exist.
	sender := &lateSender{}
	exec := executor.New(r, sender, cfg.Runner, cfg.Deploy, log)
	exec.SetRestartHandler(func(reason string, rebuild bool) {
		log.Warn("Restarting on broker request",
			zap.String("reason", reason),
			zap.Bool("rebuild", rebuild))
		// Give the close handshake a moment, then let the supervisor
		// bring us back up.
		stop()
		go func() {
			time.Sleep(time.Second)
			os.Exit(restartExitCode)
		}()
	})
	client := conn.New(cfg.Broker, exec, exec.Status, log)
	sender.bind(client)

	log.Info("Agent started",
		zap.String("broker", cfg.Broker.URL),
		zap.String("runner", cfg.Runner.Kind))

	client.Run(ctx)
	log.Info("Agent stopped")
	return nil
}

type lateSender struct {
	mu     sync.Mutex
	client *conn.Client
}

func (s *lateSender) bind(client *conn.Client) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

func (s *lateSender) Send(frame *wire.Frame) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return conn.ErrNotConnected
	}
	return client.Send(frame)
}
