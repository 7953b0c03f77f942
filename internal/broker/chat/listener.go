package chat

import (
	"context"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

const (
	dedupCacheSize = 2048
	dedupTTL       = 10 * time.Minute
)

// Listener consumes socket-mode events: slash commands, channel messages in
// bound channels, and modal submissions. Every handler acks first and works
// after, so slow work never triggers an events-API redelivery.
type Listener struct {
	api     *slack.Client
	socket  *socketmode.Client
	handler *Handler
	dedup   *Dedup
	cfg     config.ChatConfig
	logger  *logger.Logger
}

// NewListener wires the socket-mode consumer.
func NewListener(api *slack.Client, socket *socketmode.Client, handler *Handler, cfg config.ChatConfig, log *logger.Logger) (*Listener, error) {
	if log == nil {
		log = logger.Default()
	}
	dedup, err := NewDedup(dedupCacheSize, dedupTTL)
	if err != nil {
		return nil, err
	}
	if cfg.SlashCommand == "" {
		cfg.SlashCommand = "/bm"
	}
	return &Listener{
		api:     api,
		socket:  socket,
		handler: handler,
		dedup:   dedup,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "chat_listener")),
	}, nil
}

// Run consumes events until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	go l.consume(ctx)
	return l.socket.RunContext(ctx)
}

func (l *Listener) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.socket.Events:
			if !ok {
				return
			}
			l.dispatch(ctx, evt)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, evt socketmode.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("Panic handling chat event",
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", rec))
		}
	}()

	switch evt.Type {
	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		l.socket.Ack(*evt.Request)
		l.handleSlash(ctx, cmd)

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		l.socket.Ack(*evt.Request)
		l.handleEvent(ctx, apiEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		l.socket.Ack(*evt.Request)
		if callback.Type == slack.InteractionTypeViewSubmission {
			if err := l.handler.HandleViewSubmission(ctx, &callback); err != nil {
				l.logger.Error("View submission failed", zap.Error(err))
				_ = l.handler.notifier.PostEphemeral(ctx,
					callback.View.PrivateMetadata, callback.User.ID,
					"❌ "+err.Error())
			}
		}

	case socketmode.EventTypeConnecting, socketmode.EventTypeConnected, socketmode.EventTypeHello:
		// Connection lifecycle noise.

	case socketmode.EventTypeConnectionError:
		l.logger.Warn("Socket-mode connection error", zap.Any("data", evt.Data))
	}
}

func (l *Listener) handleSlash(ctx context.Context, cmd slack.SlashCommand) {
	if cmd.Command != l.cfg.SlashCommand {
		return
	}
	resp := l.handler.Execute(ctx, CommandRequest{
		ChannelID: cmd.ChannelID,
		UserID:    cmd.UserID,
		UserName:  cmd.UserName,
		Text:      cmd.Text,
		TriggerID: cmd.TriggerID,
	})

	switch {
	case resp.Modal != nil:
		if _, err := l.api.OpenViewContext(ctx, cmd.TriggerID, *resp.Modal); err != nil {
			l.logger.Error("Failed to open modal", zap.Error(err))
		}
	case len(resp.Blocks) > 0:
		if _, err := l.handler.notifier.PostBlocks(ctx, cmd.ChannelID, "", resp.Blocks, resp.Text); err != nil {
			l.logger.Error("Failed to post command response", zap.Error(err))
		}
	case resp.Text != "":
		if err := l.handler.notifier.PostEphemeral(ctx, cmd.ChannelID, cmd.UserID, resp.Text); err != nil {
			l.logger.Error("Failed to post ephemeral response", zap.Error(err))
		}
	}
}

func (l *Listener) handleEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	if cb, ok := apiEvent.Data.(*slackevents.EventsAPICallbackEvent); ok {
		if l.dedup.Seen(cb.EventID) {
			l.logger.Debug("Duplicate chat event dropped",
				zap.String("event_id", cb.EventID))
			return
		}
	}

	message, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Only fresh human messages: edits, joins, and our own bot posts all
	// carry a subtype or bot id.
	if message.BotID != "" || message.SubType != "" || message.Text == "" {
		return
	}
	l.handler.SubmitMessage(ctx,
		message.Channel,
		message.User,
		"",
		message.Text,
		message.TimeStamp,
		message.ThreadTimeStamp,
	)
}
