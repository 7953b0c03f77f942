// Package conn maintains the agent's persistent WebSocket connection to
// the broker: dial with backoff, reader and writer pumps, and periodic
// agent-status heartbeats.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/agentd/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/wire"
)

const sendBuffer = 64

// FrameHandler consumes inbound frames from the broker.
type FrameHandler interface {
	HandleFrame(frame *wire.Frame)
}

// StatusFunc builds the periodic agent-status payload.
type StatusFunc func() wire.AgentStatus

// ErrNotConnected is returned by Send while the broker link is down.
var ErrNotConnected = errors.New("not connected to broker")

// Client is the agent side of the broker link. Run reconnects forever;
// Send enqueues one frame onto the live connection.
type Client struct {
	cfg     config.BrokerConfig
	handler FrameHandler
	status  StatusFunc
	logger  *logger.Logger

	mu   sync.Mutex
	send chan []byte // nil while disconnected
}

// New creates a broker connection client.
func New(cfg config.BrokerConfig, handler FrameHandler, status StatusFunc, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		status:  status,
		logger:  log.WithFields(zap.String("component", "broker-conn")),
	}
}

// Send enqueues a frame for delivery. Fails when disconnected or when the
// outbound queue is full; the broker reconciles missed frames on reconnect.
func (c *Client) Send(frame *wire.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	ch := c.send
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// Run dials the broker and services the connection until the context is
// cancelled, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectBase()
	for {
		if ctx.Err() != nil {
			return
		}
		ws, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("Broker dial failed",
				zap.String("url", c.cfg.URL),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if max := c.cfg.ReconnectMax(); backoff > max {
				backoff = max
			}
			continue
		}

		backoff = c.cfg.ReconnectBase()
		c.logger.Info("Connected to broker", zap.String("url", c.cfg.URL))
		c.serve(ctx, ws)
		c.logger.Warn("Broker connection lost")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return ws, nil
}

// serve runs the reader and writer pumps for one connection and returns
// when either side fails.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
		ws.Close()
	}()

	done := make(chan struct{})
	go c.writePump(ctx, ws, send, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		frame, err := wire.Parse(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		c.handler.HandleFrame(frame)
	}
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval())
	defer heartbeat.Stop()

	// Announce presence immediately so the broker can drain queued work.
	c.writeStatus(ws)

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(c.cfg.WriteTimeout()))
			return
		case <-done:
			return
		case data := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout()))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-heartbeat.C:
			if !c.writeStatus(ws) {
				return
			}
		}
	}
}

func (c *Client) writeStatus(ws *websocket.Conn) bool {
	frame, err := wire.NewFrame(wire.FrameAgentStatus, c.status())
	if err != nil {
		c.logger.Error("Status frame marshal failed", zap.Error(err))
		return true
	}
	data, err := frame.Encode()
	if err != nil {
		return true
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout()))
	return ws.WriteMessage(websocket.TextMessage, data) == nil
}
