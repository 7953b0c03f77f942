package gateway

import (
	"context"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/wire"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// client is one live agent connection. It implements registry.Conn.
type client struct {
	agentID string
	conn    *gorillaws.Conn
	gw      *Gateway
	logger  *logger.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(agentID string, conn *gorillaws.Conn, gw *Gateway) *client {
	return &client{
		agentID: agentID,
		conn:    conn,
		gw:      gw,
		logger:  gw.logger.WithAgentID(agentID),
		send:    make(chan []byte, gw.sendBuffer),
		done:    make(chan struct{}),
	}
}

// Enqueue hands an encoded frame to the write pump. It never blocks: a full
// buffer or a closing connection reports false and the caller falls back to
// the offline queue.
func (c *client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close signals both pumps to stop. Safe to call more than once; the send
// channel is never closed, so concurrent Enqueue calls cannot panic.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames until the connection drops, then deregisters the
// agent. The read deadline is twice the heartbeat interval: the broker
// pings every interval and two unanswered pings expire the deadline, which
// marks the agent offline.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.gw.registry.Deregister(c.agentID, c)
		c.Close()
		_ = c.conn.Close()
		connectionsGauge.Dec()
	}()

	c.conn.SetReadLimit(c.gw.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
		c.gw.registry.Heartbeat(c.agentID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseNormalClosure,
				gorillaws.CloseGoingAway,
				gorillaws.CloseAbnormalClosure) {
				c.logger.Warn("Agent connection error", zap.Error(err))
			}
			return
		}

		// Any inbound traffic counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
		c.gw.registry.Heartbeat(c.agentID)

		frame, err := wire.Parse(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		framesReceived.WithLabelValues(string(frame.Type)).Inc()
		c.gw.frames.HandleFrame(ctx, c.agentID, frame)
	}
}

// writePump serializes all outbound traffic for the connection: queued
// frames, heartbeat pings, and the close handshake. One frame per WebSocket
// message; the message boundary is the frame delimiter.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
			return
		}
	}
}
