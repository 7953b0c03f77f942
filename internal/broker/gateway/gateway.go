// Package gateway accepts and supervises agent WebSocket connections.
//
// Agents connect with an api key presented as a bearer credential; a
// successful handshake binds the connection to the agent id the key is
// issued for. Only one connection per agent is live at a time.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/wire"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are headless processes, not browsers.
		return true
	},
}

// Authenticator validates a handshake credential and yields the agent id it
// is bound to.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (agentID string, err error)
}

// FrameHandler consumes decoded frames arriving from connected agents.
type FrameHandler interface {
	HandleFrame(ctx context.Context, agentID string, frame *wire.Frame)
}

// Gateway upgrades agent handshakes and runs the per-connection pumps.
type Gateway struct {
	registry *registry.Registry
	auth     Authenticator
	frames   FrameHandler
	logger   *logger.Logger

	maxMessageSize int64
	sendBuffer     int
	pingPeriod     time.Duration
	pongWait       time.Duration
}

// New creates a gateway. Two missed heartbeats mark the agent offline, so
// the read deadline is twice the heartbeat interval.
func New(reg *registry.Registry, auth Authenticator, frames FrameHandler, cfg config.GatewayConfig, log *logger.Logger) *Gateway {
	heartbeat := cfg.HeartbeatDuration()
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = 1024 * 1024
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Gateway{
		registry:       reg,
		auth:           auth,
		frames:         frames,
		logger:         log.WithFields(zap.String("component", "agent_gateway")),
		maxMessageSize: maxSize,
		sendBuffer:     buffer,
		pingPeriod:     heartbeat,
		pongWait:       2 * heartbeat,
	}
}

// HandleAgentSocket authenticates the handshake, upgrades to WebSocket, and
// supervises the connection until it drops.
func (g *Gateway) HandleAgentSocket(c *gin.Context) {
	key := bearerKey(c)
	if key == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return
	}
	agentID, err := g.auth.Authenticate(c.Request.Context(), key)
	if err != nil {
		g.logger.Warn("Agent handshake rejected",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	g.logger.Debug("Agent socket established",
		zap.String("agent_id", agentID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := newClient(agentID, conn, g)
	if prev := g.registry.Register(agentID, client); prev != nil {
		prev.Close()
	}
	connectionsGauge.Inc()

	go client.writePump()
	client.readPump(c.Request.Context())
}

// bearerKey extracts the api key from the Authorization header, falling
// back to a token query parameter for clients that cannot set headers.
func bearerKey(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.Query("token")
}
