package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/wire"
)

type staticAuth struct {
	keys map[string]string
}

func (a staticAuth) Authenticate(_ context.Context, key string) (string, error) {
	if id, ok := a.keys[key]; ok {
		return id, nil
	}
	return "", errors.New("unknown api key")
}

type recordingFrames struct {
	mu      sync.Mutex
	agents  []string
	frames  []*wire.Frame
	arrived chan struct{}
}

func newRecordingFrames() *recordingFrames {
	return &recordingFrames{arrived: make(chan struct{}, 16)}
}

func (r *recordingFrames) HandleFrame(_ context.Context, agentID string, frame *wire.Frame) {
	r.mu.Lock()
	r.agents = append(r.agents, agentID)
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

func (r *recordingFrames) last() (string, *wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return "", nil
	}
	return r.agents[len(r.agents)-1], r.frames[len(r.frames)-1]
}

func setupGateway(t *testing.T, frames FrameHandler) (*registry.Registry, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(logger.Default())
	gw := New(reg, staticAuth{keys: map[string]string{"key-a": "agent-a"}}, frames,
		config.GatewayConfig{HeartbeatInterval: 1, MaxMessageSize: 1024 * 1024, SendBuffer: 8},
		logger.Default())

	router := gin.New()
	router.GET("/ws/agent", gw.HandleAgentSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return reg, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
}

func dialAgent(t *testing.T, url, key string) *gorillaws.Conn {
	t.Helper()
	header := http.Header{}
	if key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	_, url := setupGateway(t, newRecordingFrames())

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong-key")
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Nil(t, conn)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	conn, resp, err = gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestHandshakeRegistersAndRoutesFrames(t *testing.T) {
	frames := newRecordingFrames()
	reg, url := setupGateway(t, frames)

	conn := dialAgent(t, url, "key-a")
	waitFor(t, "agent online", func() bool { return reg.IsOnline("agent-a") })

	// Agent to broker.
	inbound := wire.MustFrame(wire.FrameAgentStatus, wire.AgentStatus{Status: "online"})
	data, err := inbound.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))

	select {
	case <-frames.arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the handler")
	}
	agentID, got := frames.last()
	assert.Equal(t, "agent-a", agentID)
	assert.Equal(t, wire.FrameAgentStatus, got.Type)

	// Broker to agent.
	require.True(t, reg.Send("agent-a", wire.MustFrame(wire.FrameTaskCancel, wire.TaskCancel{TaskID: "t1"})))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	outbound, err := wire.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameTaskCancel, outbound.Type)

	conn.Close()
	waitFor(t, "agent offline", func() bool { return !reg.IsOnline("agent-a") })
}

func TestSecondConnectionClosesFirst(t *testing.T) {
	reg, url := setupGateway(t, newRecordingFrames())

	first := dialAgent(t, url, "key-a")
	waitFor(t, "agent online", func() bool { return reg.IsOnline("agent-a") })

	second := dialAgent(t, url, "key-a")

	// The older connection is shut down by the broker.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	// The agent stays online throughout; the replacement carries traffic.
	assert.True(t, reg.IsOnline("agent-a"))
	require.True(t, reg.Send("agent-a", wire.MustFrame(wire.FrameTaskCancel, wire.TaskCancel{TaskID: "t2"})))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := second.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameTaskCancel, frame.Type)
}

func TestMalformedFrameDoesNotDropConnection(t *testing.T) {
	frames := newRecordingFrames()
	reg, url := setupGateway(t, frames)

	conn := dialAgent(t, url, "key-a")
	waitFor(t, "agent online", func() bool { return reg.IsOnline("agent-a") })

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))

	good := wire.MustFrame(wire.FrameAgentStatus, wire.AgentStatus{Status: "busy"})
	data, err := good.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))

	select {
	case <-frames.arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("frame after malformed input never arrived")
	}
	assert.True(t, reg.IsOnline("agent-a"))
}
