package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/botmaster/botmaster/internal/broker/apikeys"
	"github.com/botmaster/botmaster/internal/broker/gateway"
	"github.com/botmaster/botmaster/internal/broker/health"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/repository"
)

type noopConn struct{}

func (noopConn) Enqueue([]byte) bool { return true }
func (noopConn) Close()              {}

func newTestServer(t *testing.T) (*Server, *repository.MemoryRepository, *registry.Registry) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	reg := registry.New(nil)
	keys := apikeys.NewService(repo, nil)
	tracker := health.NewTracker(config.BreakerConfig{
		FailurePercentage: 50, MinimumRequests: 10, WindowMs: 600000,
		RecoveryTimeoutMs: 60000, SuccessThreshold: 3,
	}, nil, nil)
	gw := gateway.New(reg, keys, nil, config.GatewayConfig{HeartbeatInterval: 30}, logger.Default())
	notifier := notify.New(nil, config.NotifyConfig{MaxAttempts: 1}, nil)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Registry: reg,
		Health:   tracker,
		Repo:     repo,
		Notifier: notifier,
		Keys:     keys,
		Gateway:  gw,
	}, nil)
	return srv, repo, reg
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, reg := newTestServer(t)
	reg.Register("a1", noopConn{})

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		AgentsOnline int    `json:"agents_online"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.AgentsOnline != 1 {
		t.Errorf("unexpected health body: %+v", body)
	}
}

func TestAgentsEndpointIncludesCircuitState(t *testing.T) {
	srv, _, reg := newTestServer(t)
	reg.Register("a1", noopConn{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Agents []struct {
			ID      string `json:"id"`
			Circuit string `json:"circuit"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Agents) != 1 || body.Agents[0].ID != "a1" {
		t.Fatalf("unexpected agents: %+v", body.Agents)
	}
	if body.Agents[0].Circuit != "closed" {
		t.Errorf("expected closed circuit, got %q", body.Agents[0].Circuit)
	}
}

func TestCreateAPIKeyReturnsPlaintextOnce(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/apikeys",
		[]byte(`{"agent_id":"a1","label":"rack 3"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Key     string `json:"key"`
		ID      string `json:"id"`
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Key == "" || body.AgentID != "a1" {
		t.Fatalf("unexpected key response: %+v", body)
	}

	// The stored record carries only the hash.
	stored, err := repo.GetAPIKeyByHash(context.Background(), apikeys.HashKey(body.Key))
	if err != nil {
		t.Fatal(err)
	}
	if stored.KeyHash == body.Key {
		t.Error("plaintext must not be stored")
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/apikeys", []byte(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing agent_id should be rejected, got %d", rec.Code)
	}
}

func TestQueueEndpointEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/queue/a1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestFailedNotificationsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/notifications/failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/notifications/failed/unknown/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry of unknown id should 404, got %d", rec.Code)
	}
}
