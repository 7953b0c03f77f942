// Package admin exposes the broker's HTTP surface: the agent WebSocket
// endpoint, health and metrics, and a small operator API over the registry,
// queues, and credentials.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/broker/apikeys"
	"github.com/botmaster/botmaster/internal/broker/gateway"
	"github.com/botmaster/botmaster/internal/broker/health"
	"github.com/botmaster/botmaster/internal/broker/notify"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/repository"
)

const defaultTaskListLimit = 50

// Server is the broker's HTTP front: gin router plus the http.Server
// lifecycle around it.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// Deps collects everything the HTTP surface reads from.
type Deps struct {
	Registry *registry.Registry
	Health   *health.Tracker
	Repo     repository.Repository
	Notifier *notify.Notifier
	Keys     *apikeys.Service
	Gateway  *gateway.Gateway
}

// New builds the router and binds it to the configured listen address.
func New(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "admin_server"))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		logger: log,
		http: &http.Server{
			Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
	}
	s.routes(deps)
	return s
}

func (s *Server) routes(deps Deps) {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"agents_online": deps.Registry.OnlineCount(),
		})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws/agent", deps.Gateway.HandleAgentSocket)

	api := s.engine.Group("/api/v1")

	api.GET("/agents", func(c *gin.Context) {
		agents := deps.Registry.List()
		type agentView struct {
			registry.Agent
			Circuit string `json:"circuit"`
		}
		out := make([]agentView, 0, len(agents))
		for _, a := range agents {
			out = append(out, agentView{Agent: a, Circuit: deps.Health.State(a.ID).String()})
		}
		c.JSON(http.StatusOK, gin.H{"agents": out})
	})

	api.GET("/queue/:agentId", func(c *gin.Context) {
		agentID := c.Param("agentId")
		entries, err := deps.Repo.ListPendingOfflineMessages(c.Request.Context(), agentID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "pending": entries})
	})

	api.GET("/tasks", func(c *gin.Context) {
		ctx := c.Request.Context()
		limit := queryInt(c, "limit", defaultTaskListLimit)
		if projectID := c.Query("project"); projectID != "" {
			tasks, err := deps.Repo.ListTasksByProject(ctx, projectID, limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"tasks": tasks})
			return
		}
		tasks, err := deps.Repo.ListRecentTasks(ctx, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	})

	api.GET("/notifications/failed", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"failed": deps.Notifier.FailedNotifications()})
	})

	api.POST("/notifications/failed/:id/retry", func(c *gin.Context) {
		if err := deps.Notifier.RetryFailed(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "retried"})
	})

	api.DELETE("/notifications/failed", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cleared": deps.Notifier.ClearFailed()})
	})

	api.POST("/apikeys", func(c *gin.Context) {
		var body struct {
			AgentID string `json:"agent_id" binding:"required"`
			Label   string `json:"label"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		plaintext, key, err := deps.Keys.Create(c.Request.Context(), body.AgentID, body.Label)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// The plaintext appears in this response and nowhere else.
		c.JSON(http.StatusCreated, gin.H{"key": plaintext, "id": key.ID, "agent_id": key.AgentID})
	})

	api.GET("/apikeys", func(c *gin.Context) {
		keys, err := deps.Keys.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	})

	api.DELETE("/apikeys/:id", func(c *gin.Context) {
		if err := deps.Keys.Revoke(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Admin server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
