package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrun/gateway/internal/domain/agent"
	"github.com/agentrun/gateway/internal/domain/repository"
	domaintool "github.com/agentrun/gateway/internal/domain/tool"
	"github.com/agentrun/gateway/internal/infrastructure/eventbus"
	"github.com/agentrun/gateway/internal/infrastructure/gatewayauth"
	"github.com/agentrun/gateway/internal/infrastructure/monitoring"
	"github.com/agentrun/gateway/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer builds the HTTP server hosting the /agents surface: template
// and instance lifecycle, blocking and streaming invocation, human-in-the-
// loop resume, the process-wide SSE event feed, workspace file transfer,
// and the Docker terminal bridge.
func NewServer(
	cfg Config,
	registry *agent.Registry,
	threads repository.ThreadRepository,
	tools domaintool.Registry,
	clientHub *eventbus.ClientHub,
	authClient *gatewayauth.Client,
	monitor *monitoring.Monitor,
	logger *zap.Logger,
) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	agentHandler := handlers.NewAgentHandler(registry, threads, tools, clientHub, authClient, logger)
	filesHandler := handlers.NewFilesHandler(registry, logger)

	setupRoutes(router, agentHandler, filesHandler, authClient, monitor)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes wires the full /agents table named by the routing contract:
// template/instance CRUD, tool and backend patching, invoke/stream/resume
// in both bare (default template) and {id}-scoped forms, the tool catalog,
// the SSE event feed, workspace files, and the terminal websocket.
func setupRoutes(router *gin.Engine, agentHandler *handlers.AgentHandler, filesHandler *handlers.FilesHandler, authClient *gatewayauth.Client, monitor *monitoring.Monitor) {
	router.GET("/health", agentHandler.Health)
	if monitor != nil {
		router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))
	}

	auth := requireAuth(authClient)

	agents := router.Group("/agents", auth)
	{
		agents.POST("/", agentHandler.CreateAgent)
		agents.GET("/", agentHandler.ListAgents)
		agents.GET("/:id", agentHandler.GetAgent)
		agents.DELETE("/:id", agentHandler.DeleteAgent)
		agents.PATCH("/:id/tools", agentHandler.PatchTools)
		agents.PATCH("/:id/backend", agentHandler.PatchBackend)

		agents.POST("/invoke", agentHandler.Invoke)
		agents.POST("/:id/invoke", agentHandler.Invoke)
		agents.POST("/stream", agentHandler.Stream)
		agents.POST("/:id/stream", agentHandler.Stream)
		agents.POST("/resume", agentHandler.Resume)
		agents.POST("/:id/resume", agentHandler.Resume)

		agents.GET("/tools/available", agentHandler.AvailableTools)
		agents.GET("/events", agentHandler.Events)

		agents.GET("/files", filesHandler.Download)
		agents.PUT("/files", filesHandler.Upload)

		agents.GET("/:id/terminal", agentHandler.Terminal)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
