package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentrun/gateway/internal/domain/agent"
	"github.com/agentrun/gateway/internal/domain/repository"
	"github.com/agentrun/gateway/internal/domain/service"
	domaintool "github.com/agentrun/gateway/internal/domain/tool"
	"github.com/agentrun/gateway/internal/infrastructure/config"
	"github.com/agentrun/gateway/internal/infrastructure/eventbus"
	"github.com/agentrun/gateway/internal/infrastructure/gatewayauth"
	"github.com/agentrun/gateway/internal/infrastructure/llm"
	_ "github.com/agentrun/gateway/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/agentrun/gateway/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/agentrun/gateway/internal/infrastructure/llm/openai"    // register openai provider factory
	_ "github.com/agentrun/gateway/internal/infrastructure/llm/proxy"     // register proxy provider factory
	"github.com/agentrun/gateway/internal/infrastructure/monitoring"
	"github.com/agentrun/gateway/internal/infrastructure/persistence"
	"github.com/agentrun/gateway/internal/infrastructure/sandbox"
	"github.com/agentrun/gateway/internal/infrastructure/sideload"
	toolpkg "github.com/agentrun/gateway/internal/infrastructure/tool"
	httpServer "github.com/agentrun/gateway/internal/interfaces/http"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the dependency-injection container wiring one agent runtime
// server process: the shared tool/LLM stack every instance's AgentLoop is
// built against, the template/instance registry, and the HTTP interface
// that fronts it.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	threads repository.ThreadRepository

	toolRegistry domaintool.Registry
	toolExecutor *toolpkg.Executor
	llmRouter    *llm.Router
	mcpManager   *toolpkg.MCPManager
	sideloadMgr  *sideload.Manager
	securityHook *service.SecurityHook
	monitor      *monitoring.Monitor

	clientHub  *eventbus.ClientHub
	authClient *gatewayauth.Client
	registry   *agent.Registry
	httpServer *httpServer.Server
}

// NewApp builds the full DI graph and pre-registers any agent templates
// named by config.yaml's `agents`/`defaults` blocks.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{config: cfg, logger: logger}

	if err := app.initPersistence(); err != nil {
		return nil, fmt.Errorf("failed to init persistence: %w", err)
	}
	if err := app.initToolsAndLLM(); err != nil {
		return nil, fmt.Errorf("failed to init tools/llm: %w", err)
	}
	if err := app.initRegistry(); err != nil {
		return nil, fmt.Errorf("failed to init agent registry: %w", err)
	}
	if err := app.initHTTP(); err != nil {
		return nil, fmt.Errorf("failed to init http server: %w", err)
	}
	app.seedTemplates()

	return app, nil
}

// initPersistence connects the database and builds the thread transcript
// repository. A gorm-backed repository when Database.DSN is configured,
// an in-memory one otherwise (useful for tests and ephemeral local runs).
func (app *App) initPersistence() error {
	app.logger.Info("Initializing persistence")

	if app.config.Database.DSN == "" {
		app.threads = persistence.NewMemoryThreadRepository()
		return nil
	}

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.threads = persistence.NewGormThreadRepository(db)
	return nil
}

// initToolsAndLLM builds the shared tool registry, executor, MCP manager,
// and LLM router every instance's AgentLoop is wired against. Tool
// execution stays process-wide (one sandboxed executor, following the
// teacher's single-process tool layer) — only the workspace file and
// terminal routes are scoped to a cloned instance's own backend; see
// initRegistry's InstanceFactory.
func (app *App) initToolsAndLLM() error {
	app.logger.Info("Initializing tool registry and LLM router")

	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	app.toolExecutor = toolpkg.NewExecutor(
		app.toolRegistry,
		&domaintool.Policy{Profile: "full"},
		sbx, app.logger,
	)

	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider", zap.String("name", p.Name), zap.Error(err))
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized", zap.Int("providers", len(app.config.Agent.Providers)))

	mcpConfigPath := filepath.Join(homeDir, ".agentrun", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// Sideload modules are a second, supervised-subprocess source of tools
	// registered into the same registry MCP servers populate — a workspace
	// can ship a provider-specific tool module without going through MCP.
	app.sideloadMgr = sideload.NewManager(app.toolRegistry, app.logger)
	if app.config.Agent.Workspace != "" {
		app.sideloadMgr.SetProjectDir(app.config.Agent.Workspace)
	}
	if err := app.sideloadMgr.DiscoverAndStart(context.Background()); err != nil {
		app.logger.Warn("Sideload module discovery failed, continuing without sideload tools", zap.Error(err))
	}

	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:   app.toolRegistry,
		Sandbox:    sbx,
		MCPManager: app.mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: &toolBridge{registry: app.toolRegistry},
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Dangerous-tool gating stays wired per the teacher's SecurityConfig,
	// auto-approving since the blocking Telegram-confirmation channel this
	// hook was built for no longer exists — interrupt_on + POST resume is
	// the runtime's actual human-in-the-loop path (see agent_loop.go).
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		func(ctx context.Context, toolName string, args map[string]interface{}) (bool, error) {
			return true, nil
		},
		app.logger,
	)

	app.monitor = monitoring.NewMonitor(app.logger)
	app.monitor.StartCollector(context.Background(), time.Minute)

	return nil
}

// baseLoopConfig builds the AgentLoopConfig shared by every instance,
// before InstanceFactory overlays a template's Model and InterruptOn.
func (app *App) baseLoopConfig() service.AgentLoopConfig {
	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			loopCfg.ModelPolicies[key] = &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.LoopDetectThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.ContextMaxTokens > 0 {
		loopCfg.ContextMaxTokens = app.config.Agent.Guardrails.ContextMaxTokens
	}
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}
	if app.config.Agent.MaxIterations > 0 {
		loopCfg.MaxIterations = app.config.Agent.MaxIterations
	}
	return loopCfg
}

// initRegistry builds the template/instance registry together with the
// InstanceFactory that clones a concrete AgentLoop and sandbox backend
// per (template, username). Grounded on original_source's
// get_or_clone_agent wiring a fresh DockerBackend/ProcessBackend per call.
func (app *App) initRegistry() error {
	app.logger.Info("Initializing agent registry")

	app.clientHub = eventbus.NewClientHub(app.logger)
	app.authClient = gatewayauth.NewClient(app.config.Gateway.AuthURL, app.logger)

	loopTools := &toolBridge{registry: app.toolRegistry}
	baseLoopCfg := app.baseLoopConfig()

	factory := func(tmpl *agent.Template, username string) (*service.AgentLoop, agent.BackendHandle, error) {
		loopCfg := baseLoopCfg
		if tmpl.Model != "" {
			loopCfg.Model = tmpl.Model
		}
		loopCfg.InterruptOn = tmpl.InterruptSet()

		loop := service.NewAgentLoop(app.llmRouter, loopTools, loopCfg, app.logger)
		loop.SetHooks(service.NewHookChain(app.securityHook, monitoring.NewMetricsHook(app.monitor)))

		mwPipeline := service.NewMiddlewarePipeline(app.logger)
		mwPipeline.Use(service.NewDanglingToolCallMiddleware(app.logger))
		loop.SetMiddleware(mwPipeline)

		toolMW := service.NewToolMiddlewarePipeline(app.logger)
		toolMW.Use(service.NewToolCallLoggingMiddleware(app.logger))
		loop.SetToolMiddleware(toolMW)

		backendKind := tmpl.Backend.Kind
		if backendKind == "" {
			backendKind = "process"
		}

		switch backendKind {
		case "docker":
			containerName := fmt.Sprintf("agentrt-%s-%s", tmpl.ID, username)
			dcfg := sandbox.DefaultDockerConfig(containerName)
			if tmpl.Backend.Image != "" {
				dcfg.Image = tmpl.Backend.Image
			}
			if tmpl.Backend.Host != "" {
				dcfg.Host = tmpl.Backend.Host
			}
			if tmpl.Backend.WorkDir != "" {
				dcfg.WorkDir = tmpl.Backend.WorkDir
			}
			ds := sandbox.NewDockerSandbox(dcfg, app.logger)
			ds.LaunchAsync(func(status sandbox.ContainerStatus, launchErr error) {
				payload := map[string]interface{}{
					"agent_id": tmpl.ID,
					"status":   string(status),
				}
				if launchErr != nil {
					payload["error"] = launchErr.Error()
				}
				app.clientHub.Publish(username, "container_status", payload)
			})
			return loop, agent.BackendHandle{
				Kind:          "docker",
				Files:         ds,
				DockerHost:    dcfg.Host,
				ContainerName: containerName,
			}, nil
		default:
			psCfg := sandbox.DefaultConfig()
			psCfg.PythonEnv = app.config.PythonEnv
			if tmpl.Backend.WorkDir != "" {
				psCfg.WorkDir = tmpl.Backend.WorkDir
			}
			ps, err := sandbox.NewProcessSandbox(psCfg, app.logger)
			if err != nil {
				return nil, agent.BackendHandle{}, err
			}
			return loop, agent.BackendHandle{Kind: "process", Files: ps}, nil
		}
	}

	app.registry = agent.NewRegistry(factory, app.logger)
	return nil
}

// initHTTP wires the /agents HTTP surface.
func (app *App) initHTTP() error {
	app.logger.Info("Initializing HTTP interface")

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		app.registry,
		app.threads,
		app.toolRegistry,
		app.clientHub,
		app.authClient,
		app.monitor,
		app.logger,
	)
	return nil
}

// seedTemplates registers the templates named by config.yaml's
// `agents`/`defaults` blocks, mirroring original_source's agents.yaml
// boot-time loader. Failures here are non-fatal — a misconfigured seed
// entry shouldn't block the server from starting with the rest.
func (app *App) seedTemplates() {
	defaults := app.config.Defaults
	for _, seed := range app.config.AgentSeeds {
		model := seed.Model
		if model == "" {
			model = defaults.Model
		}
		allowed := seed.AllowedTools
		if len(allowed) == 0 {
			allowed = defaults.AllowedTools
		}
		backendKind := seed.BackendKind
		if backendKind == "" {
			backendKind = defaults.BackendKind
		}
		if backendKind == "" {
			backendKind = "process"
		}

		tmpl := &agent.Template{
			ID:           seed.ID,
			Name:         seed.Name,
			SystemPrompt: seed.SystemPrompt,
			Model:        model,
			AllowedTools: allowed,
			DeniedTools:  seed.DeniedTools,
			InterruptOn:  seed.InterruptOn,
			Backend: agent.BackendSpec{
				Kind:  backendKind,
				Image: seed.BackendImage,
			},
			CreatedAt: time.Now(),
		}
		app.registry.RegisterTemplate(tmpl)
		app.logger.Info("Seeded agent template", zap.String("id", tmpl.ID), zap.String("name", tmpl.Name))
	}
}

// Start starts the HTTP interface.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	app.logger.Info("Application started successfully")
	return nil
}

// Stop tears down the HTTP interface and database connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if app.sideloadMgr != nil {
		app.sideloadMgr.StopAll(ctx)
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config.
func (app *App) AppConfig() *config.Config {
	return app.config
}

// Registry returns the agent template/instance registry.
func (app *App) Registry() *agent.Registry {
	return app.registry
}

// ToolRegistry returns the shared tool registry.
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}
