package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/sparrow/internal/config"
	"github.com/harun/sparrow/internal/logger"
	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/internal/tracing"
	"github.com/harun/sparrow/pkg/agent"
	"github.com/harun/sparrow/pkg/chat"
	"github.com/harun/sparrow/pkg/commandqueue"
	"github.com/harun/sparrow/pkg/gateway"
	"github.com/harun/sparrow/pkg/session"
	"github.com/harun/sparrow/pkg/toolexecutor"
)

// EventMCPReloaded is broadcast to gateway clients after mcp_config.json
// changes on disk.
const EventMCPReloaded = "mcp.reloaded"

// Daemon represents the Sparrow daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store   *session.Store
	cleanup *session.Cleanup
	tools   *toolexecutor.Manager
	watcher *toolexecutor.ConfigWatcher
	backend agent.CompletionStreamProvider
	models  *agent.ActiveModel
	runner  *agent.Runner
	queue   *commandqueue.CommandQueue
	chat    *chat.Service

	// Services
	gatewayServer *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	tracingEnabled := true
	if err := tracing.InitOpenTelemetry("sparrow-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: tracingEnabled,
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Close releases the resources of a daemon that was never started, or
// whatever New managed to open before failing.
func (d *Daemon) Close() {
	d.cancel()
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.tools != nil {
		_ = d.tools.Close()
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds the session store, tool manager, backend,
// runner, queue and chat service in dependency order.
func (d *Daemon) initializeCoreModules() error {
	storeLogger := d.logger.Component("session")
	store, err := session.New(session.Config{
		DBPath: d.config.Sessions.DBPath,
		Logger: &storeLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store
	d.cleanup = session.NewCleanup(store, 0, 0)
	d.logger.Info().Str("db_path", d.config.Sessions.DBPath).Msg("Session store initialized")

	local := toolexecutor.NewLocalRegistry()
	if err := toolexecutor.RegisterBuiltins(local); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	tools, err := toolexecutor.NewManager(toolexecutor.ManagerConfig{
		ConfigPath: d.config.MCP.ConfigPath,
		Local:      local,
		Logger:     d.logger.Component("mcp"),
	})
	if err != nil {
		return fmt.Errorf("failed to load MCP config: %w", err)
	}
	d.tools = tools
	d.logger.Info().
		Str("config_path", d.config.MCP.ConfigPath).
		Int("servers", len(tools.Servers())).
		Msg("Tool manager initialized")

	if d.config.MCP.WatchConfig && d.config.MCP.ConfigPath != "" {
		watcher, err := toolexecutor.NewConfigWatcher(tools, d.logger.Component("mcp-watcher"))
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to create MCP config watcher")
		} else {
			watcher.OnReload = d.handleMCPReload
			d.watcher = watcher
		}
	}

	backend, err := agent.NewProvider(agent.ProviderConfig{
		Provider: d.config.Backend.Provider,
		BaseURL:  d.config.Backend.BaseURL,
		APIKey:   d.config.Backend.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	d.backend = backend
	d.models = agent.NewActiveModel(d.config.Backend.Model)
	d.logger.Info().
		Str("provider", backend.Provider()).
		Str("base_url", d.config.Backend.BaseURL).
		Str("model", d.config.Backend.Model).
		Msg("Completion backend initialized")

	runner, err := agent.NewRunner(agent.Config{
		SystemPrompt:       d.config.Chat.SystemPrompt,
		MaxHistoryMessages: d.config.Chat.MaxHistoryMessages,
		ToolTimeout:        d.config.Chat.ToolTimeout,
		Logger:             d.logger.Component("agent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	d.runner = runner

	queueLogger := d.logger.Component("queue")
	d.queue = commandqueue.New(commandqueue.Config{Logger: &queueLogger})
	d.logger.Info().Msg("Command queue initialized")

	chatLogger := d.logger.Component("chat")
	service, err := chat.NewService(chat.Config{
		Runner:         runner,
		Backend:        backend,
		Models:         d.models,
		Store:          store,
		Queue:          d.queue,
		Tools:          tools,
		IncludeHistory: d.config.Chat.IncludeHistory,
		SystemPrompt:   d.config.Chat.SystemPrompt,
		Sampling:       samplingDefaults(d.config.Sampling),
		Logger:         &chatLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat service: %w", err)
	}
	d.chat = service

	return nil
}

// initializeServices builds the gateway server.
func (d *Daemon) initializeServices() error {
	server, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Chat:         d.chat,
		Tools:        d.tools,
		Models:       d.models,
		Logger:       d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	return nil
}

// samplingDefaults converts configured sampling values into request
// parameters. Zero values are left unset.
func samplingDefaults(cfg config.SamplingConfig) agent.SamplingParams {
	var p agent.SamplingParams
	if cfg.Temperature != 0 {
		v := cfg.Temperature
		p.Temperature = &v
	}
	if cfg.TopP != 0 {
		v := cfg.TopP
		p.TopP = &v
	}
	if cfg.Seed != 0 {
		v := cfg.Seed
		p.Seed = &v
	}
	if cfg.MaxTokens != 0 {
		v := cfg.MaxTokens
		p.MaxTokens = &v
	}
	if cfg.MaxCompletionTokens != 0 {
		v := cfg.MaxCompletionTokens
		p.MaxCompletionTokens = &v
	}
	return p
}

func (d *Daemon) handleMCPReload(err error) {
	if err != nil {
		d.logger.Warn().Err(err).Msg("MCP config reload failed")
		return
	}
	d.logger.Info().Int("servers", len(d.tools.Servers())).Msg("MCP config reloaded")
	if d.gatewayServer != nil {
		d.gatewayServer.Broadcast(EventMCPReloaded, map[string]interface{}{
			"servers": d.tools.Servers(),
		})
	}
}

// connectAutoServers connects the configured MCP servers. Failures are
// logged and do not stop the daemon.
func (d *Daemon) connectAutoServers() {
	names := d.config.MCP.AutoConnect
	if len(names) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	connected := d.tools.ConnectAll(ctx, names)
	d.logger.Info().
		Strs("requested", names).
		Strs("connected", connected).
		Msg("MCP auto-connect finished")
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting Sparrow daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.connectAutoServers()

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start MCP config watcher")
		} else {
			logger.Info().Msg("MCP config watcher started")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.cleanup.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session cleanup")
	} else {
		logger.Info().Msg("Session cleanup started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping Sparrow daemon")

	// The gateway drains in-flight turns before closing connections.
	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop MCP config watcher")
		}
	}

	d.eventLoop.HandleShutdown()
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	if d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session cleanup")
		}
	}

	if err := d.tools.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close MCP connections")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close session store")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

// GetSessionStore returns the session store
func (d *Daemon) GetSessionStore() *session.Store {
	return d.store
}

// GetCleanup returns the session cleanup
func (d *Daemon) GetCleanup() *session.Cleanup {
	return d.cleanup
}

// GetToolManager returns the MCP tool manager
func (d *Daemon) GetToolManager() *toolexecutor.Manager {
	return d.tools
}

// GetAgentRunner returns the turn runner
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.runner
}

// GetChatService returns the chat service
func (d *Daemon) GetChatService() *chat.Service {
	return d.chat
}

// GetActiveModel returns the active model holder
func (d *Daemon) GetActiveModel() *agent.ActiveModel {
	return d.models
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
