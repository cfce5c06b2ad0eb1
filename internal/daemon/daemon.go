package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logger"
	"github.com/parleyhq/parley/internal/maintenance"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/telegram"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/channels"
	"github.com/parleyhq/parley/pkg/delivery"
	"github.com/parleyhq/parley/pkg/directory"
	"github.com/parleyhq/parley/pkg/dispatch"
	"github.com/parleyhq/parley/pkg/fanout"
	"github.com/parleyhq/parley/pkg/gateway"
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/lane"
	"github.com/parleyhq/parley/pkg/quota"
	"github.com/parleyhq/parley/pkg/reasoning"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/tools"
)

// Daemon wires every orchestration component together and runs the inbound
// pipeline. All cross-component dependencies are injected here; no package
// reaches for another through a global.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	sessions  *session.Store
	directory *directory.Directory
	meter     *quota.Meter
	engine    reasoning.Engine
	knowledge *knowledge.Manager
	approvals *tools.PendingGate
	sandbox   *tools.Executor

	// Orchestration
	dispatcher   *dispatch.Dispatcher
	orchestrator *fanout.Orchestrator
	deliveries   *delivery.Router

	// Services
	gatewayServer   *gateway.Server
	telegramBot     *telegram.Bot
	maintenanceSvc  *maintenance.Service
	channelRegistry *channels.Registry

	// Ingress plumbing
	lanes *lane.Runner
	dedup *lane.DedupCache

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Seam for tests: a stub engine avoids real provider calls.
var newReasoningEngine = func(cfg reasoning.Config) (reasoning.Engine, error) {
	return reasoning.NewClient(cfg)
}

// New creates a daemon instance with every component initialized but nothing
// started yet.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := tracing.InitOpenTelemetry("parley-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.teardown()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.teardown()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the storage and reasoning layer in dependency
// order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if cfg.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}

	sessions, err := session.NewStore(session.Config{
		DBPath: filepath.Join(cfg.DataDir, "sessions.db"),
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	d.sessions = sessions

	dir, err := directory.New(directory.Config{
		TenantsFile: cfg.TenantsFile,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tenant directory: %w", err)
	}
	if err := dir.Load(); err != nil {
		return fmt.Errorf("failed to load tenant directory: %w", err)
	}
	d.directory = dir

	meter, err := quota.NewMeter(quota.Config{
		DBPath:               filepath.Join(cfg.DataDir, "usage.db"),
		DefaultDailyMessages: cfg.Quota.DailyMessageLimit,
		DefaultDailyTokens:   cfg.Quota.DailyTokenLimit,
		Logger:               zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize quota meter: %w", err)
	}
	d.meter = meter

	profiles := make([]reasoning.Profile, 0, len(cfg.Reasoning.Profiles))
	for _, p := range cfg.Reasoning.Profiles {
		profiles = append(profiles, reasoning.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	engine, err := newReasoningEngine(reasoning.Config{
		Profiles:   profiles,
		Timeout:    time.Duration(cfg.Reasoning.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Reasoning.MaxRetries,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize reasoning engine: %w", err)
	}
	d.engine = engine

	if cfg.Knowledge.Enabled {
		if err := os.MkdirAll(cfg.Knowledge.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create knowledge directory: %w", err)
		}
		km, err := knowledge.NewManager(knowledge.Config{
			RootDir:  cfg.Knowledge.Dir,
			DBPath:   filepath.Join(cfg.DataDir, "knowledge.db"),
			Logger:   zl,
			Embedder: d.embedderFromProfiles(cfg.Reasoning.Profiles),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize knowledge manager: %w", err)
		}
		d.knowledge = km
	}

	if cfg.Tools.ApprovalsEnabled {
		d.approvals = tools.NewPendingGate(tools.PendingGateConfig{
			Timeout: time.Duration(cfg.Tools.ApprovalTimeoutSeconds) * time.Second,
			Logger:  zl,
		})
	}

	executorCfg := tools.Config{
		DefaultTimeout: time.Duration(cfg.Tools.ExecutionTimeoutSeconds) * time.Second,
		Logger:         zl,
	}
	if d.approvals != nil {
		executorCfg.Gate = d.approvals
	}
	d.sandbox = tools.NewExecutor(executorCfg)

	if err := d.registerBuiltinTools(); err != nil {
		return err
	}

	return nil
}

// embedderFromProfiles returns an OpenAI embedder when an OpenAI credential
// is configured; without one the knowledge index runs keyword-only.
func (d *Daemon) embedderFromProfiles(profiles []config.ReasoningProfile) knowledge.Embedder {
	for _, p := range profiles {
		if p.Provider == "openai" && p.APIKey != "" {
			return knowledge.NewOpenAIEmbedder(p.APIKey, "")
		}
	}
	return nil
}

func (d *Daemon) registerBuiltinTools() error {
	if err := d.sandbox.Register(tools.CurrentTimeDefinition()); err != nil {
		return fmt.Errorf("failed to register current_time tool: %w", err)
	}
	if d.knowledge != nil {
		if err := d.sandbox.Register(tools.KnowledgeSearchDefinition(d.knowledge)); err != nil {
			return fmt.Errorf("failed to register knowledge_search tool: %w", err)
		}
	}
	return nil
}

// initializeServices builds delivery, orchestration, and the ingress surfaces
// on top of the core modules.
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	d.lanes = lane.NewRunner()
	d.dedup = lane.NewDedupCache(5 * time.Minute)

	gw, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Dispatch:     d.HandleInbound,
		Approvals:    d.approvals,
		History:      d.sessions,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway server: %w", err)
	}
	d.gatewayServer = gw

	resolver := delivery.NewCredentialResolver(d.directory, d.platformCredentials(), zl)
	router := delivery.NewRouter(resolver, zl)
	router.RegisterTransport(delivery.NewTelegramTransport(zl))
	if cfg.Channels.Webchat.Enabled {
		router.RegisterTransport(delivery.NewWebchatTransport(d.gatewayServer, zl))
	}
	if cfg.Channels.Webhook.Enabled {
		router.RegisterTransport(delivery.NewWebhookTransport(zl))
	}
	d.deliveries = router

	orch, err := fanout.NewOrchestrator(fanout.Config{
		DefaultTimeout: time.Duration(cfg.FanOut.DefaultTimeoutSeconds) * time.Second,
		MaxSpecialists: cfg.FanOut.MaxSpecialists,
		SnapshotDir:    cfg.FanOut.SnapshotDir,
		Runner:         d,
		Synthesizer:    d,
		Sessions:       d.sessions,
		Logger:         zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize fan-out orchestrator: %w", err)
	}
	d.orchestrator = orch

	dispatchCfg := dispatch.Config{
		HistoryWindow: cfg.Dispatch.HistoryWindow,
		FanOutTimeout: time.Duration(cfg.FanOut.DefaultTimeoutSeconds) * time.Second,
		Engine:        d.engine,
		Store:         d.sessions,
		Router:        d.deliveries,
		Quota:         dispatch.NewMeterGate(d.meter),
		Sandbox:       d.sandbox,
		Directory:     d.directory,
		FanOuts:       d.orchestrator,
		Drafts:        d.gatewayServer,
		Logger:        zl,
	}
	if d.knowledge != nil {
		dispatchCfg.Knowledge = d.knowledge
	}
	dispatcher, err := dispatch.NewDispatcher(dispatchCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	d.dispatcher = dispatcher

	d.mirrorFanOutEvents()

	registry := channels.NewRegistry(d.HandleInbound)
	if cfg.Channels.Webchat.Enabled {
		if err := registry.Register(channels.NewDirectChannel("webchat")); err != nil {
			return fmt.Errorf("failed to register webchat channel: %w", err)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		if err := registry.Register(channels.NewDirectChannel("telegram")); err != nil {
			return fmt.Errorf("failed to register telegram channel: %w", err)
		}
	}
	d.channelRegistry = registry

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken != "" {
		bot, err := telegram.New(telegram.Config{
			BotToken: cfg.Channels.Telegram.BotToken,
			Resolver: d.directory,
			Dispatch: d.HandleInbound,
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telegram bot: %w", err)
		}
		d.telegramBot = bot
	}

	sweeps, err := maintenance.NewService(maintenance.Config{
		Maintenance: cfg.Maintenance,
		Sessions:    d.sessions,
		Snapshots:   d.orchestrator,
		Usage:       d.meter,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize maintenance service: %w", err)
	}
	d.maintenanceSvc = sweeps

	return nil
}

// platformCredentials builds the platform-shared fallback credential set from
// configuration. Channels without a configured fallback are simply absent.
func (d *Daemon) platformCredentials() map[string]directory.ProviderCredential {
	creds := make(map[string]directory.ProviderCredential)
	if token := d.config.Channels.Telegram.BotToken; token != "" {
		creds["telegram"] = directory.ProviderCredential{
			Channel: "telegram",
			Kind:    directory.CredentialTelegramBot,
			Token:   token,
		}
	}
	return creds
}

// RunSpecialist implements fanout.Runner by forwarding to the dispatcher.
// The indirection breaks the construction cycle between the orchestrator and
// the dispatcher.
func (d *Daemon) RunSpecialist(ctx context.Context, req fanout.SpecialistRequest) (string, error) {
	return d.dispatcher.RunSpecialist(ctx, req)
}

// Synthesize implements fanout.Synthesizer by forwarding to the dispatcher.
func (d *Daemon) Synthesize(ctx context.Context, req fanout.SynthesisRequest) (string, error) {
	return d.dispatcher.Synthesize(ctx, req)
}

// Start brings up the ingress surfaces and background services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	zl := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	zl.Info().Msg("Starting Parley daemon")

	if err := d.directory.StartWatching(); err != nil {
		zl.Warn().Err(err).Msg("Tenant directory hot-reload unavailable")
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	zl.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server started")

	if err := d.channelRegistry.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start ingress channels: %w", err)
	}
	zl.Info().Strs("channels", d.channelRegistry.Names()).Msg("Ingress channels started")

	if d.telegramBot != nil {
		if err := d.telegramBot.Start(); err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		zl.Info().Msg("Telegram bot started")
	}

	d.maintenanceSvc.Start()

	if d.knowledge != nil {
		go func() {
			if err := d.knowledge.Sync(d.ctx); err != nil {
				zl.Warn().Err(err).Msg("Initial knowledge sync failed")
			}
		}()
	}

	zl.Info().Msg("Parley daemon started")
	return nil
}

// Stop shuts everything down: ingress first so no new work arrives, then the
// pipeline drains, then stores close.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.GetZerolog()
	zl.Info().Msg("Stopping Parley daemon")

	if d.telegramBot != nil {
		if err := d.telegramBot.Stop(); err != nil {
			zl.Warn().Err(err).Msg("Failed to stop telegram bot")
		}
	}
	if err := d.channelRegistry.StopAll(d.ctx); err != nil {
		zl.Warn().Err(err).Msg("Failed to stop ingress channels")
	}

	if !d.lanes.WaitIdle(10 * time.Second) {
		zl.Warn().Msg("Timed out waiting for in-flight dispatches to drain")
	}

	d.maintenanceSvc.Stop()

	if err := d.gatewayServer.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.directory.StopWatching(); err != nil {
		zl.Warn().Err(err).Msg("Failed to stop tenant directory watcher")
	}

	d.teardown()
	zl.Info().Msg("Parley daemon stopped")
	return nil
}

// teardown releases everything New allocated. Safe to call on a partially
// constructed daemon.
func (d *Daemon) teardown() {
	d.cancel()

	if d.lanes != nil {
		_ = d.lanes.Close()
	}
	if d.dedup != nil {
		d.dedup.Stop()
	}
	if d.knowledge != nil {
		_ = d.knowledge.Close()
	}
	if d.meter != nil {
		_ = d.meter.Close()
	}
	if d.sessions != nil {
		_ = d.sessions.Close()
	}
	_ = observability.GetAuditLogger().Close()
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracing.ShutdownOpenTelemetry(ctx)
		cancel()
		d.tracingEnabled = false
	}
}

// Status is a point-in-time view of the daemon for the CLI and the gateway's
// system.status method.
type Status struct {
	Running        bool          `json:"running"`
	Uptime         time.Duration `json:"uptime"`
	ActiveSessions int           `json:"active_sessions"`
	Channels       []string      `json:"channels"`
}

// Status reports the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running}
	if d.running {
		st.Uptime = time.Since(d.startTime)
	}
	if d.channelRegistry != nil {
		st.Channels = d.channelRegistry.Names()
	}
	if d.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := d.sessions.CountActive(ctx); err == nil {
			st.ActiveSessions = n
		}
	}
	return st
}

// Wait blocks until the daemon receives SIGINT or SIGTERM, or is cancelled.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-d.ctx.Done():
	}
}

// Logger exposes the daemon logger for the CLI.
func (d *Daemon) Logger() zerolog.Logger {
	return d.logger.GetZerolog()
}
