// Package application wires the gateway's infrastructure packages
// (transport, registry, middleware, llmclient) and the domain Agent
// together into one runnable unit, and exposes the lifecycle cmd/gateway
// drives (Start/Stop).
package application

import (
	"context"
	"path/filepath"
	"time"

	domainagent "github.com/toolgw/gateway/internal/domain/agent"
	"github.com/toolgw/gateway/internal/domain/entity"
	"github.com/toolgw/gateway/internal/infrastructure/config"
	"github.com/toolgw/gateway/internal/infrastructure/llmclient"
	"github.com/toolgw/gateway/internal/infrastructure/middleware"
	"github.com/toolgw/gateway/internal/infrastructure/registry"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultShutdownGrace = 10 * time.Second

// App owns every long-lived component the gateway process needs.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pipeline      *middleware.Pipeline
	registry      *registry.Registry
	llm           *llmclient.Client
	agent         *domainagent.Agent
	actionLog     *domainagent.ActionLog
	rosterWatcher *config.RosterWatcher
	rosterPath    string
}

// NewApp constructs every component but does not yet connect to any tool
// server or start background watchers — call Start for that.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	pipeline := buildPipeline(cfg)

	reg := registry.New(logger, pipeline)
	llm := llmclient.New(cfg.LLM.BaseURL, pipeline)
	if cfg.LLM.DefaultModel != "" {
		// Best-effort; an unreachable inference service at startup should
		// not prevent the gateway from starting (spec.md §7 — LLMUnavailable
		// degrades the agent, it is not fatal at startup).
		_ = llm.SwitchModel(context.Background(), cfg.LLM.DefaultModel)
	}

	sessionID := domainagent.NewSessionID()
	actionLog := domainagent.NewActionLog(sessionID, cfg.Agent.SessionLogDir)

	generate := func(ctx context.Context, userPrompt, system, retrievedContext, model string) (string, error) {
		return llm.Generate(ctx, userPrompt, system, retrievedContext, model, llmclient.GenerateOptions{
			Temperature: cfg.LLM.Temperature,
			NumCtx:      cfg.LLM.NumCtx,
		})
	}

	ag := domainagent.New(reg, generate, nil, logger, actionLog)

	return &App{
		cfg:        cfg,
		logger:     logger,
		pipeline:   pipeline,
		registry:   reg,
		llm:        llm,
		agent:      ag,
		actionLog:  actionLog,
		rosterPath: filepath.Join(cfg.ServersDir, "client_config.json"),
	}, nil
}

func buildPipeline(cfg *config.Config) *middleware.Pipeline {
	rl := middleware.NewRateLimit(cfg.RateLimit.RatePerSecond, cfg.RateLimit.Burst)
	bh := middleware.NewBulkhead(cfg.Bulkhead.ToolCapacity)
	cb := middleware.NewCircuitBreaker(cfg.Circuit.FailureThreshold, cfg.Circuit.RecoveryTimeout)
	rt := middleware.NewRetry(cfg.Retry.BaseDelay, cfg.Retry.Multiplier, cfg.Retry.MaxDelay, cfg.Retry.MaxAttempts)

	cacheSpecs := []middleware.CacheSpec{
		{Name: middleware.CacheRAG, Capacity: cfg.Cache.RAG.Capacity, TTL: cfg.Cache.RAG.TTL},
		{Name: middleware.CacheOllama, Capacity: cfg.Cache.Ollama.Capacity, TTL: cfg.Cache.Ollama.TTL},
		{Name: middleware.CacheScraper, Capacity: cfg.Cache.Scraper.Capacity, TTL: cfg.Cache.Scraper.TTL},
		{Name: middleware.CacheGeneral, Capacity: cfg.Cache.General.Capacity, TTL: cfg.Cache.General.TTL},
	}
	cache := middleware.NewCache(cacheSpecs, cfg.Cache.SweepInterval)
	metrics := middleware.NewMetrics(prometheus.DefaultRegisterer)

	return middleware.NewPipeline(rl, bh, cb, rt, cache, metrics)
}

// Start loads the server roster, connects every enabled server, and begins
// watching the roster file for hot-reload changes.
func (a *App) Start(ctx context.Context) error {
	specs, err := config.LoadServerRoster(a.rosterPath)
	if err != nil {
		return err
	}

	if err := a.registry.ConnectAll(ctx, specs); err != nil {
		a.logger.Warn("no server connected at startup", zap.Error(err))
	}

	watcher, err := config.WatchServerRoster(a.rosterPath, a.logger, func(specs []entity.ServerSpec) {
		reconnectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.registry.Reconcile(reconnectCtx, specs); err != nil {
			a.logger.Warn("roster hot-reload reconcile failed", zap.Error(err))
		}
	})
	if err != nil {
		a.logger.Warn("failed to start roster watcher, hot reload disabled", zap.Error(err))
	} else {
		a.rosterWatcher = watcher
	}
	return nil
}

// Stop disconnects every tool server, stops the roster watcher, and
// persists the action log. Each step is best-effort within the shutdown
// deadline a caller's context carries.
func (a *App) Stop(ctx context.Context) error {
	if a.rosterWatcher != nil {
		_ = a.rosterWatcher.Close()
	}

	grace := defaultShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	a.registry.Shutdown(ctx, grace)

	if err := a.actionLog.Persist(); err != nil {
		a.logger.Warn("failed to persist session log", zap.Error(err))
		return gwerrors.Wrap(gwerrors.KindInternal, "failed to persist session log", err)
	}
	return nil
}

// Agent exposes the orchestration entry point the REPL drives.
func (a *App) Agent() *domainagent.Agent { return a.agent }

// Registry exposes the tool catalog for the REPL's /mcp-* commands.
func (a *App) Registry() *registry.Registry { return a.registry }

// ActionLog exposes the session's audit trail for /report and /save-report.
func (a *App) ActionLog() *domainagent.ActionLog { return a.actionLog }

// Logger exposes the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }
