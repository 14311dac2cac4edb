package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"sheetagent/internal/agent"
	"sheetagent/internal/bus"
	"sheetagent/internal/chat"
	"sheetagent/internal/config"
	"sheetagent/internal/memory"
	"sheetagent/internal/metrics"
	"sheetagent/internal/provider"
	"sheetagent/internal/security"
	"sheetagent/internal/session"
	"sheetagent/internal/sheet"
	"sheetagent/internal/tool"
)

// app holds the wired components shared by serve and chat.
type app struct {
	cfg      *config.Config
	store    *memory.SQLiteStore
	events   *bus.EventBus
	metrics  *metrics.Collector
	sessions *session.Manager
	service  *chat.Service
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	events := bus.NewEventBus(logger)
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	registry := tool.NewRegistry(logger)
	if err := sheet.RegisterTools(registry); err != nil {
		store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	guard, err := security.NewEngine(cfg.Security, store, events, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("security engine: %w", err)
	}

	dispatcher := tool.NewDispatcher(tool.DispatcherConfig{
		Registry: registry,
		Guard:    guard,
		Events:   events,
		Metrics:  collector,
		Logger:   logger,
	})

	prov, err := provider.NewFactory(cfg, logger).WithEvents(events).Build()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("provider: %w", err)
	}

	var limiter *agent.RateLimiter
	if n := cfg.Agent.RateLimitPerMinute; n > 0 {
		limiter = agent.NewRateLimiter(max(1, n/6), float64(n))
	}

	model := ""
	if pc, ok := cfg.Providers[cfg.General.DefaultProvider]; ok && len(cfg.General.FailoverChain) == 0 {
		model = pc.DefaultModel
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:     prov,
		Dispatcher:   dispatcher,
		Prompt:       agent.NewPromptBuilder(registry, cfg.Agent.SystemPromptExtra),
		Limiter:      limiter,
		Usage:        store,
		Events:       events,
		Metrics:      collector,
		Logger:       logger,
		MaxSteps:     cfg.Agent.MaxSteps,
		HistoryTurns: cfg.Agent.HistoryTurns,
		Timeout:      time.Duration(cfg.Agent.RequestTimeoutSeconds) * time.Second,
		Model:        model,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
	})

	sessions := session.NewManager(session.ManagerConfig{
		Store:          store,
		Layout:         cfg,
		Guard:          guard,
		Events:         events,
		Metrics:        collector,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		TTL:            time.Duration(cfg.Storage.SessionTTLHours) * time.Hour,
		Logger:         logger,
	})

	service := chat.NewService(chat.ServiceConfig{
		Sessions:      sessions,
		Loop:          loop,
		Registry:      registry,
		MaxConcurrent: cfg.Server.MaxConcurrentRequests,
		PreviewRows:   cfg.Server.PreviewRows,
		Logger:        logger,
	})

	logger.Info("agent ready",
		"provider", prov.Name(),
		"native_tools", prov.SupportsToolCalling(),
		"tools", registry.Len(),
		"max_steps", cfg.Agent.MaxSteps,
	)

	return &app{
		cfg:      cfg,
		store:    store,
		events:   events,
		metrics:  collector,
		sessions: sessions,
		service:  service,
	}, nil
}

// startJanitor expires idle sessions in the background until ctx is done.
func (a *app) startJanitor(ctx context.Context) {
	interval := time.Duration(a.cfg.Storage.JanitorIntervalMinutes) * time.Minute
	go a.sessions.RunJanitor(ctx, interval)
}

func (a *app) Close() error {
	return a.store.Close()
}
