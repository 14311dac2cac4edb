package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sheetagent/internal/bus"
	"sheetagent/internal/config"
	"sheetagent/internal/domain"
)

const ollamaDefaultBase = "http://localhost:11434/v1"

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	events       *bus.EventBus
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// WithEvents makes failover chains built by f report member failures on
// the bus.
func (f *Factory) WithEvents(events *bus.EventBus) *Factory {
	f.events = events
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAI(openAIConfig(name, pc, logger))
	}
	// Ollama serves the OpenAI wire format under /v1 and ignores the key.
	f.constructors["ollama"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		oc := openAIConfig(name, pc, logger)
		if oc.APIBase == "" {
			oc.APIBase = ollamaDefaultBase
		}
		if oc.APIKey == "" {
			oc.APIKey = "ollama"
		}
		return NewOpenAI(oc)
	}
}

func openAIConfig(name string, pc config.ProviderConfig, logger *slog.Logger) OpenAIConfig {
	return OpenAIConfig{
		Name:       name,
		APIKey:     pc.APIKey,
		APIBase:    pc.APIBase,
		Model:      pc.DefaultModel,
		MaxRetries: pc.MaxRetries,
		JSONMode:   pc.JSONMode,
		HTTPClient: SharedHTTPClient(time.Duration(pc.TimeoutSeconds) * time.Second),
		Logger:     logger,
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		p = ctor(name, pc, f.logger)
	} else if pc.APIBase != "" {
		// Anything else with an endpoint is treated as OpenAI-compatible.
		p = NewOpenAI(openAIConfig(name, pc, f.logger))
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}

	f.cache[name] = p
	return p, nil
}

// Build returns the provider the agent talks to: the failover chain when one
// is configured, otherwise the default provider.
func (f *Factory) Build() (domain.Provider, error) {
	chain := f.cfg.General.FailoverChain
	if len(chain) == 0 {
		return f.Get("")
	}
	providers := make([]domain.Provider, 0, len(chain))
	for _, name := range chain {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping provider in failover chain", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	switch len(providers) {
	case 0:
		return nil, fmt.Errorf("no usable provider in failover chain %v", chain)
	case 1:
		return providers[0], nil
	}
	return NewFailoverProvider(providers, f.events, f.logger), nil
}

// HealthReport checks every enabled provider, in name order.
func (f *Factory) HealthReport(ctx context.Context) map[string]error {
	names := make([]string, 0, len(f.cfg.Providers))
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	report := make(map[string]error, len(names))
	for _, name := range names {
		p, err := f.Get(name)
		if err != nil {
			report[name] = err
			continue
		}
		report[name] = p.Healthy(ctx)
	}
	return report
}
