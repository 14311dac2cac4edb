package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sheetagent/internal/bus"
	"sheetagent/internal/domain"
)

// FailoverProvider asks the configured providers in order until one answers.
// The planning loop sees a single provider; which member served a step is
// only visible in logs and provider.error events.
type FailoverProvider struct {
	members []domain.Provider
	events  *bus.EventBus // optional
	logger  *slog.Logger
}

// NewFailoverProvider chains members in priority order. events may be nil.
func NewFailoverProvider(members []domain.Provider, events *bus.EventBus, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{members: members, events: events, logger: logger}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.members))
	for i, p := range fp.members {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Models lists every member's models once, primary first.
func (fp *FailoverProvider) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, p := range fp.members {
		for _, m := range p.Models() {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	return all
}

// SupportsToolCalling is true only when every member calls tools natively.
// A chain with one JSON-protocol member runs the whole loop in protocol mode
// so that any member can answer any step.
func (fp *FailoverProvider) SupportsToolCalling() bool {
	if len(fp.members) == 0 {
		return false
	}
	for _, p := range fp.members {
		if !p.SupportsToolCalling() {
			return false
		}
	}
	return true
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.members {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// Chat sends one planning step to the first member that answers. A done
// request context stops the chain.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.members) == 0 {
		return nil, fmt.Errorf("failover chain is empty")
	}
	var lastErr error
	for i, p := range fp.members {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				fp.logger.Info("planning step served by fallback provider", "provider", p.Name(), "position", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		fp.logger.Warn("provider failed, trying next in chain", "provider", p.Name(), "position", i+1, "error", err)
		if fp.events != nil {
			fp.events.Emit(bus.Event{
				Type:   bus.EventProviderError,
				Source: "provider",
				Payload: map[string]any{
					"provider": p.Name(),
					"position": i + 1,
					"fallback": i+1 < len(fp.members),
					"error":    err.Error(),
				},
			})
		}
	}
	return nil, fmt.Errorf("all %d providers in failover chain failed: %w", len(fp.members), lastErr)
}
