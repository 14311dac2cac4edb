package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sheetagent/internal/bus"
	"sheetagent/internal/domain"
	"sheetagent/internal/metrics"
	"sheetagent/internal/tool"
)

const (
	defaultMaxSteps      = 5
	defaultHistoryTurns  = 40
	defaultContextTokens = 12000
	defaultLLMMaxTokens  = 2048
)

// Conversation is the session state one request runs against.
type Conversation interface {
	tool.Workspace
	Append(ctx context.Context, turns ...domain.Turn) ([]domain.Turn, error)
	Turns() []domain.Turn
	Files() []domain.FileRef
}

// UsageRecorder stores token usage per LLM call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sessionID, provider, model string, usage domain.Usage) error
}

// Loop is the planning engine: call the model, run the one tool it asks
// for, feed the result back, repeat until it answers or a limit is hit.
type Loop struct {
	provider   domain.Provider
	dispatcher *tool.Dispatcher
	prompt     *PromptBuilder
	limiter    *RateLimiter
	usage      UsageRecorder
	events     *bus.EventBus
	metrics    *metrics.Collector
	logger     *slog.Logger

	maxSteps      int
	historyTurns  int
	contextTokens int
	timeout       time.Duration
	model         string
	maxTokens     int
	temperature   float64
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Provider      domain.Provider
	Dispatcher    *tool.Dispatcher
	Prompt        *PromptBuilder     // optional: built from the dispatcher's registry
	Limiter       *RateLimiter       // optional
	Usage         UsageRecorder      // optional
	Events        *bus.EventBus      // optional
	Metrics       *metrics.Collector // optional
	Logger        *slog.Logger
	MaxSteps      int           // tool executions per request
	HistoryTurns  int           // turns replayed from earlier requests
	ContextTokens int           // rough cap on replayed history
	Timeout       time.Duration // per request; 0 disables
	Model         string
	MaxTokens     int
	Temperature   float64
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = defaultContextTokens
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(cfg.Dispatcher.Registry(), "")
	}
	return &Loop{
		provider:      cfg.Provider,
		dispatcher:    cfg.Dispatcher,
		prompt:        cfg.Prompt,
		limiter:       cfg.Limiter,
		usage:         cfg.Usage,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		maxSteps:      cfg.MaxSteps,
		historyTurns:  cfg.HistoryTurns,
		contextTokens: cfg.ContextTokens,
		timeout:       cfg.Timeout,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
	}
}

// Reply is the outcome of one user request.
type Reply struct {
	Text     string
	Degraded bool
	// Reason is set for degraded replies: StepBudgetExceeded, or "timeout".
	Reason string
	Steps  int
	// Turns appended by this request, in order.
	Turns []domain.Turn
}

// Results returns the tool results of this request in order.
func (r *Reply) Results() []domain.ToolResult {
	var out []domain.ToolResult
	for _, t := range r.Turns {
		if t.Kind == domain.TurnToolResult && t.Result != nil {
			out = append(out, *t.Result)
		}
	}
	return out
}

// Run handles one user message. Tool failures are fed back to the model;
// only a model failure (LLMUnavailable) or a storage failure ends the
// request with an error. Turns appended before an error stay in the log.
func (l *Loop) Run(ctx context.Context, conv Conversation, text string) (*Reply, error) {
	start := time.Now()
	reply, err := l.run(ctx, conv, text)

	outcome := "ok"
	steps := 0
	switch {
	case err != nil:
		outcome = strings.ToLower(string(domain.KindOf(err)))
		if outcome == "" {
			outcome = "error"
		}
	case reply.Degraded:
		outcome = "degraded"
	}
	if reply != nil {
		steps = reply.Steps
	}
	l.metrics.ObserveRequest(outcome, steps)

	payload := map[string]any{"outcome": outcome, "steps": steps, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		payload["error"] = domain.MessageOf(err)
	}
	l.emit(bus.EventRequestDone, conv.ID(), payload)
	return reply, err
}

func (l *Loop) run(ctx context.Context, conv Conversation, text string) (*Reply, error) {
	reply := &Reply{}
	appended, err := conv.Append(ctx, domain.UserTurn(text))
	if err != nil {
		return nil, err
	}
	reply.Turns = append(reply.Turns, appended...)
	currentFrom := appended[0].Seq

	reqCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	// Tools always run to completion once started.
	toolCtx := context.WithoutCancel(ctx)
	native := l.provider.SupportsToolCalling()

	for {
		if reply.Steps >= l.maxSteps {
			l.logger.Warn("step budget exhausted", "session", conv.ID(), "steps", reply.Steps)
			return l.degrade(ctx, conv, reply, string(domain.KindStepBudgetExceeded),
				fmt.Sprintf("I could not complete the task within the allotted %d steps.", l.maxSteps))
		}
		if timedOut(ctx, reqCtx) {
			return l.timeoutReply(ctx, conv, reply)
		}
		if err := ctx.Err(); err != nil {
			return reply, err
		}

		if err := l.limiter.Wait(reqCtx); err != nil {
			if timedOut(ctx, reqCtx) {
				return l.timeoutReply(ctx, conv, reply)
			}
			return reply, fmt.Errorf("rate limit: %w", err)
		}

		resp, err := l.plan(reqCtx, conv, currentFrom, native)
		if err != nil {
			if timedOut(ctx, reqCtx) {
				return l.timeoutReply(ctx, conv, reply)
			}
			l.logger.Error("LLM call failed", "session", conv.ID(), "provider", l.provider.Name(), "error", err)
			l.emit(bus.EventProviderError, conv.ID(), map[string]any{
				"provider": l.provider.Name(),
				"step":     reply.Steps + 1,
				"error":    err.Error(),
			})
			return reply, domain.WrapError(domain.KindLLMUnavailable, err, "language model unavailable")
		}

		calls := resp.ToolCalls
		thought := strings.TrimSpace(resp.Content)
		final := thought
		// Native providers report calls out of band; their content is prose.
		if !native && len(calls) == 0 {
			parsed := parseReply(resp.Content)
			calls, thought, final = parsed.Calls, parsed.Thought, parsed.Final
			if len(calls) > 0 {
				l.logger.Debug("extracted tool call from content", "session", conv.ID(), "tool", calls[0].Name)
			}
		}

		if len(calls) == 0 {
			if final == "" {
				final = "I have no further answer for this request."
			}
			turns, err := conv.Append(ctx, domain.AssistantTurn(final, false))
			if err != nil {
				return reply, err
			}
			reply.Turns = append(reply.Turns, turns...)
			reply.Text = final
			return reply, nil
		}

		if len(calls) > 1 {
			dropped := make([]string, 0, len(calls)-1)
			for _, c := range calls[1:] {
				dropped = append(dropped, c.Name)
			}
			l.logger.Info("model proposed several tool calls, running the first",
				"session", conv.ID(),
				"run", calls[0].Name,
				"discarded", dropped,
			)
		}
		call := calls[0]
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		if call.Arguments == nil {
			call.Arguments = make(map[string]any)
		}

		callTurn := domain.ToolCallTurn(call)
		callTurn.Text = thought
		turns, err := conv.Append(ctx, callTurn)
		if err != nil {
			return reply, err
		}
		reply.Turns = append(reply.Turns, turns...)

		result := l.dispatcher.Invoke(toolCtx, call, conv)
		reply.Steps++

		turns, err = conv.Append(ctx, domain.ToolResultTurn(result))
		if err != nil {
			return reply, err
		}
		reply.Turns = append(reply.Turns, turns...)
	}
}

// plan renders the conversation and asks the model for the next step.
func (l *Loop) plan(ctx context.Context, conv Conversation, currentFrom int, native bool) (*domain.ChatResponse, error) {
	turns := window(conv.Turns(), l.historyTurns, currentFrom)
	turns = trimToBudget(turns, l.contextTokens, currentFrom)

	messages := make([]domain.Message, 0, len(turns)+1)
	messages = append(messages, domain.Message{
		Role:    "system",
		Content: l.prompt.Build(conv.Files(), conv.Current(), !native),
	})
	messages = append(messages, render(turns, native)...)

	req := domain.ChatRequest{
		Messages:    messages,
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	}
	if native {
		req.Tools = l.dispatcher.Registry().Definitions()
	} else {
		req.JSONMode = true
	}

	started := time.Now()
	resp, err := l.provider.Chat(ctx, req)
	elapsed := time.Since(started)
	l.metrics.ObserveLLM(l.provider.Name(), err, elapsed)
	if err != nil {
		return nil, err
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = elapsed.Milliseconds()
	}
	l.logger.Debug("planning step",
		"session", conv.ID(),
		"messages", len(messages),
		"tool_calls", len(resp.ToolCalls),
		"latency_ms", resp.LatencyMs,
		"tokens", resp.Usage.TotalTokens,
	)
	if l.usage != nil && resp.Usage.TotalTokens > 0 {
		if err := l.usage.RecordUsage(ctx, conv.ID(), l.provider.Name(), l.model, resp.Usage); err != nil {
			l.logger.Warn("cannot record token usage", "session", conv.ID(), "error", err)
		}
	}
	return resp, nil
}

func (l *Loop) timeoutReply(ctx context.Context, conv Conversation, reply *Reply) (*Reply, error) {
	l.logger.Warn("request timed out", "session", conv.ID(), "steps", reply.Steps, "timeout", l.timeout)
	return l.degrade(ctx, conv, reply, "timeout", "I ran out of time before finishing the task.")
}

// degrade ends the request with an explanatory answer that lists what was
// achieved so far.
func (l *Loop) degrade(ctx context.Context, conv Conversation, reply *Reply, reason, headline string) (*Reply, error) {
	var sb strings.Builder
	sb.WriteString(headline)
	var files []string
	for _, r := range reply.Results() {
		if r.OK && r.OutputFile != nil {
			files = append(files, r.OutputFile.Name)
		}
	}
	if len(files) > 0 {
		sb.WriteString(" Files produced so far: ")
		sb.WriteString(strings.Join(files, ", "))
		sb.WriteString(".")
	}
	sb.WriteString(" Please narrow the request or continue from here.")

	text := sb.String()
	turns, err := conv.Append(context.WithoutCancel(ctx), domain.AssistantTurn(text, true))
	if err != nil {
		return reply, err
	}
	reply.Turns = append(reply.Turns, turns...)
	reply.Text = text
	reply.Degraded = true
	reply.Reason = reason
	return reply, nil
}

// timedOut reports whether the request deadline, not the caller, ended reqCtx.
func timedOut(parent, reqCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded)
}

func (l *Loop) emit(eventType, sessionID string, payload map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Emit(bus.Event{Type: eventType, Source: "agent", SessionID: sessionID, Payload: payload})
}
