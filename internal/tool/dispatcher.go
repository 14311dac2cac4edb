package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sheetagent/internal/bus"
	"sheetagent/internal/domain"
	"sheetagent/internal/metrics"
)

// Workspace is the slice of session state the dispatcher needs.
type Workspace interface {
	ID() string
	Original() domain.FileRef
	// Current is the workbook tools read by default: the most recent
	// chainable output, or the original when nothing was generated yet.
	Current() domain.FileRef
	Resolve(name string) (domain.FileRef, error)
	OutputDir() string
	// Step is the sequence number of the most recent turn.
	Step() int
	AddOutput(ref domain.FileRef)
}

// OutputGuard vets every output path before a tool may write it.
type OutputGuard interface {
	CheckOutput(ctx context.Context, sessionID, originalPath, outputDir, candidate string) error
	LogAction(ctx context.Context, entry domain.AuditEntry) error
}

type DispatcherConfig struct {
	Registry *Registry
	Guard    OutputGuard        // optional
	Events   *bus.EventBus      // optional
	Metrics  *metrics.Collector // optional
	Logger   *slog.Logger
}

// Dispatcher validates, injects and executes tool calls and normalizes every
// outcome into a domain.ToolResult.
type Dispatcher struct {
	registry *Registry
	guard    OutputGuard
	events   *bus.EventBus
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		registry: cfg.Registry,
		guard:    cfg.Guard,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Invoke runs one tool call against the session. It never returns an error:
// every failure is reported inside the result so the planning loop can feed
// it back to the model.
func (d *Dispatcher) Invoke(ctx context.Context, call domain.ToolCall, ws Workspace) domain.ToolResult {
	start := time.Now()
	d.emit(bus.EventToolBeforeExecute, ws.ID(), map[string]any{"tool": call.Name, "call_id": call.ID})

	result := d.invoke(ctx, call, ws)
	elapsed := time.Since(start)

	outcome := "ok"
	if !result.OK {
		outcome = string(result.ErrorKind())
	}
	d.metrics.ObserveTool(call.Name, outcome, elapsed)
	d.audit(ctx, ws.ID(), call, result)

	payload := map[string]any{"tool": call.Name, "call_id": call.ID, "ok": result.OK, "duration_ms": elapsed.Milliseconds()}
	if result.OutputFile != nil {
		payload["output_file"] = result.OutputFile.Name
	}
	if result.Error != nil {
		payload["error"] = result.Error.Message
	}
	d.emit(bus.EventToolAfterExecute, ws.ID(), payload)

	if result.OK {
		d.logger.Info("tool executed", "session", ws.ID(), "tool", call.Name, "duration", elapsed)
	} else {
		d.logger.Warn("tool failed",
			"session", ws.ID(),
			"tool", call.Name,
			"kind", result.Error.Kind,
			"error", result.Error.Message,
		)
	}
	return result
}

func (d *Dispatcher) invoke(ctx context.Context, call domain.ToolCall, ws Workspace) domain.ToolResult {
	spec, err := d.registry.Lookup(call.Name)
	if err != nil {
		return domain.Failure(call.ID, call.Name, domain.KindUnknownTool, domain.MessageOf(err))
	}

	args, err := d.prepare(spec, call.Arguments)
	if err != nil {
		return domain.Failure(call.ID, call.Name, domain.KindInvalidArguments, err.Error())
	}

	env, err := d.inject(ctx, spec, args, ws)
	if err != nil {
		kind := domain.KindOf(err)
		if kind == "" {
			kind = domain.KindToolExecution
		}
		return domain.Failure(call.ID, call.Name, kind, domain.MessageOf(err))
	}

	out, err := run(ctx, spec.Run, env, args)
	if err != nil {
		if env.OutputPath != "" {
			if rmErr := os.Remove(env.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				d.logger.Warn("cannot remove partial output", "path", env.OutputPath, "error", rmErr)
			}
		}
		return domain.Failure(call.ID, call.Name, domain.KindToolExecution, err.Error())
	}

	result := domain.ToolResult{
		CallID:  call.ID,
		Tool:    call.Name,
		OK:      true,
		Message: out.Message,
		Data:    out.Data,
		Chart:   out.Chart,
	}
	if out.Wrote {
		if env.OutputPath == "" {
			return domain.Failure(call.ID, call.Name, domain.KindToolExecution, "tool reported a write but has no output path")
		}
		if _, err := os.Stat(env.OutputPath); err != nil {
			return domain.Failure(call.ID, call.Name, domain.KindToolExecution, "tool reported a write but produced no file")
		}
		ref := domain.FileRef{
			Name:      filepath.Base(env.OutputPath),
			Path:      env.OutputPath,
			Tool:      spec.Name,
			Step:      ws.Step(),
			Artifact:  spec.Artifact,
			CreatedAt: time.Now().UTC(),
		}
		ws.AddOutput(ref)
		result.OutputFile = &ref
	}
	return result
}

// prepare coerces and validates raw model arguments.
func (d *Dispatcher) prepare(spec Spec, raw map[string]any) (Args, error) {
	if text, ok := raw[domain.RawArgumentsKey].(string); ok {
		return nil, fmt.Errorf("arguments are not a valid JSON object: %s", clip(text, maxRawArgs))
	}
	args, dropped := coerceArgs(spec.Params, raw)
	if len(dropped) > 0 {
		sort.Strings(dropped)
		d.logger.Debug("dropping undeclared arguments", "tool", spec.Name, "args", dropped)
	}

	var missing []string
	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		v, ok := args[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" && p.Type == TypeString {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required parameter(s): %s", strings.Join(missing, ", "))
	}

	e := d.registry.get(spec.Name)
	if e == nil {
		return nil, fmt.Errorf("tool %q is not registered", spec.Name)
	}
	if err := validateArgs(e.schema, args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// inject derives the environment arguments. The original upload is only
// ever handed out as InputPath; write targets are always fresh paths inside
// the session output directory.
func (d *Dispatcher) inject(ctx context.Context, spec Spec, args Args, ws Workspace) (Env, error) {
	env := Env{SessionID: ws.ID(), OutputDir: ws.OutputDir()}

	if spec.ReadsInput {
		ref := ws.Current()
		if name := args.String("file"); name != "" {
			var err error
			if ref, err = ws.Resolve(name); err != nil {
				return Env{}, domain.WrapError(domain.KindInvalidArguments, err, "parameter file")
			}
		}
		if err := available(ref); err != nil {
			return Env{}, err
		}
		env.InputPath = ref.Path
		env.InputName = ref.Name
	}

	for _, p := range spec.Params {
		if !p.FileRef || p.Name == "file" || !args.Has(p.Name) {
			continue
		}
		ref, err := ws.Resolve(args.String(p.Name))
		if err != nil {
			return Env{}, domain.WrapError(domain.KindInvalidArguments, err, "parameter "+p.Name)
		}
		if err := available(ref); err != nil {
			return Env{}, err
		}
		if env.Files == nil {
			env.Files = make(map[string]string)
		}
		env.Files[p.Name] = ref.Path
	}

	if spec.Writes {
		if err := os.MkdirAll(env.OutputDir, 0o755); err != nil {
			return Env{}, fmt.Errorf("create output directory: %w", err)
		}
		candidate, err := NextOutputPath(env.OutputDir, ws.Original().Name, spec.Name, ws.Step())
		if err != nil {
			return Env{}, err
		}
		if d.guard != nil {
			if err := d.guard.CheckOutput(ctx, ws.ID(), ws.Original().Path, env.OutputDir, candidate); err != nil {
				return Env{}, err
			}
		} else if err := checkDistinct(ws.Original().Path, candidate); err != nil {
			return Env{}, err
		}
		env.OutputPath = candidate
	}
	return env, nil
}

func available(ref domain.FileRef) error {
	if _, err := os.Stat(ref.Path); err != nil {
		return domain.NewError(domain.KindInvalidArguments, "file %q is no longer available", ref.Name)
	}
	return nil
}

func checkDistinct(original, candidate string) error {
	a, errA := filepath.Abs(original)
	b, errB := filepath.Abs(candidate)
	if errA != nil || errB != nil || a == b {
		return domain.NewError(domain.KindToolExecution, "output path %s collides with the original upload", candidate)
	}
	return nil
}

// run executes an operation, turning panics into errors.
func run(ctx context.Context, op Operation, env Env, args Args) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return op(ctx, env, args)
}

func (d *Dispatcher) audit(ctx context.Context, sessionID string, call domain.ToolCall, result domain.ToolResult) {
	if d.guard == nil {
		return
	}
	entry := domain.AuditEntry{
		SessionID: sessionID,
		Action:    "tool_exec",
		ToolName:  call.Name,
		Command:   renderArgs(call.Arguments),
		Result:    "ok",
	}
	if result.OutputFile != nil {
		entry.Details = "output " + result.OutputFile.Name
	}
	if !result.OK {
		entry.Result = "failed"
		entry.Details = string(result.Error.Kind) + ": " + result.Error.Message
	}
	if err := d.guard.LogAction(ctx, entry); err != nil {
		d.logger.Warn("audit log failed", "tool", call.Name, "error", err)
	}
}

func renderArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ArgsString(args, k))
	}
	return strings.Join(parts, " ")
}

func (d *Dispatcher) emit(eventType, sessionID string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(bus.Event{
		Type:      eventType,
		Source:    "dispatcher",
		SessionID: sessionID,
		Payload:   payload,
	})
}

const maxRawArgs = 200

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
