package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"sheetagent/internal/domain"
)

// Env carries the arguments the dispatcher derives from the session. The
// model never supplies these directly.
type Env struct {
	SessionID  string
	InputPath  string            // workbook to read; never a write target
	InputName  string
	OutputDir  string            // session-scoped output directory
	OutputPath string            // fresh path for write-capable tools, empty otherwise
	Files      map[string]string // resolved file-reference params: param name -> path
}

// Outcome is what an operation reports back on success.
type Outcome struct {
	Message string
	Data    map[string]any
	Wrote   bool // OutputPath was written
	Chart   *domain.ChartPayload
}

// Operation is the function behind a tool.
type Operation func(ctx context.Context, env Env, args Args) (Outcome, error)

// Spec describes one registered tool. Specs are immutable once registered.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	ReadsInput  bool // reads the session's current workbook (or the one named by "file")
	Writes      bool // may produce a new workbook at Env.OutputPath
	Artifact    bool // its output is a presentation artifact, not a new working copy
	Run         Operation
}

// Param returns the parameter with the given name.
func (s Spec) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

type entry struct {
	spec   Spec
	schema *jsonschema.Schema
}

// Registry is the static tool catalogue.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
}

// Register adds a spec. Duplicate names and schemas that do not compile are
// configuration errors.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if spec.Run == nil {
		return fmt.Errorf("register tool %s: no operation", spec.Name)
	}
	seen := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		if seen[p.Name] {
			return fmt.Errorf("register tool %s: duplicate parameter %q", spec.Name, p.Name)
		}
		seen[p.Name] = true
	}

	schema, err := compileSchema(spec.Name, ToolParameters(spec.Params))
	if err != nil {
		return fmt.Errorf("register tool %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", spec.Name)
	}
	spec.Params = append([]Param(nil), spec.Params...)
	r.tools[spec.Name] = &entry{spec: spec, schema: schema}
	r.order = append(r.order, spec.Name)
	r.logger.Debug("registered tool", "name", spec.Name, "writes", spec.Writes)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Spec, error) {
	e := r.get(name)
	if e == nil {
		return Spec{}, domain.NewError(domain.KindUnknownTool,
			"tool %q does not exist (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return e.spec, nil
}

func (r *Registry) get(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// AllSpecs returns every spec in registration order.
func (r *Registry) AllSpecs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

// Definitions renders the tool menu sent to the model on every planning step.
func (r *Registry) Definitions() []domain.ToolDefinition {
	specs := r.AllSpecs()
	defs := make([]domain.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, domain.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  ToolParameters(s.Params),
		})
	}
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	names = append(names, r.order...)
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ArgsString renders an argument for logs and audit entries.
func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
