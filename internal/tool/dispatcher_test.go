package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sheetagent/internal/bus"
	"sheetagent/internal/domain"
	"sheetagent/internal/metrics"
)

type fakeWorkspace struct {
	mu       sync.Mutex
	id       string
	original domain.FileRef
	outputs  []domain.FileRef
	dir      string
	step     int
}

func newFakeWorkspace(t *testing.T) *fakeWorkspace {
	t.Helper()
	dir := t.TempDir()
	orig := filepath.Join(dir, "sales.xlsx")
	if err := os.WriteFile(orig, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &fakeWorkspace{
		id:       "s1",
		original: domain.FileRef{Name: "sales.xlsx", Path: orig},
		dir:      filepath.Join(dir, "outputs"),
		step:     2,
	}
}

func (w *fakeWorkspace) ID() string               { return w.id }
func (w *fakeWorkspace) Original() domain.FileRef { return w.original }
func (w *fakeWorkspace) OutputDir() string        { return w.dir }
func (w *fakeWorkspace) Step() int                { return w.step }

func (w *fakeWorkspace) Current() domain.FileRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.outputs) - 1; i >= 0; i-- {
		if !w.outputs[i].Artifact {
			return w.outputs[i]
		}
	}
	return w.original
}

func (w *fakeWorkspace) Resolve(name string) (domain.FileRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if name == w.original.Name {
		return w.original, nil
	}
	for _, o := range w.outputs {
		if o.Name == name {
			return o, nil
		}
	}
	return domain.FileRef{}, fmt.Errorf("no file named %q in this session", name)
}

func (w *fakeWorkspace) AddOutput(ref domain.FileRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outputs = append(w.outputs, ref)
}

func writeSpec(name string, artifact bool) Spec {
	return Spec{
		Name:       name,
		Params: []Param{
			{Name: "file", Type: TypeString, FileRef: true},
			{Name: "column", Type: TypeString, Required: true},
		},
		ReadsInput: true,
		Writes:     true,
		Artifact:   artifact,
		Run: func(ctx context.Context, env Env, args Args) (Outcome, error) {
			if err := os.WriteFile(env.OutputPath, []byte("from "+env.InputName), 0o644); err != nil {
				return Outcome{}, err
			}
			return Outcome{Message: "written", Wrote: true}, nil
		},
	}
}

func newTestDispatcher(t *testing.T, specs ...Spec) *Dispatcher {
	t.Helper()
	reg := NewRegistry(testLogger())
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Name, err)
		}
	}
	return NewDispatcher(DispatcherConfig{Registry: reg, Logger: testLogger()})
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := newTestDispatcher(t, stubSpec("get_data_summary"))
	ws := newFakeWorkspace(t)

	res := d.Invoke(context.Background(), domain.ToolCall{ID: "c1", Name: "pivot_everything"}, ws)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.ErrorKind() != domain.KindUnknownTool {
		t.Fatalf("expected UnknownTool, got %s", res.ErrorKind())
	}
	if res.CallID != "c1" {
		t.Fatalf("expected call id to be echoed, got %q", res.CallID)
	}
	if !strings.Contains(res.Error.Message, "get_data_summary") {
		t.Fatalf("expected available tools listed, got %q", res.Error.Message)
	}
}

func TestDispatcher_MissingRequiredParam(t *testing.T) {
	d := newTestDispatcher(t, writeSpec("rename_column", false))
	ws := newFakeWorkspace(t)

	res := d.Invoke(context.Background(), domain.ToolCall{ID: "c1", Name: "rename_column", Arguments: map[string]any{}}, ws)
	if res.ErrorKind() != domain.KindInvalidArguments {
		t.Fatalf("expected InvalidArguments, got %+v", res)
	}
	if !strings.Contains(res.Error.Message, "column") {
		t.Fatalf("expected missing param named, got %q", res.Error.Message)
	}
	if len(ws.outputs) != 0 {
		t.Fatal("no output should be produced")
	}
}

func TestDispatcher_SchemaViolation(t *testing.T) {
	spec := stubSpec("column_aggregate", Param{
		Name: "function", Type: TypeString, Required: true, Enum: []any{"sum", "mean"},
	})
	d := newTestDispatcher(t, spec)
	ws := newFakeWorkspace(t)

	res := d.Invoke(context.Background(), domain.ToolCall{
		ID: "c1", Name: "column_aggregate", Arguments: map[string]any{"function": "median"},
	}, ws)
	if res.ErrorKind() != domain.KindInvalidArguments {
		t.Fatalf("expected InvalidArguments, got %+v", res)
	}
}

func TestDispatcher_WriteProducesFreshOutput(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	var seen []string
	events.On(bus.EventToolAfterExecute, func(e bus.Event) { seen = append(seen, e.Type) })

	reg := NewRegistry(testLogger())
	reg.Register(writeSpec("sort_data", false))
	d := NewDispatcher(DispatcherConfig{
		Registry: reg,
		Events:   events,
		Metrics:  metrics.NewCollector(),
		Logger:   testLogger(),
	})
	ws := newFakeWorkspace(t)

	res := d.Invoke(context.Background(), domain.ToolCall{
		ID: "c1", Name: "sort_data", Arguments: map[string]any{"column": "Revenue"},
	}, ws)
	if !res.OK {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if res.OutputFile == nil || res.OutputFile.Name != "sales_sort_data_2.xlsx" {
		t.Fatalf("unexpected output file %+v", res.OutputFile)
	}
	if res.OutputFile.Path == ws.original.Path {
		t.Fatal("output must not be the original")
	}
	orig, _ := os.ReadFile(ws.original.Path)
	if string(orig) != "original" {
		t.Fatalf("original was modified: %q", orig)
	}
	if ws.Current().Name != res.OutputFile.Name {
		t.Fatal("new output should become the current workbook")
	}
	if len(seen) != 1 {
		t.Fatalf("expected one after-execute event, got %d", len(seen))
	}
}

func TestDispatcher_ChainsFromLatestOutput(t *testing.T) {
	d := newTestDispatcher(t, writeSpec("sort_data", false), writeSpec("create_chart", true))
	ws := newFakeWorkspace(t)
	ctx := context.Background()
	args := map[string]any{"column": "Region"}

	first := d.Invoke(ctx, domain.ToolCall{ID: "1", Name: "sort_data", Arguments: args}, ws)
	ws.step = 4
	chart := d.Invoke(ctx, domain.ToolCall{ID: "2", Name: "create_chart", Arguments: args}, ws)
	ws.step = 6
	second := d.Invoke(ctx, domain.ToolCall{ID: "3", Name: "sort_data", Arguments: args}, ws)

	if !first.OK || !chart.OK || !second.OK {
		t.Fatalf("expected all calls to succeed: %+v %+v %+v", first.Error, chart.Error, second.Error)
	}
	body, _ := os.ReadFile(second.OutputFile.Path)
	if string(body) != "from "+first.OutputFile.Name {
		t.Fatalf("expected chaining past the artifact, got %q", body)
	}
}

func TestDispatcher_FileParamSelectsInput(t *testing.T) {
	d := newTestDispatcher(t, writeSpec("sort_data", false))
	ws := newFakeWorkspace(t)
	ws.outputs = append(ws.outputs, domain.FileRef{Name: "gone.xlsx", Path: filepath.Join(ws.dir, "gone.xlsx")})

	res := d.Invoke(context.Background(), domain.ToolCall{
		ID: "c1", Name: "sort_data", Arguments: map[string]any{"column": "A", "file": "gone.xlsx"},
	}, ws)
	if res.ErrorKind() != domain.KindInvalidArguments || !strings.Contains(res.Error.Message, "no longer available") {
		t.Fatalf("expected unavailable file error, got %+v", res)
	}

	res = d.Invoke(context.Background(), domain.ToolCall{
		ID: "c2", Name: "sort_data", Arguments: map[string]any{"column": "A", "file": "sales.xlsx"},
	}, ws)
	if !res.OK {
		t.Fatalf("expected success, got %+v", res.Error)
	}
}

func TestDispatcher_FailureRemovesPartialOutput(t *testing.T) {
	spec := writeSpec("filter_rows", false)
	spec.Run = func(ctx context.Context, env Env, args Args) (Outcome, error) {
		os.WriteFile(env.OutputPath, []byte("partial"), 0o644)
		return Outcome{}, errors.New("column \"Region\" not found")
	}
	d := newTestDispatcher(t, spec)
	ws := newFakeWorkspace(t)

	res := d.Invoke(context.Background(), domain.ToolCall{
		ID: "c1", Name: "filter_rows", Arguments: map[string]any{"column": "Region"},
	}, ws)
	if res.ErrorKind() != domain.KindToolExecution {
		t.Fatalf("expected ToolExecutionError, got %+v", res)
	}
	entries, _ := os.ReadDir(ws.dir)
	if len(entries) != 0 {
		t.Fatalf("expected partial output removed, found %d entries", len(entries))
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	spec := stubSpec("boom")
	spec.Run = func(ctx context.Context, env Env, args Args) (Outcome, error) {
		panic("index out of range")
	}
	d := newTestDispatcher(t, spec)

	res := d.Invoke(context.Background(), domain.ToolCall{ID: "c1", Name: "boom"}, newFakeWorkspace(t))
	if res.ErrorKind() != domain.KindToolExecution || !strings.Contains(res.Error.Message, "panicked") {
		t.Fatalf("expected panic converted to ToolExecutionError, got %+v", res)
	}
}

type denyGuard struct{ audited []domain.AuditEntry }

func (g *denyGuard) CheckOutput(ctx context.Context, sessionID, originalPath, outputDir, candidate string) error {
	return domain.NewError(domain.KindToolExecution, "output %s rejected", filepath.Base(candidate))
}

func (g *denyGuard) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	g.audited = append(g.audited, entry)
	return nil
}

func TestDispatcher_GuardRejectsOutput(t *testing.T) {
	guard := &denyGuard{}
	reg := NewRegistry(testLogger())
	reg.Register(writeSpec("sort_data", false))
	d := NewDispatcher(DispatcherConfig{Registry: reg, Guard: guard, Logger: testLogger()})
	ws := newFakeWorkspace(t)

	res := d.Invoke(context.Background(), domain.ToolCall{
		ID: "c1", Name: "sort_data", Arguments: map[string]any{"column": "A"},
	}, ws)
	if res.OK {
		t.Fatal("expected guard rejection")
	}
	if len(guard.audited) != 1 || guard.audited[0].Result != "failed" {
		t.Fatalf("expected failed audit entry, got %+v", guard.audited)
	}
}

func TestNextOutputPath_Collision(t *testing.T) {
	dir := t.TempDir()
	first, err := NextOutputPath(dir, "Q3 report.xlsx", "sort_data", 3)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "Q3_report_sort_data_3.xlsx" {
		t.Fatalf("unexpected name %s", filepath.Base(first))
	}
	os.WriteFile(first, nil, 0o644)

	second, err := NextOutputPath(dir, "Q3 report.xlsx", "sort_data", 3)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("expected a distinct path after collision")
	}
	if !strings.HasPrefix(filepath.Base(second), "Q3_report_sort_data_3_") {
		t.Fatalf("unexpected collision name %s", filepath.Base(second))
	}
}

func TestSafeStem(t *testing.T) {
	cases := map[string]string{
		"sales.xlsx":       "sales",
		"../../etc/passwd": "passwd",
		"...xlsx":          "workbook",
		"Q3 (final).xlsx":  "Q3_final",
	}
	for in, want := range cases {
		if got := SafeStem(in); got != want {
			t.Errorf("SafeStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatcher_UnparsableArguments(t *testing.T) {
	ran := false
	spec := stubSpec("list_sheets")
	spec.Run = func(ctx context.Context, env Env, args Args) (Outcome, error) {
		ran = true
		return Outcome{Message: "ok"}, nil
	}
	d := newTestDispatcher(t, spec)
	ws := newFakeWorkspace(t)

	call := domain.ToolCall{ID: "c1", Name: "list_sheets", Arguments: map[string]any{domain.RawArgumentsKey: "{sheet: Q1"}}
	res := d.Invoke(context.Background(), call, ws)
	if res.OK || ran {
		t.Fatal("a tool must not run on unparsable arguments, even without required parameters")
	}
	if res.ErrorKind() != domain.KindInvalidArguments {
		t.Fatalf("expected InvalidArguments, got %s", res.ErrorKind())
	}
	if !strings.Contains(res.Error.Message, "not a valid JSON object") || !strings.Contains(res.Error.Message, "{sheet: Q1") {
		t.Fatalf("message should explain the parse failure, got %q", res.Error.Message)
	}
}
