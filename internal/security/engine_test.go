package security

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sheetagent/internal/bus"
	"sheetagent/internal/config"
	"sheetagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memAudit records audit entries.
type memAudit struct{ entries []domain.AuditEntry }

func (m *memAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func defaultTestCfg() config.SecurityConfig {
	return config.SecurityConfig{
		AuditLog:          true,
		AllowedExtensions: []string{".xlsx", ".xlsm"},
		BlockedNames:      []string{"..", "~$", `^\.`},
	}
}

func mustEngine(t *testing.T, cfg config.SecurityConfig, audit AuditLogger, events *bus.EventBus) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, audit, events, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// --- CheckUpload ---

func TestCheckUpload_Accepts(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil, nil)
	for _, name := range []string{"sales.xlsx", "Q3 Report.XLSX", "macro.xlsm"} {
		got, err := e.CheckUpload(context.Background(), "s1", name)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if got != name {
			t.Fatalf("expected %q, got %q", name, got)
		}
	}
}

func TestCheckUpload_RejectsFormats(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil, nil)
	for _, name := range []string{"legacy.xls", "data.csv", "noext", ""} {
		_, err := e.CheckUpload(context.Background(), "s1", name)
		if !errors.Is(err, domain.ErrUnsupportedFormat) {
			t.Fatalf("%q: expected UnsupportedFormat, got %v", name, err)
		}
	}
}

func TestCheckUpload_RejectsPaths(t *testing.T) {
	audit := &memAudit{}
	e := mustEngine(t, defaultTestCfg(), audit, nil)
	for _, name := range []string{"../secret.xlsx", "/etc/sales.xlsx", `dir\sales.xlsx`, "~$sales.xlsx", ".hidden.xlsx"} {
		if _, err := e.CheckUpload(context.Background(), "s1", name); err == nil {
			t.Fatalf("%q: expected rejection", name)
		}
	}
	if len(audit.entries) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(audit.entries))
	}
	if audit.entries[0].Action != "upload_blocked" || audit.entries[0].Result != "blocked" {
		t.Fatalf("unexpected audit entry %+v", audit.entries[0])
	}
}

// --- CheckOutput ---

func outputFixture(t *testing.T) (orig, outDir string) {
	t.Helper()
	dir := t.TempDir()
	orig = filepath.Join(dir, "uploads", "sales.xlsx")
	outDir = filepath.Join(dir, "outputs")
	os.MkdirAll(filepath.Dir(orig), 0o755)
	os.MkdirAll(outDir, 0o755)
	if err := os.WriteFile(orig, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return orig, outDir
}

func TestCheckOutput_AllowsFreshPath(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil, nil)
	orig, outDir := outputFixture(t)

	err := e.CheckOutput(context.Background(), "s1", orig, outDir, filepath.Join(outDir, "sales_sort_data_2.xlsx"))
	if err != nil {
		t.Fatalf("expected fresh path to pass: %v", err)
	}
	err = e.CheckOutput(context.Background(), "s1", orig, outDir, filepath.Join(outDir, "a..b_sort_data_2.xlsx"))
	if err != nil {
		t.Fatalf("dots inside a name are not a parent reference: %v", err)
	}
}

func TestCheckOutput_RejectsOriginal(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	var blocked int
	events.On(bus.EventOutputBlocked, func(bus.Event) { blocked++ })
	e := mustEngine(t, defaultTestCfg(), nil, events)
	orig, _ := outputFixture(t)

	err := e.CheckOutput(context.Background(), "s1", orig, filepath.Dir(orig), orig)
	if err == nil {
		t.Fatal("expected original path to be rejected")
	}
	if domain.KindOf(err) != domain.KindToolExecution {
		t.Fatalf("expected ToolExecutionError kind, got %v", domain.KindOf(err))
	}
	if blocked != 1 {
		t.Fatalf("expected one output.blocked event, got %d", blocked)
	}
}

func TestCheckOutput_RejectsHardLinkToOriginal(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil, nil)
	orig, outDir := outputFixture(t)
	link := filepath.Join(outDir, "alias.xlsx")
	if err := os.Link(orig, link); err != nil {
		t.Skipf("hard links unsupported: %v", err)
	}

	err := e.CheckOutput(context.Background(), "s1", orig, outDir, link)
	if err == nil || !strings.Contains(err.Error(), "original upload") {
		t.Fatalf("expected same-file rejection, got %v", err)
	}
}

func TestCheckOutput_RejectsExistingAndOutside(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil, nil)
	orig, outDir := outputFixture(t)

	existing := filepath.Join(outDir, "taken.xlsx")
	os.WriteFile(existing, nil, 0o644)
	if err := e.CheckOutput(context.Background(), "s1", orig, outDir, existing); err == nil {
		t.Fatal("expected existing output to be rejected")
	}

	outside := filepath.Join(filepath.Dir(outDir), "escape.xlsx")
	if err := e.CheckOutput(context.Background(), "s1", orig, outDir, outside); err == nil {
		t.Fatal("expected path outside the output dir to be rejected")
	}

	if err := e.CheckOutput(context.Background(), "s1", orig, outDir, outDir+"/../escape.xlsx"); err == nil {
		t.Fatal("expected parent reference to be rejected")
	}
}

// --- LogAction ---

func TestLogAction_RespectsAuditFlag(t *testing.T) {
	audit := &memAudit{}
	cfg := defaultTestCfg()
	cfg.AuditLog = false
	e := mustEngine(t, cfg, audit, nil)

	e.LogAction(context.Background(), domain.AuditEntry{Action: "tool_exec"})
	if len(audit.entries) != 0 {
		t.Fatal("audit disabled: nothing should be written")
	}

	cfg.AuditLog = true
	e = mustEngine(t, cfg, audit, nil)
	e.LogAction(context.Background(), domain.AuditEntry{Action: "tool_exec", ToolName: "sort_data"})
	if len(audit.entries) != 1 || audit.entries[0].ToolName != "sort_data" {
		t.Fatalf("expected one entry, got %+v", audit.entries)
	}
}

// --- Patterns ---

func TestCompilePatterns_InvalidRegex(t *testing.T) {
	_, err := NewEngine(config.SecurityConfig{BlockedNames: []string{"[unclosed"}}, nil, nil, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestIsRegex(t *testing.T) {
	if isRegex("~$") || isRegex("..") {
		t.Fatal("plain names should be literal")
	}
	if !isRegex(`^\.`) || !isRegex("a|b") {
		t.Fatal("patterns with anchors or alternation are regexes")
	}
}
