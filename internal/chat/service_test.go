package chat

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"sheetagent/internal/agent"
	"sheetagent/internal/domain"
	"sheetagent/internal/memory"
	"sheetagent/internal/session"
	"sheetagent/internal/sheet"
	"sheetagent/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scripted answers Chat calls from a fixed list, then with "done".
type scripted struct {
	mu    sync.Mutex
	resps []*domain.ChatResponse
	err   error
	n     int
}

func (s *scripted) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	i := s.n
	s.n++
	if i < len(s.resps) {
		return s.resps[i], nil
	}
	return &domain.ChatResponse{Content: "done"}, nil
}

func (s *scripted) Name() string                      { return "scripted" }
func (s *scripted) Models() []string                  { return nil }
func (s *scripted) SupportsToolCalling() bool         { return true }
func (s *scripted) Healthy(ctx context.Context) error { return nil }

func call(name string, args map[string]any) *domain.ChatResponse {
	return &domain.ChatResponse{ToolCalls: []domain.ToolCall{{ID: "id-" + name, Name: name, Arguments: args}}}
}

type layout string

func (l layout) UploadDir(id string) string { return filepath.Join(string(l), "uploads", id) }
func (l layout) OutputDir(id string) string { return filepath.Join(string(l), "outputs", id) }

type fixture struct {
	svc      *Service
	sessions *session.Manager
	provider *scripted
}

func newFixture(t *testing.T, resps ...*domain.ChatResponse) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewSQLiteStore(filepath.Join(dir, "db.sqlite"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := tool.NewRegistry(testLogger())
	require.NoError(t, sheet.RegisterTools(registry))

	sessions := session.NewManager(session.ManagerConfig{Store: store, Layout: layout(dir), Logger: testLogger()})
	p := &scripted{resps: resps}
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:   p,
		Dispatcher: tool.NewDispatcher(tool.DispatcherConfig{Registry: registry, Logger: testLogger()}),
		Logger:     testLogger(),
	})
	svc := NewService(ServiceConfig{
		Sessions: sessions,
		Loop:     loop,
		Registry: registry,
		Logger:   testLogger(),
	})
	return &fixture{svc: svc, sessions: sessions, provider: p}
}

func salesXLSX(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]any{
		{"Region", "Product", "Price"},
		{"North", "Widget", 150},
		{"South", "Gadget", 80},
		{"North", "Gizmo", 220},
		{"East", "Widget", 95},
		{"West", "Gadget", 130},
	}
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &rows[i]))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func (fx *fixture) upload(t *testing.T) string {
	t.Helper()
	res, err := fx.svc.Upload(context.Background(), "", "sales.xlsx", bytes.NewReader(salesXLSX(t)))
	require.NoError(t, err)
	return res.SessionID
}

func TestUpload(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.svc.Upload(context.Background(), "", "sales.xlsx", bytes.NewReader(salesXLSX(t)))
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "sales.xlsx", res.File.Name)
	assert.Equal(t, []string{"Sheet1"}, res.Sheets)

	_, err = fx.svc.Upload(context.Background(), res.SessionID, "again.xlsx", bytes.NewReader(salesXLSX(t)))
	assert.True(t, errors.Is(err, domain.ErrSessionExists))

	_, err = fx.svc.Upload(context.Background(), "", "notes.txt", bytes.NewReader([]byte("hello")))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
}

func TestHandleMessage_Attachments(t *testing.T) {
	fx := newFixture(t,
		call("filter_rows", map[string]any{"column": "Price", "op": ">", "value": 100}),
		call("create_chart", map[string]any{"kind": "bar", "x": "Region"}),
		&domain.ChatResponse{Content: "Chart ready."},
	)
	id := fx.upload(t)

	resp, err := fx.svc.HandleMessage(context.Background(), id, "chart rows over 100 by region")
	require.NoError(t, err)
	assert.Equal(t, id, resp.SessionID)
	assert.Equal(t, "Chart ready.", resp.Text)
	assert.Equal(t, 2, resp.Steps)
	assert.False(t, resp.Degraded)

	require.Len(t, resp.Attachments, 2)
	file := resp.Attachments[0]
	assert.Equal(t, "file", file.Kind)
	assert.Equal(t, "sales_filter_rows_2.xlsx", file.Name)
	assert.Equal(t, "/files/"+id+"/sales_filter_rows_2.xlsx", file.URL)

	chart := resp.Attachments[1]
	assert.Equal(t, "chart", chart.Kind)
	require.NotNil(t, chart.Chart)
	assert.Equal(t, "bar", chart.Chart.Kind)
	assert.Equal(t, "Region", chart.Chart.X)

	ref, err := fx.svc.ResolveDownload(context.Background(), id, file.Name)
	require.NoError(t, err)
	assert.FileExists(t, ref.Path)
}

func TestHandleMessage_Errors(t *testing.T) {
	fx := newFixture(t)
	id := fx.upload(t)

	_, err := fx.svc.HandleMessage(context.Background(), id, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = fx.svc.HandleMessage(context.Background(), "no-such-session", "hi")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	_, release, err := fx.sessions.Acquire(context.Background(), id)
	require.NoError(t, err)
	_, err = fx.svc.HandleMessage(context.Background(), id, "hi")
	assert.True(t, errors.Is(err, domain.ErrSessionBusy))
	release()

	fx.provider.err = errors.New("connection refused")
	_, err = fx.svc.HandleMessage(context.Background(), id, "hi")
	assert.True(t, errors.Is(err, domain.ErrLLMUnavailable))

	// The session is usable again after a failed request.
	fx.provider.err = nil
	resp, err := fx.svc.HandleMessage(context.Background(), id, "hi")
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Empty(t, resp.Attachments)
}

func TestHandleMessage_SemaphoreRespectsContext(t *testing.T) {
	fx := newFixture(t)
	id := fx.upload(t)
	for i := 0; i < cap(fx.svc.sem); i++ {
		fx.svc.sem <- struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.svc.HandleMessage(ctx, id, "hi")
	assert.ErrorIs(t, err, context.Canceled)

	// The session lock was released on the way out.
	_, release, err := fx.sessions.Acquire(context.Background(), id)
	require.NoError(t, err)
	release()
}

func TestPreview(t *testing.T) {
	fx := newFixture(t, call("sort_data", map[string]any{"column": "Price", "ascending": false}))
	id := fx.upload(t)

	p, err := fx.svc.Preview(context.Background(), id, 2)
	require.NoError(t, err)
	assert.Equal(t, "sales.xlsx", p.File)
	assert.Equal(t, []string{"Region", "Product", "Price"}, p.Header)
	assert.Len(t, p.Rows, 2)
	assert.Equal(t, 5, p.TotalRows)
	assert.Equal(t, "North", p.Rows[0][0])

	_, err = fx.svc.HandleMessage(context.Background(), id, "sort by price desc")
	require.NoError(t, err)

	p, err = fx.svc.Preview(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, "sales_sort_data_2.xlsx", p.File, "preview follows the current file")
	assert.Equal(t, "220", p.Rows[0][2])
	assert.Len(t, p.Rows, 5)

	_, err = fx.svc.Preview(context.Background(), "missing", 5)
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestSessionTranscript(t *testing.T) {
	fx := newFixture(t)
	id := fx.upload(t)
	_, err := fx.svc.HandleMessage(context.Background(), id, "hello")
	require.NoError(t, err)

	tr, err := fx.svc.Session(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, tr.SessionID)
	assert.Equal(t, "sales.xlsx", tr.Current)
	require.Len(t, tr.Turns, 2)
	assert.Equal(t, domain.TurnUser, tr.Turns[0].Kind)
	assert.Len(t, tr.Files, 1)
}

func TestResolveDownload_OnlyRegisteredFiles(t *testing.T) {
	fx := newFixture(t)
	id := fx.upload(t)

	_, err := fx.svc.ResolveDownload(context.Background(), id, "../../etc/passwd")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	ref, err := fx.svc.ResolveDownload(context.Background(), id, "sales.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "sales.xlsx", ref.Name)
}

func TestToolsAndFileURL(t *testing.T) {
	fx := newFixture(t)
	assert.NotEmpty(t, fx.svc.Tools())
	assert.Equal(t, "/files/abc/my%20file.xlsx", fx.svc.FileURL("abc", "my file.xlsx"))
}
