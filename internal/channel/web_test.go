package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"sheetagent/internal/agent"
	"sheetagent/internal/bus"
	"sheetagent/internal/chat"
	"sheetagent/internal/domain"
	"sheetagent/internal/memory"
	"sheetagent/internal/metrics"
	"sheetagent/internal/session"
	"sheetagent/internal/sheet"
	"sheetagent/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scripted replays canned model responses and then answers "done".
type scripted struct {
	mu    sync.Mutex
	resps []*domain.ChatResponse
	n     int
}

func (s *scripted) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func toolCall(name string, args map[string]any) *domain.ChatResponse {
	return &domain.ChatResponse{ToolCalls: []domain.ToolCall{{ID: "id-" + name, Name: name, Arguments: args}}}
}

type dirLayout string

func (l dirLayout) UploadDir(id string) string { return filepath.Join(string(l), "uploads", id) }
func (l dirLayout) OutputDir(id string) string { return filepath.Join(string(l), "outputs", id) }

type webFixture struct {
	web      *Web
	svc      *chat.Service
	sessions *session.Manager
	events   *bus.EventBus
}

type webOptions struct {
	token     string
	maxUpload int64
	resps     []*domain.ChatResponse
}

func newWebFixture(t *testing.T, opts webOptions) *webFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewSQLiteStore(filepath.Join(dir, "db.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tool.NewRegistry(testLogger())
	if err := sheet.RegisterTools(registry); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	events := bus.NewEventBus(testLogger())
	sessions := session.NewManager(session.ManagerConfig{
		Store:          store,
		Layout:         dirLayout(dir),
		Events:         events,
		MaxUploadBytes: opts.maxUpload,
		Logger:         testLogger(),
	})
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:   &scripted{resps: opts.resps},
		Dispatcher: tool.NewDispatcher(tool.DispatcherConfig{Registry: registry, Events: events, Logger: testLogger()}),
		Events:     events,
		Logger:     testLogger(),
	})
	svc := chat.NewService(chat.ServiceConfig{
		Sessions: sessions,
		Loop:     loop,
		Registry: registry,
		Logger:   testLogger(),
	})
	web := NewWeb(WebConfig{
		Service:        svc,
		Events:         events,
		Metrics:        metrics.NewCollector(),
		AuthToken:      opts.token,
		MaxUploadBytes: opts.maxUpload,
		Version:        "test",
		Logger:         testLogger(),
	})
	return &webFixture{web: web, svc: svc, sessions: sessions, events: events}
}

func salesWorkbook(t *testing.T) []byte {
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
		if err := f.SetSheetRow("Sheet1", cell, &rows[i]); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mp := multipart.NewWriter(body)
	part, err := mp.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	mp.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	return req
}

func (fx *webFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.web.Handler().ServeHTTP(rec, req)
	return rec
}

func (fx *webFixture) upload(t *testing.T) string {
	t.Helper()
	rec := fx.serve(uploadRequest(t, "sales.xlsx", salesWorkbook(t)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res chat.UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return res.SessionID
}

func messageRequest(sessionID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWeb_UploadMessageDownload(t *testing.T) {
	fx := newWebFixture(t, webOptions{resps: []*domain.ChatResponse{
		toolCall("filter_rows", map[string]any{"column": "Price", "op": ">", "value": 100}),
		{Content: "3 rows are above 100."},
	}})

	rec := fx.serve(uploadRequest(t, "sales.xlsx", salesWorkbook(t)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var up chat.UploadResult
	json.Unmarshal(rec.Body.Bytes(), &up)
	if up.SessionID == "" || up.File.Name != "sales.xlsx" {
		t.Fatalf("unexpected upload result %+v", up)
	}
	if len(up.Sheets) != 1 || up.Sheets[0] != "Sheet1" {
		t.Fatalf("expected [Sheet1], got %v", up.Sheets)
	}

	rec = fx.serve(messageRequest(up.SessionID, `{"text":"which rows cost more than 100?"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chat.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "3 rows are above 100." || resp.Steps != 1 || resp.Degraded {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Attachments) != 1 || resp.Attachments[0].Kind != "file" {
		t.Fatalf("expected one file attachment, got %+v", resp.Attachments)
	}

	download := fx.serve(httptest.NewRequest(http.MethodGet, resp.Attachments[0].URL, nil))
	if download.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", download.Code)
	}
	if cd := download.Header().Get("Content-Disposition"); !strings.Contains(cd, "sales_filter_rows_2.xlsx") {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	wb, err := excelize.OpenReader(bytes.NewReader(download.Body.Bytes()))
	if err != nil {
		t.Fatalf("downloaded file is not a workbook: %v", err)
	}
	rows, _ := wb.GetRows(wb.GetSheetName(0))
	wb.Close()
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}

	rec = fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/"+up.SessionID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d", rec.Code)
	}
	var tr chat.Transcript
	json.Unmarshal(rec.Body.Bytes(), &tr)
	if tr.Current != "sales_filter_rows_2.xlsx" || len(tr.Files) != 2 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestWeb_UploadErrors(t *testing.T) {
	fx := newWebFixture(t, webOptions{maxUpload: 64})

	rec := fx.serve(uploadRequest(t, "sales.xlsx", salesWorkbook(t)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.serve(uploadRequest(t, "notes.txt", []byte("hello")))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["kind"] != string(domain.KindUnsupportedFormat) {
		t.Fatalf("expected kind UnsupportedFormat, got %v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	if rec := fx.serve(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-multipart body, got %d", rec.Code)
	}
}

func TestWeb_MessageErrors(t *testing.T) {
	fx := newWebFixture(t, webOptions{})
	id := fx.upload(t)

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"empty text", messageRequest(id, `{"text":"  "}`), http.StatusBadRequest},
		{"invalid json", messageRequest(id, `{text`), http.StatusBadRequest},
		{"unknown session", messageRequest("missing", `{"text":"hi"}`), http.StatusNotFound},
		{"invalid session id", messageRequest("bad.id", `{"text":"hi"}`), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := fx.serve(tc.req); rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}

	_, release, err := fx.sessions.Acquire(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	rec := fx.serve(messageRequest(id, `{"text":"hi"}`))
	release()
	if rec.Code != http.StatusConflict {
		t.Fatalf("busy session: expected 409, got %d", rec.Code)
	}
}

func TestWeb_Preview(t *testing.T) {
	fx := newWebFixture(t, webOptions{})
	id := fx.upload(t)

	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/preview?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var p chat.Preview
	json.Unmarshal(rec.Body.Bytes(), &p)
	if len(p.Rows) != 2 || p.TotalRows != 5 || p.Header[2] != "Price" {
		t.Fatalf("unexpected preview %+v", p)
	}

	rec = fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/preview?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", rec.Code)
	}
}

func TestWeb_DownloadOnlyRegisteredFiles(t *testing.T) {
	fx := newWebFixture(t, webOptions{})
	id := fx.upload(t)

	if rec := fx.serve(httptest.NewRequest(http.MethodGet, "/files/"+id+"/sales.xlsx", nil)); rec.Code != http.StatusOK {
		t.Fatalf("original should be downloadable, got %d", rec.Code)
	}
	if rec := fx.serve(httptest.NewRequest(http.MethodGet, "/files/"+id+"/db.sqlite", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered file, got %d", rec.Code)
	}
}

func TestWeb_Auth(t *testing.T) {
	fx := newWebFixture(t, webOptions{token: "secret"})

	if rec := fx.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rec.Code)
	}
	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected a WWW-Authenticate header")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if rec := fx.serve(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if rec := fx.serve(req); rec.Code != http.StatusOK {
		t.Fatalf("header token: expected 200, got %d", rec.Code)
	}
	if rec := fx.serve(httptest.NewRequest(http.MethodGet, "/api/tools?token=secret", nil)); rec.Code != http.StatusOK {
		t.Fatalf("query token: expected 200, got %d", rec.Code)
	}
}

func TestWeb_HealthIndexToolsMetrics(t *testing.T) {
	fx := newWebFixture(t, webOptions{})

	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health map[string]any
	json.Unmarshal(rec.Body.Bytes(), &health)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health %v", health)
	}

	rec = fx.serve(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sheetagent") {
		t.Fatalf("index: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("index content type %q", ct)
	}
	if rec := fx.serve(httptest.NewRequest(http.MethodGet, "/nope", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}

	rec = fx.serve(httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	var tools struct {
		Tools []domain.ToolDefinition `json:"tools"`
	}
	json.Unmarshal(rec.Body.Bytes(), &tools)
	names := map[string]bool{}
	for _, def := range tools.Tools {
		names[def.Name] = true
	}
	for _, want := range []string{"filter_rows", "sort_data", "create_chart", "get_data_summary"} {
		if !names[want] {
			t.Errorf("tool %s missing from /api/tools", want)
		}
	}

	if rec := fx.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
}

func TestWeb_EventStream(t *testing.T) {
	fx := newWebFixture(t, webOptions{resps: []*domain.ChatResponse{
		toolCall("sort_data", map[string]any{"column": "Price"}),
	}})
	id := fx.upload(t)

	srv := httptest.NewServer(fx.web.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+id+"/events", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connect comment, got %q", line)
	}

	go func() {
		post, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/sessions/"+id+"/messages",
			strings.NewReader(`{"text":"sort by price"}`))
		if r, err := srv.Client().Do(post); err == nil {
			r.Body.Close()
		}
	}()

	var seen []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before request.done (saw %v): %v", seen, err)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			seen = append(seen, name)
			if name == bus.EventRequestDone {
				break
			}
		}
	}
	want := []string{bus.EventToolBeforeExecute, bus.EventToolAfterExecute}
	for _, w := range want {
		found := false
		for _, s := range seen {
			found = found || s == w
		}
		if !found {
			t.Errorf("event %s not streamed (saw %v)", w, seen)
		}
	}
}

func TestWeb_EventStreamReplaysMissedEvents(t *testing.T) {
	fx := newWebFixture(t, webOptions{resps: []*domain.ChatResponse{
		toolCall("sort_data", map[string]any{"column": "Price"}),
	}})
	id := fx.upload(t)
	if rec := fx.serve(messageRequest(id, `{"text":"sort by price"}`)); rec.Code != http.StatusOK {
		t.Fatalf("message: %d %s", rec.Code, rec.Body.String())
	}

	srv := httptest.NewServer(fx.web.Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A client that subscribes after its request finished still gets the run.
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+id+"/events?since=0", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var seen []string
	var lastID int64
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before request.done (saw %v): %v", seen, err)
		}
		line = strings.TrimSpace(line)
		if raw, ok := strings.CutPrefix(line, "id: "); ok {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= lastID {
				t.Fatalf("event ids must increase, got %q after %d", raw, lastID)
			}
			lastID = n
		}
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, name)
			if name == bus.EventRequestDone {
				break
			}
		}
	}
	if seen[0] != bus.EventSessionCreated {
		t.Fatalf("replay should start with the session's first event, saw %v", seen)
	}
	before, after := -1, -1
	for i, name := range seen {
		switch name {
		case bus.EventToolBeforeExecute:
			before = i
		case bus.EventToolAfterExecute:
			after = i
		}
	}
	if before < 0 || after < before {
		t.Fatalf("tool events missing or out of order: %v", seen)
	}
}

func TestWeb_EventStreamBadResumePoint(t *testing.T) {
	fx := newWebFixture(t, webOptions{})
	id := fx.upload(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/events", nil)
	req.Header.Set("Last-Event-ID", "abc")
	if rec := fx.serve(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWeb_EventStreamUnknownSession(t *testing.T) {
	fx := newWebFixture(t, webOptions{})
	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/missing/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{chat.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", session.ErrInvalidID, "x/y"), http.StatusBadRequest},
		{fmt.Errorf("%w: limit", session.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{domain.NewError(domain.KindSessionNotFound, "gone"), http.StatusNotFound},
		{domain.NewError(domain.KindUnsupportedFormat, "csv"), http.StatusUnsupportedMediaType},
		{domain.NewError(domain.KindSessionBusy, "busy"), http.StatusConflict},
		{domain.NewError(domain.KindSessionExists, "exists"), http.StatusConflict},
		{domain.WrapError(domain.KindLLMUnavailable, errors.New("refused"), "model"), http.StatusBadGateway},
		{domain.NewError(domain.KindInvalidArguments, "bad"), http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.status {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}
