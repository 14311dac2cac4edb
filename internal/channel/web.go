package channel

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sheetagent/internal/bus"
	"sheetagent/internal/chat"
	"sheetagent/internal/domain"
	"sheetagent/internal/metrics"
	"sheetagent/internal/session"
)

const (
	maxBodySize       = 1 << 20 // 1MB
	multipartMemory   = 8 << 20
	sseKeepAlive      = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

//go:embed web_assets/*
var assetsFS embed.FS

var _ domain.Channel = (*Web)(nil)

// Web serves the chat API, file downloads, progress events and a minimal
// browser UI.
type Web struct {
	host        string
	port        int
	svc         *chat.Service
	events      *bus.EventBus
	metrics     *metrics.Collector
	metricsPath string
	authToken   string
	maxUpload   int64
	version     string
	logger      *slog.Logger
	server      *http.Server
}

type WebConfig struct {
	Host           string
	Port           int
	Service        *chat.Service
	Events         *bus.EventBus      // optional: enables /api/sessions/{id}/events
	Metrics        *metrics.Collector // optional: enables the metrics endpoint
	MetricsPath    string
	AuthToken      string // bearer token required on /api and /files; empty disables auth
	MaxUploadBytes int64
	Version        string
	Logger         *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Web{
		host:        cfg.Host,
		port:        cfg.Port,
		svc:         cfg.Service,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		authToken:   cfg.AuthToken,
		maxUpload:   cfg.MaxUploadBytes,
		version:     cfg.Version,
		logger:      cfg.Logger,
	}
}

func (w *Web) Name() string { return "web" }

// Handler builds the HTTP routes.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", w.handleIndex)
	mux.HandleFunc("GET /healthz", w.handleHealth)
	if w.metrics != nil {
		mux.Handle("GET "+w.metricsPath, w.metrics.Handler())
	}

	mux.HandleFunc("POST /api/upload", w.requireAuth(w.handleUpload))
	mux.HandleFunc("POST /api/sessions/{id}/messages", w.requireAuth(w.handleMessage))
	mux.HandleFunc("GET /api/sessions/{id}", w.requireAuth(w.handleSession))
	mux.HandleFunc("GET /api/sessions/{id}/preview", w.requireAuth(w.handlePreview))
	mux.HandleFunc("GET /api/sessions/{id}/events", w.requireAuth(w.handleEvents))
	mux.HandleFunc("GET /api/tools", w.requireAuth(w.handleTools))
	mux.HandleFunc("GET /files/{id}/{name}", w.requireAuth(w.handleDownload))
	return mux
}

// Start serves until ctx is cancelled.
func (w *Web) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	w.logger.Info("web UI started", "addr", "http://"+addr, "auth", w.authToken != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// requireAuth checks the bearer token when one is configured. Browsers
// cannot set headers on EventSource or download links, so a token query
// parameter is accepted as well.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if w.authToken == "" {
			next(rw, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(w.authToken)) != 1 {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="sheetagent"`)
			writeError(rw, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(rw, r)
	}
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	page, err := assetsFS.ReadFile("web_assets/index.html")
	if err != nil {
		http.Error(rw, "UI not available", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Write(page)
}

func (w *Web) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": w.version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (w *Web) handleUpload(rw http.ResponseWriter, r *http.Request) {
	if w.maxUpload > 0 {
		// Leave room for the multipart envelope; the session layer enforces the exact limit.
		r.Body = http.MaxBytesReader(rw, r.Body, w.maxUpload+maxBodySize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(rw, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(rw, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(rw, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	res, err := w.svc.Upload(r.Context(), r.FormValue("sessionId"), filepath.Base(header.Filename), file)
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	w.logger.Info("workbook uploaded", "session", res.SessionID, "file", res.File.Name, "bytes", header.Size)
	writeJSON(rw, http.StatusCreated, res)
}

func (w *Web) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := json.Unmarshal(data, &body); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := w.svc.HandleMessage(r.Context(), r.PathValue("id"), body.Text)
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (w *Web) handleSession(rw http.ResponseWriter, r *http.Request) {
	tr, err := w.svc.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, tr)
}

func (w *Web) handlePreview(rw http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(rw, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	p, err := w.svc.Preview(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (w *Web) handleTools(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"tools": w.svc.Tools()})
}

func (w *Web) handleDownload(rw http.ResponseWriter, r *http.Request) {
	ref, err := w.svc.ResolveDownload(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.Name))
	rw.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	http.ServeFile(rw, r, ref.Path)
}

// handleEvents streams session progress events as server-sent events. Each
// event carries its bus sequence number as the SSE id. A client resuming with
// Last-Event-ID, or passing ?since=<seq>, first receives the retained events
// it missed.
func (w *Web) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if w.events == nil {
		writeError(rw, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeError(rw, http.StatusInternalServerError, "SSE not supported")
		return
	}
	sessionID := r.PathValue("id")
	since, replay, err := resumePoint(r)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := w.svc.Session(r.Context(), sessionID); err != nil {
		w.fail(rw, r, err)
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	events, cancel := w.events.SubscribeSession(sessionID, 64)
	defer cancel()
	w.metrics.SSEOpened()
	defer w.metrics.SSEClosed()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, ": connected\n\n")

	var last int64
	if replay {
		for _, e := range w.events.ReplaySession(sessionID, since) {
			w.writeEvent(rw, e)
			last = e.Seq
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(rw, ": ping\n\n")
			flusher.Flush()
		case e := <-events:
			if e.Seq <= last {
				continue // already replayed
			}
			w.writeEvent(rw, e)
			flusher.Flush()
		}
	}
}

func (w *Web) writeEvent(rw http.ResponseWriter, e bus.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("cannot encode event", "event", e.Type, "error", err)
		return
	}
	fmt.Fprintf(rw, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
}

// resumePoint reads the replay position from Last-Event-ID or ?since=.
// replay is false when the client asked for live events only.
func resumePoint(r *http.Request) (since int64, replay bool, err error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return 0, false, nil
	}
	since, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, false, fmt.Errorf("invalid event id %q", raw)
	}
	return since, true, nil
}

// fail maps an error to its HTTP status and writes it.
func (w *Web) fail(rw http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		w.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		w.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	body := map[string]any{"error": domain.MessageOf(err)}
	if kind := domain.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(rw, status, body)
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch domain.KindOf(err) {
	case domain.KindSessionNotFound:
		return http.StatusNotFound
	case domain.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case domain.KindSessionBusy, domain.KindSessionExists:
		return http.StatusConflict
	case domain.KindLLMUnavailable:
		return http.StatusBadGateway
	case domain.KindInvalidArguments:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
