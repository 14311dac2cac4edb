// Package chat is the boundary between transports and the agent: it turns
// uploads and user messages into session operations and renders the
// outcome for clients.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"sheetagent/internal/agent"
	"sheetagent/internal/domain"
	"sheetagent/internal/session"
	"sheetagent/internal/sheet"
	"sheetagent/internal/tool"
)

const (
	defaultPreviewRows   = 10
	maxPreviewRows       = 100
	defaultMaxConcurrent = 10
)

// ErrEmptyMessage is returned for a message with no text.
var ErrEmptyMessage = errors.New("message text is empty")

// Attachment is a file or chart produced while answering a message.
type Attachment struct {
	Kind  string               `json:"kind"` // file | chart
	Name  string               `json:"name"`
	URL   string               `json:"url,omitempty"`
	Chart *domain.ChartPayload `json:"chart,omitempty"`
}

// Response is what a client receives for one message.
type Response struct {
	SessionID   string       `json:"sessionId"`
	Text        string       `json:"text"`
	Degraded    bool         `json:"degraded"`
	Reason      string       `json:"reason,omitempty"`
	Steps       int          `json:"steps"`
	Attachments []Attachment `json:"attachments"`
}

type UploadResult struct {
	SessionID string         `json:"sessionId"`
	File      domain.FileRef `json:"file"`
	Sheets    []string       `json:"sheets,omitempty"`
}

type Preview struct {
	File      string     `json:"file"`
	Sheet     string     `json:"sheet"`
	Header    []string   `json:"header"`
	Rows      [][]string `json:"rows"`
	TotalRows int        `json:"totalRows"`
}

// Transcript is the full state of a session as shown to clients.
type Transcript struct {
	SessionID string           `json:"sessionId"`
	Current   string           `json:"current"`
	Turns     []domain.Turn    `json:"turns"`
	Files     []domain.FileRef `json:"files"`
}

type ServiceConfig struct {
	Sessions      *session.Manager
	Loop          *agent.Loop
	Registry      *tool.Registry
	MaxConcurrent int // agent runs across all sessions
	PreviewRows   int
	FilesPrefix   string // URL prefix downloads are served under
	Logger        *slog.Logger
}

// Service implements the chat operations shared by every transport.
type Service struct {
	sessions    *session.Manager
	loop        *agent.Loop
	registry    *tool.Registry
	sem         chan struct{}
	previewRows int
	filesPrefix string
	logger      *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = defaultPreviewRows
	}
	if cfg.FilesPrefix == "" {
		cfg.FilesPrefix = "/files"
	}
	return &Service{
		sessions:    cfg.Sessions,
		loop:        cfg.Loop,
		registry:    cfg.Registry,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		previewRows: cfg.PreviewRows,
		filesPrefix: strings.TrimRight(cfg.FilesPrefix, "/"),
		logger:      cfg.Logger,
	}
}

// Upload stores a workbook as the original file of a session. An empty
// sessionID starts a new session.
func (s *Service) Upload(ctx context.Context, sessionID, filename string, r io.Reader) (*UploadResult, error) {
	st, err := s.sessions.Upload(ctx, sessionID, filename, r)
	if err != nil {
		return nil, err
	}
	res := &UploadResult{SessionID: st.ID(), File: st.Original()}
	if info, err := sheet.ListSheets(st.Original().Path); err == nil {
		if names, ok := info["sheet_names"].([]string); ok {
			res.Sheets = names
		}
	}
	return res, nil
}

// HandleMessage runs the agent for one user message.
func (s *Service) HandleMessage(ctx context.Context, sessionID, text string) (*Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	st, release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.logger.Info("handling message", "session", sessionID, "chars", len(text))
	reply, err := s.loop.Run(ctx, st, text)
	if err != nil {
		s.logger.Error("request failed", "session", sessionID, "error", err)
		return nil, err
	}

	resp := &Response{
		SessionID:   sessionID,
		Text:        reply.Text,
		Degraded:    reply.Degraded,
		Reason:      reply.Reason,
		Steps:       reply.Steps,
		Attachments: s.attachments(sessionID, reply.Results()),
	}
	s.logger.Info("message answered",
		"session", sessionID,
		"steps", resp.Steps,
		"degraded", resp.Degraded,
		"attachments", len(resp.Attachments),
	)
	return resp, nil
}

// attachments lists what this request produced, in order. Results are
// passed through as they are.
func (s *Service) attachments(sessionID string, results []domain.ToolResult) []Attachment {
	out := make([]Attachment, 0)
	for _, r := range results {
		if !r.OK {
			continue
		}
		switch {
		case r.Chart != nil:
			a := Attachment{Kind: "chart", Chart: r.Chart}
			if r.OutputFile != nil {
				a.Name = r.OutputFile.Name
				a.URL = s.FileURL(sessionID, r.OutputFile.Name)
			}
			out = append(out, a)
		case r.OutputFile != nil:
			out = append(out, Attachment{
				Kind: "file",
				Name: r.OutputFile.Name,
				URL:  s.FileURL(sessionID, r.OutputFile.Name),
			})
		}
	}
	return out
}

// FileURL is the download link for a session file.
func (s *Service) FileURL(sessionID, name string) string {
	return s.filesPrefix + "/" + url.PathEscape(sessionID) + "/" + url.PathEscape(name)
}

// Preview returns the first rows of the session's current file.
func (s *Service) Preview(ctx context.Context, sessionID string, limit int) (*Preview, error) {
	st, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.previewRows
	}
	limit = min(limit, maxPreviewRows)

	current := st.Current()
	t, err := sheet.Load(current.Path, "")
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", current.Name, err)
	}
	rows := t.Rows
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return &Preview{
		File:      current.Name,
		Sheet:     t.Sheet,
		Header:    t.Header,
		Rows:      rows,
		TotalRows: len(t.Rows),
	}, nil
}

// Session returns the turn log and the file list of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*Transcript, error) {
	st, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Transcript{
		SessionID: st.ID(),
		Current:   st.Current().Name,
		Turns:     st.Turns(),
		Files:     st.Files(),
	}, nil
}

// ResolveDownload maps a file link to a path on disk. Only files registered
// with the session are served.
func (s *Service) ResolveDownload(ctx context.Context, sessionID, name string) (domain.FileRef, error) {
	st, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.FileRef{}, err
	}
	ref, err := st.Resolve(name)
	if err != nil {
		return domain.FileRef{}, domain.WrapError(domain.KindSessionNotFound, err, "file not found")
	}
	return ref, nil
}

// Tools returns the tool menu offered to the model.
func (s *Service) Tools() []domain.ToolDefinition {
	return s.registry.Definitions()
}
