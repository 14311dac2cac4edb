package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"sheetagent/internal/bus"
	"sheetagent/internal/domain"
	"sheetagent/internal/metrics"
	"sheetagent/internal/sheet"
)

var (
	// ErrInvalidID is returned for client-supplied session IDs that cannot
	// be used as a directory name.
	ErrInvalidID = errors.New("invalid session id")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("upload too large")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// UploadGuard vets upload filenames.
type UploadGuard interface {
	CheckUpload(ctx context.Context, sessionID, filename string) (string, error)
}

// Layout maps a session to its upload and output directories.
type Layout interface {
	UploadDir(sessionID string) string
	OutputDir(sessionID string) string
}

type ManagerConfig struct {
	Store          domain.SessionStore
	Layout         Layout
	Guard          UploadGuard        // optional
	Events         *bus.EventBus      // optional
	Metrics        *metrics.Collector // optional
	MaxUploadBytes int64              // 0 means unlimited
	TTL            time.Duration      // idle time before the janitor expires a session
	Logger         *slog.Logger
}

// Manager owns the live sessions. Sessions are cached after first use and
// reloaded from the store after a restart.
type Manager struct {
	store    domain.SessionStore
	layout   Layout
	guard    UploadGuard
	events   *bus.EventBus
	metrics  *metrics.Collector
	maxBytes int64
	ttl      time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*State
	creating map[string]bool
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		store:    cfg.Store,
		layout:   cfg.Layout,
		guard:    cfg.Guard,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		maxBytes: cfg.MaxUploadBytes,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		sessions: make(map[string]*State),
		creating: make(map[string]bool),
	}
}

// Upload establishes a session's original file. An empty sessionID mints a
// new one. A session that already has an original cannot take another.
func (m *Manager) Upload(ctx context.Context, sessionID, filename string, r io.Reader) (*State, error) {
	st, err := m.upload(ctx, sessionID, filename, r)
	outcome := "ok"
	switch {
	case err == nil:
	case domain.KindOf(err) != "" || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidID):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	m.metrics.ObserveUpload(outcome)
	return st, err
}

func (m *Manager) upload(ctx context.Context, sessionID, filename string, r io.Reader) (*State, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !validID.MatchString(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}

	name := filepath.Base(filename)
	if m.guard != nil {
		var err error
		if name, err = m.guard.CheckUpload(ctx, sessionID, filename); err != nil {
			return nil, err
		}
	}
	if err := m.reserve(ctx, sessionID); err != nil {
		return nil, err
	}
	defer m.release(sessionID)

	dir := m.layout.UploadDir(sessionID)
	path := filepath.Join(dir, name)
	if err := m.writeUpload(dir, path, r); err != nil {
		removeTree(dir)
		return nil, err
	}
	if _, err := sheet.ListSheets(path); err != nil {
		removeTree(dir)
		return nil, domain.WrapError(domain.KindUnsupportedFormat, err, "not a readable workbook")
	}

	now := time.Now().UTC()
	original := domain.FileRef{Name: name, Path: path, CreatedAt: now}
	rec := domain.SessionRecord{
		ID:           sessionID,
		OriginalName: name,
		OriginalPath: path,
		OutputDir:    m.layout.OutputDir(sessionID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		removeTree(dir)
		return nil, err
	}
	if err := m.store.AddFile(ctx, sessionID, original); err != nil {
		if derr := m.store.DeleteSession(ctx, sessionID); derr != nil {
			m.logger.Error("cannot roll back session record", "session", sessionID, "error", derr)
		}
		removeTree(dir)
		return nil, err
	}

	st := m.newState(rec, original, nil, nil)
	m.mu.Lock()
	m.sessions[sessionID] = st
	active := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(active)

	m.logger.Info("session created", "session", sessionID, "file", name)
	m.emit(bus.EventSessionCreated, sessionID, map[string]any{"file": name})
	return st, nil
}

// reserve claims sessionID for an upload in progress.
func (m *Manager) reserve(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok || m.creating[sessionID] {
		return domain.NewError(domain.KindSessionExists, "session %s already has a file", sessionID)
	}
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec != nil {
		return domain.NewError(domain.KindSessionExists, "session %s already has a file", sessionID)
	}
	m.creating[sessionID] = true
	return nil
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.creating, sessionID)
	m.mu.Unlock()
}

// writeUpload streams r into path through a temporary file. The stored
// original is made read-only.
func (m *Manager) writeUpload(dir, path string, r io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if m.maxBytes > 0 {
		src = io.LimitReader(r, m.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	if m.maxBytes > 0 && n > m.maxBytes {
		return fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, m.maxBytes)
	}
	if n == 0 {
		return domain.NewError(domain.KindUnsupportedFormat, "upload is empty")
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return fmt.Errorf("protect upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	return nil
}

// Get returns the session, loading it from the store when it is not cached.
func (m *Manager) Get(ctx context.Context, sessionID string) (*State, error) {
	if !validID.MatchString(sessionID) {
		return nil, domain.NewError(domain.KindSessionNotFound, "session %q not found", sessionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[sessionID]; ok {
		return st, nil
	}

	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if rec == nil {
		return nil, domain.NewError(domain.KindSessionNotFound, "session %s not found or has no uploaded file", sessionID)
	}
	turns, err := m.store.GetTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns for %s: %w", sessionID, err)
	}
	files, err := m.store.GetFiles(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load files for %s: %w", sessionID, err)
	}

	original := domain.FileRef{Name: rec.OriginalName, Path: rec.OriginalPath, CreatedAt: rec.CreatedAt}
	var outputs []domain.FileRef
	for _, f := range files {
		if f.Tool == "" && f.Path == rec.OriginalPath {
			original = f
			continue
		}
		outputs = append(outputs, f)
	}
	st := m.newState(*rec, original, turns, outputs)
	m.sessions[sessionID] = st
	m.metrics.SetActiveSessions(len(m.sessions))
	m.logger.Debug("session loaded", "session", sessionID, "turns", len(turns), "files", len(files))
	return st, nil
}

// Acquire borrows the session for one request. A session that is already
// serving a request is rejected with SessionBusy instead of queueing.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*State, func(), error) {
	st, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if !st.TryLock() {
		return nil, nil, domain.NewError(domain.KindSessionBusy, "session %s is handling another request", sessionID)
	}
	release := func() {
		if err := m.store.TouchSession(context.Background(), sessionID, time.Now().UTC()); err != nil {
			m.logger.Warn("cannot touch session", "session", sessionID, "error", err)
		}
		st.Unlock()
	}
	return st, release, nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	return m.store.ListSessions(ctx, limit)
}

// Expire removes every session idle since before the cutoff: its files on
// disk, its store rows and its cache entry. Busy sessions and sessions
// touched after they were listed are skipped.
func (m *Manager) Expire(ctx context.Context, before time.Time) (int, error) {
	recs, err := m.store.ListIdleSessions(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	removed := 0
	for _, rec := range recs {
		ok, err := m.expireOne(ctx, rec.ID, before)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		for _, dir := range []string{m.layout.UploadDir(rec.ID), m.layout.OutputDir(rec.ID)} {
			if err := removeTree(dir); err != nil {
				m.logger.Warn("cannot remove session files", "session", rec.ID, "dir", dir, "error", err)
			}
		}
		removed++
		m.logger.Info("session expired", "session", rec.ID, "idle_since", rec.UpdatedAt)
		m.emit(bus.EventSessionExpired, rec.ID, nil)
	}
	return removed, nil
}

// expireOne drops one session from the cache and the store if it is still
// idle. It holds m.mu throughout so no request can load the session halfway.
func (m *Manager) expireOne(ctx context.Context, sessionID string, before time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, cached := m.sessions[sessionID]
	if cached && !st.TryLock() {
		m.logger.Debug("skipping busy session", "session", sessionID)
		return false, nil
	}
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if cached {
			st.Unlock()
		}
		return false, fmt.Errorf("reload session %s: %w", sessionID, err)
	}
	if rec == nil || !rec.UpdatedAt.Before(before) {
		if cached {
			st.Unlock()
		}
		if rec != nil {
			m.logger.Debug("session touched since listing, keeping it", "session", sessionID)
		}
		return false, nil
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		if cached {
			st.Unlock()
		}
		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	// A cached state stays locked so stale holders cannot use it.
	delete(m.sessions, sessionID)
	m.metrics.SetActiveSessions(len(m.sessions))
	return true, nil
}

// RunJanitor expires idle sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := m.Expire(ctx, now.Add(-m.ttl)); err != nil {
				m.logger.Warn("janitor failed", "error", err)
			} else if n > 0 {
				m.logger.Info("janitor expired sessions", "count", n)
			}
		}
	}
}

func (m *Manager) newState(rec domain.SessionRecord, original domain.FileRef, turns []domain.Turn, outputs []domain.FileRef) *State {
	return &State{
		id:        rec.ID,
		original:  original,
		outputDir: rec.OutputDir,
		store:     m.store,
		events:    m.events,
		logger:    m.logger,
		turns:     turns,
		outputs:   outputs,
	}
}

func (m *Manager) emit(eventType, sessionID string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(bus.Event{Type: eventType, Source: "session", SessionID: sessionID, Payload: payload})
}

// removeTree deletes dir, first restoring write permission on read-only
// uploads so the removal cannot fail on them.
func removeTree(dir string) error {
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			os.Chmod(path, 0o644)
		}
		return nil
	})
	return os.RemoveAll(dir)
}
