package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sheetagent/internal/domain"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteStore implements domain.SessionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, original_name, original_path, output_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OriginalName, rec.OriginalPath, rec.OutputDir, ts(rec.CreatedAt), ts(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession returns nil, nil when the session does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_name, original_path, output_dir, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts(at), id)
	return err
}

// ListSessions returns the most recently active sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_name, original_path, output_dir, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListIdleSessions returns sessions whose last activity is before the cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, before time.Time) ([]domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_name, original_path, output_dir, created_at, updated_at
		 FROM sessions WHERE updated_at < ? ORDER BY updated_at`, ts(before),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// DeleteSession removes the session with its turns, files and usage rows.
// The audit log is kept.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM files WHERE session_id = ?`,
		`DELETE FROM token_usage WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AppendTurns stores turns in one transaction and bumps the session's
// activity time. Turn.Seq must already be assigned.
func (s *SQLiteStore) AppendTurns(ctx context.Context, sessionID string, turns []domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode turn %d: %w", t.Seq, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, t.Seq, string(t.Kind), string(payload), ts(t.CreatedAt),
		); err != nil {
			return fmt.Errorf("append turn %d: %w", t.Seq, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts(now), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTurns returns the full turn log in sequence order.
func (s *SQLiteStore) GetTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM turns WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t domain.Turn
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) AddFile(ctx context.Context, sessionID string, ref domain.FileRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (session_id, name, path, tool, step, artifact, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ref.Name, ref.Path, ref.Tool, ref.Step, ref.Artifact, ts(ref.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("add file %s: %w", ref.Name, err)
	}
	return nil
}

// GetFiles returns the session's files in creation order, the original first.
func (s *SQLiteStore) GetFiles(ctx context.Context, sessionID string) ([]domain.FileRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, path, tool, step, artifact, created_at FROM files
		 WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.FileRef
	for rows.Next() {
		var ref domain.FileRef
		var tool sql.NullString
		var artifact sql.NullBool
		var created string
		if err := rows.Scan(&ref.Name, &ref.Path, &tool, &ref.Step, &artifact, &created); err != nil {
			return nil, err
		}
		ref.Tool = tool.String
		ref.Artifact = artifact.Bool
		ref.CreatedAt = parseTime(created)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (session_id, action, tool_name, command, result, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details,
	)
	return err
}

// RecordUsage stores the token usage of one LLM call.
func (s *SQLiteStore) RecordUsage(ctx context.Context, sessionID, provider, model string, usage domain.Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (session_id, provider, model, tokens_in, tokens_out) VALUES (?, ?, ?, ?, ?)`,
		sessionID, provider, model, usage.PromptTokens, usage.CompletionTokens,
	)
	return err
}

// Stats is a summary of the store's contents for the status command.
type Stats struct {
	Sessions   int
	Turns      int
	Files      int
	AuditRows  int
	TokensIn   int64
	TokensOut  int64
	SchemaVers int
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		query string
		dest  any
	}{
		{`SELECT COUNT(*) FROM sessions`, &st.Sessions},
		{`SELECT COUNT(*) FROM turns`, &st.Turns},
		{`SELECT COUNT(*) FROM files`, &st.Files},
		{`SELECT COUNT(*) FROM audit_log`, &st.AuditRows},
		{`SELECT COALESCE(SUM(tokens_in), 0) FROM token_usage`, &st.TokensIn},
		{`SELECT COALESCE(SUM(tokens_out), 0) FROM token_usage`, &st.TokensOut},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return st, err
		}
	}
	v, err := GetSchemaVersion(s.db)
	if err != nil {
		return st, err
	}
	st.SchemaVers = v
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var created, updated string
	if err := row.Scan(&rec.ID, &rec.OriginalName, &rec.OriginalPath, &rec.OutputDir, &created, &updated); err != nil {
		return rec, err
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func scanSessions(rows *sql.Rows) ([]domain.SessionRecord, error) {
	var recs []domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the stored layout and RFC 3339, which the driver
// produces when it decodes a DATETIME column itself.
func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
