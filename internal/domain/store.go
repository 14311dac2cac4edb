package domain

import (
	"context"
	"time"
)

// SessionStore persists sessions, their turns and their files.
type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	ListIdleSessions(ctx context.Context, before time.Time) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	AppendTurns(ctx context.Context, sessionID string, turns []Turn) error
	GetTurns(ctx context.Context, sessionID string) ([]Turn, error)

	AddFile(ctx context.Context, sessionID string, ref FileRef) error
	GetFiles(ctx context.Context, sessionID string) ([]FileRef, error)

	LogAudit(ctx context.Context, entry AuditEntry) error

	Close() error
}

type SessionRecord struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	OriginalPath string    `json:"-"`
	OutputDir    string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
