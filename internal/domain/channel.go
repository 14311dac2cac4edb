package domain

import "context"

// Channel is a user-facing transport (web, CLI).
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
