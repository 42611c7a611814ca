// Package store persists chat messages. Postgres backs production; the GORM
// SQLite backend serves local development and tests.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/chathub/internal/protocol"
)

var (
	// ErrDuplicateSequence is returned when a room sequence number is
	// already taken.
	ErrDuplicateSequence = errors.New("sequence already stored for room")
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown store driver")
)

// DefaultHistoryLimit and MaxHistoryLimit bound FetchHistory pages.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Store is the durable message store.
type Store interface {
	// Persist stores msg and returns its id.
	Persist(ctx context.Context, msg protocol.Message) (string, error)
	// FetchHistory returns up to limit messages of room with a sequence
	// below before (0 means newest), oldest first.
	FetchHistory(ctx context.Context, room string, before uint64, limit int) ([]protocol.Message, error)
	// LastSequence returns the highest stored sequence of room, or 0.
	LastSequence(ctx context.Context, room string) (uint64, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open connects the backend named by cfg.Driver: "postgres" or "sqlite".
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		return NewGorm(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// ClampLimit normalizes a requested history page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func reverse(msgs []protocol.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
