package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means the entity does not exist (or has expired). Transport and
// IO failures are returned as-is, so a caller can tell "absent" apart from
// "store unavailable".
var ErrNotFound = errors.New("entity not found")

// Event is one persisted progress record for a job.
type Event struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Store is the authoritative persistent backend behind the in-memory cache.
// All methods block and must only be called from worker threads or dedicated
// goroutines, never the serving loop.
type Store interface {
	LoadEntity(ctx context.Context, id string) ([]byte, error)
	SaveEntity(ctx context.Context, id string, value []byte, ttl time.Duration) error
	AppendEvent(ctx context.Context, jobID string, message string) error
	Events(ctx context.Context, jobID string) ([]Event, error)
	Cleanup(ctx context.Context) (int, error)
	Close() error
}
