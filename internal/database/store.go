// Package database provides warehouse storage backends for ingested messages.
package database

import (
	"context"
	"time"

	"github.com/bryan-buckman/televore/internal/model"
)

// DefaultMaxQueryParams bounds the bind parameters of one statement. It stays
// below the SQLite and PostgreSQL limits.
const DefaultMaxQueryParams = 1000

// Store defines the interface for warehouse operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Migrate creates the message and watermark tables when absent.
	Migrate(ctx context.Context) error

	// Message operations
	AppendMessages(ctx context.Context, msgs []model.Message) (int, error)
	ExistingKeys(ctx context.Context, keys []model.Key) (map[model.Key]struct{}, error)
	DistinctSourceRefs(ctx context.Context) ([]string, error)

	// Watermark operations
	GetWatermark(ctx context.Context, groupID string) (*model.Watermark, error)
	UpsertWatermark(ctx context.Context, groupID string, ts time.Time) error
	RegisterEntity(ctx context.Context, groupID string) (bool, error)
	ListEntityIDs(ctx context.Context) ([]string, error)
	ListWatermarks(ctx context.Context) ([]model.Watermark, error)
}
