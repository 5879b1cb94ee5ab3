package ports

import (
	"context"
)

// QueryStore persists the query text of automatic persisted queries keyed by
// the hex SHA-256 of the query.
//
// Implementations are shared by every in-flight request and must be safe
// for concurrent use.
type QueryStore interface {
	// GetQuery returns the query registered for hash. found is false on a miss.
	GetQuery(ctx context.Context, hash string) (query string, found bool, err error)

	// PutQuery registers query under hash, replacing any previous entry.
	PutQuery(ctx context.Context, hash, query string) error

	// Close releases the storage connection
	Close() error
}
