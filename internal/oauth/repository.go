package oauth

import (
	"context"
	"time"
)

// Repository is the durable store for Authorization records. Implementations
// live in internal/store; the manager never talks to a database directly.
//
// Find returns (nil, nil) when no record exists — absence is a normal
// outcome, not an error. Errors are reserved for backend failures.
type Repository interface {
	// Find loads the record for an authorization id, or nil when absent.
	Find(ctx context.Context, authorizationID string) (*Authorization, error)

	// Save upserts the record by its authorization id.
	Save(ctx context.Context, authorization *Authorization) error

	// Delete removes the record. Deleting a missing id is not an error.
	Delete(ctx context.Context, authorizationID string) error

	// Replace atomically removes any existing record under the same id
	// and inserts the new one, so re-authorization can never leave a
	// partially written dual-grant state behind.
	Replace(ctx context.Context, authorization *Authorization) error

	// ExpiringBefore returns records whose expiry falls before the
	// cutoff. Records with no expiry are never returned.
	ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Authorization, error)

	// Close releases the backing store.
	Close() error
}
