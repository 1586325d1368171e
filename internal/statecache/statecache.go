// Package statecache stores pending authorization state between the
// start of an authorization-code flow and the redirect back from the
// identity provider.
//
// Entries are keyed by the state identifier that travels through the
// provider's authorize URL and carry whatever record the caller needs
// to finish the flow. Every entry has a TTL: a user who never comes
// back from the provider must not leave state behind forever, and an
// expired or unknown state on the callback is how CSRF and replay
// attempts are rejected.
package statecache

import (
	"context"
	"time"
)

// StateCache is a TTL-bound key/value store for pending authorizations.
type StateCache interface {
	// Put stores value under the state identifier for at most ttl. A
	// live entry under the same identifier is never silently
	// overwritten: identifiers are random and fresh on every flow, so a
	// collision means something is wrong and Put fails.
	Put(ctx context.Context, stateIdentifier string, value interface{}, ttl time.Duration) error

	// Get unmarshals the entry for the state identifier into dest.
	// It returns false if the entry does not exist or has expired.
	Get(ctx context.Context, stateIdentifier string, dest interface{}) (bool, error)

	// Remove deletes the entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, stateIdentifier string) error

	// Close releases any resources held by the cache.
	Close() error
}
