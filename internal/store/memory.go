// Package store provides the durable Authorization repositories: SQLite
// for single-node deployments, PostgreSQL for shared ones and an
// in-memory implementation for tests and throwaway setups. All of them
// satisfy oauth.Repository; the factory picks one from the configured
// database type.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
)

// MemoryRepository keeps Authorization records in a map. Records are
// copied on the way in and out so callers can't mutate stored state
// behind the repository's back.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]oauth.Authorization
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]oauth.Authorization),
	}
}

func (r *MemoryRepository) Find(ctx context.Context, authorizationID string) (*oauth.Authorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[authorizationID]
	if !ok {
		return nil, nil
	}
	copied := copyAuthorization(record)
	return &copied, nil
}

func (r *MemoryRepository) Save(ctx context.Context, authorization *oauth.Authorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[authorization.AuthorizationID] = copyAuthorization(*authorization)
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, authorizationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, authorizationID)
	return nil
}

// Replace is indistinguishable from Save under a single mutex, which is
// exactly the atomicity the interface asks for.
func (r *MemoryRepository) Replace(ctx context.Context, authorization *oauth.Authorization) error {
	return r.Save(ctx, authorization)
}

func (r *MemoryRepository) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*oauth.Authorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*oauth.Authorization
	for _, record := range r.records {
		if record.Expires != nil && record.Expires.Before(cutoff) {
			copied := copyAuthorization(record)
			result = append(result, &copied)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Expires.Before(*result[j].Expires)
	})

	return result, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

func copyAuthorization(a oauth.Authorization) oauth.Authorization {
	if a.Expires != nil {
		expires := *a.Expires
		a.Expires = &expires
	}
	if a.TokenValues != nil {
		values := make(map[string]interface{}, len(a.TokenValues))
		for k, v := range a.TokenValues {
			values[k] = v
		}
		a.TokenValues = values
	}
	return a
}

var _ oauth.Repository = (*MemoryRepository)(nil)
