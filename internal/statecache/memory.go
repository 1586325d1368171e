package statecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
)

// MemoryStateCache is an in-process state cache for single-instance
// deployments and tests. Values are stored as JSON so the Get/Put
// semantics match the Redis implementation exactly.
type MemoryStateCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	done    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStateCache creates an in-memory state cache. A background
// janitor evicts expired entries once a minute; expired entries are also
// filtered on read, so eviction timing never affects correctness.
func NewMemoryStateCache() *MemoryStateCache {
	c := &MemoryStateCache{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryStateCache) Put(ctx context.Context, stateIdentifier string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[stateIdentifier]; ok && time.Now().Before(existing.expiresAt) {
		return errors.InternalError("authorization state identifier already in use", nil)
	}
	c.entries[stateIdentifier] = memoryEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *MemoryStateCache) Get(ctx context.Context, stateIdentifier string, dest interface{}) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[stateIdentifier]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return false, nil
	}

	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MemoryStateCache) Remove(ctx context.Context, stateIdentifier string) error {
	c.mu.Lock()
	delete(c.entries, stateIdentifier)
	c.mu.Unlock()
	return nil
}

// Close stops the janitor goroutine.
func (c *MemoryStateCache) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *MemoryStateCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

var _ StateCache = (*MemoryStateCache)(nil)
