// Package locks provides the locking used to serialize token refreshes.
//
// Every authorization gets at most one refresh in flight at a time: the
// manager acquires a lock keyed by the authorization id before talking to
// the token endpoint, so concurrent callers of the same authorization
// don't race each other into duplicate refresh requests.
//
// Two implementations are provided. LocalManager uses in-process mutexes
// and is the right choice for a single instance. RedsyncManager uses the
// Redlock algorithm via go-redsync/redsync/v4 and coordinates refreshes
// across multiple instances sharing one Redis.
package locks

import (
	"context"
	"sync"
	"time"
)

// Lock is a held lock. Release it when the critical section is done;
// releasing twice is safe.
type Lock interface {
	// Key returns the identifier the lock was acquired under.
	Key() string

	// Release gives up the lock. The lock must not be used afterwards.
	Release(ctx context.Context) error

	// IsHeld reports whether this instance still holds the lock. It
	// checks local state only and does not query the backend.
	IsHeld() bool
}

// Manager acquires locks. Both LocalManager and RedsyncManager satisfy it.
type Manager interface {
	// AcquireAuthorizationLock takes the refresh lock for an authorization.
	// It blocks until the lock is available or the context is done.
	AcquireAuthorizationLock(ctx context.Context, authorizationID string) (Lock, error)

	// Close releases all locks held by this manager.
	Close() error
}

const authorizationLockTTL = 30 * time.Second

// LocalManager serializes refreshes within a single process using a mutex
// per authorization id. Entries are reference counted and removed once the
// last holder releases, so the map does not grow with the number of
// authorizations ever seen.
type LocalManager struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocalManager creates an in-process lock manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{
		entries: make(map[string]*localEntry),
	}
}

// AcquireAuthorizationLock blocks until the per-authorization mutex is
// available or ctx is done.
func (m *LocalManager) AcquireAuthorizationLock(ctx context.Context, authorizationID string) (Lock, error) {
	m.mu.Lock()
	entry, ok := m.entries[authorizationID]
	if !ok {
		entry = &localEntry{}
		m.entries[authorizationID] = entry
	}
	entry.refs++
	m.mu.Unlock()

	locked := make(chan struct{})
	go func() {
		entry.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		// The goroutine above will eventually take the mutex; make sure
		// it gets unlocked and the refcount dropped once it does.
		go func() {
			<-locked
			entry.mu.Unlock()
			m.unref(authorizationID, entry)
		}()
		return nil, ctx.Err()
	}

	return &localLock{key: authorizationID, entry: entry, manager: m}, nil
}

func (m *LocalManager) unref(key string, entry *localEntry) {
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Close is a no-op for the local manager; held locks stay valid until
// their holders release them.
func (m *LocalManager) Close() error {
	return nil
}

type localLock struct {
	key      string
	entry    *localEntry
	manager  *LocalManager
	released sync.Once
	done     bool
	mu       sync.Mutex
}

func (l *localLock) Key() string {
	return l.key
}

func (l *localLock) Release(ctx context.Context) error {
	l.released.Do(func() {
		l.entry.mu.Unlock()
		l.manager.unref(l.key, l.entry)
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	})
	return nil
}

func (l *localLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.done
}

var _ Manager = (*LocalManager)(nil)
