package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	"github.com/christophengelmayer/flow-oauth2-client/internal/redis"
)

// RedsyncManager implements Manager using the Redlock algorithm via
// go-redsync/redsync/v4. Use it when several instances share the same
// authorization store and refreshes must be serialized across all of them.
//
// Acquired locks are renewed in the background at a third of their expiry
// so a slow token endpoint cannot outlive the lock.
type RedsyncManager struct {
	redsync    *redsync.Redsync
	localLocks map[string]*redsyncLock
	mutex      sync.RWMutex
}

type redsyncLock struct {
	mutex      *redsync.Mutex
	key        string
	expiration time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	manager    *RedsyncManager
}

// NewRedsyncManager creates a distributed lock manager on top of the
// given Redis client.
func NewRedsyncManager(redisClient *redis.Client) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())
	rs := redsync.New(pool)

	return &RedsyncManager{
		redsync:    rs,
		localLocks: make(map[string]*redsyncLock),
	}, nil
}

// AcquireAuthorizationLock takes the distributed refresh lock for an
// authorization. It blocks until the lock is acquired or ctx is done.
func (rm *RedsyncManager) AcquireAuthorizationLock(ctx context.Context, authorizationID string) (Lock, error) {
	mutex := rm.redsync.NewMutex(
		fmt.Sprintf("oauth2:refresh-lock:%s", authorizationID),
		redsync.WithExpiry(authorizationLockTTL),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.InternalError("failed to acquire refresh lock", err)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &redsyncLock{
		mutex:      mutex,
		key:        authorizationID,
		expiration: authorizationLockTTL,
		ctx:        lockCtx,
		cancel:     cancel,
		manager:    rm,
	}

	rm.mutex.Lock()
	rm.localLocks[authorizationID] = lock
	rm.mutex.Unlock()

	go rm.renewLock(lock)

	return lock, nil
}

// renewLock extends the lock at 1/3 of its expiry until released. If an
// extension fails the lock is considered lost and gets cleaned up.
func (rm *RedsyncManager) renewLock(lock *redsyncLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				rm.releaseLock(lock)
				return
			}
		}
	}
}

func (rm *RedsyncManager) releaseLock(lock *redsyncLock) {
	rm.mutex.Lock()
	delete(rm.localLocks, lock.key)
	rm.mutex.Unlock()

	lock.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lock.mutex.UnlockContext(ctx)
}

// Close releases every lock still held by this manager.
func (rm *RedsyncManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	for _, lock := range rm.localLocks {
		lock.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lock.mutex.UnlockContext(ctx)
		cancel()
	}

	rm.localLocks = make(map[string]*redsyncLock)
	return nil
}

func (rl *redsyncLock) Key() string {
	return rl.key
}

func (rl *redsyncLock) Release(ctx context.Context) error {
	rl.manager.releaseLock(rl)
	return nil
}

func (rl *redsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}

var _ Manager = (*RedsyncManager)(nil)
