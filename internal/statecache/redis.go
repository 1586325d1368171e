package statecache

import (
	"context"
	stderrors "errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	"github.com/christophengelmayer/flow-oauth2-client/internal/redis"
)

const stateKeyPrefix = "oauth2:state:"

// RedisStateCache keeps pending authorization state in Redis so that the
// callback can land on any instance behind a load balancer. Expiry is
// delegated to Redis key TTLs.
type RedisStateCache struct {
	client *redis.Client
}

// NewRedisStateCache creates a state cache backed by the given Redis client.
func NewRedisStateCache(client *redis.Client) (*RedisStateCache, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	return &RedisStateCache{client: client}, nil
}

func (c *RedisStateCache) Put(ctx context.Context, stateIdentifier string, value interface{}, ttl time.Duration) error {
	stored, err := c.client.SetNX(ctx, stateKeyPrefix+stateIdentifier, value, ttl)
	if err != nil {
		return errors.ConnectionError("failed to store authorization state", err)
	}
	if !stored {
		return errors.InternalError("authorization state identifier already in use", nil)
	}
	return nil
}

func (c *RedisStateCache) Get(ctx context.Context, stateIdentifier string, dest interface{}) (bool, error) {
	err := c.client.GetJSON(ctx, stateKeyPrefix+stateIdentifier, dest)
	if err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, errors.ConnectionError("failed to load authorization state", err)
	}
	return true, nil
}

func (c *RedisStateCache) Remove(ctx context.Context, stateIdentifier string) error {
	if err := c.client.Delete(ctx, stateKeyPrefix+stateIdentifier); err != nil {
		return errors.ConnectionError("failed to delete authorization state", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (c *RedisStateCache) Close() error {
	return nil
}

var _ StateCache = (*RedisStateCache)(nil)
