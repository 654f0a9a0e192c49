package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the redis client used by the event bus.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts. ReadTimeout is left at the
// driver default because pub/sub receives block.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
	})
	return &Redis{Client: client}
}

// Ping verifies redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return redis.ErrClosed
	}
	return r.Client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
