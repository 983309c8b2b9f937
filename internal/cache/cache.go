// Package cache defines the byte cache contract the rendered response
// cache is built on.
package cache

import (
	"context"
	"time"
)

// Interface is satisfied by redisstore.Client.
type Interface interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}
