// Package rendered caches serialized FeatureCollections of Ready tables.
// Ready tables never change, so an entry is valid for as long as it lives;
// the TTL only bounds memory. Every failure is a miss.
package rendered

import (
	"context"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
)

const keyPrefix = "flows:fc:"

// Key is the Redis key for the rendered body of a materialized table.
func Key(table string) string { return keyPrefix + table }

type Store interface {
	Get(ctx context.Context, table string) ([]byte, bool)
	Put(ctx context.Context, table string, body []byte)
}

type redisStore struct {
	c         cache.Interface
	ttl       time.Duration
	opTimeout time.Duration
	log       *slog.Logger
}

func NewRedis(c cache.Interface, ttl, opTimeout time.Duration, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &redisStore{c: c, ttl: ttl, opTimeout: opTimeout, log: log}
}

func (s *redisStore) Get(ctx context.Context, table string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	b, ok, err := s.c.Get(ctx, Key(table))
	switch {
	case err != nil:
		observability.IncRendered("error")
		s.log.WarnContext(ctx, "rendered cache get failed", "table", table, "err", err)
		return nil, false
	case !ok:
		observability.IncRendered("miss")
		return nil, false
	default:
		observability.IncRendered("hit")
		return b, true
	}
}

func (s *redisStore) Put(ctx context.Context, table string, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.c.Set(ctx, Key(table), body, s.ttl); err != nil {
		observability.IncRendered("store_error")
		s.log.WarnContext(ctx, "rendered cache put failed", "table", table, "err", err)
	}
}

// Nop never hits. It is used when no Redis address is configured.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Put(context.Context, string, []byte)        {}
