// Package pg is the PostgreSQL/PostGIS relational store. Every operation
// acquires its own pooled connection (or transaction) and releases it before
// returning.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
)

// Querier is the subset of pgx shared by pooled connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type Option func(*pgxpool.Config)

func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	db := &DB{pool: pool}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Ping(ctx context.Context) error {
	start := time.Now()
	err := d.pool.Ping(ctx)
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (d *DB) Close() { d.pool.Close() }

// WithConn runs fn on a connection acquired for this call only.
func (d *DB) WithConn(ctx context.Context, op string, fn func(Querier) error) error {
	start := time.Now()
	err := d.withConn(ctx, fn)
	observability.ObserveStoreOp(op, err, time.Since(start).Seconds())
	return err
}

func (d *DB) withConn(ctx context.Context, fn func(Querier) error) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// WithTx runs fn inside a transaction on its own connection. The
// transaction commits only if fn returns nil.
func (d *DB) WithTx(ctx context.Context, op string, fn func(Querier) error) error {
	start := time.Now()
	err := d.withConn(ctx, func(q Querier) error {
		conn, ok := q.(*pgxpool.Conn)
		if !ok {
			return errors.New("unexpected connection type")
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	observability.ObserveStoreOp(op, err, time.Since(start).Seconds())
	return err
}
