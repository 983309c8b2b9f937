// Package flowcache materializes each zone's flow table exactly once.
//
// Per key the state is Absent, Computing or Ready. Computing is a key held
// by the singleflight group: the first caller's function runs one detached
// computation and every caller that arrives while it runs receives the same
// result. On success the key becomes Ready, which is terminal; on failure
// or timeout the group forgets the key, so it is Absent again, and every
// waiter of that attempt receives the error.
package flowcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
	mylog "github.com/mohammed-shakir/taz-flow-cache/internal/logger"
)

type Computer interface {
	Compute(ctx context.Context, zoneName string) ([]model.FlowRow, error)
}

// Store is the materialization store contract the cache relies on.
type Store interface {
	Lookup(ctx context.Context, key model.CacheKey) (model.Entry, bool, error)
	Publish(ctx context.Context, key model.CacheKey, zoneName string, rows []model.FlowRow) error
	Read(ctx context.Context, key model.CacheKey) ([]model.FlowRow, error)
}

// Event describes one finished leader computation.
type Event struct {
	Key      model.CacheKey
	ZoneName string
	Table    string
	Rows     int
	Duration time.Duration
	Err      error
}

// Notifier receives an Event after every leader computation. Notify must
// not block.
type Notifier interface {
	Notify(Event)
}

type Options struct {
	Logger         *slog.Logger
	Timeout        time.Duration
	MaxConcurrent  int
	ReadyCacheSize int
	Notifier       Notifier
}

type Cache struct {
	log     *slog.Logger
	store   Store
	comp    Computer
	notify  Notifier
	timeout time.Duration
	sem     *semaphore.Weighted
	group   singleflight.Group

	// key -> canonical zone name, for keys known to be Ready
	ready *lru.Cache[model.CacheKey, string]

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(store Store, comp Computer, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.ReadyCacheSize <= 0 {
		opts.ReadyCacheSize = 4096
	}
	ready, _ := lru.New[model.CacheKey, string](opts.ReadyCacheSize)
	return &Cache{
		log:     opts.Logger,
		store:   store,
		comp:    comp,
		notify:  opts.Notifier,
		timeout: opts.Timeout,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ready:   ready,
	}
}

// Get returns the materialized rows for zoneName, computing them first if
// needed. It blocks until the key is Ready, the computation fails, or ctx
// is done. Canceling ctx never cancels a computation.
func (c *Cache) Get(ctx context.Context, zoneName string) ([]model.FlowRow, error) {
	key := keys.Normalize(zoneName)
	if key == "" {
		return nil, model.Invalid("dest_name", "zone name is empty")
	}
	ctx = mylog.WithZoneKey(ctx, string(key))

	rows, ok, err := c.readIfReady(ctx, key, zoneName)
	if err != nil || ok {
		return rows, err
	}

	ch, led, err := c.claim(key, zoneName)
	if err != nil {
		return nil, err
	}

	observability.AddWaiters(1)
	defer observability.AddWaiters(-1)
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = fmt.Errorf("waiting for computation: %w", ctx.Err())
	}
	outcome := observability.OutcomeFollower
	if led.Load() {
		outcome = observability.OutcomeMiss
	}
	observability.IncFlowRequest(outcome)
	c.log.DebugContext(mylog.WithCacheOutcome(ctx, outcome), "computation resolved", "zone", zoneName, "err", res.Err)
	if res.Err != nil {
		return nil, res.Err
	}
	return c.read(ctx, key)
}

// Trigger starts a computation for zoneName if none is running and the key
// is not known to be Ready. It never waits.
func (c *Cache) Trigger(zoneName string) error {
	key := keys.Normalize(zoneName)
	if key == "" {
		return model.Invalid("zone_name", "zone name is empty")
	}
	if _, ok := c.ready.Peek(key); ok {
		return nil
	}
	// the result channel is buffered, dropping it leaks nothing
	_, _, err := c.claim(key, zoneName)
	return err
}

func (c *Cache) readIfReady(ctx context.Context, key model.CacheKey, zoneName string) ([]model.FlowRow, bool, error) {
	canonical, ok := c.ready.Get(key)
	if !ok {
		e, found, err := c.store.Lookup(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		canonical = e.ZoneName
		c.ready.Add(key, canonical)
	}

	observability.IncFlowRequest(observability.OutcomeHit)
	if canonical != zoneName {
		observability.IncKeyAlias()
		c.log.DebugContext(ctx, "serving aliased zone", "requested", zoneName, "canonical", canonical)
	}
	rows, err := c.read(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *Cache) read(ctx context.Context, key model.CacheKey) ([]model.FlowRow, error) {
	rows, err := c.store.Read(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		// Ready is terminal, so a missing table here is a storage fault
		return nil, &model.StorageError{Op: "read", Key: key, Err: err}
	}
	return rows, err
}

// claim joins the running computation for key or starts one. led reports,
// once the result has been received, whether this caller's function was
// the one that ran.
func (c *Cache) claim(key model.CacheKey, zoneName string) (<-chan singleflight.Result, *atomic.Bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, nil, model.ErrClosed
	}

	led := &atomic.Bool{}
	ch := c.group.DoChan(string(key), func() (any, error) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, model.ErrClosed
		}
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()

		led.Store(true)
		// Ready since the caller's own check
		if canonical, ok := c.ready.Peek(key); ok {
			return canonical, nil
		}
		return c.lead(key, zoneName)
	})
	return ch, led, nil
}

type leaderResult struct {
	canonical string
	rows      int
	err       error
}

// lead runs one computation attempt under its own deadline, independent of
// any request. The key is marked Ready before the group forgets it.
func (c *Cache) lead(key model.CacheKey, zoneName string) (string, error) {
	observability.AddInflight(1)
	defer observability.AddInflight(-1)

	start := time.Now()
	ctx, cancel := c.leaderContext(key)
	defer cancel()

	resCh := make(chan leaderResult, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		canonical, n, err := c.materialize(ctx, key, zoneName)
		resCh <- leaderResult{canonical: canonical, rows: n, err: err}
	}()

	var res leaderResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		select {
		case res = <-resCh:
		default:
			res = leaderResult{err: ctx.Err()}
		}
	}

	result := "ok"
	if res.err != nil {
		result = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
			res.err = fmt.Errorf("%w: key=%s after %s: %w", model.ErrComputationTimeout, key, c.timeout, res.err)
		}
	} else {
		c.ready.Add(key, res.canonical)
	}

	dur := time.Since(start)
	observability.ObserveComputation(result, dur.Seconds())
	if res.err != nil {
		c.log.ErrorContext(ctx, "computation failed", "zone", zoneName, "result", result, "dur", dur.String(), "err", res.err)
	} else {
		c.log.InfoContext(ctx, "zone materialized", "zone", zoneName, "rows", res.rows, "dur", dur.String())
	}

	if c.notify != nil {
		c.notify.Notify(Event{
			Key:      key,
			ZoneName: zoneName,
			Table:    keys.TableName(key),
			Rows:     res.rows,
			Duration: dur,
			Err:      res.err,
		})
	}
	return res.canonical, res.err
}

func (c *Cache) leaderContext(key model.CacheKey) (context.Context, context.CancelFunc) {
	base := mylog.WithComponent(context.Background(), "flowcache")
	base = mylog.WithZoneKey(base, string(key))
	if c.timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, c.timeout)
}

// materialize computes and publishes key unless the store already has it.
// It returns the canonical zone name of the Ready table.
func (c *Cache) materialize(ctx context.Context, key model.CacheKey, zoneName string) (string, int, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", 0, fmt.Errorf("acquire compute slot: %w", err)
	}
	defer c.sem.Release(1)

	if e, ok, err := c.store.Lookup(ctx, key); err != nil {
		return "", 0, err
	} else if ok {
		return e.ZoneName, e.RowCount, nil
	}

	rows, err := c.comp.Compute(ctx, zoneName)
	if err != nil {
		return "", 0, err
	}

	err = c.store.Publish(ctx, key, zoneName, rows)
	if errors.Is(err, model.ErrAlreadyExists) {
		e, ok, lerr := c.store.Lookup(ctx, key)
		if lerr != nil {
			return "", 0, lerr
		}
		if !ok {
			return "", 0, &model.StorageError{Op: "publish", Key: key, Err: err}
		}
		return e.ZoneName, e.RowCount, nil
	}
	if err != nil {
		return "", 0, err
	}
	return zoneName, len(rows), nil
}

// Close stops new computations from starting and waits for running ones
// until ctx is done.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flowcache close: %w", ctx.Err())
	}
}
