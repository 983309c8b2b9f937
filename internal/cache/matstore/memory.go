package matstore

import (
	"context"
	"sync"
	"time"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

type memEntry struct {
	entry model.Entry
	rows  []model.FlowRow
}

// Memory is an in-process store with the same contract as Postgres. Rows
// are copied on publish and on read.
type Memory struct {
	mu     sync.RWMutex
	tables map[model.CacheKey]memEntry
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{tables: map[model.CacheKey]memEntry{}, now: time.Now}
}

func (m *Memory) Ensure(context.Context) error { return nil }

func (m *Memory) Lookup(ctx context.Context, key model.CacheKey) (model.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, false, &model.StorageError{Op: "lookup", Key: key, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tables[key]
	return e.entry, ok, nil
}

func (m *Memory) Publish(ctx context.Context, key model.CacheKey, zoneName string, rows []model.FlowRow) error {
	if err := ctx.Err(); err != nil {
		return &model.StorageError{Op: "publish", Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[key]; ok {
		return model.ErrAlreadyExists
	}
	m.tables[key] = memEntry{
		entry: model.Entry{
			Key:       key,
			ZoneName:  zoneName,
			Table:     keys.TableName(key),
			RowCount:  len(rows),
			CreatedAt: m.now(),
		},
		rows: cloneRows(rows),
	}
	return nil
}

func (m *Memory) Read(ctx context.Context, key model.CacheKey) ([]model.FlowRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.StorageError{Op: "read", Key: key, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tables[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneRows(e.rows), nil
}

func (m *Memory) Aggregate(ctx context.Context, key model.CacheKey, group, metric string) ([]model.DemographicBucket, error) {
	g, mc, err := ResolveColumns(group, metric)
	if err != nil {
		return nil, err
	}
	rows, err := m.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return aggregateRows(rows, g, mc)
}
