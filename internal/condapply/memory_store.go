package condapply

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory record store for demo/development mode.
// It runs the same snapshot-then-compare-and-swap loop as the Postgres
// store, so apply functions see genuine re-invocation under contention.
type MemoryStore[T any] struct {
	mu   sync.RWMutex
	recs map[string]*memRecord[T]
}

type memRecord[T any] struct {
	value   *T
	version int64
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{recs: make(map[string]*memRecord[T])}
}

func (m *MemoryStore[T]) snapshot(key string) (*T, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, 0
	}
	return clone(rec.value), rec.version
}

// Apply implements Store. The apply function runs outside the lock
// against a snapshot; the write commits only if no other writer bumped
// the version in between, otherwise the loop re-reads and re-invokes.
func (m *MemoryStore[T]) Apply(ctx context.Context, key string, fn ApplyFunc[T]) (Result[T], error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[T]{}, err
		}

		cur, ver := m.snapshot(key)
		d := fn(cur)
		if !d.write {
			return Result[T]{Committed: false, Value: cur}, nil
		}
		if d.value == nil {
			return Result[T]{}, ErrNilWrite
		}

		m.mu.Lock()
		rec, ok := m.recs[key]
		switch {
		case !ok && ver == 0:
			m.recs[key] = &memRecord[T]{value: clone(d.value), version: 1}
			m.mu.Unlock()
			return Result[T]{Committed: true, Value: d.value}, nil
		case ok && rec.version == ver:
			rec.value = clone(d.value)
			rec.version++
			m.mu.Unlock()
			return Result[T]{Committed: true, Value: d.value}, nil
		default:
			// Lost the race; re-read and re-invoke fn.
			m.mu.Unlock()
		}
	}
	return Result[T]{}, ErrTooManyConflicts
}

// Get implements Store.
func (m *MemoryStore[T]) Get(ctx context.Context, key string) (*T, error) {
	v, _ := m.snapshot(key)
	return v, nil
}

// All returns a copy of every record. Used by in-memory list queries.
func (m *MemoryStore[T]) All() []*T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*T, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, clone(rec.value))
	}
	return out
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store[struct{}] = (*MemoryStore[struct{}])(nil)
