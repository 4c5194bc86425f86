package fulfillment

import (
	"context"
	"sort"

	"github.com/dartduel/server/internal/condapply"
)

type MemoryStore struct {
	*condapply.MemoryStore[Fulfillment]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{MemoryStore: condapply.NewMemoryStore[Fulfillment]()}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Fulfillment, error) {
	var out []*Fulfillment
	for _, f := range m.All() {
		if f.Status == status {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
