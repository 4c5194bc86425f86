package escrow

import (
	"context"
	"sort"
	"time"

	"github.com/dartduel/server/internal/condapply"
)

// MemoryStore backs the escrow service with the in-memory conditional
// apply store. Used by tests and by the server's no-database mode.
type MemoryStore struct {
	*condapply.MemoryStore[Escrow]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{MemoryStore: condapply.NewMemoryStore[Escrow]()}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range m.All() {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sortByCreated(out)
	return capped(out, limit), nil
}

func (m *MemoryStore) ListPhaseStartedBefore(_ context.Context, phase Phase, cutoff time.Time, limit int) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range m.All() {
		started := e.lock(phase).StartedAt
		if started != nil && !started.After(cutoff) {
			out = append(out, e)
		}
	}
	sortByCreated(out)
	return capped(out, limit), nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range m.All() {
		if e.Status == StatusPending && !e.ExpiresAt.After(cutoff) {
			out = append(out, e)
		}
	}
	sortByCreated(out)
	return capped(out, limit), nil
}

func (m *MemoryStore) FindOpenByUser(_ context.Context, userID string) (*Escrow, error) {
	for _, e := range m.All() {
		if e.Status == StatusPending && e.Player1 != nil && e.Player1.UserID == userID {
			return e, nil
		}
	}
	return nil, nil
}

func sortByCreated(es []*Escrow) {
	sort.Slice(es, func(i, j int) bool { return es[i].CreatedAt.Before(es[j].CreatedAt) })
}

func capped(es []*Escrow, limit int) []*Escrow {
	if limit > 0 && len(es) > limit {
		return es[:limit]
	}
	return es
}
