package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/testutil"
)

// Integration coverage for the JSONB expression scans. Runs only when
// POSTGRES_URL is set.

func seedPGEscrow(t *testing.T, store *PostgresStore, e *Escrow) {
	t.Helper()
	_, err := store.Apply(context.Background(), e.ID, func(cur *Escrow) condapply.Decision[Escrow] {
		return condapply.Write(e)
	})
	if err != nil {
		t.Fatalf("seed escrow %s: %v", e.ID, err)
	}
}

func TestPostgresStoreScans(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	old := now.Add(-10 * time.Minute)

	seedPGEscrow(t, store, &Escrow{
		ID:         "esc_pending_live",
		StakeLevel: 100,
		Player1:    &Participant{UserID: "alice", Amount: 100, LockedAt: now},
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
		UpdatedAt:  now,
	})
	seedPGEscrow(t, store, &Escrow{
		ID:         "esc_pending_expired",
		StakeLevel: 50,
		Player1:    &Participant{UserID: "bob", Amount: 50, LockedAt: old},
		Status:     StatusPending,
		CreatedAt:  old,
		ExpiresAt:  old.Add(time.Minute),
		UpdatedAt:  old,
	})
	seedPGEscrow(t, store, &Escrow{
		ID:         "esc_settling_stale",
		StakeLevel: 100,
		Player1:    &Participant{UserID: "carol", Amount: 100, LockedAt: old},
		Player2:    &Participant{UserID: "dave", Amount: 100, LockedAt: old},
		TotalPot:   200,
		Status:     StatusSettling,
		Settlement: PhaseLock{RequestID: "req_1", StartedAt: &old},
		CreatedAt:  old,
		ExpiresAt:  old.Add(5 * time.Minute),
		UpdatedAt:  old,
	})

	ctx := context.Background()

	t.Run("ListByStatus", func(t *testing.T) {
		got, err := store.ListByStatus(ctx, StatusSettling, 10)
		if err != nil {
			t.Fatalf("ListByStatus: %v", err)
		}
		if len(got) != 1 || got[0].ID != "esc_settling_stale" {
			t.Errorf("expected the settling escrow, got %+v", got)
		}
	})

	t.Run("ListExpiredPending", func(t *testing.T) {
		got, err := store.ListExpiredPending(ctx, now, 10)
		if err != nil {
			t.Fatalf("ListExpiredPending: %v", err)
		}
		if len(got) != 1 || got[0].ID != "esc_pending_expired" {
			t.Errorf("expected only the expired pending escrow, got %+v", got)
		}
	})

	t.Run("ListPhaseStartedBefore", func(t *testing.T) {
		got, err := store.ListPhaseStartedBefore(ctx, PhaseSettlement, now.Add(-5*time.Minute), 10)
		if err != nil {
			t.Fatalf("ListPhaseStartedBefore: %v", err)
		}
		if len(got) != 1 || got[0].ID != "esc_settling_stale" {
			t.Errorf("expected the stale settling escrow, got %+v", got)
		}
		if got[0].Settlement.RequestID != "req_1" {
			t.Errorf("lock fields lost in round-trip: %+v", got[0].Settlement)
		}

		if _, err := store.ListPhaseStartedBefore(ctx, Phase("bogus"), now, 10); err == nil {
			t.Error("expected error for unknown phase")
		}
	})

	t.Run("FindOpenByUser", func(t *testing.T) {
		got, err := store.FindOpenByUser(ctx, "alice")
		if err != nil {
			t.Fatalf("FindOpenByUser: %v", err)
		}
		if got == nil || got.ID != "esc_pending_live" {
			t.Errorf("expected alice's open escrow, got %+v", got)
		}

		none, err := store.FindOpenByUser(ctx, "nobody")
		if err != nil {
			t.Fatalf("FindOpenByUser(nobody): %v", err)
		}
		if none != nil {
			t.Errorf("expected nil for user with no open escrow, got %+v", none)
		}
	})
}
