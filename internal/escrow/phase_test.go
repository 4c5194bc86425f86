package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func settlementSpec(timeout time.Duration) phaseSpec {
	return phaseSpec{
		phase:        PhaseSettlement,
		intermediate: StatusSettling,
		timeout:      timeout,
		eligible: func(e *Escrow, _ time.Time) error {
			if e.Status != StatusLocked {
				return ErrWrongStatus
			}
			return nil
		},
	}
}

func TestAcquireClassification(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	ctx := context.Background()
	ph := settlementSpec(120 * time.Second)

	if _, err := f.svc.acquire(ctx, "esc_missing", ph); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("missing: err = %v, want ErrEscrowNotFound", err)
	}

	created, err := f.svc.CreateOrJoin(ctx, "p1", 100, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.acquire(ctx, created.Escrow.ID, ph); !errors.Is(err, ErrWrongStatus) {
		t.Errorf("pending: err = %v, want ErrWrongStatus", err)
	}

	e := f.lockedEscrow(t, "p1", "p2", 100)
	acq, err := f.svc.acquire(ctx, e.ID, ph)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.requestID == "" {
		t.Fatal("acquire did not grant ownership")
	}

	// A live lock is held; a second caller is told to retry.
	if _, err := f.svc.acquire(ctx, e.ID, ph); !errors.Is(err, ErrLockHeld) {
		t.Errorf("held: err = %v, want ErrLockHeld", err)
	}
}

func TestAcquireTerminalEscrow(t *testing.T) {
	f := newFixture(t, "p1")
	ctx := context.Background()
	created, err := f.svc.CreateOrJoin(ctx, "p1", 100, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Refund(ctx, created.Escrow.ID, "cancelled"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	acq, err := f.svc.acquire(ctx, created.Escrow.ID, settlementSpec(time.Minute))
	if err != nil {
		t.Fatalf("acquire on terminal: %v", err)
	}
	if acq.requestID != "" {
		t.Error("terminal escrow granted a lock")
	}
	if acq.escrow.Status != StatusRefunded {
		t.Errorf("terminal status = %s, want refunded", acq.escrow.Status)
	}
}

func TestStaleLockTakeover(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	ctx := context.Background()
	e := f.lockedEscrow(t, "p1", "p2", 100)
	ph := settlementSpec(120 * time.Second)

	first, err := f.svc.acquire(ctx, e.ID, ph)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Younger than the timeout: not takeable.
	if _, err := f.svc.acquire(ctx, e.ID, ph); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("fresh lock taken over: err = %v", err)
	}

	// Age the lock past the timeout; the next caller takes over.
	stale := time.Now().UTC().Add(-121 * time.Second)
	f.mutate(t, e.ID, func(e *Escrow) { e.Settlement.StartedAt = &stale })

	second, err := f.svc.acquire(ctx, e.ID, ph)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	if !second.takenOver {
		t.Error("takeover not reported")
	}
	if second.requestID == first.requestID {
		t.Error("takeover kept the old request id")
	}

	// The late original holder must not be able to finalize.
	_, err = f.svc.finalize(ctx, e.ID, ph, first.requestID,
		func(e *Escrow) { e.Status = StatusReleased },
		func(e *Escrow) bool { return e.Status == StatusReleased },
	)
	if !errors.Is(err, ErrLockLost) {
		t.Errorf("late finalize: err = %v, want ErrLockLost", err)
	}
}

func TestFinalizeIdempotentOnLostLock(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	ctx := context.Background()
	e := f.lockedEscrow(t, "p1", "p2", 100)
	ph := settlementSpec(120 * time.Second)

	acq, err := f.svc.acquire(ctx, e.ID, ph)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another writer finishes the work under a different request id.
	f.mutate(t, e.ID, func(esc *Escrow) {
		esc.Status = StatusReleased
		esc.Settlement = PhaseLock{}
	})

	// Finalize finds the lock gone but the terminal state visible, which
	// counts as success.
	final, err := f.svc.finalize(ctx, e.ID, ph, acq.requestID,
		func(e *Escrow) { e.Status = StatusReleased },
		func(e *Escrow) bool { return e.Status == StatusReleased },
	)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Status != StatusReleased {
		t.Errorf("status = %s, want released", final.Status)
	}
}

func TestRollbackByNonOwnerIsNoop(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	ctx := context.Background()
	e := f.lockedEscrow(t, "p1", "p2", 100)
	ph := settlementSpec(120 * time.Second)

	acq, err := f.svc.acquire(ctx, e.ID, ph)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	f.svc.rollback(ctx, e.ID, ph, "req_someone_else", StatusLocked, errors.New("boom"))

	cur, err := f.svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != StatusSettling || cur.Settlement.RequestID != acq.requestID {
		t.Errorf("non-owner rollback mutated the escrow: %+v", cur)
	}
}

func TestMissingStartedAtIsTakeable(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	ctx := context.Background()
	e := f.lockedEscrow(t, "p1", "p2", 100)
	ph := settlementSpec(120 * time.Second)

	if _, err := f.svc.acquire(ctx, e.ID, ph); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// A lock with an owner but no timestamp cannot be aged, so it is
	// treated as abandoned rather than wedging the escrow forever.
	f.mutate(t, e.ID, func(e *Escrow) { e.Settlement.StartedAt = nil })

	acq, err := f.svc.acquire(ctx, e.ID, ph)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	if acq.requestID == "" || !acq.takenOver {
		t.Error("timestampless lock was not taken over")
	}
}
