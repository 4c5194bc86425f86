package escrow

import (
	"context"
	"time"

	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/idgen"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/metrics"
)

// phaseSpec parameterizes the shared acquire / effect / finalize
// protocol for settlement, refund, and game creation. Eligibility from
// the lock's own intermediate status is always allowed when the lock is
// stale; eligibility from stable statuses is per-phase.
type phaseSpec struct {
	phase        Phase
	intermediate Status
	timeout      time.Duration

	// eligible classifies the escrow's current state for a fresh
	// acquire (intermediate-status takeover is handled by the helper).
	// Returning nil admits the acquire; returning an error rejects it
	// with that precise classification.
	eligible func(e *Escrow, now time.Time) error

	// prepare optionally mutates the escrow in the same write that
	// acquires the lock (e.g. reserving a game id).
	prepare func(e *Escrow, now time.Time)
}

// acquireResult is what a successful acquire hands to the effect step.
type acquireResult struct {
	requestID string
	escrow    *Escrow
	takenOver bool
}

// acquire runs the lock-acquire conditional apply and classifies every
// outcome: not-found, already-terminal, wrong-status, held-by-live-owner,
// or acquired. Only an acquired result owns the phase.
func (s *Service) acquire(ctx context.Context, id string, ph phaseSpec) (*acquireResult, error) {
	requestID := idgen.WithPrefix("req")
	var (
		classified error
		terminal   *Escrow
		takenOver  bool
	)
	res, err := s.store.Apply(ctx, id, func(current *Escrow) condapply.Decision[Escrow] {
		classified, terminal, takenOver = nil, nil, false
		now := time.Now().UTC()
		switch {
		case current == nil:
			classified = ErrEscrowNotFound
			return condapply.Abort[Escrow]()
		case current.Status.IsTerminal():
			terminal = current
			return condapply.Abort[Escrow]()
		case current.Status == ph.intermediate && ph.intermediate != "":
			if current.lock(ph.phase).Held(now, ph.timeout) {
				classified = ErrLockHeld
				return condapply.Abort[Escrow]()
			}
			takenOver = true
		case current.Status == StatusLocked && ph.intermediate == "" && current.lock(ph.phase).RequestID != "":
			// Status-preserving phases (game creation) hold their lock
			// while the escrow stays locked.
			if current.lock(ph.phase).Held(now, ph.timeout) {
				classified = ErrLockHeld
				return condapply.Abort[Escrow]()
			}
			takenOver = true
		default:
			if err := ph.eligible(current, now); err != nil {
				classified = err
				return condapply.Abort[Escrow]()
			}
		}
		next := *current
		if ph.intermediate != "" {
			next.Status = ph.intermediate
		}
		lock := next.lock(ph.phase)
		lock.RequestID = requestID
		lock.StartedAt = &now
		lock.Error = ""
		if ph.prepare != nil {
			ph.prepare(&next, now)
		}
		next.UpdatedAt = now
		return condapply.Write(&next)
	})
	if err != nil {
		return nil, err
	}
	if classified != nil {
		return nil, classified
	}
	if terminal != nil {
		return &acquireResult{escrow: terminal}, nil
	}
	if takenOver {
		metrics.StaleLockTakeoversTotal.WithLabelValues(string(ph.phase)).Inc()
		logging.FromContext(ctx).Warn("took over stale phase lock",
			"escrow_id", id, "phase", string(ph.phase), "request_id", requestID)
	}
	return &acquireResult{requestID: requestID, escrow: res.Value, takenOver: takenOver}, nil
}

// finalize transitions the escrow after a successful effect, but only
// while this caller still owns the lock. mutate sets the terminal (or
// post-phase) state; the lock fields are cleared by the helper. If the
// lock was taken over meanwhile, finalize re-reads: seeing the work
// already finished counts as success, anything else is a retryable loss.
func (s *Service) finalize(ctx context.Context, id string, ph phaseSpec, requestID string, mutate func(e *Escrow), done func(e *Escrow) bool) (*Escrow, error) {
	var lost bool
	res, err := s.store.Apply(ctx, id, func(current *Escrow) condapply.Decision[Escrow] {
		lost = false
		if current == nil || current.lock(ph.phase).RequestID != requestID {
			lost = true
			return condapply.Abort[Escrow]()
		}
		next := *current
		mutate(&next)
		lock := next.lock(ph.phase)
		lock.RequestID = ""
		lock.StartedAt = nil
		lock.Error = ""
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return nil, err
	}
	if lost {
		current, gerr := s.store.Get(ctx, id)
		if gerr == nil && current != nil && done(current) {
			return current, nil
		}
		return nil, ErrLockLost
	}
	return res.Value, nil
}

// rollback reverts a failed phase: status back to revertTo (when the
// phase changed it), lock cleared, failure stamped on the lock's Error
// field so the escrow is immediately eligible for a fresh attempt. A
// rollback by a caller that lost the lock is a silent no-op.
func (s *Service) rollback(ctx context.Context, id string, ph phaseSpec, requestID string, revertTo Status, cause error) {
	_, err := s.store.Apply(ctx, id, func(current *Escrow) condapply.Decision[Escrow] {
		if current == nil || current.lock(ph.phase).RequestID != requestID {
			return condapply.Abort[Escrow]()
		}
		next := *current
		if revertTo != "" {
			next.Status = revertTo
		}
		lock := next.lock(ph.phase)
		lock.RequestID = ""
		lock.StartedAt = nil
		if cause != nil {
			lock.Error = cause.Error()
		}
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		logging.FromContext(ctx).Error("phase rollback write failed",
			"escrow_id", id, "phase", string(ph.phase), "error", err)
	}
}
