// Package escrow owns the wagered-coin escrow lifecycle: creation and
// joining, settlement to the winner, refunds, and game creation against
// a locked escrow. Every transition is a conditional apply; multi-record
// flows (escrow + wallet + game) are composed from idempotent phases so
// a crash at any step is recoverable.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/dartduel/server/internal/condapply"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStake    = errors.New("stake is not an allowed level")
	ErrStakeMismatch   = errors.New("stake does not match escrow")
	ErrSelfJoin        = errors.New("cannot join your own escrow")
	ErrNotJoinable     = errors.New("escrow is not open for joining")
	ErrEscrowExpired   = errors.New("escrow has expired")
	ErrOpenEscrow      = errors.New("caller already has an open escrow at a different stake")
	ErrWrongStatus     = errors.New("escrow is not in an eligible status")
	ErrAlreadyRefunded = errors.New("escrow was refunded")
	ErrLockHeld        = errors.New("operation in progress, retry shortly")
	ErrLockLost        = errors.New("phase lock lost, retry")
	ErrGameNotFinished = errors.New("game has no decided winner")
	ErrGameActive      = errors.New("escrow is linked to an active game")
	ErrNoWager         = errors.New("game carries no wagered escrow")
	ErrNotParticipant  = errors.New("user is not a participant")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusSettling  Status = "settling"
	StatusRefunding Status = "refunding"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Phase names the three lock-protected flows. The value doubles as the
// JSON key of the lock block inside the escrow record, which the
// Postgres store relies on for its timestamp scans.
type Phase string

const (
	PhaseSettlement Phase = "settlement"
	PhaseRefund     Phase = "refund"
	PhaseCreateGame Phase = "createGame"
)

// PhaseLock is the per-phase ownership record. RequestID identifies the
// caller that holds the lock; StartedAt measures staleness for takeover;
// Error keeps the last failure for operators. Finalize clears all three.
type PhaseLock struct {
	RequestID string     `json:"requestId,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Held reports whether the lock has a live owner as of now.
func (l *PhaseLock) Held(now time.Time, timeout time.Duration) bool {
	if l.RequestID == "" {
		return false
	}
	if l.StartedAt == nil {
		// No timestamp to age the lock by; treat as abandoned so the
		// record stays recoverable. The reconciler reports these
		// separately as anomalies.
		return false
	}
	return now.Sub(*l.StartedAt) < timeout
}

// Participant is one staked player.
type Participant struct {
	UserID   string    `json:"userId"`
	Amount   int64     `json:"amount"`
	LockedAt time.Time `json:"lockedAt"`
}

// RefundApplied tracks per-participant refund credits so a partial
// refund retries only the missing half.
type RefundApplied struct {
	Player1 bool `json:"player1"`
	Player2 bool `json:"player2"`
}

type Escrow struct {
	ID         string       `json:"id"`
	StakeLevel int64        `json:"stakeLevel"`
	Player1    *Participant `json:"player1,omitempty"`
	Player2    *Participant `json:"player2,omitempty"`
	TotalPot   int64        `json:"totalPot"`
	Status     Status       `json:"status"`

	// GameID is a single-writer reservation: once set it never changes,
	// so a crashed game creation resumes with the same id.
	GameID string `json:"gameId,omitempty"`

	Settlement PhaseLock `json:"settlement"`
	Refund     PhaseLock `json:"refund"`
	CreateGame PhaseLock `json:"createGame"`

	PayoutAwarded bool          `json:"payoutAwarded"`
	RefundApplied RefundApplied `json:"refundApplied"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e *Escrow) lock(p Phase) *PhaseLock {
	switch p {
	case PhaseSettlement:
		return &e.Settlement
	case PhaseRefund:
		return &e.Refund
	default:
		return &e.CreateGame
	}
}

// Expired reports whether the escrow passed its join deadline.
func (e *Escrow) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *Escrow) participant(userID string) *Participant {
	if e.Player1 != nil && e.Player1.UserID == userID {
		return e.Player1
	}
	if e.Player2 != nil && e.Player2.UserID == userID {
		return e.Player2
	}
	return nil
}

// Store persists escrow records through conditional applies and exposes
// the read-only scans the refund sweep and the reconciler run.
type Store interface {
	condapply.Store[Escrow]

	// ListByStatus returns up to limit escrows with the given status.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	// ListPhaseStartedBefore returns up to limit escrows whose phase
	// lock StartedAt is set and not after cutoff, regardless of status.
	ListPhaseStartedBefore(ctx context.Context, phase Phase, cutoff time.Time, limit int) ([]*Escrow, error)

	// ListExpiredPending returns up to limit pending escrows whose
	// ExpiresAt is not after cutoff.
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)

	// FindOpenByUser returns the pending escrow created by userID, or
	// nil when there is none.
	FindOpenByUser(ctx context.Context, userID string) (*Escrow, error)
}
