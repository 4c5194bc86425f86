// Package fulfillment records externally-triggered wallet credits
// (checkout purchases, rewarded ads). Records are keyed by the
// provider's transaction id, which doubles as the wallet fence key, so a
// replayed callback can never credit twice. ProcessingStartedAt is kept
// even on terminal records; the reconciler scans this family by status.
package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/wallet"
)

var (
	ErrNotFound      = errors.New("fulfillment not found")
	ErrInvalidAmount = errors.New("fulfillment amount must be positive")
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	SourceStripe = "stripe"
	SourceAd     = "ad"
)

type Fulfillment struct {
	ID     string `json:"id"` // provider transaction id
	UserID string `json:"userId"`
	Source string `json:"source"`
	Amount int64  `json:"amount"`
	Status Status `json:"status"`

	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	Error               string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Store interface {
	condapply.Store[Fulfillment]

	// ListByStatus returns up to limit fulfillments with the status.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Fulfillment, error)
}

// Ledger is the wallet credit surface. *wallet.Service satisfies it.
type Ledger interface {
	CreditIdempotent(ctx context.Context, c wallet.Credit) (wallet.CreditOutcome, *wallet.Wallet, error)
}

type Service struct {
	store  Store
	ledger Ledger
}

func NewService(store Store, ledger Ledger) *Service {
	return &Service{store: store, ledger: ledger}
}

// Process runs one fulfillment end to end: record it as processing,
// credit the wallet, mark it completed. Every step is idempotent on the
// provider transaction id, so provider retries and crash replays
// converge on a single credit. entryType classifies the txlog entry.
func (s *Service) Process(ctx context.Context, id, userID, source string, amount int64, entryType string) (*Fulfillment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	log := logging.FromContext(ctx)

	var alreadyDone *Fulfillment
	_, err := s.store.Apply(ctx, id, func(current *Fulfillment) condapply.Decision[Fulfillment] {
		alreadyDone = nil
		if current != nil {
			if current.Status == StatusCompleted {
				alreadyDone = current
				return condapply.Abort[Fulfillment]()
			}
			// processing or failed: restart the attempt in place.
			next := *current
			next.Status = StatusProcessing
			next.Error = ""
			next.UpdatedAt = time.Now().UTC()
			return condapply.Write(&next)
		}
		now := time.Now().UTC()
		return condapply.Write(&Fulfillment{
			ID:                  id,
			UserID:              userID,
			Source:              source,
			Amount:              amount,
			Status:              StatusProcessing,
			ProcessingStartedAt: &now,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	})
	if err != nil {
		return nil, err
	}
	if alreadyDone != nil {
		log.Info("fulfillment replayed, already completed", "fulfillment_id", id)
		return alreadyDone, nil
	}

	_, _, err = s.ledger.CreditIdempotent(ctx, wallet.Credit{
		UserID:    userID,
		Amount:    amount,
		Kind:      wallet.MarkerSettle,
		FenceKey:  id,
		RequestID: id,
		EntryType: entryType,
	})
	if err != nil {
		s.mark(ctx, id, StatusFailed, err)
		log.Error("fulfillment credit failed", "fulfillment_id", id, "user_id", userID, "error", err)
		return nil, err
	}

	return s.mark(ctx, id, StatusCompleted, nil)
}

// Get returns one fulfillment record.
func (s *Service) Get(ctx context.Context, id string) (*Fulfillment, error) {
	f, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *Service) mark(ctx context.Context, id string, status Status, cause error) (*Fulfillment, error) {
	res, err := s.store.Apply(ctx, id, func(current *Fulfillment) condapply.Decision[Fulfillment] {
		if current == nil {
			return condapply.Abort[Fulfillment]()
		}
		next := *current
		next.Status = status
		if cause != nil {
			next.Error = cause.Error()
		} else {
			next.Error = ""
		}
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return nil, err
	}
	if !res.Committed {
		return nil, ErrNotFound
	}
	return res.Value, nil
}
