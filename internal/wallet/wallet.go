// Package wallet implements the per-user coin ledger.
//
// A wallet is a single condapply record: every mutation goes through an
// optimistic read-modify-write, and idempotent credits are fenced by
// marker maps keyed on the escrow or provider transaction id. The
// markers are the wallet-side half of the double-payment defence; the
// escrow record carries the other half.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/txlog"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientCoins = errors.New("insufficient coins")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// StartingCoins is granted once when a wallet is first created.
const StartingCoins int64 = 500

// Wallet is the persistent ledger record for one user. Coins is the
// spendable balance; LifetimeEarned and LifetimeSpent only ever grow,
// except that a refund reverses the spend it compensates.
type Wallet struct {
	UserID         string    `json:"userId"`
	Coins          int64     `json:"coins"`
	LifetimeEarned int64     `json:"lifetimeEarned"`
	LifetimeSpent  int64     `json:"lifetimeSpent"`
	Version        int64     `json:"version"`

	// SettleMarkers and RefundMarkers map a fence key (escrow id or
	// provider transaction id) to the request id that applied the
	// credit. A key present in either map can never be credited again.
	SettleMarkers map[string]string `json:"settleMarkers,omitempty"`
	RefundMarkers map[string]string `json:"refundMarkers,omitempty"`

	// WagerMarkers maps an escrow id to the stake debited for it. The
	// marker commits in the same write as the debit, so its presence is
	// proof the stake actually left this wallet: refund credits require
	// it, and a replayed debit with the same key is a no-op.
	WagerMarkers map[string]int64 `json:"wagerMarkers,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// marked reports whether key already fenced a credit, in either map.
func (w *Wallet) marked(key string) bool {
	if _, ok := w.SettleMarkers[key]; ok {
		return true
	}
	_, ok := w.RefundMarkers[key]
	return ok
}

// MarkerKind selects which marker map records a credit's fence key.
type MarkerKind int

const (
	// MarkerSettle fences payout-style credits and bumps LifetimeEarned.
	MarkerSettle MarkerKind = iota
	// MarkerRefund fences refund credits and reverses LifetimeSpent.
	MarkerRefund
)

// CreditOutcome distinguishes a fresh credit from an idempotent replay
// and from a refund whose wager marker was never written.
type CreditOutcome int

const (
	CreditApplied CreditOutcome = iota
	CreditAlreadyApplied
	// CreditSkipped means a refund credit found no wager marker for its
	// fence key: the stake was never debited, so nothing is owed back.
	CreditSkipped
)

// Credit describes one idempotent wallet credit.
type Credit struct {
	UserID    string
	Amount    int64
	Kind      MarkerKind
	FenceKey  string // escrow id or provider transaction id
	RequestID string
	EntryType string // txlog classification (payout, refund, purchase, ad, ...)
}

// Recorder receives best-effort transaction log entries after a wallet
// mutation commits. *txlog.Log satisfies it.
type Recorder interface {
	Record(ctx context.Context, userID, entryType string, amount, balanceAfter int64, correlation string)
}

// Service mediates all wallet mutations.
type Service struct {
	store    condapply.Store[Wallet]
	recorder Recorder
	logger   *slog.Logger
}

func NewService(store condapply.Store[Wallet], recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, recorder: recorder, logger: logger}
}

// CreateIfMissing returns the user's wallet, creating it with the
// starting balance on first sight. Wallets are never deleted.
func (s *Service) CreateIfMissing(ctx context.Context, userID string) (*Wallet, error) {
	created := false
	res, err := s.store.Apply(ctx, userID, func(current *Wallet) condapply.Decision[Wallet] {
		if current != nil {
			return condapply.Abort[Wallet]()
		}
		created = true
		now := time.Now().UTC()
		return condapply.Write(&Wallet{
			UserID:         userID,
			Coins:          StartingCoins,
			LifetimeEarned: StartingCoins,
			Version:        1,
			SettleMarkers:  map[string]string{},
			RefundMarkers:  map[string]string{},
			WagerMarkers:   map[string]int64{},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	})
	if err != nil {
		return nil, err
	}
	if created && res.Committed {
		s.record(ctx, userID, txlog.TypeBonus, StartingCoins, res.Value.BalanceAfter(), "signup")
	}
	return res.Value, nil
}

// Balance returns the wallet record for userID.
func (s *Service) Balance(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

// BalanceAfter is the spendable balance; named for txlog symmetry.
func (w *Wallet) BalanceAfter() int64 { return w.Coins }

// CreditIdempotent applies c exactly once per fence key. A replay with
// the same fence key returns CreditAlreadyApplied and leaves the wallet
// untouched, regardless of which marker map holds the key or which
// request id wrote it. A refund credit additionally requires the wager
// marker for its fence key: without proof the stake was debited there
// is nothing to hand back, and the credit is skipped rather than minted.
// Zero-amount credits are legal and still write their marker.
func (s *Service) CreditIdempotent(ctx context.Context, c Credit) (CreditOutcome, *Wallet, error) {
	if c.Amount < 0 {
		return 0, nil, ErrInvalidAmount
	}
	var (
		missing bool
		replay  bool
		skipped bool
	)
	res, err := s.store.Apply(ctx, c.UserID, func(current *Wallet) condapply.Decision[Wallet] {
		missing, replay, skipped = false, false, false
		if current == nil {
			missing = true
			return condapply.Abort[Wallet]()
		}
		if current.marked(c.FenceKey) {
			replay = true
			return condapply.Abort[Wallet]()
		}
		if c.Kind == MarkerRefund {
			if _, ok := current.WagerMarkers[c.FenceKey]; !ok {
				skipped = true
				return condapply.Abort[Wallet]()
			}
		}
		next := *current
		next.Coins += c.Amount
		switch c.Kind {
		case MarkerRefund:
			next.RefundMarkers = copyMarkers(current.RefundMarkers)
			next.RefundMarkers[c.FenceKey] = c.RequestID
			// A refund hands the stake back, so the spend it reversed no
			// longer counts as lifetime spending.
			next.LifetimeSpent -= c.Amount
			if next.LifetimeSpent < 0 {
				next.LifetimeSpent = 0
			}
		default:
			next.SettleMarkers = copyMarkers(current.SettleMarkers)
			next.SettleMarkers[c.FenceKey] = c.RequestID
			next.LifetimeEarned += c.Amount
		}
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return 0, nil, err
	}
	if missing {
		return 0, nil, ErrWalletNotFound
	}
	if replay {
		logging.FromContext(ctx).Info("wallet credit replayed, fence key already marked",
			"user_id", c.UserID, "fence_key", c.FenceKey)
		return CreditAlreadyApplied, res.Value, nil
	}
	if skipped {
		logging.FromContext(ctx).Warn("refund credit skipped, no wager marker for fence key",
			"user_id", c.UserID, "fence_key", c.FenceKey)
		return CreditSkipped, res.Value, nil
	}
	s.record(ctx, c.UserID, c.EntryType, c.Amount, res.Value.BalanceAfter(), c.FenceKey)
	return CreditApplied, res.Value, nil
}

// DebitChecked deducts amount if the balance covers it and records a
// wager marker under reference in the same write. A replay with the
// same reference is a no-op, so a debit interrupted after commit can be
// retried without deducting twice. Insufficient funds abort without any
// write.
func (s *Service) DebitChecked(ctx context.Context, userID string, amount int64, reference string) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var (
		missing bool
		short   bool
		replay  bool
	)
	res, err := s.store.Apply(ctx, userID, func(current *Wallet) condapply.Decision[Wallet] {
		missing, short, replay = false, false, false
		if current == nil {
			missing = true
			return condapply.Abort[Wallet]()
		}
		if _, ok := current.WagerMarkers[reference]; ok {
			replay = true
			return condapply.Abort[Wallet]()
		}
		if current.Coins < amount {
			short = true
			return condapply.Abort[Wallet]()
		}
		next := *current
		next.Coins -= amount
		next.LifetimeSpent += amount
		next.WagerMarkers = copyAmounts(current.WagerMarkers)
		next.WagerMarkers[reference] = amount
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrWalletNotFound
	}
	if replay {
		logging.FromContext(ctx).Info("wallet debit replayed, wager marker already present",
			"user_id", userID, "reference", reference)
		return res.Value, nil
	}
	if short {
		return nil, ErrInsufficientCoins
	}
	s.record(ctx, userID, txlog.TypeWager, -amount, res.Value.BalanceAfter(), reference)
	return res.Value, nil
}

// ReverseDebit undoes the debit fenced by fenceKey: the marked amount
// goes back on the balance, the lifetime spend it counted is unwound,
// and the marker is removed so the escrow id reads as never funded. It
// compensates a debit whose escrow write failed. Absent marker is a
// no-op, so the reversal is itself safe to retry.
func (s *Service) ReverseDebit(ctx context.Context, userID, fenceKey string) (*Wallet, error) {
	var (
		missing  bool
		reversed int64
	)
	res, err := s.store.Apply(ctx, userID, func(current *Wallet) condapply.Decision[Wallet] {
		missing, reversed = false, 0
		if current == nil {
			missing = true
			return condapply.Abort[Wallet]()
		}
		amount, ok := current.WagerMarkers[fenceKey]
		if !ok {
			return condapply.Abort[Wallet]()
		}
		reversed = amount
		next := *current
		next.Coins += amount
		next.LifetimeSpent -= amount
		if next.LifetimeSpent < 0 {
			next.LifetimeSpent = 0
		}
		next.WagerMarkers = copyAmounts(current.WagerMarkers)
		delete(next.WagerMarkers, fenceKey)
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrWalletNotFound
	}
	if reversed > 0 {
		s.record(ctx, userID, txlog.TypeRefund, reversed, res.Value.BalanceAfter(), fenceKey)
	}
	return res.Value, nil
}

func (s *Service) record(ctx context.Context, userID, entryType string, amount, balanceAfter int64, correlation string) {
	if s.recorder == nil || entryType == "" {
		return
	}
	s.recorder.Record(ctx, userID, entryType, amount, balanceAfter, correlation)
}

func copyMarkers(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyAmounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
