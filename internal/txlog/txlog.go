// Package txlog keeps the append-only transaction log: one entry per
// coin movement, written after the wallet mutation commits.
//
// Log appends are best-effort with respect to the money path: a failed
// append never reverses a wallet credit. Failures are retried briefly
// and then surfaced through logs and a metric for alerting.
package txlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/dartduel/server/internal/idgen"
	"github.com/dartduel/server/internal/metrics"
	"github.com/dartduel/server/internal/retry"
)

// Entry types, one per coin-movement cause.
const (
	TypeWager    = "wager"
	TypeRefund   = "refund"
	TypePayout   = "payout"
	TypeBonus    = "bonus"
	TypeAd       = "ad"
	TypePurchase = "purchase"
	TypeLevelUp  = "levelup"
)

// Entry is a single immutable coin movement record.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"` // negative for debits
	BalanceAfter int64     `json:"balanceAfter"`
	Correlation  string    `json:"correlation"` // escrow id, provider tx id, ...
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists transaction log entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Log wraps a Store with the best-effort append policy.
type Log struct {
	store  Store
	logger *slog.Logger
}

// New creates a transaction log over the given store.
func New(store Store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logger}
}

// Record appends an entry, retrying transient failures. Errors are
// swallowed after logging: the wallet mutation this entry describes has
// already committed and must not be unwound.
func (l *Log) Record(ctx context.Context, userID, entryType string, amount, balanceAfter int64, correlation string) {
	entry := &Entry{
		ID:           idgen.WithPrefix("txn"),
		UserID:       userID,
		Type:         entryType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Correlation:  correlation,
		CreatedAt:    time.Now(),
	}

	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return l.store.Append(ctx, entry)
	})
	if err != nil {
		metrics.TxLogAppendFailures.Inc()
		l.logger.Error("transaction log append failed",
			"user_id", userID,
			"type", entryType,
			"correlation", correlation,
			"error", err,
		)
	}
}

// History returns recent entries for a user, newest first.
func (l *Log) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByUser(ctx, userID, limit)
}
