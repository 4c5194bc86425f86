package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartduel/server/internal/condapply"
)

type recordedEntry struct {
	userID, entryType, correlation string
	amount, balanceAfter           int64
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []recordedEntry
}

func (r *captureRecorder) Record(_ context.Context, userID, entryType string, amount, balanceAfter int64, correlation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEntry{userID, entryType, correlation, amount, balanceAfter})
}

func newTestService() (*Service, *captureRecorder) {
	rec := &captureRecorder{}
	return NewService(condapply.NewMemoryStore[Wallet](), rec, nil), rec
}

func TestCreateIfMissing(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()

	w, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.Equal(t, StartingCoins, w.LifetimeEarned)
	assert.Equal(t, int64(1), w.Version)

	// Second call returns the existing wallet without another grant.
	again, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins, again.Coins)
	assert.Equal(t, int64(1), again.Version)
	assert.Len(t, rec.entries, 1)
	assert.Equal(t, "signup", rec.entries[0].correlation)
}

func TestBalanceNotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestDebitChecked(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	w, err := svc.DebitChecked(ctx, "user-1", 100, "esc_abc")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins-100, w.Coins)
	assert.Equal(t, int64(100), w.LifetimeSpent)
	assert.Equal(t, int64(2), w.Version)
	assert.Equal(t, int64(100), w.WagerMarkers["esc_abc"])

	last := rec.entries[len(rec.entries)-1]
	assert.Equal(t, int64(-100), last.amount)
	assert.Equal(t, "esc_abc", last.correlation)
}

func TestDebitCheckedReplay(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.DebitChecked(ctx, "user-1", 100, "esc_abc")
	require.NoError(t, err)
	entries := len(rec.entries)

	// Same reference again: the wager marker fences the deduction.
	w, err := svc.DebitChecked(ctx, "user-1", 100, "esc_abc")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins-100, w.Coins)
	assert.Equal(t, int64(100), w.LifetimeSpent)
	assert.Len(t, rec.entries, entries)
}

func TestReverseDebit(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.DebitChecked(ctx, "user-1", 100, "esc_abc")
	require.NoError(t, err)

	w, err := svc.ReverseDebit(ctx, "user-1", "esc_abc")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.Zero(t, w.LifetimeSpent)
	assert.NotContains(t, w.WagerMarkers, "esc_abc")

	// With the marker gone the same debit can be taken fresh.
	w, err = svc.DebitChecked(ctx, "user-1", 100, "esc_abc")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins-100, w.Coins)
}

func TestReverseDebitWithoutMarker(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)
	entries := len(rec.entries)

	w, err := svc.ReverseDebit(ctx, "user-1", "esc_never")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.Len(t, rec.entries, entries)
}

func TestDebitCheckedInsufficient(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.DebitChecked(ctx, "user-1", StartingCoins+1, "esc_abc")
	assert.ErrorIs(t, err, ErrInsufficientCoins)

	// Failed debit must leave no trace.
	w, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.Zero(t, w.LifetimeSpent)
}

func TestDebitCheckedMissingWallet(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.DebitChecked(context.Background(), "ghost", 10, "esc_abc")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestCreditIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	c := Credit{
		UserID: "user-1", Amount: 200, Kind: MarkerSettle,
		FenceKey: "esc_abc", RequestID: "req_1", EntryType: "payout",
	}
	outcome, w, err := svc.CreditIdempotent(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, CreditApplied, outcome)
	assert.Equal(t, StartingCoins+200, w.Coins)
	assert.Equal(t, StartingCoins+200, w.LifetimeEarned)
	assert.Equal(t, "req_1", w.SettleMarkers["esc_abc"])

	// Replay with a different request id still fences on the escrow id.
	c.RequestID = "req_2"
	outcome, w, err = svc.CreditIdempotent(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, CreditAlreadyApplied, outcome)
	assert.Equal(t, StartingCoins+200, w.Coins)
	assert.Equal(t, "req_1", w.SettleMarkers["esc_abc"])
}

func TestCreditFenceSpansBothMarkerMaps(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.DebitChecked(ctx, "user-1", 50, "esc_abc")
	require.NoError(t, err)
	_, _, err = svc.CreditIdempotent(ctx, Credit{
		UserID: "user-1", Amount: 50, Kind: MarkerRefund,
		FenceKey: "esc_abc", RequestID: "req_1", EntryType: "refund",
	})
	require.NoError(t, err)

	// Same escrow must not also pay out as a settlement.
	outcome, w, err := svc.CreditIdempotent(ctx, Credit{
		UserID: "user-1", Amount: 100, Kind: MarkerSettle,
		FenceKey: "esc_abc", RequestID: "req_2", EntryType: "payout",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditAlreadyApplied, outcome)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.NotContains(t, w.SettleMarkers, "esc_abc")
}

func TestRefundCreditRequiresWagerMarker(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)
	entries := len(rec.entries)

	// No debit ever happened under this escrow id: the refund credit
	// must not conjure coins out of nothing.
	outcome, w, err := svc.CreditIdempotent(ctx, Credit{
		UserID: "user-1", Amount: 100, Kind: MarkerRefund,
		FenceKey: "esc_unfunded", RequestID: "req_1", EntryType: "refund",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditSkipped, outcome)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.NotContains(t, w.RefundMarkers, "esc_unfunded")
	assert.Len(t, rec.entries, entries)
}

func TestRefundReversesLifetimeSpent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.DebitChecked(ctx, "user-1", 100, "esc_abc")
	require.NoError(t, err)

	outcome, w, err := svc.CreditIdempotent(ctx, Credit{
		UserID: "user-1", Amount: 100, Kind: MarkerRefund,
		FenceKey: "esc_abc", RequestID: "req_1", EntryType: "refund",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditApplied, outcome)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.Zero(t, w.LifetimeSpent)
	assert.Equal(t, StartingCoins, w.LifetimeEarned)
}

func TestCreditMissingWallet(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.CreditIdempotent(context.Background(), Credit{
		UserID: "ghost", Amount: 10, FenceKey: "esc_abc", RequestID: "req_1",
	})
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestCreditNegativeAmount(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.CreditIdempotent(context.Background(), Credit{
		UserID: "user-1", Amount: -25, FenceKey: "esc_abc",
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestZeroCreditStillMarks(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	outcome, w, err := svc.CreditIdempotent(ctx, Credit{
		UserID: "user-1", Amount: 0, Kind: MarkerSettle,
		FenceKey: "esc_abc", RequestID: "req_1", EntryType: "payout",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditApplied, outcome)
	assert.Equal(t, StartingCoins, w.Coins)
	assert.Equal(t, "req_1", w.SettleMarkers["esc_abc"])

	// The marker fences the fence key even though no coins moved.
	outcome, _, err = svc.CreditIdempotent(ctx, Credit{
		UserID: "user-1", Amount: 100, Kind: MarkerSettle,
		FenceKey: "esc_abc", RequestID: "req_2", EntryType: "payout",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditAlreadyApplied, outcome)
}

func TestConcurrentCreditsDistinctFences(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateIfMissing(ctx, "user-1")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.CreditIdempotent(ctx, Credit{
				UserID: "user-1", Amount: 10, Kind: MarkerSettle,
				FenceKey: "esc_" + string(rune('a'+i)), RequestID: "req", EntryType: "payout",
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "credit %d", i)
	}
	w, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StartingCoins+10*n, w.Coins)
	assert.Len(t, w.SettleMarkers, n)
}
