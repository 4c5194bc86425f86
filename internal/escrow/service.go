package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/game"
	"github.com/dartduel/server/internal/idgen"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/metrics"
	"github.com/dartduel/server/internal/traces"
	"github.com/dartduel/server/internal/txlog"
	"github.com/dartduel/server/internal/wallet"
)

// Ledger is the wallet surface the escrow flows drive. *wallet.Service
// satisfies it.
type Ledger interface {
	CreditIdempotent(ctx context.Context, c wallet.Credit) (wallet.CreditOutcome, *wallet.Wallet, error)
	DebitChecked(ctx context.Context, userID string, amount int64, reference string) (*wallet.Wallet, error)
	ReverseDebit(ctx context.Context, userID, fenceKey string) (*wallet.Wallet, error)
}

// Games is the game-record surface settlement and game creation need.
// *game.Service satisfies it.
type Games interface {
	Get(ctx context.Context, id string) (*game.Game, error)
	Create(ctx context.Context, id, player1ID, player2ID string, stake int64, escrowID string) (*game.Game, error)
	MarkWagerSettled(ctx context.Context, id string) (bool, error)
}

// Notifier receives lifecycle events for connected clients. The server
// wires the websocket hub here; a nil notifier is fine.
type Notifier interface {
	EscrowEvent(escrowID string, userIDs []string, event string, payload any)
}

// Options carries the tunable policy constants.
type Options struct {
	TTL               time.Duration // pending join window
	SettlementTimeout time.Duration // settling lock staleness
	RefundTimeout     time.Duration // refunding lock staleness
	CreateGameTimeout time.Duration // game-creation lock staleness
	StakeLevels       []int64
	CleanupBatch      int
}

type Service struct {
	store    Store
	ledger   Ledger
	games    Games
	notifier Notifier
	opts     Options
	logger   *slog.Logger
}

func NewService(store Store, ledger Ledger, games Games, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CleanupBatch <= 0 {
		opts.CleanupBatch = 100
	}
	return &Service{store: store, ledger: ledger, games: games, opts: opts, logger: logger}
}

// SetNotifier attaches the realtime event sink after construction.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) validStake(stake int64) bool {
	for _, lvl := range s.opts.StakeLevels {
		if stake == lvl {
			return true
		}
	}
	return false
}

func (s *Service) notify(escrowID string, userIDs []string, event string, payload any) {
	if s.notifier != nil {
		s.notifier.EscrowEvent(escrowID, userIDs, event, payload)
	}
}

// Get returns the escrow record.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEscrowNotFound
	}
	return e, nil
}

// JoinResult is the caller-visible outcome of CreateOrJoin.
type JoinResult struct {
	Escrow     *Escrow
	NewBalance int64
	Joined     bool // false when returning an existing record idempotently
}

// CreateOrJoin opens a new escrow when escrowID is empty, otherwise
// joins the identified one. The stake is debited before the escrow
// write, fenced on the wallet by the escrow id: an escrow that looks
// funded always has the coins behind it, and a crash between the two
// writes leaves only a marked debit, which the retry replays as a no-op
// and which a failed escrow write reverses.
func (s *Service) CreateOrJoin(ctx context.Context, userID string, stake int64, escrowID string) (*JoinResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateOrJoin",
		traces.UserID(userID), traces.Stake(stake))
	defer span.End()

	if !s.validStake(stake) {
		return nil, ErrInvalidStake
	}
	if escrowID == "" {
		return s.create(ctx, userID, stake)
	}
	return s.join(ctx, userID, stake, escrowID)
}

func (s *Service) create(ctx context.Context, userID string, stake int64) (*JoinResult, error) {
	log := logging.FromContext(ctx)

	// One open escrow per user: an expired one is auto-refunded first, a
	// live one at the same stake is returned idempotently.
	if open, err := s.store.FindOpenByUser(ctx, userID); err != nil {
		return nil, err
	} else if open != nil {
		if open.Expired(time.Now().UTC()) {
			if _, err := s.Refund(ctx, open.ID, "expired before recreate"); err != nil {
				return nil, fmt.Errorf("auto-refund of expired escrow %s: %w", open.ID, err)
			}
			log.Info("auto-refunded expired pending escrow", "escrow_id", open.ID, "user_id", userID)
		} else if open.StakeLevel == stake {
			return &JoinResult{Escrow: open}, nil
		} else {
			return nil, ErrOpenEscrow
		}
	}

	id := idgen.WithPrefix("esc")
	w, err := s.ledger.DebitChecked(ctx, userID, stake, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.store.Apply(ctx, id, func(current *Escrow) condapply.Decision[Escrow] {
		if current != nil {
			return condapply.Abort[Escrow]()
		}
		return condapply.Write(&Escrow{
			ID:         id,
			StakeLevel: stake,
			Player1:    &Participant{UserID: userID, Amount: stake, LockedAt: now},
			TotalPot:   stake,
			Status:     StatusPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.opts.TTL),
			UpdatedAt:  now,
		})
	})
	if err != nil {
		// The escrow never committed, so the stake goes straight back.
		if _, rerr := s.ledger.ReverseDebit(ctx, userID, id); rerr != nil {
			log.Error("reversing stake for unwritten escrow failed",
				"escrow_id", id, "user_id", userID, "error", rerr)
		}
		return nil, err
	}

	metrics.EscrowsCreatedTotal.Inc()
	log.Info("escrow created", "escrow_id", id, "user_id", userID, "stake", stake)
	return &JoinResult{Escrow: res.Value, NewBalance: w.Coins, Joined: true}, nil
}

// joinable classifies whether userID can join e at stake right now.
// already reports an idempotent re-join by the same second player.
func joinable(e *Escrow, userID string, stake int64, now time.Time) (already bool, err error) {
	switch {
	case e == nil:
		return false, ErrEscrowNotFound
	case e.Status == StatusLocked && e.Player2 != nil && e.Player2.UserID == userID:
		return true, nil
	case e.Status != StatusPending:
		return false, ErrNotJoinable
	case e.Expired(now):
		return false, ErrEscrowExpired
	case e.StakeLevel != stake:
		return false, ErrStakeMismatch
	case e.Player1 != nil && e.Player1.UserID == userID:
		return false, ErrSelfJoin
	}
	return false, nil
}

func (s *Service) join(ctx context.Context, userID string, stake int64, escrowID string) (*JoinResult, error) {
	log := logging.FromContext(ctx)

	// Classify before paying so a doomed join never touches the wallet.
	pre, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if already, err := joinable(pre, userID, stake, time.Now().UTC()); err != nil {
		return nil, err
	} else if already {
		return &JoinResult{Escrow: pre}, nil
	}

	// Debit first. The wager marker commits with the deduction, so a
	// crash before the escrow write below replays here as a no-op and
	// the join completes on retry.
	w, err := s.ledger.DebitChecked(ctx, userID, stake, escrowID)
	if err != nil {
		return nil, err
	}

	var (
		classified error
		already    bool
	)
	res, err := s.store.Apply(ctx, escrowID, func(current *Escrow) condapply.Decision[Escrow] {
		now := time.Now().UTC()
		already, classified = joinable(current, userID, stake, now)
		if classified != nil || already {
			return condapply.Abort[Escrow]()
		}
		next := *current
		next.Player2 = &Participant{UserID: userID, Amount: stake, LockedAt: now}
		next.TotalPot += stake
		next.Status = StatusLocked
		next.UpdatedAt = now
		return condapply.Write(&next)
	})
	if err != nil || classified != nil {
		// The escrow side did not take this join; hand the stake back.
		if _, rerr := s.ledger.ReverseDebit(ctx, userID, escrowID); rerr != nil {
			log.Error("reversing stake for failed join failed",
				"escrow_id", escrowID, "user_id", userID, "error", rerr)
		}
		if err != nil {
			return nil, err
		}
		return nil, classified
	}
	if already {
		return &JoinResult{Escrow: res.Value}, nil
	}

	metrics.EscrowsLockedTotal.Inc()
	e := res.Value
	s.notify(escrowID, participants(e), "escrow_locked", e)
	log.Info("escrow locked", "escrow_id", escrowID, "user_id", userID, "total_pot", e.TotalPot)
	return &JoinResult{Escrow: e, NewBalance: w.Coins, Joined: true}, nil
}

// SettleResult is the caller-visible settlement outcome. Repeat calls
// return the same result with AlreadySettled set.
type SettleResult struct {
	WinnerID       string
	Payout         int64
	AlreadySettled bool
}

// Settle pays the escrow pot to the winner recorded on the game. The
// winner comes only from the server-side game record; callers cannot
// name one. Double payment is fenced twice: by the settlement lock and,
// independently, by the winner's wallet marker.
func (s *Service) Settle(ctx context.Context, gameID, callerID string) (*SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Settle", traces.GameID(gameID))
	defer span.End()
	log := logging.FromContext(ctx)

	g, err := s.games.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && callerID != g.Player1ID && callerID != g.Player2ID {
		return nil, ErrNotParticipant
	}
	if !g.Finished() || g.WinnerID == "" {
		return nil, ErrGameNotFinished
	}
	if g.Wager.EscrowID == "" {
		return nil, ErrNoWager
	}
	escrowID := g.Wager.EscrowID

	ph := phaseSpec{
		phase:        PhaseSettlement,
		intermediate: StatusSettling,
		timeout:      s.opts.SettlementTimeout,
		eligible: func(e *Escrow, _ time.Time) error {
			if e.Status != StatusLocked {
				return ErrWrongStatus
			}
			return nil
		},
	}
	acq, err := s.acquire(ctx, escrowID, ph)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("contention").Inc()
		return nil, err
	}
	if acq.requestID == "" {
		// Terminal before we got the lock.
		if acq.escrow.Status == StatusReleased {
			// A crash after finalize can leave the game latch unset; the
			// replay is the retry that converges it.
			if _, err := s.games.MarkWagerSettled(ctx, gameID); err != nil {
				log.Error("marking game wager settled failed", "game_id", gameID, "error", err)
			}
			metrics.SettlementsTotal.WithLabelValues("already_settled").Inc()
			return &SettleResult{WinnerID: g.WinnerID, Payout: acq.escrow.TotalPot, AlreadySettled: true}, nil
		}
		return nil, ErrAlreadyRefunded
	}

	pot := acq.escrow.TotalPot
	outcome, _, err := s.ledger.CreditIdempotent(ctx, wallet.Credit{
		UserID:    g.WinnerID,
		Amount:    pot,
		Kind:      wallet.MarkerSettle,
		FenceKey:  escrowID,
		RequestID: acq.requestID,
		EntryType: txlog.TypePayout,
	})
	if err != nil {
		s.rollback(ctx, escrowID, ph, acq.requestID, StatusLocked, err)
		metrics.SettlementsTotal.WithLabelValues("rolled_back").Inc()
		log.Error("settlement payout failed, escrow reverted to locked",
			"escrow_id", escrowID, "game_id", gameID, "error", err)
		return nil, fmt.Errorf("settlement payout: %w", err)
	}
	if outcome == wallet.CreditApplied {
		metrics.PayoutCoinsTotal.Add(float64(pot))
	}

	final, err := s.finalize(ctx, escrowID, ph, acq.requestID,
		func(e *Escrow) {
			e.Status = StatusReleased
			e.PayoutAwarded = true
		},
		func(e *Escrow) bool { return e.Status == StatusReleased },
	)
	if err != nil {
		return nil, err
	}

	if already, err := s.games.MarkWagerSettled(ctx, gameID); err != nil {
		// The payout is durable; the latch is convergent on retry.
		log.Error("marking game wager settled failed", "game_id", gameID, "error", err)
	} else if already {
		log.Info("game wager latch was already set", "game_id", gameID)
	}

	metrics.SettlementsTotal.WithLabelValues("released").Inc()
	s.notify(escrowID, participants(final), "escrow_released", final)
	log.Info("escrow settled", "escrow_id", escrowID, "game_id", gameID,
		"winner_id", g.WinnerID, "payout", pot)
	return &SettleResult{WinnerID: g.WinnerID, Payout: pot}, nil
}

// RefundResult is the caller-visible refund outcome. Partial means at
// least one participant's credit is still outstanding; the escrow stays
// in refunding and the call is safe to repeat.
type RefundResult struct {
	RefundedPlayers []string
	RefundedAmounts []int64
	Partial         bool
}

// Refund returns stakes to the participants. Eligible sources are a
// pending escrow, an expired locked escrow with no game still running,
// or a refunding escrow whose previous attempt did not finish. Each
// participant is credited independently and idempotently; the escrow is
// terminal refunded only once every linked participant has been paid.
func (s *Service) Refund(ctx context.Context, escrowID, reason string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(escrowID))
	defer span.End()
	log := logging.FromContext(ctx)

	// Game linkage gates refund eligibility; check it before touching
	// the escrow so an active match can never be drained.
	pre, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if pre.Status == StatusLocked && pre.GameID != "" {
		g, err := s.games.Get(ctx, pre.GameID)
		if err == nil && !g.Finished() {
			return nil, ErrGameActive
		}
	}
	preGameID := pre.GameID

	ph := phaseSpec{
		phase:        PhaseRefund,
		intermediate: StatusRefunding,
		timeout:      s.opts.RefundTimeout,
		eligible: func(e *Escrow, now time.Time) error {
			// The game check above ran against a snapshot. A match that
			// started since then shows up as a changed game id; only the
			// linkage we actually vetted may proceed.
			if e.GameID != preGameID {
				return ErrGameActive
			}
			switch e.Status {
			case StatusPending:
				return nil
			case StatusLocked:
				if !e.Expired(now) {
					return ErrWrongStatus
				}
				return nil
			default:
				return ErrWrongStatus
			}
		},
	}
	acq, err := s.acquire(ctx, escrowID, ph)
	if err != nil {
		metrics.RefundsTotal.WithLabelValues("contention").Inc()
		return nil, err
	}
	if acq.requestID == "" {
		if acq.escrow.Status == StatusRefunded {
			return refundResultOf(acq.escrow), nil
		}
		return nil, ErrWrongStatus
	}

	e := acq.escrow
	result := &RefundResult{}
	var firstErr error

	type half struct {
		p       *Participant
		applied bool
		mark    func(r *RefundApplied)
	}
	halves := []half{
		{e.Player1, e.RefundApplied.Player1, func(r *RefundApplied) { r.Player1 = true }},
		{e.Player2, e.RefundApplied.Player2, func(r *RefundApplied) { r.Player2 = true }},
	}
	for _, h := range halves {
		if h.p == nil {
			continue
		}
		if !h.applied {
			outcome, _, err := s.ledger.CreditIdempotent(ctx, wallet.Credit{
				UserID:    h.p.UserID,
				Amount:    h.p.Amount,
				Kind:      wallet.MarkerRefund,
				FenceKey:  escrowID,
				RequestID: acq.requestID,
				EntryType: txlog.TypeRefund,
			})
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			// Persist the per-participant flag right away so a crash
			// before finalize retries only the other half.
			s.markRefundApplied(ctx, escrowID, acq.requestID, h.mark)
			if outcome == wallet.CreditSkipped {
				// No wager marker: this stake never left the wallet, so
				// there is nothing to return. The flag still advances the
				// escrow to terminal.
				log.Warn("refund found no debit for participant, skipping credit",
					"escrow_id", escrowID, "user_id", h.p.UserID)
				continue
			}
		}
		result.RefundedPlayers = append(result.RefundedPlayers, h.p.UserID)
		result.RefundedAmounts = append(result.RefundedAmounts, h.p.Amount)
	}

	if firstErr != nil {
		// Stay in refunding with the lock released: the next attempt
		// acquires immediately and re-tries only the missing credits.
		s.rollback(ctx, escrowID, ph, acq.requestID, "", firstErr)
		result.Partial = true
		metrics.RefundsTotal.WithLabelValues("partial").Inc()
		log.Error("refund incomplete, escrow left refunding",
			"escrow_id", escrowID, "reason", reason, "error", firstErr)
		return result, nil
	}

	final, err := s.finalize(ctx, escrowID, ph, acq.requestID,
		func(e *Escrow) { e.Status = StatusRefunded },
		func(e *Escrow) bool { return e.Status == StatusRefunded },
	)
	if err != nil {
		return nil, err
	}

	metrics.RefundsTotal.WithLabelValues("refunded").Inc()
	s.notify(escrowID, participants(final), "escrow_refunded", final)
	log.Info("escrow refunded", "escrow_id", escrowID, "reason", reason,
		"players", result.RefundedPlayers)
	return result, nil
}

// markRefundApplied persists one participant's refund flag while the
// caller holds the refund lock. Failure is tolerated: the wallet marker
// makes the eventual re-credit a no-op.
func (s *Service) markRefundApplied(ctx context.Context, escrowID, requestID string, mark func(r *RefundApplied)) {
	_, err := s.store.Apply(ctx, escrowID, func(current *Escrow) condapply.Decision[Escrow] {
		if current == nil || current.Refund.RequestID != requestID {
			return condapply.Abort[Escrow]()
		}
		next := *current
		mark(&next.RefundApplied)
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		logging.FromContext(ctx).Error("recording refund flag failed", "escrow_id", escrowID, "error", err)
	}
}

func refundResultOf(e *Escrow) *RefundResult {
	r := &RefundResult{}
	if e.Player1 != nil && e.RefundApplied.Player1 {
		r.RefundedPlayers = append(r.RefundedPlayers, e.Player1.UserID)
		r.RefundedAmounts = append(r.RefundedAmounts, e.Player1.Amount)
	}
	if e.Player2 != nil && e.RefundApplied.Player2 {
		r.RefundedPlayers = append(r.RefundedPlayers, e.Player2.UserID)
		r.RefundedAmounts = append(r.RefundedAmounts, e.Player2.Amount)
	}
	return r
}

// CreateGame starts the match for a locked escrow. The game id is
// reserved on the escrow in the same write that takes the lock, so a
// crash after the reservation resumes with the identical id instead of
// minting a second game.
func (s *Service) CreateGame(ctx context.Context, escrowID string) (*game.Game, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateGame", traces.EscrowID(escrowID))
	defer span.End()
	log := logging.FromContext(ctx)

	ph := phaseSpec{
		phase:   PhaseCreateGame,
		timeout: s.opts.CreateGameTimeout,
		eligible: func(e *Escrow, _ time.Time) error {
			if e.Status != StatusLocked {
				return ErrWrongStatus
			}
			if e.Player1 == nil || e.Player2 == nil {
				return ErrWrongStatus
			}
			return nil
		},
		prepare: func(e *Escrow, _ time.Time) {
			if e.GameID == "" {
				e.GameID = idgen.WithPrefix("game")
			}
		},
	}
	acq, err := s.acquire(ctx, escrowID, ph)
	if err != nil {
		return nil, err
	}
	if acq.requestID == "" {
		return nil, ErrWrongStatus
	}

	e := acq.escrow
	g, err := s.games.Create(ctx, e.GameID, e.Player1.UserID, e.Player2.UserID, e.StakeLevel, escrowID)
	if err != nil {
		// The reservation stays: a retry resumes with the same game id.
		s.rollback(ctx, escrowID, ph, acq.requestID, "", err)
		return nil, fmt.Errorf("creating game for escrow %s: %w", escrowID, err)
	}

	final, err := s.finalize(ctx, escrowID, ph, acq.requestID,
		func(e *Escrow) {},
		func(e *Escrow) bool { return e.GameID != "" && e.CreateGame.RequestID == "" },
	)
	if err != nil {
		return nil, err
	}

	s.notify(escrowID, participants(final), "game_created", g)
	log.Info("game created against escrow", "escrow_id", escrowID, "game_id", g.ID)
	return g, nil
}

// CleanupExpired refunds expired pending escrows in one bounded sweep
// and returns how many reached refunded.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	log := logging.FromContext(ctx)
	expired, err := s.store.ListExpiredPending(ctx, time.Now().UTC(), s.opts.CleanupBatch)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, e := range expired {
		res, err := s.Refund(ctx, e.ID, "cleanup_pending")
		if err != nil {
			log.Error("cleanup refund failed", "escrow_id", e.ID, "error", err)
			continue
		}
		if !res.Partial {
			refunded++
		}
	}
	if len(expired) > 0 {
		log.Info("expired escrow sweep finished", "found", len(expired), "refunded", refunded)
	}
	return refunded, nil
}

func participants(e *Escrow) []string {
	var ids []string
	if e.Player1 != nil {
		ids = append(ids, e.Player1.UserID)
	}
	if e.Player2 != nil {
		ids = append(ids, e.Player2.UserID)
	}
	return ids
}
