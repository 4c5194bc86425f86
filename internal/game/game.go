// Package game holds the server-authoritative match record. Settlement
// trusts only this record for the winner; clients never submit one.
package game

import (
	"context"
	"errors"
	"time"

	"github.com/dartduel/server/internal/condapply"
)

var (
	ErrGameNotFound   = errors.New("game not found")
	ErrGameFinished   = errors.New("game already finished")
	ErrNotParticipant = errors.New("user is not a participant of this game")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusForfeited Status = "forfeited"
)

// Wager ties a game to the escrow funding it. Settled latches once the
// escrow pays out so a finished game is never settled twice.
type Wager struct {
	StakeAmount int64  `json:"stakeAmount"`
	EscrowID    string `json:"escrowId"`
	Settled     bool   `json:"settled"`
}

type Game struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	WinnerID  string    `json:"winnerId,omitempty"`
	Player1ID string    `json:"player1Id"`
	Player2ID string    `json:"player2Id"`
	Wager     Wager     `json:"wager"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (g *Game) Finished() bool {
	return g.Status == StatusCompleted || g.Status == StatusForfeited
}

func (g *Game) participant(userID string) bool {
	return userID == g.Player1ID || userID == g.Player2ID
}

// opponent returns the other player, or "" if userID isn't playing.
func (g *Game) opponent(userID string) string {
	switch userID {
	case g.Player1ID:
		return g.Player2ID
	case g.Player2ID:
		return g.Player1ID
	}
	return ""
}

type Service struct {
	store condapply.Store[Game]
}

func NewService(store condapply.Store[Game]) *Service {
	return &Service{store: store}
}

// Create writes a new active game, or returns the existing record when
// the id was already used. Escrow game-creation resumes after a crash by
// re-issuing the same reserved id, so replays must be harmless.
func (s *Service) Create(ctx context.Context, id, player1ID, player2ID string, stake int64, escrowID string) (*Game, error) {
	res, err := s.store.Apply(ctx, id, func(current *Game) condapply.Decision[Game] {
		if current != nil {
			return condapply.Abort[Game]()
		}
		now := time.Now().UTC()
		return condapply.Write(&Game{
			ID:        id,
			Status:    StatusActive,
			Player1ID: player1ID,
			Player2ID: player2ID,
			Wager:     Wager{StakeAmount: stake, EscrowID: escrowID},
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Game, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGameNotFound
	}
	return g, nil
}

// Complete stamps the winner on an active game. Repeating the call with
// the same winner is a no-op; any other transition on a finished game
// fails.
func (s *Service) Complete(ctx context.Context, id, winnerID string) (*Game, error) {
	return s.finish(ctx, id, StatusCompleted, winnerID)
}

// Forfeit ends the game in the opponent's favour.
func (s *Service) Forfeit(ctx context.Context, id, forfeiterID string) (*Game, error) {
	var winner string
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	winner = g.opponent(forfeiterID)
	if winner == "" {
		return nil, ErrNotParticipant
	}
	return s.finish(ctx, id, StatusForfeited, winner)
}

func (s *Service) finish(ctx context.Context, id string, status Status, winnerID string) (*Game, error) {
	var failure error
	res, err := s.store.Apply(ctx, id, func(current *Game) condapply.Decision[Game] {
		failure = nil
		if current == nil {
			failure = ErrGameNotFound
			return condapply.Abort[Game]()
		}
		if !current.participant(winnerID) {
			failure = ErrNotParticipant
			return condapply.Abort[Game]()
		}
		if current.Finished() {
			if current.WinnerID != winnerID {
				failure = ErrGameFinished
			}
			return condapply.Abort[Game]()
		}
		next := *current
		next.Status = status
		next.WinnerID = winnerID
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	return res.Value, nil
}

// MarkWagerSettled latches the wager once the escrow has paid out.
// Returns the prior latch state so settlement can detect a replay.
func (s *Service) MarkWagerSettled(ctx context.Context, id string) (alreadySettled bool, err error) {
	var failure error
	_, err = s.store.Apply(ctx, id, func(current *Game) condapply.Decision[Game] {
		failure = nil
		alreadySettled = false
		if current == nil {
			failure = ErrGameNotFound
			return condapply.Abort[Game]()
		}
		if current.Wager.Settled {
			alreadySettled = true
			return condapply.Abort[Game]()
		}
		next := *current
		next.Wager.Settled = true
		next.UpdatedAt = time.Now().UTC()
		return condapply.Write(&next)
	})
	if err != nil {
		return false, err
	}
	if failure != nil {
		return false, failure
	}
	return alreadySettled, nil
}
