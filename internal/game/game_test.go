package game

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartduel/server/internal/condapply"
)

func newTestService() *Service {
	return NewService(condapply.NewMemoryStore[Game]())
}

func TestCreateIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	g, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, g.Status)
	assert.Equal(t, int64(100), g.Wager.StakeAmount)

	// Re-issuing the same id after a crash must not reset the record.
	_, err = svc.Complete(ctx, "game_1", "p1")
	require.NoError(t, err)
	again, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestComplete(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)

	g, err := svc.Complete(ctx, "game_1", "p2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, g.Status)
	assert.Equal(t, "p2", g.WinnerID)

	// Same winner again is a no-op.
	g, err = svc.Complete(ctx, "game_1", "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", g.WinnerID)

	// A different winner after the fact is rejected.
	_, err = svc.Complete(ctx, "game_1", "p1")
	assert.ErrorIs(t, err, ErrGameFinished)
}

func TestCompleteRejectsOutsider(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "game_1", "intruder")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestForfeit(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)

	g, err := svc.Forfeit(ctx, "game_1", "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusForfeited, g.Status)
	assert.Equal(t, "p2", g.WinnerID)
}

func TestForfeitByOutsider(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)

	_, err = svc.Forfeit(ctx, "game_1", "intruder")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMarkWagerSettledLatch(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, "game_1", "p1", "p2", 100, "esc_1")
	require.NoError(t, err)

	already, err := svc.MarkWagerSettled(ctx, "game_1")
	require.NoError(t, err)
	assert.False(t, already)

	already, err = svc.MarkWagerSettled(ctx, "game_1")
	require.NoError(t, err)
	assert.True(t, already)

	_, err = svc.MarkWagerSettled(ctx, "missing")
	assert.ErrorIs(t, err, ErrGameNotFound)
}
