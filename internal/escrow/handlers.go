package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dartduel/server/internal/game"
	"github.com/dartduel/server/internal/wallet"
)

// Handlers exposes the escrow operations over HTTP. The auth middleware
// puts the caller's user id on the gin context under "user_id".
type Handlers struct {
	svc   *Service
	games *game.Service
}

func NewHandlers(svc *Service, games *game.Service) *Handlers {
	return &Handlers{svc: svc, games: games}
}

func callerID(c *gin.Context) string {
	return c.GetString("user_id")
}

type createOrJoinRequest struct {
	Stake    int64  `json:"stake" binding:"required"`
	EscrowID string `json:"escrowId"`
}

// CreateOrJoin handles POST /v1/escrows.
func (h *Handlers) CreateOrJoin(c *gin.Context) {
	var req createOrJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.svc.CreateOrJoin(c.Request.Context(), callerID(c), req.Stake, req.EscrowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrowId":   res.Escrow.ID,
		"status":     res.Escrow.Status,
		"totalPot":   res.Escrow.TotalPot,
		"newBalance": res.NewBalance,
	})
}

// Get handles GET /v1/escrows/:id.
func (h *Handlers) Get(c *gin.Context) {
	e, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// CleanupSentinel in place of an escrow id runs the expired-pending
// sweep instead of refunding a single escrow.
const CleanupSentinel = "cleanup_pending"

// Refund handles POST /v1/escrows/:id/refund.
func (h *Handlers) Refund(c *gin.Context) {
	var req refundRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user requested"
	}
	if c.Param("id") == CleanupSentinel {
		n, err := h.svc.CleanupExpired(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"refunded": n})
		return
	}
	res, err := h.svc.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Partial {
		// Structured "not yet": the client should repeat the call.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"refundedPlayers": res.RefundedPlayers,
		"refundedAmounts": res.RefundedAmounts,
		"partial":         res.Partial,
	})
}

// Settle handles POST /v1/games/:id/settle.
func (h *Handlers) Settle(c *gin.Context) {
	res, err := h.svc.Settle(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"winnerId":       res.WinnerID,
		"payout":         res.Payout,
		"alreadySettled": res.AlreadySettled,
	})
}

// Forfeit handles POST /v1/games/:id/forfeit. The caller concedes; the
// opponent wins and the escrow settles through the normal path.
func (h *Handlers) Forfeit(c *gin.Context) {
	ctx := c.Request.Context()
	gameID := c.Param("id")
	if _, err := h.games.Forfeit(ctx, gameID, callerID(c)); err != nil {
		writeError(c, err)
		return
	}
	res, err := h.svc.Settle(ctx, gameID, callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"winnerId":       res.WinnerID,
		"payout":         res.Payout,
		"alreadySettled": res.AlreadySettled,
	})
}

// CreateGame handles POST /v1/escrows/:id/game.
func (h *Handlers) CreateGame(c *gin.Context) {
	g, err := h.svc.CreateGame(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound),
		errors.Is(err, game.ErrGameNotFound),
		errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidStake),
		errors.Is(err, ErrStakeMismatch),
		errors.Is(err, ErrSelfJoin),
		errors.Is(err, ErrNoWager):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotParticipant),
		errors.Is(err, game.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientCoins):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotJoinable),
		errors.Is(err, ErrEscrowExpired),
		errors.Is(err, ErrOpenEscrow),
		errors.Is(err, ErrWrongStatus),
		errors.Is(err, ErrAlreadyRefunded),
		errors.Is(err, ErrGameActive),
		errors.Is(err, ErrGameNotFinished),
		errors.Is(err, game.ErrGameFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrLockHeld), errors.Is(err, ErrLockLost):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
