package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dartduel/server/internal/txlog"
)

// Handlers exposes wallet reads over HTTP. Mutations only ever happen
// through the escrow and fulfillment flows.
type Handlers struct {
	svc *Service
	log *txlog.Log
}

func NewHandlers(svc *Service, log *txlog.Log) *Handlers {
	return &Handlers{svc: svc, log: log}
}

// Get handles GET /v1/users/:id/wallet.
func (h *Handlers) Get(c *gin.Context) {
	w, err := h.svc.Balance(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":         w.UserID,
		"coins":          w.Coins,
		"lifetimeEarned": w.LifetimeEarned,
		"lifetimeSpent":  w.LifetimeSpent,
	})
}

// Transactions handles GET /v1/users/:id/transactions.
func (h *Handlers) Transactions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := h.log.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}
