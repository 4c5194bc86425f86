// Package payments turns external payment callbacks into fulfillment
// runs. Both entry points arrive with a provider-signed proof and a
// replay-proof transaction id; the fulfillment layer makes the credit
// itself idempotent, so a replayed callback is harmless here.
package payments

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/dartduel/server/internal/fulfillment"
	"github.com/dartduel/server/internal/keycache"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/txlog"
)

// maxWebhookBody bounds the request body we are willing to parse.
const maxWebhookBody = 64 * 1024

type Handlers struct {
	fulfillments  *fulfillment.Service
	webhookSecret string
	adKeys        *keycache.Cache
}

func NewHandlers(fulfillments *fulfillment.Service, webhookSecret string, adKeys *keycache.Cache) *Handlers {
	return &Handlers{fulfillments: fulfillments, webhookSecret: webhookSecret, adKeys: adKeys}
}

// StripeWebhook handles POST /v1/payments/stripe/webhook. The Stripe
// signature authenticates the payload; the event id is the replay fence.
func (h *Handlers) StripeWebhook(c *gin.Context) {
	log := logging.FromContext(c.Request.Context())

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		log.Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if event.Type != "checkout.session.completed" {
		// Acknowledge everything else so Stripe stops resending it.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Error("stripe checkout session payload malformed", "event_id", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed session"})
		return
	}
	userID := session.Metadata["userId"]
	coins, convErr := strconv.ParseInt(session.Metadata["coins"], 10, 64)
	if userID == "" || convErr != nil || coins <= 0 {
		log.Error("stripe checkout session missing purchase metadata", "event_id", event.ID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing purchase metadata"})
		return
	}

	f, err := h.fulfillments.Process(c.Request.Context(), event.ID, userID, fulfillment.SourceStripe, coins, txlog.TypePurchase)
	if err != nil {
		// Non-2xx makes Stripe retry; the fulfillment record converges.
		log.Error("stripe fulfillment failed", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fulfillment failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "status": f.Status})
}

type adRewardRequest struct {
	UserID        string `json:"userId" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	TransactionID string `json:"transactionId" binding:"required"`
	KeyID         string `json:"keyId" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
}

// signedMessage is the byte string the ad provider signs.
func (r *adRewardRequest) signedMessage() []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", r.TransactionID, r.UserID, r.Amount))
}

// AdReward handles POST /v1/payments/ad-reward. The provider signs the
// reward parameters with a rotating ECDSA key published in its key set;
// the transaction id fences replays.
func (h *Handlers) AdReward(c *gin.Context) {
	log := logging.FromContext(c.Request.Context())

	var req adRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reward amount"})
		return
	}
	if h.adKeys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ad rewards not configured"})
		return
	}

	key, err := h.adKeys.Get(c.Request.Context(), req.KeyID)
	if err != nil {
		log.Warn("ad reward key lookup failed", "key_id", req.KeyID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown signing key"})
		return
	}
	sig, err := base64.RawURLEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed signature"})
		return
	}
	digest := sha256.Sum256(req.signedMessage())
	if !ecdsa.VerifyASN1(key, digest[:], sig) {
		log.Warn("ad reward signature rejected", "transaction_id", req.TransactionID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	f, err := h.fulfillments.Process(c.Request.Context(), req.TransactionID, req.UserID, fulfillment.SourceAd, req.Amount, txlog.TypeAd)
	if err != nil {
		log.Error("ad reward fulfillment failed", "transaction_id", req.TransactionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fulfillment failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": f.Status})
}
