package payments

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/fulfillment"
	"github.com/dartduel/server/internal/keycache"
	"github.com/dartduel/server/internal/wallet"
)

const testWebhookSecret = "whsec_test"

type testEnv struct {
	router  *gin.Engine
	wallets *wallet.Service
	priv    *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	wallets := wallet.NewService(condapply.NewMemoryStore[wallet.Wallet](), nil, nil)
	_, err := wallets.CreateIfMissing(context.Background(), "user-1")
	require.NoError(t, err)
	fulfillments := fulfillment.NewService(fulfillment.NewMemoryStore(), wallets)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keys := keycache.New(func(context.Context) (map[string]*ecdsa.PublicKey, error) {
		return map[string]*ecdsa.PublicKey{"k1": &priv.PublicKey}, nil
	}, time.Hour)

	h := NewHandlers(fulfillments, testWebhookSecret, keys)
	router := gin.New()
	router.POST("/v1/payments/stripe/webhook", h.StripeWebhook)
	router.POST("/v1/payments/ad-reward", h.AdReward)
	return &testEnv{router: router, wallets: wallets, priv: priv}
}

func (e *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	w, err := e.wallets.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	return w.Coins
}

func (e *testEnv) signAd(t *testing.T, req adRewardRequest) string {
	t.Helper()
	digest := sha256.Sum256(req.signedMessage())
	sig, err := ecdsa.SignASN1(rand.Reader, e.priv, digest[:])
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(sig)
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func stripeEvent(eventID, userID string, coins int64) []byte {
	session := fmt.Sprintf(`{"id":"cs_1","metadata":{"userId":%q,"coins":"%d"}}`, userID, coins)
	return []byte(fmt.Sprintf(`{"id":%q,"api_version":%q,"type":"checkout.session.completed","data":{"object":%s}}`, eventID, stripe.APIVersion, session))
}

func (e *testEnv) postStripe(t *testing.T, payload []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestStripeWebhookCredits(t *testing.T) {
	e := newTestEnv(t)
	w := e.postStripe(t, stripeEvent("evt_1", "user-1", 1000), testWebhookSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, wallet.StartingCoins+1000, e.balance(t))
}

func TestStripeWebhookReplay(t *testing.T) {
	e := newTestEnv(t)
	payload := stripeEvent("evt_1", "user-1", 1000)
	for i := 0; i < 3; i++ {
		w := e.postStripe(t, payload, testWebhookSecret)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, wallet.StartingCoins+1000, e.balance(t))
}

func TestStripeWebhookBadSignature(t *testing.T) {
	e := newTestEnv(t)
	w := e.postStripe(t, stripeEvent("evt_1", "user-1", 1000), "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, wallet.StartingCoins, e.balance(t))
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	e := newTestEnv(t)
	w := e.postStripe(t, []byte(fmt.Sprintf(`{"id":"evt_2","api_version":%q,"type":"invoice.paid","data":{"object":{}}}`, stripe.APIVersion)), testWebhookSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, wallet.StartingCoins, e.balance(t))
}

func TestAdRewardCredits(t *testing.T) {
	e := newTestEnv(t)
	req := adRewardRequest{UserID: "user-1", Amount: 50, TransactionID: "ad_1", KeyID: "k1"}
	req.Signature = e.signAd(t, req)

	w := e.postJSON(t, "/v1/payments/ad-reward", req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, wallet.StartingCoins+50, e.balance(t))
}

func TestAdRewardReplay(t *testing.T) {
	e := newTestEnv(t)
	req := adRewardRequest{UserID: "user-1", Amount: 50, TransactionID: "ad_1", KeyID: "k1"}
	req.Signature = e.signAd(t, req)

	for i := 0; i < 3; i++ {
		w := e.postJSON(t, "/v1/payments/ad-reward", req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, wallet.StartingCoins+50, e.balance(t))
}

func TestAdRewardBadSignature(t *testing.T) {
	e := newTestEnv(t)
	req := adRewardRequest{UserID: "user-1", Amount: 50, TransactionID: "ad_1", KeyID: "k1"}
	req.Signature = e.signAd(t, req)
	req.Amount = 5000 // tampered after signing

	w := e.postJSON(t, "/v1/payments/ad-reward", req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, wallet.StartingCoins, e.balance(t))
}

func TestAdRewardUnknownKey(t *testing.T) {
	e := newTestEnv(t)
	req := adRewardRequest{UserID: "user-1", Amount: 50, TransactionID: "ad_1", KeyID: "k_missing"}
	req.Signature = e.signAd(t, req)

	w := e.postJSON(t, "/v1/payments/ad-reward", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
