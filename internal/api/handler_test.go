package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/payment"
	"escrow-service/internal/service"
	"escrow-service/internal/store"
	"escrow-service/internal/util"
	"escrow-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_api_test"

type stubGateway struct{ calls int }

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	g.calls++
	return &payment.CheckoutSession{ID: "cs_api_1", URL: "https://checkout.stripe.test/cs_api_1"}, nil
}

type testServer struct {
	router *gin.Engine
	store  *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())

	ms := store.NewMemoryStore()
	ms.PutUser(&models.User{ID: "buyer", Email: "buyer@x.com"})
	ms.PutUser(&models.User{ID: "seller", Email: "seller@x.com"})
	ms.PutUser(&models.User{ID: "admin", Email: "agent@x.com", IsAdmin: true})
	ms.PutProduct(&models.Product{ID: "prod-40", SellerID: "seller", Name: "Channel", Price: decimal.NewFromInt(40)})

	publisher := worker.NewInlinePublisher(worker.NewChatRecorder(ms), worker.NewAdminNotifier(ms))
	escrow := service.NewEscrowService(ms, ms, &stubGateway{}, publisher,
		service.NewFeeCalculator(service.DefaultFeeRate, service.DefaultMinimumFee),
		service.CheckoutConfig{Currency: "usd", SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel"})
	payments := service.NewPaymentService(payment.NewStripeGateway("sk_test_unused", testWebhookSecret), escrow, ms, nil, time.Hour)

	router := gin.New()
	NewHandler(escrow, payments, service.NewReviewService(ms), 3).
		WithReadinessCheck("store", ms).
		SetupRoutes(router)
	return &testServer{router: router, store: ms}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(CallerHeader, userID)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestAPIRequiresCaller(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/transactions", "", map[string]string{"productId": "prod-40"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(apperr.CodeUnauthenticated), body["code"])
}

func TestCallableFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/transactions", "buyer", map[string]string{"productId": "prod-40"})
	require.Equal(t, http.StatusCreated, w.Code)
	txID := body["id"].(string)
	base := "/api/v1/transactions/" + txID

	w, body = s.do(t, http.MethodPost, base+"/confirm-offer", "buyer", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(apperr.CodePermissionDenied), body["code"])

	for i := 0; i < 2; i++ {
		w, body = s.do(t, http.MethodPost, base+"/confirm-offer", "seller", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, string(models.StateOfferConfirmed), body["state"])
	}

	w, body = s.do(t, http.MethodPost, base+"/payment-session", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cs_api_1", body["sessionId"])

	w, _ = s.do(t, http.MethodPost, base+"/assign-manager-rights", "seller", map[string]string{"adminEmail": "agent@x.com"})
	assert.Equal(t, http.StatusConflict, w.Code, "payment not completed yet")

	w, body = s.do(t, http.MethodGet, base+"/messages", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["messages"], 3)

	w, body = s.do(t, http.MethodGet, base, "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "buyer", body["role"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/transactions/missing", "buyer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStripeWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/transactions", "buyer", map[string]string{"productId": "prod-40"})
	require.Equal(t, http.StatusCreated, w.Code)
	txID := body["id"].(string)
	s.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/confirm-offer", "seller", nil)
	s.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/payment-session", "buyer", nil)

	payload, err := json.Marshal(map[string]interface{}{
		"id":     "evt_api_1",
		"object": "event",
		"type":   payment.EventCheckoutCompleted,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_api_1",
				"object":         "checkout.session",
				"payment_status": "paid",
				"amount_total":   320,
				"currency":       "usd",
				"metadata":       map[string]string{payment.MetadataTransactionID: txID, payment.MetadataPayerID: "buyer"},
			},
		},
	})
	require.NoError(t, err)

	post := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set(SignatureHeader, header)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_wrong", Timestamp: time.Now()})
	assert.Equal(t, http.StatusBadRequest, post(forged.Header).Code)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret, Timestamp: time.Now()})
	w = post(signed.Header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(service.WebhookApplied))

	w = post(signed.Header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(service.WebhookDuplicate))

	tx, err := s.store.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaymentCompleted, tx.State)
	assert.Len(t, s.store.Notifications("admin"), 1)
}

func TestStatusFor(t *testing.T) {
	tests := map[apperr.Code]int{
		apperr.CodeUnauthenticated:    http.StatusUnauthorized,
		apperr.CodePermissionDenied:   http.StatusForbidden,
		apperr.CodeInvalidArgument:    http.StatusBadRequest,
		apperr.CodeSignatureInvalid:   http.StatusBadRequest,
		apperr.CodeNotFound:           http.StatusNotFound,
		apperr.CodeFailedPrecondition: http.StatusConflict,
		apperr.CodeConflict:           http.StatusConflict,
		apperr.CodeAlreadyReviewed:    http.StatusConflict,
		apperr.CodeGateway:            http.StatusBadGateway,
		apperr.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusFor(code), code)
	}
}

func TestRetryOnConflict(t *testing.T) {
	util.SetLogger(zap.NewNop())
	h := NewHandler(nil, nil, nil, 3)

	attempts := 0
	err := h.retryOnConflict(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return apperr.New(apperr.CodeConflict, "stale version")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = h.retryOnConflict(context.Background(), func() error {
		attempts++
		return apperr.FailedPrecondition("wrong state")
	})
	assert.ErrorIs(t, err, apperr.ErrFailedPrecondition)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = h.retryOnConflict(context.Background(), func() error {
		attempts++
		return apperr.New(apperr.CodeConflict, "stale version")
	})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Equal(t, 4, attempts)
}
