package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const webhookSecret = "whsec_escrow_test"

type memoryClaim struct {
	done    bool
	expires time.Time
}

type memoryClaims struct {
	mu         sync.Mutex
	now        func() time.Time
	claims     map[string]memoryClaim
	claimTTLs  []time.Duration
	releaseErr error
}

func (c *memoryClaims) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[eventID]; ok && c.now().Before(cl.expires) {
		return false, cl.done, nil
	}
	c.claims[eventID] = memoryClaim{expires: c.now().Add(ttl)}
	c.claimTTLs = append(c.claimTTLs, ttl)
	return true, false, nil
}

func (c *memoryClaims) CompleteEvent(ctx context.Context, eventID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims[eventID] = memoryClaim{done: true, expires: c.now().Add(ttl)}
	return nil
}

func (c *memoryClaims) ReleaseEvent(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releaseErr != nil {
		return c.releaseErr
	}
	delete(c.claims, eventID)
	return nil
}

func (c *memoryClaims) held(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.claims[eventID]
	return ok && c.now().Before(cl.expires)
}

func checkoutCompleted(t *testing.T, eventID, eventType string, tx *models.Transaction) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             tx.PaymentSessionID,
				"object":         "checkout.session",
				"payment_status": "paid",
				"amount_total":   MinorUnits(tx.TotalAmount),
				"currency":       "usd",
				"metadata": map[string]string{
					payment.MetadataTransactionID: tx.ID,
					payment.MetadataPayerID:       buyerID,
					payment.MetadataProductID:     tx.ProductID,
				},
			},
		},
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

func signPayload(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func newPaymentService(f *fixture) (*PaymentService, *memoryClaims) {
	claims := &memoryClaims{now: f.clock.Now, claims: map[string]memoryClaim{}}
	gw := payment.NewStripeGateway("sk_test_unused", webhookSecret)
	return NewPaymentService(gw, f.svc, f.flaky, claims, time.Hour).WithClaimTTL(time.Minute), claims
}

func TestWebhookAppliesPaymentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.advance(t, "prod-40", models.StateAwaitingPayment)
	ps, _ := newPaymentService(f)

	body := checkoutCompleted(t, "evt_100", payment.EventCheckoutCompleted, tx)

	outcome, err := ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)

	paid, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaymentCompleted, paid.State)
	completedAt := *paid.PaymentCompletedAt

	outcome, err = ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)

	// a second event for the same session is a no-op
	f.clock.Advance(time.Minute)
	other := checkoutCompleted(t, "evt_101", payment.EventCheckoutCompleted, tx)
	_, err = ps.HandleWebhook(ctx, other, signPayload(other, webhookSecret))
	require.NoError(t, err)

	stored, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, completedAt, *stored.PaymentCompletedAt)
	assert.Equal(t, paid.Version, stored.Version)

	payments, err := f.store.ListPayments(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	processed, err := f.store.IsEventProcessed(ctx, "evt_100")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestWebhookDurableDedupWithoutClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.advance(t, "prod-40", models.StateAwaitingPayment)
	ps := NewPaymentService(payment.NewStripeGateway("sk_test_unused", webhookSecret), f.svc, f.store, nil, time.Hour)

	body := checkoutCompleted(t, "evt_200", payment.EventCheckoutCompleted, tx)
	_, err := ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.NoError(t, err)

	outcome, err := ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.advance(t, "prod-40", models.StateAwaitingPayment)
	ps, claims := newPaymentService(f)

	body := checkoutCompleted(t, "evt_300", payment.EventCheckoutCompleted, tx)
	_, err := ps.HandleWebhook(ctx, body, signPayload(body, "whsec_attacker"))
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)
	assert.False(t, claims.held("evt_300"))

	stored, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingPayment, stored.State)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	tx := f.advance(t, "prod-40", models.StateAwaitingPayment)
	ps, _ := newPaymentService(f)

	body := checkoutCompleted(t, "evt_400", "checkout.session.expired", tx)
	outcome, err := ps.HandleWebhook(context.Background(), body, signPayload(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, outcome)
}

func TestWebhookFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.advance(t, "prod-40", models.StateAwaitingPayment)
	ps, claims := newPaymentService(f)

	forged := *tx
	forged.PaymentSessionID = "cs_someone_else"
	body := checkoutCompleted(t, "evt_500", payment.EventCheckoutCompleted, &forged)

	_, err := ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.False(t, claims.held("evt_500"))

	processed, err := f.store.IsEventProcessed(ctx, "evt_500")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWebhookAbandonedClaimLapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.advance(t, "prod-40", models.StateAwaitingPayment)
	ps, claims := newPaymentService(f)
	claims.releaseErr = errors.New("redis: connection reset")
	f.flaky.failNext("IsEventProcessed")

	body := checkoutCompleted(t, "evt_600", payment.EventCheckoutCompleted, tx)
	_, err := ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.ErrorIs(t, err, errStoreTimeout)
	assert.Equal(t, []time.Duration{time.Minute}, claims.claimTTLs)
	assert.True(t, claims.held("evt_600"))

	// the stuck claim must not be acknowledged as a duplicate
	outcome, err := ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NotEqual(t, WebhookDuplicate, outcome)

	f.clock.Advance(2 * time.Minute)
	outcome, err = ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)

	stored, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaymentCompleted, stored.State)

	outcome, err = ps.HandleWebhook(ctx, body, signPayload(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)
}
