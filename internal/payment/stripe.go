// Package payment adapts the Stripe API to the escrow checkout and webhook flow.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/util"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// Metadata keys echoed on the checkout session for webhook correlation
const (
	MetadataTransactionID = "transactionId"
	MetadataPayerID       = "payerId"
	MetadataProductID     = "productId"
)

// EventCheckoutCompleted is the only event type the escrow flow acts on.
const EventCheckoutCompleted = "checkout.session.completed"

// StatusPaid is the payment status of a settled checkout session.
const StatusPaid = "paid"

// ErrNotRelevant is returned for verified events the escrow flow ignores.
var ErrNotRelevant = errors.New("event not relevant")

// CheckoutRequest describes a checkout session for the service fee.
type CheckoutRequest struct {
	TransactionID string
	PayerID       string
	ProductID     string
	Amount        int64 // minor currency units
	Currency      string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is the provider's reference to a created session.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Event is a signature-verified provider event.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// PaymentSucceeded is the escrow-relevant content of a completed checkout.
type PaymentSucceeded struct {
	EventID       string
	TransactionID string
	PayerID       string
	ProductID     string
	SessionID     string
	AmountPaid    int64 // minor currency units
	Currency      string
	Status        string
}

// StripeGateway creates checkout sessions and verifies webhooks with Stripe.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	logger        *zap.Logger
}

// NewStripeGateway creates a gateway for the given secret key and webhook signing secret
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)

	return &StripeGateway{
		api:           api,
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
		logger:        util.GetLogger(),
	}
}

// CreateCheckoutSession creates a one-item payment session for the fee amount
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateCheckoutSession")
	defer span.End()

	if req.Amount <= 0 {
		return nil, apperr.InvalidArgument("checkout amount must be positive")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.TransactionID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Escrow service fee"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + req.TransactionID + "-" + req.PayerID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(MetadataTransactionID, req.TransactionID)
	params.AddMetadata(MetadataPayerID, req.PayerID)
	params.AddMetadata(MetadataProductID, req.ProductID)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		g.logger.Error("Checkout session creation failed",
			zap.String("transaction_id", req.TransactionID),
			zap.Error(err))
		return nil, apperr.Wrap(apperr.CodeGateway, err, "failed to create checkout session")
	}

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyWebhook checks the Stripe-Signature header against the signing secret.
// No payload content is trusted before this returns successfully.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                g.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSignatureInvalid, err, "webhook signature verification failed")
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data != nil {
		out.Data = evt.Data.Raw
	}
	return out, nil
}

// ParsePaymentSucceeded extracts the completed checkout from a verified event.
// Events of any other type return ErrNotRelevant.
func ParsePaymentSucceeded(evt *Event) (*PaymentSucceeded, error) {
	if evt == nil || evt.Type != EventCheckoutCompleted {
		return nil, ErrNotRelevant
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data, &sess); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err, "malformed checkout session payload")
	}

	txID := sess.Metadata[MetadataTransactionID]
	if txID == "" {
		txID = sess.ClientReferenceID
	}
	if txID == "" || sess.ID == "" {
		return nil, apperr.InvalidArgument("checkout session %q carries no transaction id", sess.ID)
	}

	return &PaymentSucceeded{
		EventID:       evt.ID,
		TransactionID: txID,
		PayerID:       sess.Metadata[MetadataPayerID],
		ProductID:     sess.Metadata[MetadataProductID],
		SessionID:     sess.ID,
		AmountPaid:    sess.AmountTotal,
		Currency:      string(sess.Currency),
		Status:        string(sess.PaymentStatus),
	}, nil
}

func (p *PaymentSucceeded) String() string {
	return fmt.Sprintf("session=%s transaction=%s status=%s amount=%d", p.SessionID, p.TransactionID, p.Status, p.AmountPaid)
}
