package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/payment"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// WebhookOutcome classifies a handled webhook delivery.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// DefaultClaimTTL bounds how long an unfinished delivery blocks redeliveries
// of the same event.
const DefaultClaimTTL = 5 * time.Minute

// PaymentService ingests payment provider webhooks. Deliveries are verified
// before anything is read, then de-duplicated by event id on two levels: a
// short-lived Redis claim and the durable processed_events table. A delivery
// that finds the event claimed but not done is answered with Conflict so the
// provider retries it.
type PaymentService struct {
	verifier  WebhookVerifier
	machine   *EscrowService
	processed ProcessedEventStore
	claims    EventClaimer
	claimTTL  time.Duration
	dedupTTL  time.Duration
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service. claims may be nil.
func NewPaymentService(
	verifier WebhookVerifier,
	machine *EscrowService,
	processed ProcessedEventStore,
	claims EventClaimer,
	dedupTTL time.Duration,
) *PaymentService {
	return &PaymentService{
		verifier:  verifier,
		machine:   machine,
		processed: processed,
		claims:    claims,
		claimTTL:  DefaultClaimTTL,
		dedupTTL:  dedupTTL,
		logger:    util.GetLogger(),
	}
}

// WithClaimTTL sets how long an in-progress claim is held
func (ps *PaymentService) WithClaimTTL(ttl time.Duration) *PaymentService {
	if ttl > 0 {
		ps.claimTTL = ttl
	}
	return ps
}

// HandleWebhook verifies and applies one raw webhook delivery
func (ps *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (outcome WebhookOutcome, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer func() {
		result := string(outcome)
		if err != nil {
			result = "rejected_" + string(apperr.CodeOf(err))
		}
		util.WebhookEventsTotal.WithLabelValues(result).Inc()
		util.EndSpan(span, err)
	}()

	evt, err := ps.verifier.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		ps.logger.Warn("Rejected unverified webhook", zap.Error(err))
		return "", err
	}

	succeeded, err := payment.ParsePaymentSucceeded(evt)
	if errors.Is(err, payment.ErrNotRelevant) {
		ps.logger.Debug("Ignoring webhook event",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type))
		return WebhookIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if ps.claims != nil {
		claimed, done, err := ps.claims.ClaimEvent(ctx, evt.ID, ps.claimTTL)
		switch {
		case err != nil:
			// the durable check below still guards against replays
			ps.logger.Warn("Event claim failed", zap.String("event_id", evt.ID), zap.Error(err))
		case done:
			ps.logger.Info("Event already completed", zap.String("event_id", evt.ID))
			return WebhookDuplicate, nil
		case !claimed:
			ps.logger.Info("Event is being processed by another delivery", zap.String("event_id", evt.ID))
			return "", apperr.New(apperr.CodeConflict, "event %s is still being processed", evt.ID)
		}
	}

	processed, err := ps.processed.IsEventProcessed(ctx, evt.ID)
	if err != nil {
		ps.release(evt.ID)
		return "", fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ps.logger.Info("Event already processed", zap.String("event_id", evt.ID))
		return WebhookDuplicate, nil
	}

	ps.logger.Info("Handling payment success", zap.Stringer("payment", succeeded))

	if _, err := ps.machine.HandlePaymentSucceeded(ctx, succeeded); err != nil {
		ps.release(evt.ID)
		return "", err
	}

	if err := ps.processed.MarkEventProcessed(ctx, evt.ID, evt.Type); err != nil {
		ps.logger.Error("Failed to mark event processed", zap.String("event_id", evt.ID), zap.Error(err))
	}
	if ps.claims != nil {
		if err := ps.claims.CompleteEvent(ctx, evt.ID, ps.dedupTTL); err != nil {
			ps.logger.Warn("Failed to complete event claim", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
	return WebhookApplied, nil
}

// release frees a claim so the provider's retry can be processed.
func (ps *PaymentService) release(eventID string) {
	if ps.claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ps.claims.ReleaseEvent(ctx, eventID); err != nil {
		ps.logger.Warn("Failed to release event claim", zap.String("event_id", eventID), zap.Error(err))
	}
}
