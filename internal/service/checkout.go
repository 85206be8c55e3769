package service

import (
	"context"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/payment"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// CreatePaymentSession opens a hosted checkout for the escrow fee and moves
// the deal to AwaitingPayment. Repeated calls return the existing session.
func (s *EscrowService) CreatePaymentSession(ctx context.Context, transactionID, callerID string) (sess *payment.CheckoutSession, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService.create_payment_session", transactionID, callerID)
	defer func() {
		if err != nil {
			util.TransitionRejectionsTotal.WithLabelValues("create_payment_session", string(apperr.CodeOf(err))).Inc()
		}
		util.EndSpan(span, err)
	}()

	if callerID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if transactionID == "" {
		return nil, apperr.InvalidArgument("transactionId is required")
	}

	current, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	role, err := s.resolve(ctx, current, callerID)
	if err != nil {
		return nil, err
	}
	if role != RoleBuyer && role != RoleSeller {
		return nil, apperr.PermissionDenied("only the buyer or seller can start payment")
	}
	if current.State == models.StateCancelled || current.State == models.StateDisputed {
		return nil, apperr.FailedPrecondition("transaction %s is %s", current.ID, current.State)
	}

	if current.PaymentSessionID != "" {
		util.IdempotentReplaysTotal.WithLabelValues("create_payment_session").Inc()
		return &payment.CheckoutSession{ID: current.PaymentSessionID, URL: current.PaymentURL}, nil
	}
	if current.State != models.StateOfferConfirmed {
		return nil, apperr.FailedPrecondition("cannot start payment in state %s", current.State)
	}

	if s.locker != nil {
		key := "checkout:" + current.ID
		token, ok, err := s.locker.AcquireLock(ctx, key, s.checkout.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire checkout lock: %w", err)
		}
		if !ok {
			return nil, apperr.New(apperr.CodeConflict, "checkout already in progress for %s", current.ID)
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
				s.logger.Warn("Failed to release checkout lock",
					zap.String("transaction_id", current.ID),
					zap.Error(err))
			}
		}()
	}

	fee, total, err := s.fees.ComputeFee(current.ProductPrice)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sess, err = s.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		TransactionID: current.ID,
		PayerID:       callerID,
		ProductID:     current.ProductID,
		Amount:        MinorUnits(total),
		Currency:      current.Currency,
		SuccessURL:    checkoutURL(s.checkout.SuccessURL, current.ID),
		CancelURL:     checkoutURL(s.checkout.CancelURL, current.ID),
	})
	util.CheckoutSessionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		if apperr.CodeOf(err) == apperr.CodeInternal {
			err = apperr.Wrap(apperr.CodeGateway, err, "checkout session creation failed")
		}
		return nil, err
	}
	util.CheckoutSessionsTotal.WithLabelValues("created").Inc()

	from := current.State
	updated, err := s.store.ConditionalUpdate(ctx, current.ID, current.Version, func(next *models.Transaction) error {
		backfillParty(next, callerID, role)
		next.FeeAmount, next.TotalAmount = fee, total
		next.PaymentSessionID = sess.ID
		next.PaymentURL = sess.URL
		next.State = models.StateAwaitingPayment
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeConflict {
			util.ConcurrencyConflictsTotal.Inc()
		}
		// the orphaned session expires unpaid on the provider side
		s.logger.Warn("Checkout session created but not stored",
			zap.String("transaction_id", current.ID),
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return nil, err
	}

	util.TransitionsTotal.WithLabelValues(string(from), string(updated.State)).Inc()
	s.logger.Info("Payment session created",
		zap.String("transaction_id", updated.ID),
		zap.String("session_id", sess.ID),
		zap.String("payer_id", callerID),
		zap.String("amount", total.StringFixed(2)))

	s.publishSystemMessage(ctx, updated, from, callerID,
		fmt.Sprintf("Waiting for the escrow fee payment of %s.", formatAmount(total, updated.Currency)))
	return sess, nil
}

// HandlePaymentSucceeded applies a verified checkout completion. The payment
// is written to the ledger before the transaction moves, so a failed write
// leaves the deal in AwaitingPayment for the provider's retry. Replays of an
// already applied payment succeed without changing the transaction. A payment
// that lands on a cancelled or disputed deal is recorded and acknowledged, and
// admins are told to settle it by hand.
func (s *EscrowService) HandlePaymentSucceeded(ctx context.Context, p *payment.PaymentSucceeded) (tx *models.Transaction, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService.payment_succeeded", p.TransactionID, p.PayerID)
	defer func() {
		if err != nil {
			util.TransitionRejectionsTotal.WithLabelValues("payment_succeeded", string(apperr.CodeOf(err))).Inc()
		}
		util.EndSpan(span, err)
	}()

	current, err := s.store.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		return nil, err
	}
	if current.PaymentSessionID == "" || current.PaymentSessionID != p.SessionID {
		return nil, apperr.InvalidArgument("session %s does not belong to transaction %s", p.SessionID, current.ID)
	}
	if p.Status != payment.StatusPaid {
		return nil, apperr.FailedPrecondition("checkout session %s is %q, not paid", p.SessionID, p.Status)
	}

	now := s.now().UTC()
	paidAt := now
	if current.PaymentCompletedAt != nil {
		paidAt = *current.PaymentCompletedAt
	}
	inserted, err := s.recordPayment(ctx, current, p, paidAt)
	if err != nil {
		return nil, err
	}

	if current.PaymentCompletedAt != nil {
		util.IdempotentReplaysTotal.WithLabelValues("payment_succeeded").Inc()
		return current, nil
	}
	if current.State.IsTerminal() {
		s.logger.Warn("Payment received for closed transaction",
			zap.String("transaction_id", current.ID),
			zap.String("state", string(current.State)),
			zap.String("session_id", p.SessionID))
		if inserted {
			s.notifyAdmins(ctx, current, current.EscrowAdminID, models.NotificationPaymentOnClosedDeal,
				fmt.Sprintf("Escrow fee of %s was paid for %s transaction %s and needs a manual refund.",
					formatAmount(FromMinorUnits(p.AmountPaid), current.Currency), current.State, current.ID))
		}
		return current, nil
	}
	if current.State != models.StateAwaitingPayment {
		return nil, apperr.FailedPrecondition("cannot complete payment in state %s", current.State)
	}

	from := current.State
	updated, err := s.store.ConditionalUpdate(ctx, current.ID, current.Version, func(next *models.Transaction) error {
		if next.FeeAmount.IsZero() {
			fee, total, err := s.fees.ComputeFee(next.ProductPrice)
			if err != nil {
				return err
			}
			next.FeeAmount, next.TotalAmount = fee, total
		}
		next.PaymentCompletedAt = &now
		next.State = models.StatePaymentCompleted
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeConflict {
			util.ConcurrencyConflictsTotal.Inc()
		}
		return nil, err
	}

	util.TransitionsTotal.WithLabelValues(string(from), string(updated.State)).Inc()
	s.logger.Info("Payment completed",
		zap.String("transaction_id", updated.ID),
		zap.String("session_id", p.SessionID),
		zap.Int64("amount_paid", p.AmountPaid))

	s.publishSystemMessage(ctx, updated, from, p.PayerID,
		"The escrow fee was paid. Seller, assign manager rights to an escrow admin to continue.")
	s.notifyAdmins(ctx, updated, "", models.NotificationPaymentCompleted,
		fmt.Sprintf("Escrow fee of %s paid for transaction %s.", formatAmount(updated.TotalAmount, updated.Currency), updated.ID))
	return updated, nil
}

// recordPayment writes the ledger entry for a session; inserted is false when
// the session was already recorded.
func (s *EscrowService) recordPayment(ctx context.Context, tx *models.Transaction, p *payment.PaymentSucceeded, at time.Time) (bool, error) {
	currency := p.Currency
	if currency == "" {
		currency = tx.Currency
	}
	inserted, err := s.store.RecordPayment(ctx, &models.PaymentRecord{
		ID:            p.EventID,
		TransactionID: tx.ID,
		SessionID:     p.SessionID,
		PayerID:       p.PayerID,
		AmountPaid:    FromMinorUnits(p.AmountPaid),
		Currency:      currency,
		CreatedAt:     at,
	})
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}
	if !inserted {
		s.logger.Debug("Payment already recorded", zap.String("session_id", p.SessionID))
	}
	return inserted, nil
}
