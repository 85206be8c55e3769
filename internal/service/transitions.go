package service

import (
	"context"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transition describes one guarded edge of the state machine.
type transition struct {
	name  string
	roles []Role
	from  models.State
	to    models.State

	// validate runs after authorization and before the idempotency check.
	validate func(ctx context.Context, tx *models.Transaction, role Role) error
	// done reports that the transition was already applied.
	done func(tx *models.Transaction) bool
	// guard adds preconditions beyond the source state.
	guard func(tx *models.Transaction, now time.Time) error
	apply func(tx *models.Transaction, now time.Time) error
	// after runs once the new state is stored.
	after   func(ctx context.Context, tx *models.Transaction)
	message func(tx *models.Transaction) string
}

// execute runs t against the stored transaction with a single versioned
// write. Rejections leave the record untouched.
func (s *EscrowService) execute(ctx context.Context, transactionID, actorID string, t transition) (tx *models.Transaction, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService."+t.name, transactionID, actorID)
	defer func() {
		if err != nil {
			util.TransitionRejectionsTotal.WithLabelValues(t.name, string(apperr.CodeOf(err))).Inc()
		}
		util.EndSpan(span, err)
	}()

	if actorID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if transactionID == "" {
		return nil, apperr.InvalidArgument("transactionId is required")
	}

	current, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	role, err := s.resolve(ctx, current, actorID)
	if err != nil {
		return nil, err
	}
	if !role.in(t.roles) {
		return nil, apperr.PermissionDenied("%s is not allowed to %s", roleName(role), t.name)
	}
	if current.State == models.StateCancelled || current.State == models.StateDisputed {
		return nil, apperr.FailedPrecondition("transaction %s is %s", current.ID, current.State)
	}

	if t.validate != nil {
		if err := t.validate(ctx, current, role); err != nil {
			return nil, err
		}
	}

	if t.done != nil && t.done(current) {
		util.IdempotentReplaysTotal.WithLabelValues(t.name).Inc()
		s.logger.Debug("Transition already applied",
			zap.String("transaction_id", current.ID),
			zap.String("transition", t.name))
		return current, nil
	}

	if current.State != t.from {
		return nil, apperr.FailedPrecondition("cannot %s in state %s", t.name, current.State)
	}

	now := s.now().UTC()
	if t.guard != nil {
		if err := t.guard(current, now); err != nil {
			return nil, err
		}
	}

	from := current.State
	updated, err := s.store.ConditionalUpdate(ctx, current.ID, current.Version, func(next *models.Transaction) error {
		backfillParty(next, actorID, role)
		if err := t.apply(next, now); err != nil {
			return err
		}
		next.State = t.to
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeConflict {
			util.ConcurrencyConflictsTotal.Inc()
		}
		return nil, err
	}

	util.TransitionsTotal.WithLabelValues(string(from), string(updated.State)).Inc()
	s.logger.Info("Transaction state changed",
		zap.String("transaction_id", updated.ID),
		zap.String("transition", t.name),
		zap.String("from", string(from)),
		zap.String("to", string(updated.State)),
		zap.String("actor_id", actorID),
		zap.String("role", string(role)))

	if t.message != nil {
		s.publishSystemMessage(ctx, updated, from, actorID, t.message(updated))
	}
	if t.after != nil {
		t.after(ctx, updated)
	}
	return updated, nil
}

func (s *EscrowService) resolve(ctx context.Context, tx *models.Transaction, callerID string) (Role, error) {
	isAdmin, err := s.isGlobalAdmin(ctx, callerID)
	if err != nil {
		return RoleNone, err
	}
	return ResolveRole(tx, callerID, isAdmin), nil
}

func roleName(r Role) string {
	if r == RoleNone {
		return "non-participant"
	}
	return string(r)
}

// ConfirmOffer records the seller's acceptance of the deal.
func (s *EscrowService) ConfirmOffer(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
	return s.execute(ctx, transactionID, callerID, transition{
		name:  "confirm_offer",
		roles: []Role{RoleSeller},
		from:  models.StateNegotiating,
		to:    models.StateOfferConfirmed,
		done:  func(tx *models.Transaction) bool { return tx.SellerConfirmedAt != nil },
		apply: func(tx *models.Transaction, now time.Time) error {
			fee, total, err := s.fees.ComputeFee(tx.ProductPrice)
			if err != nil {
				return err
			}
			tx.FeeAmount, tx.TotalAmount = fee, total
			tx.SellerConfirmedAt = &now
			return nil
		},
		message: func(tx *models.Transaction) string {
			return fmt.Sprintf("The seller confirmed the offer. The escrow fee is %s; choose a payment method to continue.",
				formatAmount(tx.FeeAmount, tx.Currency))
		},
	})
}

// AssignManagerRights hands the escrow agent role to the admin with the given email.
func (s *EscrowService) AssignManagerRights(ctx context.Context, transactionID, callerID, adminEmail string) (*models.Transaction, error) {
	var admin *models.User

	return s.execute(ctx, transactionID, callerID, transition{
		name:  "assign_manager_rights",
		roles: []Role{RoleSeller},
		from:  models.StatePaymentCompleted,
		to:    models.StateManagerRightsAssigned,
		validate: func(ctx context.Context, tx *models.Transaction, _ Role) error {
			if adminEmail == "" {
				return apperr.InvalidArgument("adminEmail is required")
			}
			u, err := s.store.GetUserByEmail(ctx, adminEmail)
			if err != nil {
				return err
			}
			if !u.IsAdmin {
				return apperr.InvalidArgument("%s is not an escrow admin", adminEmail)
			}
			if u.ID == tx.BuyerID || u.ID == tx.SellerID {
				return apperr.InvalidArgument("a party to the deal cannot act as its escrow admin")
			}
			admin = u
			return nil
		},
		done: func(tx *models.Transaction) bool {
			return tx.ManagerRightsAssignedAt != nil && tx.EscrowAdminID == admin.ID
		},
		guard: func(tx *models.Transaction, _ time.Time) error {
			if tx.EscrowAdminID != "" {
				return apperr.FailedPrecondition("escrow admin already assigned")
			}
			return nil
		},
		apply: func(tx *models.Transaction, now time.Time) error {
			tx.EscrowAdminID = admin.ID
			tx.ManagerRightsAssignedAt = &now
			if !tx.HasParticipant(admin.ID) {
				tx.Participants = append(tx.Participants, admin.ID)
			}
			return nil
		},
		message: func(tx *models.Transaction) string {
			return "Manager rights were assigned to the escrow admin. The admin or seller can now start the 7-day transfer window."
		},
		after: func(ctx context.Context, tx *models.Transaction) {
			s.notifyAdmins(ctx, tx, admin.ID, models.NotificationAdminAssigned,
				fmt.Sprintf("You were assigned as escrow admin for transaction %s.", tx.ID))
		},
	})
}

// StartTransferTimer opens the fixed transfer window.
func (s *EscrowService) StartTransferTimer(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
	return s.execute(ctx, transactionID, callerID, transition{
		name:  "start_transfer_timer",
		roles: []Role{RoleAdmin, RoleSeller},
		from:  models.StateManagerRightsAssigned,
		to:    models.StateTransferWindowOpen,
		done:  func(tx *models.Transaction) bool { return tx.TransferTimerStartedAt != nil },
		apply: func(tx *models.Transaction, now time.Time) error {
			startedAt, readyAt, err := s.timer.StartTimer(tx)
			if err != nil {
				return err
			}
			tx.TransferTimerStartedAt = &startedAt
			tx.TransferReadyAt = &readyAt
			return nil
		},
		message: func(tx *models.Transaction) string {
			return fmt.Sprintf("The transfer window is open. Primary ownership can be transferred after %s.",
				tx.TransferReadyAt.Format(time.RFC1123))
		},
	})
}

// ConfirmPrimaryOwnershipTransfer records the seller handing over primary
// ownership once the window has elapsed.
func (s *EscrowService) ConfirmPrimaryOwnershipTransfer(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
	return s.execute(ctx, transactionID, callerID, transition{
		name:  "confirm_primary_transfer",
		roles: []Role{RoleSeller},
		from:  models.StateTransferWindowOpen,
		to:    models.StatePrimaryTransferInitiated,
		done:  func(tx *models.Transaction) bool { return tx.PrimaryTransferInitiatedAt != nil },
		guard: func(tx *models.Transaction, now time.Time) error {
			if tx.TransferReadyAt == nil {
				return apperr.FailedPrecondition("transfer timer not started")
			}
			if !IsReady(*tx.TransferReadyAt, now) {
				rem := RemainingTime(*tx.TransferReadyAt, now)
				return apperr.FailedPrecondition("transfer window still open: %dd %dh %dm %ds remaining",
					rem.Days, rem.Hours, rem.Minutes, rem.Seconds)
			}
			return nil
		},
		apply: func(tx *models.Transaction, now time.Time) error {
			tx.PrimaryTransferInitiatedAt = &now
			return nil
		},
		message: func(tx *models.Transaction) string {
			return "The seller transferred primary ownership. Waiting for the escrow admin to confirm."
		},
		after: func(ctx context.Context, tx *models.Transaction) {
			s.notifyAdmins(ctx, tx, tx.EscrowAdminID, models.NotificationTransferStarted,
				fmt.Sprintf("The seller of transaction %s transferred primary ownership. Please confirm.", tx.ID))
		},
	})
}

// ConfirmPrimaryOwnershipByAdmin records the assigned admin receiving
// primary ownership.
func (s *EscrowService) ConfirmPrimaryOwnershipByAdmin(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
	return s.execute(ctx, transactionID, callerID, transition{
		name:  "confirm_primary_owner",
		roles: []Role{RoleAdmin},
		from:  models.StatePrimaryTransferInitiated,
		to:    models.StatePrimaryOwnerConfirmed,
		validate: func(_ context.Context, tx *models.Transaction, _ Role) error {
			if tx.EscrowAdminID == "" || tx.EscrowAdminID != callerID {
				return apperr.PermissionDenied("only the assigned escrow admin can confirm ownership")
			}
			return nil
		},
		done: func(tx *models.Transaction) bool { return tx.PrimaryOwnerConfirmedAt != nil },
		apply: func(tx *models.Transaction, now time.Time) error {
			tx.PrimaryOwnerConfirmedAt = &now
			return nil
		},
		message: func(tx *models.Transaction) string {
			return "The escrow admin confirmed primary ownership. Buyer, pay the seller directly and confirm here."
		},
	})
}

// ConfirmPaymentByBuyer records the buyer's claim of having paid the seller.
func (s *EscrowService) ConfirmPaymentByBuyer(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
	return s.execute(ctx, transactionID, callerID, transition{
		name:  "confirm_payment_by_buyer",
		roles: []Role{RoleBuyer},
		from:  models.StatePrimaryOwnerConfirmed,
		to:    models.StateAwaitingSellerReceipt,
		done:  func(tx *models.Transaction) bool { return tx.BuyerConfirmedPaymentAt != nil },
		apply: func(tx *models.Transaction, now time.Time) error {
			tx.BuyerConfirmedPaymentAt = &now
			return nil
		},
		message: func(tx *models.Transaction) string {
			return "The buyer says the payment was sent. Seller, confirm once you have received it, or raise a dispute."
		},
	})
}

// ConfirmPaymentReceived completes the deal.
func (s *EscrowService) ConfirmPaymentReceived(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
	return s.execute(ctx, transactionID, callerID, transition{
		name:  "confirm_payment_received",
		roles: []Role{RoleAdmin, RoleSeller},
		from:  models.StateAwaitingSellerReceipt,
		to:    models.StateCompleted,
		done:  func(tx *models.Transaction) bool { return tx.CompletedAt != nil },
		apply: func(tx *models.Transaction, now time.Time) error {
			tx.SellerConfirmedReceiptAt = &now
			tx.CompletedAt = &now
			return nil
		},
		message: func(tx *models.Transaction) string {
			return "Payment received. The deal is complete; both parties can now leave a review."
		},
		after: func(ctx context.Context, tx *models.Transaction) {
			if err := s.store.IncrementCompletedSales(ctx, tx.SellerID); err != nil {
				s.logger.Error("Failed to record completed sale",
					zap.String("transaction_id", tx.ID),
					zap.String("seller_id", tx.SellerID),
					zap.Error(err))
			}
		},
	})
}

// Cancel ends a non-terminal deal, typically after the admin returned the payment.
func (s *EscrowService) Cancel(ctx context.Context, transactionID, callerID, reason string) (tx *models.Transaction, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService.cancel", transactionID, callerID)
	defer func() {
		if err != nil {
			util.TransitionRejectionsTotal.WithLabelValues("cancel", string(apperr.CodeOf(err))).Inc()
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
	if role != RoleAdmin {
		return nil, apperr.PermissionDenied("only an escrow admin can cancel")
	}

	switch current.State {
	case models.StateCancelled:
		util.IdempotentReplaysTotal.WithLabelValues("cancel").Inc()
		return current, nil
	case models.StateCompleted, models.StateDisputed:
		return nil, apperr.FailedPrecondition("transaction %s is %s", current.ID, current.State)
	}

	from := current.State
	now := s.now().UTC()
	updated, err := s.store.ConditionalUpdate(ctx, current.ID, current.Version, func(next *models.Transaction) error {
		next.CancelledAt = &now
		next.CancelReason = reason
		next.State = models.StateCancelled
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeConflict {
			util.ConcurrencyConflictsTotal.Inc()
		}
		return nil, err
	}

	util.TransitionsTotal.WithLabelValues(string(from), string(updated.State)).Inc()
	s.logger.Info("Transaction cancelled",
		zap.String("transaction_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("admin_id", callerID),
		zap.String("reason", reason))

	text := "The escrow admin cancelled this deal."
	if reason != "" {
		text += " Reason: " + reason
	}
	s.publishSystemMessage(ctx, updated, from, callerID, text)
	return updated, nil
}

// RaiseDispute escalates a deal to the admins. Live deals move to Disputed
// and stop; completed or cancelled deals keep their state and only gain a
// dispute record. A party re-raising an open dispute gets the existing one.
func (s *EscrowService) RaiseDispute(ctx context.Context, transactionID, callerID, reason string) (d *models.Dispute, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService.raise_dispute", transactionID, callerID)
	defer func() {
		if err != nil {
			util.TransitionRejectionsTotal.WithLabelValues("raise_dispute", string(apperr.CodeOf(err))).Inc()
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
	if role == RoleNone {
		return nil, apperr.PermissionDenied("caller is not part of transaction %s", transactionID)
	}

	// An open record on a live deal means an earlier raise stopped before the
	// freeze, so the freeze is finished with that record.
	existing, err := s.store.GetOpenDispute(ctx, current.ID, callerID)
	if err != nil {
		return nil, err
	}
	if existing != nil && current.State.IsTerminal() {
		util.IdempotentReplaysTotal.WithLabelValues("raise_dispute").Inc()
		return existing, nil
	}

	from := current.State
	now := s.now().UTC()
	d = existing
	if d == nil {
		d = &models.Dispute{
			ID:            uuid.New().String(),
			TransactionID: current.ID,
			RaisedBy:      callerID,
			Role:          string(role),
			Reason:        reason,
			StateAtRaise:  from,
			Status:        models.DisputeStatusOpen,
			CreatedAt:     now,
		}
		if err := s.store.CreateDispute(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to record dispute: %w", err)
		}
	}

	if !from.IsTerminal() {
		_, err := s.store.ConditionalUpdate(ctx, current.ID, current.Version, func(next *models.Transaction) error {
			backfillParty(next, callerID, role)
			next.DisputedAt = &now
			next.State = models.StateDisputed
			return nil
		})
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeConflict {
				util.ConcurrencyConflictsTotal.Inc()
			}
			return nil, err
		}
		util.TransitionsTotal.WithLabelValues(string(from), string(models.StateDisputed)).Inc()
	}

	util.DisputesRaisedTotal.WithLabelValues(string(role)).Inc()
	s.logger.Warn("Dispute raised",
		zap.String("transaction_id", current.ID),
		zap.String("raised_by", callerID),
		zap.String("role", string(role)),
		zap.String("state", string(from)))

	current.State = models.StateDisputed
	if from.IsTerminal() {
		current.State = from
	}
	s.publishSystemMessage(ctx, current, from, callerID,
		fmt.Sprintf("The %s reported a problem with this deal. An admin will review it.", role))
	s.notifyAdmins(ctx, current, current.EscrowAdminID, models.NotificationDisputeRaised,
		fmt.Sprintf("Dispute raised by the %s on transaction %s: %s", role, current.ID, d.Reason))
	return d, nil
}
