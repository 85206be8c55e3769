package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CheckoutConfig holds the payment session settings. SuccessURL and CancelURL
// may contain a {transactionId} placeholder.
type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
	LockTTL    time.Duration
}

// EscrowService is the transaction state machine. Every mutation goes through
// a versioned conditional update so concurrent callers cannot both win.
type EscrowService struct {
	store     TransactionStore
	catalog   ProductStore
	gateway   CheckoutGateway
	publisher EventPublisher
	fees      FeeCalculator
	timer     *TimerService
	checkout  CheckoutConfig
	locker    Locker
	now       func() time.Time
	logger    *zap.Logger
}

// NewEscrowService creates a new escrow service
func NewEscrowService(
	store TransactionStore,
	catalog ProductStore,
	gateway CheckoutGateway,
	publisher EventPublisher,
	fees FeeCalculator,
	checkout CheckoutConfig,
) *EscrowService {
	if checkout.Currency == "" {
		checkout.Currency = "usd"
	}
	return &EscrowService{
		store:     store,
		catalog:   catalog,
		gateway:   gateway,
		publisher: publisher,
		fees:      fees,
		timer:     NewTimerService(time.Now),
		checkout:  checkout,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// WithLocker serializes checkout session creation through l.
func (s *EscrowService) WithLocker(l Locker) *EscrowService {
	s.locker = l
	return s
}

// WithClock replaces the wall clock, for tests.
func (s *EscrowService) WithClock(now func() time.Time) *EscrowService {
	s.now = now
	s.timer = NewTimerService(now)
	return s
}

// OpenTransaction starts a deal between the caller and the product's seller,
// snapshotting the current price. A repeated idempotency key returns the deal
// created by the first call.
func (s *EscrowService) OpenTransaction(ctx context.Context, buyerID, productID, idempotencyKey string) (tx *models.Transaction, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService.OpenTransaction", "", buyerID)
	defer func() { util.EndSpan(span, err) }()

	if buyerID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if productID == "" {
		return nil, apperr.InvalidArgument("productId is required")
	}

	if idempotencyKey != "" {
		existing, err := s.store.GetTransactionByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.replayOpen(existing, buyerID, idempotencyKey)
		}
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.SellerID == buyerID {
		return nil, apperr.InvalidArgument("cannot buy your own listing")
	}

	now := s.now().UTC()
	tx = &models.Transaction{
		ID:             uuid.New().String(),
		BuyerID:        buyerID,
		SellerID:       product.SellerID,
		Participants:   []string{buyerID, product.SellerID},
		ProductID:      product.ID,
		ProductPrice:   product.Price,
		Currency:       s.checkout.Currency,
		State:          models.StateNegotiating,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		// lost a race on the idempotency key
		if apperr.CodeOf(err) == apperr.CodeAlreadyExists && idempotencyKey != "" {
			existing, getErr := s.store.GetTransactionByIdempotencyKey(ctx, idempotencyKey)
			if getErr == nil && existing != nil {
				return s.replayOpen(existing, buyerID, idempotencyKey)
			}
		}
		return nil, err
	}

	util.TransactionsOpenedTotal.Inc()
	s.logger.Info("Transaction opened",
		zap.String("transaction_id", tx.ID),
		zap.String("buyer_id", buyerID),
		zap.String("seller_id", tx.SellerID),
		zap.String("product_id", tx.ProductID),
		zap.String("price", tx.ProductPrice.StringFixed(2)))

	s.publishSystemMessage(ctx, tx, "", buyerID,
		"Deal opened for "+product.Name+" at "+formatAmount(tx.ProductPrice, tx.Currency)+". Waiting for the seller to confirm the offer.")
	return tx, nil
}

func (s *EscrowService) replayOpen(existing *models.Transaction, buyerID, key string) (*models.Transaction, error) {
	if existing.BuyerID != buyerID {
		return nil, apperr.New(apperr.CodeAlreadyExists, "idempotency key already used")
	}
	s.logger.Info("Duplicate open request detected",
		zap.String("idempotency_key", key),
		zap.String("transaction_id", existing.ID))
	util.IdempotentReplaysTotal.WithLabelValues("open_transaction").Inc()
	return existing, nil
}

// TransactionView is a transaction as seen by one caller.
type TransactionView struct {
	Transaction   *models.Transaction `json:"transaction"`
	Role          Role                `json:"role"`
	TransferReady bool                `json:"transferReady"`
	Remaining     *Remaining          `json:"remaining,omitempty"`
	Disputes      []models.Dispute    `json:"disputes,omitempty"`
}

// GetTransaction returns the caller's view of a transaction
func (s *EscrowService) GetTransaction(ctx context.Context, transactionID, callerID string) (*TransactionView, error) {
	ctx, span := util.StartTransactionSpan(ctx, "EscrowService.GetTransaction", transactionID, callerID)
	defer span.End()

	if callerID == "" {
		return nil, apperr.ErrUnauthenticated
	}

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	isAdmin, err := s.isGlobalAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	role := ResolveRole(tx, callerID, isAdmin)
	if role == RoleNone && !isAdmin {
		return nil, apperr.PermissionDenied("caller is not part of transaction %s", transactionID)
	}

	view := &TransactionView{Transaction: tx, Role: role}
	if tx.TransferReadyAt != nil {
		now := s.now()
		view.TransferReady = IsReady(*tx.TransferReadyAt, now)
		rem := RemainingTime(*tx.TransferReadyAt, now)
		view.Remaining = &rem
	}

	disputes, err := s.store.ListDisputes(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	view.Disputes = disputes
	return view, nil
}

// ListTransactions returns the deals the caller takes part in, newest first
func (s *EscrowService) ListTransactions(ctx context.Context, callerID string, limit int) ([]models.Transaction, error) {
	if callerID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	return s.store.ListTransactionsByUser(ctx, callerID, clampLimit(limit))
}

// ListByState returns every deal in one state. Global admins only.
func (s *EscrowService) ListByState(ctx context.Context, callerID string, state models.State, limit int) ([]models.Transaction, error) {
	if callerID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if !state.Valid() {
		return nil, apperr.InvalidArgument("unknown state %q", state)
	}

	isAdmin, err := s.isGlobalAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, apperr.PermissionDenied("admin only")
	}
	return s.store.ListTransactionsByState(ctx, state, clampLimit(limit))
}

// ListChatMessages returns the deal's chat log, oldest first
func (s *EscrowService) ListChatMessages(ctx context.Context, transactionID, callerID string, limit int) ([]models.ChatMessage, error) {
	if _, err := s.GetTransaction(ctx, transactionID, callerID); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, transactionID, clampLimit(limit))
}

func (s *EscrowService) isGlobalAdmin(ctx context.Context, userID string) (bool, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsAdmin, nil
}

func (s *EscrowService) publishSystemMessage(ctx context.Context, tx *models.Transaction, from models.State, actorID, text string) {
	event := &models.SystemMessageEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSystemMessage,
			Timestamp: s.now().UTC(),
		},
		TransactionID: tx.ID,
		FromState:     from,
		ToState:       tx.State,
		ActorID:       actorID,
		Text:          text,
		SenderID:      models.SystemSenderID,
		IsSystem:      true,
	}

	if err := s.publisher.PublishSystemMessage(ctx, event); err != nil {
		s.logger.Error("Failed to publish SystemMessage event",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}

func (s *EscrowService) notifyAdmins(ctx context.Context, tx *models.Transaction, adminID, kind, text string) {
	event := &models.AdminNotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAdminNotification,
			Timestamp: s.now().UTC(),
		},
		TransactionID: tx.ID,
		AdminID:       adminID,
		Kind:          kind,
		Text:          text,
	}

	if err := s.publisher.PublishAdminNotification(ctx, event); err != nil {
		s.logger.Error("Failed to publish AdminNotification event",
			zap.String("transaction_id", tx.ID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func checkoutURL(template, transactionID string) string {
	return strings.ReplaceAll(template, "{transactionId}", transactionID)
}
