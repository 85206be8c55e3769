package service

import (
	"context"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/payment"
)

// TransactionStore is the persistence the escrow machine needs. Both
// store.Store and store.MemoryStore satisfy it.
type TransactionStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	IncrementCompletedSales(ctx context.Context, userID string) error

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Transaction) error) (*models.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	ListTransactionsByState(ctx context.Context, state models.State, limit int) ([]models.Transaction, error)

	RecordPayment(ctx context.Context, rec *models.PaymentRecord) (bool, error)
	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetOpenDispute(ctx context.Context, transactionID, raisedBy string) (*models.Dispute, error)
	ListDisputes(ctx context.Context, transactionID string) ([]models.Dispute, error)
	ListChatMessages(ctx context.Context, transactionID string, limit int) ([]models.ChatMessage, error)
}

// ReviewStore persists reviews together with the rating counters they award.
type ReviewStore interface {
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetReview(ctx context.Context, transactionID, reviewerID string) (*models.Review, error)
	CreateReview(ctx context.Context, review *models.Review, award models.RatingAward) error
}

// ProcessedEventStore is the durable record of applied webhook events.
type ProcessedEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// ProductStore looks up catalog entries.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// EventPublisher fans transition side effects out to the chat log and admin
// notifications. broker.EventPublisher and worker.InlinePublisher satisfy it.
type EventPublisher interface {
	PublishSystemMessage(ctx context.Context, event *models.SystemMessageEvent) error
	PublishAdminNotification(ctx context.Context, event *models.AdminNotificationEvent) error
}

// CheckoutGateway creates hosted payment sessions.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error)
}

// WebhookVerifier authenticates raw provider callbacks.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signatureHeader string) (*payment.Event, error)
}

// Locker serializes checkout session creation per transaction.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EventClaimer is the fast-path duplicate filter in front of ProcessedEventStore.
// A claim lives for the ttl given to ClaimEvent; CompleteEvent turns it into a
// long-lived done marker.
type EventClaimer interface {
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (claimed, done bool, err error)
	CompleteEvent(ctx context.Context, eventID string, ttl time.Duration) error
	ReleaseEvent(ctx context.Context, eventID string) error
}

// PriceCache caches catalog lookups.
type PriceCache interface {
	GetCachedProduct(ctx context.Context, productID string) (*models.Product, bool, error)
	CacheProduct(ctx context.Context, product *models.Product, ttl time.Duration) error
}
