package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// State is the escrow transaction state. Exactly one is active at a time.
type State string

// Transaction states, in lifecycle order
const (
	StateNegotiating              State = "NEGOTIATING"
	StateOfferConfirmed           State = "OFFER_CONFIRMED"
	StateAwaitingPayment          State = "AWAITING_PAYMENT"
	StatePaymentCompleted         State = "PAYMENT_COMPLETED"
	StateManagerRightsAssigned    State = "MANAGER_RIGHTS_ASSIGNED"
	StateTransferWindowOpen       State = "TRANSFER_WINDOW_OPEN"
	StatePrimaryTransferInitiated State = "PRIMARY_TRANSFER_INITIATED"
	StatePrimaryOwnerConfirmed    State = "PRIMARY_OWNER_CONFIRMED"
	StateAwaitingSellerReceipt    State = "AWAITING_SELLER_RECEIPT"
	StateCompleted                State = "COMPLETED"
	StateCancelled                State = "CANCELLED"
	StateDisputed                 State = "DISPUTED"
)

// IsTerminal returns true for states no transition leaves.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateDisputed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNegotiating, StateOfferConfirmed, StateAwaitingPayment, StatePaymentCompleted,
		StateManagerRightsAssigned, StateTransferWindowOpen, StatePrimaryTransferInitiated,
		StatePrimaryOwnerConfirmed, StateAwaitingSellerReceipt, StateCompleted, StateCancelled, StateDisputed:
		return true
	}
	return false
}

// Transaction is one escrow deal. Timestamps form an append-only audit trail.
type Transaction struct {
	ID               string          `db:"id" json:"id"`
	BuyerID          string          `db:"buyer_id" json:"buyerId"`
	SellerID         string          `db:"seller_id" json:"sellerId"`
	Participants     pq.StringArray  `db:"participants" json:"participants"`
	ProductID        string          `db:"product_id" json:"productId"`
	ProductPrice     decimal.Decimal `db:"product_price" json:"productPrice"`
	FeeAmount        decimal.Decimal `db:"fee_amount" json:"feeAmount"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"totalAmount"`
	Currency         string          `db:"currency" json:"currency"`
	State            State           `db:"state" json:"state"`
	EscrowAdminID    string          `db:"escrow_admin_id" json:"escrowAdminId,omitempty"`
	PaymentSessionID string          `db:"payment_session_id" json:"paymentSessionId,omitempty"`
	PaymentURL       string          `db:"payment_url" json:"paymentUrl,omitempty"`
	IdempotencyKey   string          `db:"idempotency_key" json:"-"`
	CancelReason     string          `db:"cancel_reason" json:"cancelReason,omitempty"`

	SellerConfirmedAt          *time.Time `db:"seller_confirmed_at" json:"sellerConfirmedAt,omitempty"`
	PaymentCompletedAt         *time.Time `db:"payment_completed_at" json:"paymentCompletedAt,omitempty"`
	ManagerRightsAssignedAt    *time.Time `db:"manager_rights_assigned_at" json:"managerRightsAssignedAt,omitempty"`
	TransferTimerStartedAt     *time.Time `db:"transfer_timer_started_at" json:"transferTimerStartedAt,omitempty"`
	TransferReadyAt            *time.Time `db:"transfer_ready_at" json:"transferReadyAt,omitempty"`
	PrimaryTransferInitiatedAt *time.Time `db:"primary_transfer_initiated_at" json:"primaryTransferInitiatedAt,omitempty"`
	PrimaryOwnerConfirmedAt    *time.Time `db:"primary_owner_confirmed_at" json:"primaryOwnerConfirmedAt,omitempty"`
	BuyerConfirmedPaymentAt    *time.Time `db:"buyer_confirmed_payment_at" json:"buyerConfirmedPaymentAt,omitempty"`
	SellerConfirmedReceiptAt   *time.Time `db:"seller_confirmed_receipt_at" json:"sellerConfirmedReceiptAt,omitempty"`
	CompletedAt                *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	CancelledAt                *time.Time `db:"cancelled_at" json:"cancelledAt,omitempty"`
	DisputedAt                 *time.Time `db:"disputed_at" json:"disputedAt,omitempty"`

	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// HasParticipant reports whether userID is listed as a chat participant.
func (t *Transaction) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable memory with t.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Participants != nil {
		cp.Participants = make(pq.StringArray, len(t.Participants))
		copy(cp.Participants, t.Participants)
	}
	return &cp
}

// User is the directory view of a marketplace account plus its rating aggregates.
type User struct {
	ID              string    `db:"id" json:"id"`
	Email           string    `db:"email" json:"email"`
	DisplayName     string    `db:"display_name" json:"displayName"`
	PhotoURL        string    `db:"photo_url" json:"photoUrl,omitempty"`
	IsAdmin         bool      `db:"is_admin" json:"isAdmin"`
	Points          int64     `db:"points" json:"points"`
	PositiveRatings int       `db:"positive_ratings" json:"positiveRatings"`
	NegativeRatings int       `db:"negative_ratings" json:"negativeRatings"`
	TotalRatings    int       `db:"total_ratings" json:"totalRatings"`
	CompletedSales  int       `db:"completed_sales" json:"completedSales"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Product is a listed channel. Only the price is consulted by the escrow core.
type Product struct {
	ID        string          `db:"id" json:"id"`
	SellerID  string          `db:"seller_id" json:"sellerId"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// Sentiment of a review
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
)

// Review is immutable once created; (TransactionID, ReviewerID) is unique.
type Review struct {
	TransactionID string    `db:"transaction_id" json:"transactionId"`
	ReviewerID    string    `db:"reviewer_id" json:"reviewerId"`
	TargetID      string    `db:"target_id" json:"targetId"`
	Sentiment     Sentiment `db:"sentiment" json:"sentiment"`
	Rating        int       `db:"rating" json:"rating"`
	Comment       string    `db:"comment" json:"comment,omitempty"`
	PointsAdded   int64     `db:"points_added" json:"pointsAdded"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// RatingAward describes the counter changes applied to a review's target.
type RatingAward struct {
	UserID          string
	Points          int64
	PositiveRatings int
	NegativeRatings int
	TotalRatings    int
}

// PaymentRecord is the ledger entry for a verified payment. SessionID is unique.
type PaymentRecord struct {
	ID            string          `db:"id" json:"id"`
	TransactionID string          `db:"transaction_id" json:"transactionId"`
	SessionID     string          `db:"session_id" json:"sessionId"`
	PayerID       string          `db:"payer_id" json:"payerId"`
	AmountPaid    decimal.Decimal `db:"amount_paid" json:"amountPaid"`
	Currency      string          `db:"currency" json:"currency"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// DisputeStatusOpen marks an escalation no admin has closed yet.
const DisputeStatusOpen = "OPEN"

// Dispute is an escalation raised by a party to a transaction.
type Dispute struct {
	ID            string    `db:"id" json:"id"`
	TransactionID string    `db:"transaction_id" json:"transactionId"`
	RaisedBy      string    `db:"raised_by" json:"raisedBy"`
	Role          string    `db:"role" json:"role"`
	Reason        string    `db:"reason" json:"reason"`
	StateAtRaise  State     `db:"state_at_raise" json:"stateAtRaise"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// SystemSenderID is the sender id of messages produced by the escrow core.
const SystemSenderID = "system"

// ChatMessage is one entry of a transaction's chat log.
type ChatMessage struct {
	ID            string    `db:"id" json:"id"`
	TransactionID string    `db:"transaction_id" json:"transactionId"`
	SenderID      string    `db:"sender_id" json:"senderId"`
	Text          string    `db:"text" json:"text"`
	IsSystem      bool      `db:"is_system" json:"isSystem"`
	CreatedAt     time.Time `db:"created_at" json:"timestamp"`
}

// Notification is a stored admin notification.
type Notification struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"userId"`
	TransactionID string    `db:"transaction_id" json:"transactionId"`
	Kind          string    `db:"kind" json:"kind"`
	Text          string    `db:"text" json:"text"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}
