package models

import "time"

// Event types
const (
	EventTypeSystemMessage     = "SYSTEM_MESSAGE"
	EventTypeAdminNotification = "ADMIN_NOTIFICATION"
	EventTypePaymentSucceeded  = "checkout.session.completed"
)

// Notification kinds
const (
	NotificationPaymentCompleted = "PAYMENT_COMPLETED"
	NotificationAdminAssigned    = "ADMIN_ASSIGNED"
	NotificationDisputeRaised    = "DISPUTE_RAISED"
	NotificationTransferStarted  = "PRIMARY_TRANSFER_INITIATED"
	NotificationCancelled        = "CANCELLED"

	NotificationPaymentOnClosedDeal = "PAYMENT_ON_CLOSED_DEAL"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemMessageEvent is appended to a transaction's chat log by the chat worker.
type SystemMessageEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	FromState     State  `json:"from_state"`
	ToState       State  `json:"to_state"`
	ActorID       string `json:"actor_id,omitempty"`
	Text          string `json:"text"`
	SenderID      string `json:"sender_id"`
	IsSystem      bool   `json:"is_system"`
}

// AdminNotificationEvent asks the notification worker to alert one admin, or
// every admin when AdminID is empty.
type AdminNotificationEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	AdminID       string `json:"admin_id,omitempty"`
	Kind          string `json:"kind"`
	Text          string `json:"text"`
}
