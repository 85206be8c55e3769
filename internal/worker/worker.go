package worker

import (
	"context"
	"fmt"
	"log"

	"escrow-service/internal/broker"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// ChatStore is where system messages end up.
type ChatStore interface {
	AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error
}

// NotificationStore stores per-admin notifications.
type NotificationStore interface {
	ListAdmins(ctx context.Context) ([]models.User, error)
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// ChatRecorder appends system messages to a transaction's chat log. The event
// id becomes the message id, so redelivered events are written once.
type ChatRecorder struct {
	store  ChatStore
	logger *zap.Logger
}

// NewChatRecorder creates a new chat recorder
func NewChatRecorder(store ChatStore) *ChatRecorder {
	return &ChatRecorder{store: store, logger: util.GetLogger()}
}

// HandleSystemMessage writes one system message
func (cr *ChatRecorder) HandleSystemMessage(ctx context.Context, event *models.SystemMessageEvent) error {
	msg := &models.ChatMessage{
		ID:            event.EventID,
		TransactionID: event.TransactionID,
		SenderID:      models.SystemSenderID,
		Text:          event.Text,
		IsSystem:      true,
		CreatedAt:     event.Timestamp,
	}
	if err := cr.store.AppendChatMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to append system message: %w", err)
	}

	cr.logger.Debug("System message recorded",
		zap.String("transaction_id", event.TransactionID),
		zap.String("to_state", string(event.ToState)))
	return nil
}

// AdminNotifier turns admin notification events into stored notifications,
// fanning out to every admin when the event names none.
type AdminNotifier struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewAdminNotifier creates a new admin notifier
func NewAdminNotifier(store NotificationStore) *AdminNotifier {
	return &AdminNotifier{store: store, logger: util.GetLogger()}
}

// HandleAdminNotification stores the notification for its recipients
func (an *AdminNotifier) HandleAdminNotification(ctx context.Context, event *models.AdminNotificationEvent) error {
	recipients := []string{event.AdminID}
	if event.AdminID == "" {
		admins, err := an.store.ListAdmins(ctx)
		if err != nil {
			return fmt.Errorf("failed to list admins: %w", err)
		}
		recipients = recipients[:0]
		for _, a := range admins {
			recipients = append(recipients, a.ID)
		}
	}

	for _, userID := range recipients {
		n := &models.Notification{
			ID:            event.EventID + ":" + userID,
			UserID:        userID,
			TransactionID: event.TransactionID,
			Kind:          event.Kind,
			Text:          event.Text,
			CreatedAt:     event.Timestamp,
		}
		if err := an.store.CreateNotification(ctx, n); err != nil {
			return fmt.Errorf("failed to notify admin %s: %w", userID, err)
		}
	}

	an.logger.Info("Admins notified",
		zap.String("transaction_id", event.TransactionID),
		zap.String("kind", event.Kind),
		zap.Int("recipients", len(recipients)))
	return nil
}

// ChatWorker consumes system message events into the chat log
type ChatWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewChatWorker creates a new chat worker
func NewChatWorker(consumer *broker.Consumer, recorder *ChatRecorder) *ChatWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnSystemMessage(recorder.HandleSystemMessage)

	return &ChatWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *ChatWorker) Start(ctx context.Context) error {
	log.Println("Starting chat worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ChatWorker) Stop() error {
	log.Println("Stopping chat worker...")
	return w.consumer.Close()
}

// NotificationWorker consumes admin notification events
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, notifier *AdminNotifier) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnAdminNotification(notifier.HandleAdminNotification)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the notification worker
func (nw *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return nw.consumer.StartConsuming(ctx, nw.eventHandler.HandleMessage)
}

// Stop stops the notification worker
func (nw *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return nw.consumer.Close()
}

// InlinePublisher hands events straight to the recorder and notifier. It
// stands in for Kafka when the service runs without a broker.
type InlinePublisher struct {
	chat     *ChatRecorder
	notifier *AdminNotifier
}

// NewInlinePublisher creates a publisher that bypasses the broker
func NewInlinePublisher(chat *ChatRecorder, notifier *AdminNotifier) *InlinePublisher {
	return &InlinePublisher{chat: chat, notifier: notifier}
}

func (p *InlinePublisher) PublishSystemMessage(ctx context.Context, event *models.SystemMessageEvent) error {
	return p.chat.HandleSystemMessage(ctx, event)
}

func (p *InlinePublisher) PublishAdminNotification(ctx context.Context, event *models.AdminNotificationEvent) error {
	return p.notifier.HandleAdminNotification(ctx, event)
}
