package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing escrow events
type EventPublisher struct {
	producer           *Producer
	topicChat          string
	topicNotifications string
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer, topicChat, topicNotifications string) *EventPublisher {
	return &EventPublisher{
		producer:           producer,
		topicChat:          topicChat,
		topicNotifications: topicNotifications,
	}
}

// PublishSystemMessage publishes a chat system message keyed by transaction
func (ep *EventPublisher) PublishSystemMessage(ctx context.Context, event *models.SystemMessageEvent) error {
	return ep.producer.PublishEvent(ctx, ep.topicChat, transactionKey(event.TransactionID), event)
}

// PublishAdminNotification publishes an admin notification keyed by transaction
func (ep *EventPublisher) PublishAdminNotification(ctx context.Context, event *models.AdminNotificationEvent) error {
	return ep.producer.PublishEvent(ctx, ep.topicNotifications, transactionKey(event.TransactionID), event)
}

func transactionKey(id string) string {
	return fmt.Sprintf("tx-%s", id)
}

// EventHandler handles incoming events
type EventHandler struct {
	onSystemMessage     func(context.Context, *models.SystemMessageEvent) error
	onAdminNotification func(context.Context, *models.AdminNotificationEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnSystemMessage registers a handler for system message events
func (eh *EventHandler) OnSystemMessage(handler func(context.Context, *models.SystemMessageEvent) error) {
	eh.onSystemMessage = handler
}

// OnAdminNotification registers a handler for admin notification events
func (eh *EventHandler) OnAdminNotification(handler func(context.Context, *models.AdminNotificationEvent) error) {
	eh.onAdminNotification = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeSystemMessage:
		if eh.onSystemMessage != nil {
			var event models.SystemMessageEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SystemMessage event: %w", err)
			}
			return eh.onSystemMessage(ctx, &event)
		}

	case models.EventTypeAdminNotification:
		if eh.onAdminNotification != nil {
			var event models.AdminNotificationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal AdminNotification event: %w", err)
			}
			return eh.onAdminNotification(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
