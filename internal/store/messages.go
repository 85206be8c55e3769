package store

import (
	"context"

	"escrow-service/internal/models"
)

// AppendChatMessage appends a message to a transaction's chat log. Replayed
// messages with a known ID are ignored.
func (s *Store) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chat_messages (id, transaction_id, sender_id, text, is_system, created_at)
		VALUES (:id, :transaction_id, :sender_id, :text, :is_system, :created_at)
		ON CONFLICT (id) DO NOTHING`, msg)
	return err
}

// ListChatMessages retrieves the chat log of a transaction, oldest first
func (s *Store) ListChatMessages(ctx context.Context, transactionID string, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM chat_messages
		WHERE transaction_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, transactionID, limit)
	return msgs, err
}

// CreateNotification stores a notification
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, transaction_id, kind, text, created_at)
		VALUES (:id, :user_id, :transaction_id, :kind, :text, :created_at)
		ON CONFLICT (id) DO NOTHING`, n)
	return err
}
