package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
)

const insertTransaction = `
	INSERT INTO transactions (
		id, buyer_id, seller_id, participants, product_id, product_price,
		fee_amount, total_amount, currency, state, escrow_admin_id,
		payment_session_id, payment_url, idempotency_key, version, created_at, updated_at
	) VALUES (
		:id, :buyer_id, :seller_id, :participants, :product_id, :product_price,
		:fee_amount, :total_amount, :currency, :state, :escrow_admin_id,
		:payment_session_id, :payment_url, :idempotency_key, :version, :created_at, :updated_at
	)`

// Only the version matching prev_version may be overwritten.
const updateTransaction = `
	UPDATE transactions SET
		buyer_id = :buyer_id,
		seller_id = :seller_id,
		participants = :participants,
		fee_amount = :fee_amount,
		total_amount = :total_amount,
		state = :state,
		escrow_admin_id = :escrow_admin_id,
		payment_session_id = :payment_session_id,
		payment_url = :payment_url,
		cancel_reason = :cancel_reason,
		seller_confirmed_at = :seller_confirmed_at,
		payment_completed_at = :payment_completed_at,
		manager_rights_assigned_at = :manager_rights_assigned_at,
		transfer_timer_started_at = :transfer_timer_started_at,
		transfer_ready_at = :transfer_ready_at,
		primary_transfer_initiated_at = :primary_transfer_initiated_at,
		primary_owner_confirmed_at = :primary_owner_confirmed_at,
		buyer_confirmed_payment_at = :buyer_confirmed_payment_at,
		seller_confirmed_receipt_at = :seller_confirmed_receipt_at,
		completed_at = :completed_at,
		cancelled_at = :cancelled_at,
		disputed_at = :disputed_at,
		version = :version,
		updated_at = :updated_at
	WHERE id = :id AND version = :prev_version`

type versionedTransaction struct {
	*models.Transaction
	PrevVersion int64 `db:"prev_version"`
}

// CreateTransaction inserts a new transaction at version 1
func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.Version == 0 {
		tx.Version = 1
	}
	_, err := s.db.NamedExecContext(ctx, insertTransaction, tx)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.CodeAlreadyExists, err, "transaction already exists")
	}
	return err
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx, "SELECT * FROM transactions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("transaction not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx, "SELECT * FROM transactions WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ConditionalUpdate applies mutate to the stored transaction and writes it
// back only if the stored version still equals expectedVersion. A mismatch
// returns apperr.ErrConflict and nothing is written.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Transaction) error) (*models.Transaction, error) {
	current, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, apperr.Wrap(apperr.CodeConflict, nil,
			"transaction %s at version %d, expected %d", id, current.Version, expectedVersion)
	}

	if err := mutate(current); err != nil {
		return nil, err
	}
	current.Version = expectedVersion + 1
	current.UpdatedAt = time.Now().UTC()

	res, err := s.db.NamedExecContext(ctx, updateTransaction, versionedTransaction{
		Transaction: current,
		PrevVersion: expectedVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Wrap(apperr.CodeConflict, nil, "transaction %s modified concurrently", id)
	}
	return current, nil
}

// ListTransactionsByUser retrieves transactions where the user is a party or the escrow admin
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT * FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1 OR escrow_admin_id = $1 OR $1 = ANY(participants)
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	return txs, err
}

// ListTransactionsByState retrieves transactions in the given state, oldest first
func (s *Store) ListTransactionsByState(ctx context.Context, state models.State, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.SelectContext(ctx, &txs,
		"SELECT * FROM transactions WHERE state = $1 ORDER BY updated_at ASC LIMIT $2", state, limit)
	return txs, err
}

// RecordPayment inserts a ledger entry. Returns false if the session was already recorded.
func (s *Store) RecordPayment(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO payments (id, transaction_id, session_id, payer_id, amount_paid, currency, created_at)
		VALUES (:id, :transaction_id, :session_id, :payer_id, :amount_paid, :currency, :created_at)
		ON CONFLICT (session_id) DO NOTHING`, rec)
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPayments retrieves ledger entries for a transaction
func (s *Store) ListPayments(ctx context.Context, transactionID string) ([]models.PaymentRecord, error) {
	var recs []models.PaymentRecord
	err := s.db.SelectContext(ctx, &recs,
		"SELECT * FROM payments WHERE transaction_id = $1 ORDER BY created_at", transactionID)
	return recs, err
}

// CreateDispute inserts an escalation record
func (s *Store) CreateDispute(ctx context.Context, d *models.Dispute) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, raised_by, role, reason, state_at_raise, status, created_at)
		VALUES (:id, :transaction_id, :raised_by, :role, :reason, :state_at_raise, :status, :created_at)`, d)
	return err
}

// GetOpenDispute retrieves the open dispute raised by a user, or nil
func (s *Store) GetOpenDispute(ctx context.Context, transactionID, raisedBy string) (*models.Dispute, error) {
	var d models.Dispute
	err := s.db.GetContext(ctx, &d, `
		SELECT * FROM disputes
		WHERE transaction_id = $1 AND raised_by = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1`, transactionID, raisedBy, models.DisputeStatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDisputes retrieves all disputes of a transaction
func (s *Store) ListDisputes(ctx context.Context, transactionID string) ([]models.Dispute, error) {
	var ds []models.Dispute
	err := s.db.SelectContext(ctx, &ds,
		"SELECT * FROM disputes WHERE transaction_id = $1 ORDER BY created_at", transactionID)
	return ds, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
