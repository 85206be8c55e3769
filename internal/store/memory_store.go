package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
)

// MemoryStore is an in-memory store for development mode and tests. It keeps
// the same guarantees as Store: versioned conditional updates, unique
// payment sessions and unique (transaction, reviewer) reviews.
type MemoryStore struct {
	mu            sync.RWMutex
	transactions  map[string]*models.Transaction
	users         map[string]*models.User
	products      map[string]*models.Product
	payments      map[string]*models.PaymentRecord // by session id
	reviews       map[string]*models.Review        // by transaction id + reviewer id
	disputes      []*models.Dispute
	messages      []*models.ChatMessage
	notifications map[string]*models.Notification
	processed     map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions:  make(map[string]*models.Transaction),
		users:         make(map[string]*models.User),
		products:      make(map[string]*models.Product),
		payments:      make(map[string]*models.PaymentRecord),
		reviews:       make(map[string]*models.Review),
		notifications: make(map[string]*models.Notification),
		processed:     make(map[string]string),
	}
}

// PutUser inserts or replaces a user.
func (m *MemoryStore) PutUser(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

// PutProduct inserts or replaces a product.
func (m *MemoryStore) PutProduct(p *models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user not found: %s", id)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("user not found: %s", email)
}

func (m *MemoryStore) ListAdmins(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var admins []models.User
	for _, u := range m.users {
		if u.IsAdmin {
			admins = append(admins, *u)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].ID < admins[j].ID })
	return admins, nil
}

func (m *MemoryStore) IncrementCompletedSales(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return apperr.NotFound("user not found: %s", userID)
	}
	u.CompletedSales++
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, apperr.NotFound("product not found: %s", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return apperr.New(apperr.CodeAlreadyExists, "transaction already exists: %s", tx.ID)
	}
	if tx.IdempotencyKey != "" {
		for _, existing := range m.transactions {
			if existing.IdempotencyKey == tx.IdempotencyKey {
				return apperr.New(apperr.CodeAlreadyExists, "idempotency key already used")
			}
		}
	}
	if tx.Version == 0 {
		tx.Version = 1
	}
	m.transactions[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, apperr.NotFound("transaction not found: %s", id)
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.IdempotencyKey == key {
			return tx.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Transaction) error) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transactions[id]
	if !ok {
		return nil, apperr.NotFound("transaction not found: %s", id)
	}
	if stored.Version != expectedVersion {
		return nil, apperr.Wrap(apperr.CodeConflict, nil,
			"transaction %s at version %d, expected %d", id, stored.Version, expectedVersion)
	}

	next := stored.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	m.transactions[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Transaction
	for _, tx := range m.transactions {
		if tx.BuyerID == userID || tx.SellerID == userID || tx.EscrowAdminID == userID || tx.HasParticipant(userID) {
			result = append(result, *tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListTransactionsByState(ctx context.Context, state models.State, limit int) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Transaction
	for _, tx := range m.transactions {
		if tx.State == state {
			result = append(result, *tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) RecordPayment(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[rec.SessionID]; ok {
		return false, nil
	}
	cp := *rec
	m.payments[rec.SessionID] = &cp
	return true, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, transactionID string) ([]models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []models.PaymentRecord
	for _, p := range m.payments {
		if p.TransactionID == transactionID {
			recs = append(recs, *p)
		}
	}
	return recs, nil
}

func (m *MemoryStore) CreateReview(ctx context.Context, review *models.Review, award models.RatingAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := review.TransactionID + "/" + review.ReviewerID
	if _, ok := m.reviews[key]; ok {
		return apperr.New(apperr.CodeAlreadyReviewed,
			"reviewer %s already reviewed transaction %s", review.ReviewerID, review.TransactionID)
	}
	u, ok := m.users[award.UserID]
	if !ok {
		return apperr.NotFound("user not found: %s", award.UserID)
	}

	cp := *review
	m.reviews[key] = &cp
	u.Points += award.Points
	u.PositiveRatings += award.PositiveRatings
	u.NegativeRatings += award.NegativeRatings
	u.TotalRatings += award.TotalRatings
	return nil
}

func (m *MemoryStore) GetReview(ctx context.Context, transactionID, reviewerID string) (*models.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[transactionID+"/"+reviewerID]
	if !ok {
		return nil, apperr.NotFound("review not found")
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.disputes = append(m.disputes, &cp)
	return nil
}

func (m *MemoryStore) GetOpenDispute(ctx context.Context, transactionID, raisedBy string) (*models.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.disputes) - 1; i >= 0; i-- {
		d := m.disputes[i]
		if d.TransactionID == transactionID && d.RaisedBy == raisedBy && d.Status == models.DisputeStatusOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, transactionID string) ([]models.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ds []models.Dispute
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			ds = append(ds, *d)
		}
	}
	return ds, nil
}

func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed[eventID] = eventType
	return nil
}

func (m *MemoryStore) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.messages {
		if existing.ID == msg.ID {
			return nil
		}
	}
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *MemoryStore) ListChatMessages(ctx context.Context, transactionID string, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []models.ChatMessage
	for _, msg := range m.messages {
		if msg.TransactionID == transactionID {
			msgs = append(msgs, *msg)
			if len(msgs) >= limit {
				break
			}
		}
	}
	return msgs, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

// Notifications returns stored notifications for a user.
func (m *MemoryStore) Notifications(userID string) []models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ns []models.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			ns = append(ns, *n)
		}
	}
	return ns
}
