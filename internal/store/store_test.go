package store

import (
	"context"
	"os"
	"testing"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL and applies migrations.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}

	store, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, Migrate(context.Background(), store.GetDB().DB, "up"))
	return store
}

func seedPostgres(t *testing.T, s *Store) (*models.User, *models.User, *models.Transaction) {
	t.Helper()
	ctx := context.Background()

	seller := &models.User{ID: uuid.NewString(), Email: uuid.NewString() + "@example.com"}
	buyer := &models.User{ID: uuid.NewString(), Email: uuid.NewString() + "@example.com"}
	for _, u := range []*models.User{seller, buyer} {
		_, err := s.GetDB().ExecContext(ctx,
			"INSERT INTO users (id, email) VALUES ($1, $2)", u.ID, u.Email)
		require.NoError(t, err)
	}

	productID := uuid.NewString()
	_, err := s.GetDB().ExecContext(ctx,
		"INSERT INTO products (id, seller_id, name, price) VALUES ($1, $2, $3, $4)",
		productID, seller.ID, "channel", "40.00")
	require.NoError(t, err)

	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:           uuid.NewString(),
		BuyerID:      buyer.ID,
		SellerID:     seller.ID,
		Participants: []string{buyer.ID, seller.ID},
		ProductID:    productID,
		ProductPrice: decimal.RequireFromString("40.00"),
		Currency:     "usd",
		State:        models.StateNegotiating,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateTransaction(ctx, tx))
	return seller, buyer, tx
}

func TestConditionalUpdatePostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, tx := seedPostgres(t, s)

	updated, err := s.ConditionalUpdate(ctx, tx.ID, 1, func(cur *models.Transaction) error {
		now := time.Now().UTC()
		cur.SellerConfirmedAt = &now
		cur.State = models.StateOfferConfirmed
		cur.PaymentURL = "https://checkout.stripe.test/cs_1"
		cur.Participants = append(cur.Participants, "agent")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.ConditionalUpdate(ctx, tx.ID, 1, func(cur *models.Transaction) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOfferConfirmed, stored.State)
	assert.True(t, stored.ProductPrice.Equal(decimal.RequireFromString("40")))
	assert.Equal(t, "https://checkout.stripe.test/cs_1", stored.PaymentURL)
	assert.Contains(t, []string(stored.Participants), "agent")
}

func TestReviewUniquenessPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seller, buyer, tx := seedPostgres(t, s)

	review := &models.Review{
		TransactionID: tx.ID,
		ReviewerID:    buyer.ID,
		TargetID:      seller.ID,
		Sentiment:     models.SentimentPositive,
		Rating:        5,
		PointsAdded:   40,
		CreatedAt:     time.Now().UTC(),
	}
	award := models.RatingAward{UserID: seller.ID, Points: 40, PositiveRatings: 1, TotalRatings: 1}

	require.NoError(t, s.CreateReview(ctx, review, award))
	err := s.CreateReview(ctx, review, award)
	assert.ErrorIs(t, err, apperr.ErrAlreadyReviewed)

	u, err := s.GetUser(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), u.Points)
}
