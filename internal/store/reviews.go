package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
)

// CreateReview inserts a review and applies the award to its target in one
// database transaction. A second review for the same (transaction, reviewer)
// returns apperr.ErrAlreadyReviewed and leaves the target untouched.
func (s *Store) CreateReview(ctx context.Context, review *models.Review, award models.RatingAward) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO reviews (transaction_id, reviewer_id, target_id, sentiment, rating, comment, points_added, created_at)
		VALUES (:transaction_id, :reviewer_id, :target_id, :sentiment, :rating, :comment, :points_added, :created_at)`,
		review)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.CodeAlreadyReviewed, err,
			"reviewer %s already reviewed transaction %s", review.ReviewerID, review.TransactionID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET
			points = points + $1,
			positive_ratings = positive_ratings + $2,
			negative_ratings = negative_ratings + $3,
			total_ratings = total_ratings + $4
		WHERE id = $5`,
		award.Points, award.PositiveRatings, award.NegativeRatings, award.TotalRatings, award.UserID)
	if err != nil {
		return fmt.Errorf("failed to apply rating award: %w", err)
	}
	if err := expectOneRow(res, "user", award.UserID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetReview retrieves the review a reviewer left on a transaction
func (s *Store) GetReview(ctx context.Context, transactionID, reviewerID string) (*models.Review, error) {
	var review models.Review
	err := s.db.GetContext(ctx, &review,
		"SELECT * FROM reviews WHERE transaction_id = $1 AND reviewer_id = $2", transactionID, reviewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("review not found")
	}
	if err != nil {
		return nil, err
	}
	return &review, nil
}
