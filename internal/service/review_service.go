package service

import (
	"context"
	"errors"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// ReviewService records one review per party per completed deal and awards
// seller points.
type ReviewService struct {
	store  ReviewStore
	now    func() time.Time
	logger *zap.Logger
}

// NewReviewService creates a new review service
func NewReviewService(store ReviewStore) *ReviewService {
	return &ReviewService{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// SubmitReviewRequest is a review of the other party of a deal.
type SubmitReviewRequest struct {
	TransactionID string           `json:"transactionId" binding:"required"`
	Sentiment     models.Sentiment `json:"sentiment" binding:"required"`
	Rating        int              `json:"rating"`
	Comment       string           `json:"comment"`
}

// SubmitReview stores the review and applies its rating award atomically.
// The returned review carries PointsAdded.
func (rs *ReviewService) SubmitReview(ctx context.Context, reviewerID string, req SubmitReviewRequest) (review *models.Review, err error) {
	ctx, span := util.StartTransactionSpan(ctx, "ReviewService.SubmitReview", req.TransactionID, reviewerID)
	defer func() { util.EndSpan(span, err) }()

	if reviewerID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if req.TransactionID == "" {
		return nil, apperr.InvalidArgument("transactionId is required")
	}
	if req.Sentiment != models.SentimentPositive && req.Sentiment != models.SentimentNegative {
		return nil, apperr.InvalidArgument("sentiment must be %q or %q", models.SentimentPositive, models.SentimentNegative)
	}
	if req.Rating < 1 || req.Rating > 5 {
		return nil, apperr.InvalidArgument("rating must be between 1 and 5")
	}

	tx, err := rs.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	role := ResolveRole(tx, reviewerID, false)
	if role != RoleBuyer && role != RoleSeller {
		return nil, apperr.PermissionDenied("only the buyer or seller can review this deal")
	}
	if tx.State != models.StateCompleted {
		return nil, apperr.FailedPrecondition("deal %s is not completed", tx.ID)
	}

	existing, err := rs.store.GetReview(ctx, tx.ID, reviewerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.New(apperr.CodeAlreadyReviewed, "already reviewed transaction %s", tx.ID)
	}

	target := tx.SellerID
	if role == RoleSeller {
		target = tx.BuyerID
	}
	if target == "" {
		return nil, apperr.FailedPrecondition("deal %s has no counterparty on record", tx.ID)
	}

	award := ratingAward(target, role, req.Sentiment, tx)
	review = &models.Review{
		TransactionID: tx.ID,
		ReviewerID:    reviewerID,
		TargetID:      target,
		Sentiment:     req.Sentiment,
		Rating:        req.Rating,
		Comment:       req.Comment,
		PointsAdded:   award.Points,
		CreatedAt:     rs.now().UTC(),
	}

	if err := rs.store.CreateReview(ctx, review, award); err != nil {
		return nil, err
	}

	util.ReviewsSubmittedTotal.WithLabelValues(string(req.Sentiment)).Inc()
	if award.Points > 0 {
		util.PointsAwardedTotal.Add(float64(award.Points))
	}
	rs.logger.Info("Review submitted",
		zap.String("transaction_id", tx.ID),
		zap.String("reviewer_id", reviewerID),
		zap.String("target_id", target),
		zap.String("sentiment", string(req.Sentiment)),
		zap.Int64("points_added", award.Points))
	return review, nil
}

// ratingAward computes the counters a review adds to its target. Only a
// positive review by the buyer earns the seller points, one per whole unit of
// the product price.
func ratingAward(target string, reviewer Role, sentiment models.Sentiment, tx *models.Transaction) models.RatingAward {
	award := models.RatingAward{UserID: target}
	if sentiment == models.SentimentNegative {
		award.NegativeRatings = 1
		return award
	}

	award.PositiveRatings = 1
	award.TotalRatings = 1
	if reviewer == RoleBuyer {
		award.Points = tx.ProductPrice.Floor().IntPart()
	}
	return award
}
