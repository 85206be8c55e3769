package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// CallerHeader carries the authenticated user id, set by the gateway in
	// front of this service after verifying the session token.
	CallerHeader    = "X-User-ID"
	SignatureHeader = "Stripe-Signature"

	callerKey       = "callerID"
	maxWebhookBytes = 65536
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	escrow    *service.EscrowService
	payments  *service.PaymentService
	reviews   *service.ReviewService
	retries   uint64
	readiness map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. Conflicting writes are retried up to
// conflictRetries times before the conflict is returned to the client.
func NewHandler(
	escrow *service.EscrowService,
	payments *service.PaymentService,
	reviews *service.ReviewService,
	conflictRetries int,
) *Handler {
	if conflictRetries < 0 {
		conflictRetries = 0
	}
	return &Handler{
		escrow:    escrow,
		payments:  payments,
		reviews:   reviews,
		retries:   uint64(conflictRetries),
		readiness: make(map[string]Pinger),
		logger:    util.GetLogger(),
	}
}

// WithReadinessCheck adds a dependency to the readiness probe.
func (h *Handler) WithReadinessCheck(name string, p Pinger) *Handler {
	h.readiness[name] = p
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/stripe", h.stripeWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware())
	{
		v1.POST("/transactions", h.openTransaction)
		v1.GET("/transactions", h.listTransactions)
		v1.GET("/transactions/:id", h.getTransaction)
		v1.GET("/transactions/:id/messages", h.listMessages)

		v1.POST("/transactions/:id/confirm-offer", h.transition(h.escrow.ConfirmOffer))
		v1.POST("/transactions/:id/payment-session", h.createPaymentSession)
		v1.POST("/transactions/:id/assign-manager-rights", h.assignManagerRights)
		v1.POST("/transactions/:id/start-transfer-timer", h.transition(h.escrow.StartTransferTimer))
		v1.POST("/transactions/:id/confirm-primary-transfer", h.transition(h.escrow.ConfirmPrimaryOwnershipTransfer))
		v1.POST("/transactions/:id/confirm-primary-owner", h.transition(h.escrow.ConfirmPrimaryOwnershipByAdmin))
		v1.POST("/transactions/:id/confirm-buyer-payment", h.transition(h.escrow.ConfirmPaymentByBuyer))
		v1.POST("/transactions/:id/confirm-payment-received", h.transition(h.escrow.ConfirmPaymentReceived))
		v1.POST("/transactions/:id/cancel", h.cancel)
		v1.POST("/transactions/:id/disputes", h.raiseDispute)
		v1.POST("/transactions/:id/reviews", h.submitReview)

		v1.GET("/admin/transactions", h.listByState)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type openTransactionRequest struct {
	ProductID string `json:"productId" binding:"required"`
}

// openTransaction starts a deal for the caller
func (h *Handler) openTransaction(c *gin.Context) {
	var req openTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    apperr.CodeInvalidArgument,
			"details": err.Error(),
		})
		return
	}

	tx, err := h.escrow.OpenTransaction(c.Request.Context(), caller(c), req.ProductID, c.GetHeader("Idempotency-Key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *Handler) listTransactions(c *gin.Context) {
	txs, err := h.escrow.ListTransactions(c.Request.Context(), caller(c), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) listByState(c *gin.Context) {
	state := models.State(c.Query("state"))
	txs, err := h.escrow.ListByState(c.Request.Context(), caller(c), state, queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) getTransaction(c *gin.Context) {
	view, err := h.escrow.GetTransaction(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) listMessages(c *gin.Context) {
	msgs, err := h.escrow.ListChatMessages(c.Request.Context(), c.Param("id"), caller(c), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type transitionFunc func(ctx context.Context, transactionID, callerID string) (*models.Transaction, error)

// transition adapts a callable state machine operation to a route
func (h *Handler) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tx *models.Transaction
		err := h.retryOnConflict(c.Request.Context(), func() error {
			var err error
			tx, err = fn(c.Request.Context(), c.Param("id"), caller(c))
			return err
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "state": tx.State})
	}
}

func (h *Handler) createPaymentSession(c *gin.Context) {
	var sessID, url string
	err := h.retryOnConflict(c.Request.Context(), func() error {
		sess, err := h.escrow.CreatePaymentSession(c.Request.Context(), c.Param("id"), caller(c))
		if err != nil {
			return err
		}
		sessID, url = sess.ID, sess.URL
		return nil
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": sessID, "url": url})
}

type assignManagerRightsRequest struct {
	AdminEmail string `json:"adminEmail" binding:"required,email"`
}

func (h *Handler) assignManagerRights(c *gin.Context) {
	var req assignManagerRightsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    apperr.CodeInvalidArgument,
			"details": err.Error(),
		})
		return
	}

	h.transition(func(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
		return h.escrow.AssignManagerRights(ctx, transactionID, callerID, req.AdminEmail)
	})(c)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancel(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	h.transition(func(ctx context.Context, transactionID, callerID string) (*models.Transaction, error) {
		return h.escrow.Cancel(ctx, transactionID, callerID, req.Reason)
	})(c)
}

func (h *Handler) raiseDispute(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	var dispute *models.Dispute
	err := h.retryOnConflict(c.Request.Context(), func() error {
		var err error
		dispute, err = h.escrow.RaiseDispute(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "dispute": dispute})
}

type reviewRequest struct {
	Sentiment models.Sentiment `json:"sentiment" binding:"required"`
	Rating    int              `json:"rating" binding:"required"`
	Comment   string           `json:"comment"`
}

func (h *Handler) submitReview(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    apperr.CodeInvalidArgument,
			"details": err.Error(),
		})
		return
	}

	review, err := h.reviews.SubmitReview(c.Request.Context(), caller(c), service.SubmitReviewRequest{
		TransactionID: c.Param("id"),
		Sentiment:     req.Sentiment,
		Rating:        req.Rating,
		Comment:       req.Comment,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "pointsAdded": review.PointsAdded, "review": review})
}

// stripeWebhook verifies and applies a payment provider callback
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body", "code": apperr.CodeInvalidArgument})
		return
	}

	outcome, err := h.payments.HandleWebhook(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// retryOnConflict re-runs op while it fails with a concurrency conflict
func (h *Handler) retryOnConflict(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, apperr.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, h.retries), ctx))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := StatusFor(code)

	msg := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("caller_id", caller(c)),
			zap.Error(err))
		msg = "internal error"
	}

	c.JSON(status, gin.H{"error": msg, "code": code})
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeInvalidArgument, apperr.CodeSignatureInvalid:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeFailedPrecondition, apperr.CodeConflict, apperr.CodeAlreadyExists,
		apperr.CodeAlreadyReviewed, apperr.CodeAlreadyActive:
		return http.StatusConflict
	case apperr.CodeGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// authMiddleware requires a caller identity on every API route
func authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(CallerHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "caller identity required",
				"code":  apperr.CodeUnauthenticated,
			})
			return
		}
		c.Set(callerKey, userID)
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.GetString(callerKey)
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
