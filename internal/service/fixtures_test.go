package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/payment"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	buyerID      = "buyer-1"
	sellerID     = "seller-1"
	adminID      = "admin-1"
	otherAdminID = "admin-2"
	outsiderID   = "user-9"

	adminEmail = "agent@x.com"
)

type fakePublisher struct {
	mu            sync.Mutex
	messages      []*models.SystemMessageEvent
	notifications []*models.AdminNotificationEvent
	err           error
}

func (p *fakePublisher) PublishSystemMessage(ctx context.Context, event *models.SystemMessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, event)
	return p.err
}

func (p *fakePublisher) PublishAdminNotification(ctx context.Context, event *models.AdminNotificationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, event)
	return p.err
}

func (p *fakePublisher) countKind(kind string) int {
	n := 0
	for _, k := range p.notificationKinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (p *fakePublisher) notificationKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []string
	for _, n := range p.notifications {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []payment.CheckoutRequest
	err      error
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(g.requests))
	return &payment.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errStoreTimeout = errors.New("db: timeout")

// flakyStore fails the next n calls of selected store operations.
type flakyStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails map[string]int
}

func (s *flakyStore) failNext(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[op]++
}

func (s *flakyStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails[op] == 0 {
		return nil
	}
	s.fails[op]--
	return errStoreTimeout
}

func (s *flakyStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Transaction) error) (*models.Transaction, error) {
	if err := s.fail("ConditionalUpdate"); err != nil {
		return nil, err
	}
	return s.MemoryStore.ConditionalUpdate(ctx, id, expectedVersion, mutate)
}

func (s *flakyStore) RecordPayment(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	if err := s.fail("RecordPayment"); err != nil {
		return false, err
	}
	return s.MemoryStore.RecordPayment(ctx, rec)
}

func (s *flakyStore) CreateDispute(ctx context.Context, d *models.Dispute) error {
	if err := s.fail("CreateDispute"); err != nil {
		return err
	}
	return s.MemoryStore.CreateDispute(ctx, d)
}

func (s *flakyStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := s.fail("IsEventProcessed"); err != nil {
		return false, err
	}
	return s.MemoryStore.IsEventProcessed(ctx, eventID)
}

type fixture struct {
	store     *store.MemoryStore
	flaky     *flakyStore
	publisher *fakePublisher
	gateway   *fakeGateway
	clock     *testClock
	svc       *EscrowService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	util.SetLogger(zap.NewNop())

	ms := store.NewMemoryStore()
	ms.PutUser(&models.User{ID: buyerID, Email: "buyer@x.com", DisplayName: "Buyer"})
	ms.PutUser(&models.User{ID: sellerID, Email: "seller@x.com", DisplayName: "Seller"})
	ms.PutUser(&models.User{ID: adminID, Email: adminEmail, DisplayName: "Agent", IsAdmin: true})
	ms.PutUser(&models.User{ID: otherAdminID, Email: "other@x.com", DisplayName: "Other", IsAdmin: true})
	ms.PutUser(&models.User{ID: outsiderID, Email: "plain@x.com", DisplayName: "Plain"})
	ms.PutProduct(&models.Product{ID: "prod-40", SellerID: sellerID, Name: "Gaming channel", Price: decimal.NewFromInt(40)})
	ms.PutProduct(&models.Product{ID: "prod-10", SellerID: sellerID, Name: "Recipe channel", Price: decimal.NewFromInt(10)})

	f := &fixture{
		store:     ms,
		flaky:     &flakyStore{MemoryStore: ms, fails: map[string]int{}},
		publisher: &fakePublisher{},
		gateway:   &fakeGateway{},
		clock:     &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.svc = NewEscrowService(f.flaky, ms, f.gateway, f.publisher,
		NewFeeCalculator(DefaultFeeRate, DefaultMinimumFee),
		CheckoutConfig{
			Currency:   "usd",
			SuccessURL: "https://app.test/chat/{transactionId}?payment=success",
			CancelURL:  "https://app.test/chat/{transactionId}?payment=cancelled",
		}).WithClock(f.clock.Now)
	return f
}

func (f *fixture) open(t *testing.T, productID string) *models.Transaction {
	t.Helper()
	tx, err := f.svc.OpenTransaction(context.Background(), buyerID, productID, "")
	require.NoError(t, err)
	return tx
}

func (f *fixture) paymentFor(t *testing.T, tx *models.Transaction, eventID string) *payment.PaymentSucceeded {
	t.Helper()
	current, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	return &payment.PaymentSucceeded{
		EventID:       eventID,
		TransactionID: current.ID,
		PayerID:       buyerID,
		SessionID:     current.PaymentSessionID,
		AmountPaid:    MinorUnits(current.TotalAmount),
		Currency:      "usd",
		Status:        payment.StatusPaid,
	}
}

// advance drives a fresh deal up to and including the given state.
func (f *fixture) advance(t *testing.T, productID string, target models.State) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := f.open(t, productID)

	steps := []struct {
		state models.State
		run   func() (*models.Transaction, error)
	}{
		{models.StateOfferConfirmed, func() (*models.Transaction, error) { return f.svc.ConfirmOffer(ctx, tx.ID, sellerID) }},
		{models.StateAwaitingPayment, func() (*models.Transaction, error) {
			if _, err := f.svc.CreatePaymentSession(ctx, tx.ID, buyerID); err != nil {
				return nil, err
			}
			return f.store.GetTransaction(ctx, tx.ID)
		}},
		{models.StatePaymentCompleted, func() (*models.Transaction, error) {
			return f.svc.HandlePaymentSucceeded(ctx, f.paymentFor(t, tx, "evt-"+tx.ID))
		}},
		{models.StateManagerRightsAssigned, func() (*models.Transaction, error) {
			return f.svc.AssignManagerRights(ctx, tx.ID, sellerID, adminEmail)
		}},
		{models.StateTransferWindowOpen, func() (*models.Transaction, error) { return f.svc.StartTransferTimer(ctx, tx.ID, adminID) }},
		{models.StatePrimaryTransferInitiated, func() (*models.Transaction, error) {
			f.clock.Advance(TransferWindow)
			return f.svc.ConfirmPrimaryOwnershipTransfer(ctx, tx.ID, sellerID)
		}},
		{models.StatePrimaryOwnerConfirmed, func() (*models.Transaction, error) {
			return f.svc.ConfirmPrimaryOwnershipByAdmin(ctx, tx.ID, adminID)
		}},
		{models.StateAwaitingSellerReceipt, func() (*models.Transaction, error) { return f.svc.ConfirmPaymentByBuyer(ctx, tx.ID, buyerID) }},
		{models.StateCompleted, func() (*models.Transaction, error) { return f.svc.ConfirmPaymentReceived(ctx, tx.ID, adminID) }},
	}

	if target == models.StateNegotiating {
		return tx
	}
	for _, step := range steps {
		next, err := step.run()
		require.NoError(t, err, "advancing to %s", step.state)
		require.Equal(t, step.state, next.State)
		tx = next
		if step.state == target {
			return tx
		}
	}
	t.Fatalf("unreachable target state %s", target)
	return nil
}
