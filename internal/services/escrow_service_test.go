package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustpay/backend/internal/config"
	"github.com/trustpay/backend/internal/events"
	"github.com/trustpay/backend/internal/gateway"
	"github.com/trustpay/backend/internal/models"
	"go.uber.org/zap"
)

// In-memory fakes for the store contracts. pgx.Tx travels through them as
// nil; nothing here touches it.

type fakeEscrowStore struct {
	mu      sync.Mutex
	escrows map[uuid.UUID]*models.Escrow
}

func newFakeEscrowStore() *fakeEscrowStore {
	return &fakeEscrowStore{escrows: make(map[uuid.UUID]*models.Escrow)}
}

func (s *fakeEscrowStore) Create(ctx context.Context, e *models.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.escrows {
		if other.EscrowCode == e.EscrowCode {
			return fmt.Errorf("duplicate escrow_code %s", e.EscrowCode)
		}
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *fakeEscrowStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (s *fakeEscrowStore) FindByCode(ctx context.Context, code string) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.EscrowCode == code {
			cp := *e
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeEscrowStore) FindByGatewayOrderID(ctx context.Context, orderID string) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.GatewayOrderID != nil && *e.GatewayOrderID == orderID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeEscrowStore) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.GatewayPaymentID != nil && *e.GatewayPaymentID == paymentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeEscrowStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Escrow
	for _, e := range s.escrows {
		if e.PayerID == userID || (e.PayeeID != nil && *e.PayeeID == userID) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeEscrowStore) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return pgx.ErrNoRows
	}
	cp := *e
	if err := fn(ctx, nil, &cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.escrows[id] = &cp
	return nil
}

func (s *fakeEscrowStore) ExpireInitiated(ctx context.Context) ([]models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var expired []models.Escrow
	for _, e := range s.escrows {
		if e.Status == models.EscrowStatusInitiated && e.ExpiresAt != nil && e.ExpiresAt.Before(now) && e.PaymentCompletedAt == nil {
			e.Status = models.EscrowStatusExpired
			e.IsCodeActive = false
			expired = append(expired, *e)
		}
	}
	return expired, nil
}

func (s *fakeEscrowStore) SetBlockchainTxHash(ctx context.Context, id uuid.UUID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.escrows[id]; ok {
		e.BlockchainTxHash = &txHash
	}
	return nil
}

// put seeds an escrow directly, bypassing CreateEscrow.
func (s *fakeEscrowStore) put(e *models.Escrow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	s.escrows[e.ID] = &cp
}

type fakeConfirmationStore struct {
	mu    sync.Mutex
	roles map[uuid.UUID]map[uuid.UUID]string // escrow -> user -> role
}

func newFakeConfirmationStore() *fakeConfirmationStore {
	return &fakeConfirmationStore{roles: make(map[uuid.UUID]map[uuid.UUID]string)}
}

func (s *fakeConfirmationStore) Insert(ctx context.Context, tx pgx.Tx, c *models.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[c.EscrowID] == nil {
		s.roles[c.EscrowID] = make(map[uuid.UUID]string)
	}
	if _, ok := s.roles[c.EscrowID][c.UserID]; !ok {
		s.roles[c.EscrowID][c.UserID] = c.Role
	}
	return nil
}

func (s *fakeConfirmationStore) DistinctRoles(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	distinct := make(map[string]struct{})
	for _, role := range s.roles[escrowID] {
		distinct[role] = struct{}{}
	}
	return len(distinct), nil
}

func (s *fakeConfirmationStore) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Confirmation
	for userID, role := range s.roles[escrowID] {
		out = append(out, models.Confirmation{EscrowID: escrowID, UserID: userID, Role: role})
	}
	return out, nil
}

type fakePaymentEventStore struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (s *fakePaymentEventStore) key(ev *models.PaymentEvent) string {
	if ev.GatewayID == nil {
		return ""
	}
	return *ev.GatewayID + "|" + ev.EventType + "|" + ev.EventStatus
}

func (s *fakePaymentEventStore) Append(ctx context.Context, ev *models.PaymentEvent) error {
	return s.AppendTx(ctx, nil, ev)
}

func (s *fakePaymentEventStore) AppendTx(ctx context.Context, tx pgx.Tx, ev *models.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k := s.key(ev); k != "" {
		for i := range s.events {
			if s.key(&s.events[i]) == k {
				return nil
			}
		}
	}
	ev.ID = uuid.New()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakePaymentEventStore) ExistsTx(ctx context.Context, tx pgx.Tx, gatewayID, eventType, eventStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		ev := &s.events[i]
		if ev.GatewayID != nil && *ev.GatewayID == gatewayID && ev.EventType == eventType && ev.EventStatus == eventStatus {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakePaymentEventStore) ListByEscrow(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentEvent
	for i := range s.events {
		if s.events[i].EscrowID == escrowID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *fakePaymentEventStore) count(eventType, eventStatus string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.events {
		if s.events[i].EventType == eventType && s.events[i].EventStatus == eventStatus {
			n++
		}
	}
	return n
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[uuid.UUID]*models.User)}
}

func (s *fakeUserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) put(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

type fakeDisputeStore struct {
	mu       sync.Mutex
	disputes []models.Dispute
}

func (s *fakeDisputeStore) Create(ctx context.Context, d *models.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = uuid.New()
	s.disputes = append(s.disputes, *d)
	return nil
}

func (s *fakeDisputeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.disputes {
		if s.disputes[i].ID == id {
			cp := s.disputes[i]
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeDisputeStore) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Dispute
	for i := range s.disputes {
		if s.disputes[i].EscrowID == escrowID {
			out = append(out, s.disputes[i])
		}
	}
	return out, nil
}

func (s *fakeDisputeStore) Resolve(ctx context.Context, id uuid.UUID, resolution, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.disputes {
		if s.disputes[i].ID == id {
			s.disputes[i].AdminResolution = &resolution
			s.disputes[i].Status = status
			return nil
		}
	}
	return pgx.ErrNoRows
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (s *fakeAuditStore) Log(ctx context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeAuditStore) GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for i := range s.entries {
		e := s.entries[i]
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeScheduler struct {
	mu       sync.Mutex
	attempts []int
}

func (s *fakeScheduler) Schedule(ctx context.Context, escrowID uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(ctx context.Context, stream string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeGateway struct {
	mu          sync.Mutex
	orderErr    error
	payoutErr   error
	refundErr   error
	orderCalls  int
	payoutCalls int
	refundCalls int
	sigValid    bool
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, reference string, notes map[string]string) (*gateway.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderCalls++
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	return &gateway.OrderRef{ID: "order_" + reference, Amount: amount, Currency: currency}, nil
}

func (g *fakeGateway) CreatePayout(ctx context.Context, payeeVPA string, amount int64, currency, reference string) (*gateway.PayoutRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payoutCalls++
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return &gateway.PayoutRef{ID: "pout_" + reference, Status: "processing"}, nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, paymentID string, amount int64, reason string) (*gateway.RefundRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gateway.RefundRef{ID: "rfnd_" + paymentID, Status: "processing"}, nil
}

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return g.sigValid
}

type testEnv struct {
	svc      *EscrowService
	escrows  *fakeEscrowStore
	confirms *fakeConfirmationStore
	payments *fakePaymentEventStore
	disputes *fakeDisputeStore
	users    *fakeUserStore
	audit    *fakeAuditStore
	sched    *fakeScheduler
	pub      *fakePublisher
	gw       *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		escrows:  newFakeEscrowStore(),
		confirms: newFakeConfirmationStore(),
		payments: &fakePaymentEventStore{},
		disputes: &fakeDisputeStore{},
		users:    newFakeUserStore(),
		audit:    &fakeAuditStore{},
		sched:    &fakeScheduler{},
		pub:      &fakePublisher{},
		gw:       &fakeGateway{sigValid: true},
	}
	cfg := &config.Config{
		PaymentGateway:    "razorpay",
		GatewayTimeout:    5 * time.Second,
		EscrowTTL:         time.Hour,
		PayoutMaxAttempts: 3,
		PayoutRetryBase:   30 * time.Second,
		PayoutRetryCap:    600 * time.Second,
	}
	env.svc = NewEscrowService(
		env.escrows, env.confirms, env.payments, env.disputes, env.users, env.audit,
		env.gw, env.sched, env.pub, nil, cfg, zap.NewNop(),
	)
	return env
}

// heldEscrow seeds a HELD escrow with payer and bound payee.
func (env *testEnv) heldEscrow(payerID, payeeID uuid.UUID) *models.Escrow {
	paymentID := "pay_seed"
	now := time.Now().UTC()
	e := &models.Escrow{
		PayerID:            payerID,
		PayeeID:            &payeeID,
		PayeeVPA:           "payee@upi",
		Amount:             50000,
		Currency:           "INR",
		Status:             models.EscrowStatusHeld,
		EscrowCode:         "ABCD23",
		GatewayPaymentID:   &paymentID,
		PaymentCompletedAt: &now,
	}
	env.escrows.put(e)
	return e
}

func TestCreateEscrowValidation(t *testing.T) {
	env := newTestEnv(t)
	payer := uuid.New()

	_, _, err := env.svc.CreateEscrow(context.Background(), payer, CreateEscrowInput{PayeeVPA: "a@upi", Amount: 0, Currency: "INR"})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, _, err = env.svc.CreateEscrow(context.Background(), payer, CreateEscrowInput{PayeeVPA: "a@upi", Amount: 100, Currency: "RUPEES"})
	assert.ErrorIs(t, err, models.ErrInvalidCurrency)
}

func TestCreateEscrowSuccess(t *testing.T) {
	env := newTestEnv(t)
	payer := uuid.New()

	e, order, err := env.svc.CreateEscrow(context.Background(), payer, CreateEscrowInput{
		PayeeVPA: "payee@upi", Amount: 50000, Currency: "INR",
	})
	require.NoError(t, err)
	require.NotNil(t, order)

	assert.Equal(t, models.EscrowStatusInitiated, e.Status)
	assert.Len(t, e.EscrowCode, 6)
	assert.True(t, e.IsCodeActive)
	assert.NotNil(t, e.GatewayOrderID)
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayment, models.PaymentEventInitiated))

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, *stored.GatewayOrderID)
	assert.NotNil(t, stored.PaymentInitiatedAt)
}

func TestCreateEscrowGatewayDown(t *testing.T) {
	env := newTestEnv(t)
	env.gw.orderErr = errors.New("gateway 503")
	payer := uuid.New()

	e, order, err := env.svc.CreateEscrow(context.Background(), payer, CreateEscrowInput{
		PayeeVPA: "payee@upi", Amount: 50000, Currency: "INR",
	})
	require.NoError(t, err)
	assert.Nil(t, order)

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusInitiated, stored.Status)
	assert.NotNil(t, stored.LastPaymentError)
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayment, models.PaymentEventFailed))
}

func TestJoinByCode(t *testing.T) {
	env := newTestEnv(t)
	payer := uuid.New()
	e, _, err := env.svc.CreateEscrow(context.Background(), payer, CreateEscrowInput{
		PayeeVPA: "pending@upi", Amount: 50000, Currency: "INR",
	})
	require.NoError(t, err)

	t.Run("malformed code", func(t *testing.T) {
		_, err := env.svc.JoinByCode(context.Background(), uuid.New(), "", "AB")
		assert.ErrorIs(t, err, models.ErrMalformedCode)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := env.svc.JoinByCode(context.Background(), uuid.New(), "", "ZZZZ99")
		assert.ErrorIs(t, err, models.ErrCodeNotFound)
	})

	t.Run("self join", func(t *testing.T) {
		_, err := env.svc.JoinByCode(context.Background(), payer, "", e.EscrowCode)
		assert.ErrorIs(t, err, models.ErrSelfJoin)
	})

	payee := uuid.New()
	t.Run("binds payee and deactivates code", func(t *testing.T) {
		joined, err := env.svc.JoinByCode(context.Background(), payee, "payee@upi", e.EscrowCode)
		require.NoError(t, err)
		require.NotNil(t, joined.PayeeID)
		assert.Equal(t, payee, *joined.PayeeID)
		assert.Equal(t, "payee@upi", joined.PayeeVPA)
		assert.False(t, joined.IsCodeActive)
	})

	t.Run("re-join by bound payee is a no-op", func(t *testing.T) {
		joined, err := env.svc.JoinByCode(context.Background(), payee, "", e.EscrowCode)
		require.NoError(t, err)
		assert.Equal(t, payee, *joined.PayeeID)
	})

	t.Run("third party rejected after binding", func(t *testing.T) {
		_, err := env.svc.JoinByCode(context.Background(), uuid.New(), "", e.EscrowCode)
		assert.ErrorIs(t, err, models.ErrCodeInactive)
	})
}

func TestJoinByCodeUsesProfileVPA(t *testing.T) {
	env := newTestEnv(t)
	payer := uuid.New()
	e, _, err := env.svc.CreateEscrow(context.Background(), payer, CreateEscrowInput{
		PayeeVPA: "pending@upi", Amount: 50000, Currency: "INR",
	})
	require.NoError(t, err)

	payee := uuid.New()
	profileVPA := "profile@upi"
	env.users.put(&models.User{ID: payee, Email: "payee@example.test", VPA: &profileVPA})

	joined, err := env.svc.JoinByCode(context.Background(), payee, "", e.EscrowCode)
	require.NoError(t, err)
	assert.Equal(t, profileVPA, joined.PayeeVPA)
}

func TestConfirmCompletionSinglePartyWaits(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	result, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, ConfirmationWaiting, result.Status)
	assert.Equal(t, 1, result.DistinctRoles)
	assert.Equal(t, 0, env.gw.payoutCalls)

	// Re-confirming the same party adds nothing
	result, err = env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DistinctRoles)
}

func TestConfirmCompletionNonParty(t *testing.T) {
	env := newTestEnv(t)
	e := env.heldEscrow(uuid.New(), uuid.New())

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotParty)
}

func TestConfirmCompletionTerminalStatus(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)
	require.NoError(t, env.escrows.Update(context.Background(), e.ID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		e.Status = models.EscrowStatusReleased
		return nil
	}))

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	assert.ErrorIs(t, err, models.ErrNotConfirmable)
}

func TestDualConfirmationTriggersPayout(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)

	result, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payee)
	require.NoError(t, err)
	assert.Equal(t, ConfirmationReleasing, result.Status)
	assert.Equal(t, 2, result.DistinctRoles)
	assert.Equal(t, 1, env.gw.payoutCalls)

	// Payout accepted but not settled: the escrow stays HELD with the
	// in-flight marker set.
	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, stored.Status)
	assert.NotNil(t, stored.PayoutInitiatedAt)
	assert.NotNil(t, stored.GatewayPayoutID)

	// Settlement webhook completes the release.
	require.NoError(t, env.svc.ApplyPayoutSettled(context.Background(), *stored.GatewayPayoutID, e.ID, nil))
	stored, err = env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, stored.Status)
	assert.NotNil(t, stored.PayoutCompletedAt)
	assert.Equal(t, 0, stored.PayoutRetryCount)
}

func TestReleaseFundsGuards(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()

	t.Run("not held", func(t *testing.T) {
		e := &models.Escrow{PayerID: payer, PayeeID: &payee, PayeeVPA: "p@upi", Amount: 100, Currency: "INR", Status: models.EscrowStatusInitiated, EscrowCode: "AAAA22"}
		env.escrows.put(e)
		_, err := env.svc.ReleaseFunds(context.Background(), e.ID)
		assert.ErrorIs(t, err, models.ErrNotHeld)
	})

	t.Run("insufficient confirmations", func(t *testing.T) {
		e := env.heldEscrow(payer, payee)
		_, err := env.svc.ReleaseFunds(context.Background(), e.ID)
		assert.ErrorIs(t, err, models.ErrInsufficientConfirmations)
	})

	t.Run("payout in flight", func(t *testing.T) {
		e := env.heldEscrow(payer, payee)
		_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
		require.NoError(t, err)
		_, err = env.svc.ConfirmCompletion(context.Background(), e.ID, payee)
		require.NoError(t, err)

		// The confirmation path already initiated the payout.
		_, err = env.svc.ReleaseFunds(context.Background(), e.ID)
		assert.ErrorIs(t, err, models.ErrPayoutInFlight)
	})
}

func TestPaymentCapturedIdempotent(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := &models.Escrow{
		PayerID: payer, PayeeID: &payee, PayeeVPA: "p@upi",
		Amount: 50000, Currency: "INR",
		Status: models.EscrowStatusInitiated, EscrowCode: "BBBB33",
	}
	env.escrows.put(e)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.svc.ApplyPaymentCaptured(context.Background(), "pay_123", "order_1", e.ID, 50000, nil))
	}

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, stored.Status)
	assert.Equal(t, "pay_123", *stored.GatewayPaymentID)
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayment, models.PaymentEventSuccess))
	assert.Equal(t, 1, env.pub.count())
}

func TestPaymentCapturedTriggersPayoutWhenPreConfirmed(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := &models.Escrow{
		PayerID: payer, PayeeID: &payee, PayeeVPA: "p@upi",
		Amount: 50000, Currency: "INR",
		Status: models.EscrowStatusInitiated, EscrowCode: "CCCC44",
	}
	env.escrows.put(e)

	// Both parties confirm while the payment is still pending.
	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	_, err = env.svc.ConfirmCompletion(context.Background(), e.ID, payee)
	require.NoError(t, err)
	assert.Equal(t, 0, env.gw.payoutCalls)

	require.NoError(t, env.svc.ApplyPaymentCaptured(context.Background(), "pay_456", "", e.ID, 50000, nil))
	assert.Equal(t, 1, env.gw.payoutCalls)
}

func TestPaymentCapturedConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := &models.Escrow{
		PayerID: payer, PayeeID: &payee, PayeeVPA: "p@upi",
		Amount: 50000, Currency: "INR",
		Status: models.EscrowStatusInitiated, EscrowCode: "DDDD55",
	}
	env.escrows.put(e)

	// The same delivery lands twice at the same time. The row lock
	// serializes the two appliers; exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.svc.ApplyPaymentCaptured(context.Background(), "pay_777", "order_7", e.ID, 50000, nil)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, stored.Status)
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayment, models.PaymentEventSuccess))
	assert.Equal(t, 1, env.audit.count())
	assert.Equal(t, 1, env.pub.count())
}

func TestPayoutSettledConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	_, err = env.svc.ConfirmCompletion(context.Background(), e.ID, payee)
	require.NoError(t, err)
	auditBefore := env.audit.count()
	pubBefore := env.pub.count()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.svc.ApplyPayoutSettled(context.Background(), "pout_888", e.ID, nil)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, stored.Status)
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayout, models.PaymentEventSuccess))
	assert.Equal(t, auditBefore+1, env.audit.count())
	assert.Equal(t, pubBefore+1, env.pub.count())
}

func TestPaymentCapturedAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := &models.Escrow{
		PayerID: payer, PayeeID: &payee, PayeeVPA: "p@upi",
		Amount: 50000, Currency: "INR",
		Status: models.EscrowStatusInitiated, EscrowCode: "EEEE66",
	}
	env.escrows.put(e)

	require.NoError(t, env.svc.ApplyPaymentCaptured(context.Background(), "pay_999", "order_9", e.ID, 40000, nil))

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusInitiated, stored.Status)
	assert.Nil(t, stored.GatewayPaymentID)
	require.NotNil(t, stored.LastPaymentError)
	assert.Contains(t, *stored.LastPaymentError, "does not match")
	assert.Equal(t, 0, env.payments.count(models.PaymentEventPayment, models.PaymentEventSuccess))
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayment, models.PaymentEventFailed))
	assert.Equal(t, 0, env.pub.count())

	// A corrected capture for the full amount still escrows the funds.
	require.NoError(t, env.svc.ApplyPaymentCaptured(context.Background(), "pay_1000", "order_9", e.ID, 50000, nil))
	stored, err = env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, stored.Status)
	assert.Nil(t, stored.LastPaymentError)
}

func TestPayoutFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	env.gw.payoutErr = errors.New("beneficiary bank offline")
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	_, err = env.svc.ConfirmCompletion(context.Background(), e.ID, payee)
	require.NoError(t, err) // release failure is absorbed, confirmation stands

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, stored.Status)
	assert.Equal(t, 1, stored.PayoutRetryCount)
	assert.Nil(t, stored.PayoutInitiatedAt)
	assert.NotNil(t, stored.LastPaymentError)
	assert.Equal(t, []int{1}, env.sched.attempts)
}

func TestPayoutRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.gw.payoutErr = errors.New("beneficiary bank offline")
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	_, err = env.svc.ConfirmCompletion(context.Background(), e.ID, payee)
	require.NoError(t, err)

	// Drain the retry budget.
	for i := 0; i < 2; i++ {
		_, err = env.svc.ReleaseFunds(context.Background(), e.ID)
		require.Error(t, err)
	}

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, stored.Status)
	assert.Equal(t, 3, stored.PayoutRetryCount)
	// Attempts 1 and 2 were scheduled; attempt 3 exhausted the budget.
	assert.Equal(t, []int{1, 2}, env.sched.attempts)

	// A late gateway recovery still settles normally.
	env.gw.payoutErr = nil
	payout, err := env.svc.ReleaseFunds(context.Background(), e.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.ApplyPayoutSettled(context.Background(), payout.ID, e.ID, nil))

	stored, err = env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, stored.Status)
}

func TestApplyPayoutFailedIdempotent(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.svc.ApplyPayoutFailed(context.Background(), "pout_1", e.ID, "rejected", nil))
	}

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PayoutRetryCount)
	assert.Equal(t, 1, env.payments.count(models.PaymentEventPayout, models.PaymentEventFailed))
	assert.Equal(t, []int{1}, env.sched.attempts)
}

func TestCancelInitiatedWithoutPayment(t *testing.T) {
	env := newTestEnv(t)
	payer := uuid.New()
	e := &models.Escrow{
		PayerID: payer, PayeeVPA: "p@upi", Amount: 100, Currency: "INR",
		Status: models.EscrowStatusInitiated, EscrowCode: "DDDD55", IsCodeActive: true,
	}
	env.escrows.put(e)

	cancelled, err := env.svc.CancelEscrow(context.Background(), e.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, cancelled.Status)
	assert.False(t, cancelled.IsCodeActive)
	assert.Equal(t, 0, env.gw.refundCalls)

	_, err = env.svc.CancelEscrow(context.Background(), e.ID, payer)
	assert.ErrorIs(t, err, models.ErrAlreadyRefunded)
}

func TestCancelHeldIssuesGatewayRefund(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	afterCancel, err := env.svc.CancelEscrow(context.Background(), e.ID, payer)
	require.NoError(t, err)
	// Money moves only on webhook confirmation.
	assert.Equal(t, models.EscrowStatusHeld, afterCancel.Status)
	assert.Equal(t, 1, env.gw.refundCalls)
	require.NotNil(t, afterCancel.GatewayRefundID)

	require.NoError(t, env.svc.ApplyRefundSettled(context.Background(), *afterCancel.GatewayRefundID, e.ID, nil))
	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, stored.Status)
}

func TestCancelNonParty(t *testing.T) {
	env := newTestEnv(t)
	e := env.heldEscrow(uuid.New(), uuid.New())

	_, err := env.svc.CancelEscrow(context.Background(), e.ID, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotParty)
}

func TestRaiseAndResolveDispute(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	dispute, err := env.svc.RaiseDispute(context.Background(), e.ID, payee, "goods not delivered", []string{"https://evidence.example/1"})
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusOpen, dispute.Status)

	stored, err := env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusDisputed, stored.Status)

	require.NoError(t, env.svc.ResolveDispute(context.Background(), dispute.ID, "refund issued manually", models.DisputeStatusResolved))
	assert.Equal(t, models.DisputeStatusResolved, env.disputes.disputes[0].Status)

	// Unknown dispute ids surface as not-found, not as silent no-ops.
	err = env.svc.ResolveDispute(context.Background(), uuid.New(), "whatever", models.DisputeStatusClosed)
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	// Disputed escrows can still be refunded via the normal path.
	require.NoError(t, env.svc.ApplyRefundSettled(context.Background(), "rfnd_manual", e.ID, nil))
	stored, err = env.escrows.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, stored.Status)
}

func TestGetEscrowActivity(t *testing.T) {
	env := newTestEnv(t)
	payer, payee := uuid.New(), uuid.New()
	e := env.heldEscrow(payer, payee)

	_, err := env.svc.ConfirmCompletion(context.Background(), e.ID, payer)
	require.NoError(t, err)
	_, err = env.svc.RaiseDispute(context.Background(), e.ID, payee, "goods not delivered", nil)
	require.NoError(t, err)

	activity, err := env.svc.GetEscrowActivity(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, activity.Confirmations, 1)
	assert.Equal(t, models.ConfirmationRolePayer, activity.Confirmations[0].Role)
	require.Len(t, activity.Disputes, 1)
	assert.Equal(t, "goods not delivered", activity.Disputes[0].Reason)
	// The HELD -> DISPUTED transition left an audit entry.
	require.NotEmpty(t, activity.AuditTrail)
	assert.Equal(t, "escrow_status_HELD_to_DISPUTED", activity.AuditTrail[len(activity.AuditTrail)-1].Action)

	_, err = env.svc.GetEscrowActivity(context.Background(), uuid.New())
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestExpireEscrows(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().UTC().Add(-time.Hour)
	stale := &models.Escrow{
		PayerID: uuid.New(), PayeeVPA: "p@upi", Amount: 100, Currency: "INR",
		Status: models.EscrowStatusInitiated, EscrowCode: "EEEE66", ExpiresAt: &past,
	}
	env.escrows.put(stale)

	fresh := env.heldEscrow(uuid.New(), uuid.New())

	n, err := env.svc.ExpireEscrows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := env.escrows.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusExpired, stored.Status)

	kept, err := env.escrows.GetByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, kept.Status)
}
