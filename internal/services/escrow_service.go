package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/trustpay/backend/internal/config"
	"github.com/trustpay/backend/internal/events"
	"github.com/trustpay/backend/internal/gateway"
	"github.com/trustpay/backend/internal/models"
	"go.uber.org/zap"
)

// Store contracts consumed by the orchestrator. The repositories satisfy
// them; tests substitute in-memory fakes.

type EscrowStore interface {
	Create(ctx context.Context, e *models.Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	FindByCode(ctx context.Context, code string) (*models.Escrow, error)
	FindByGatewayOrderID(ctx context.Context, orderID string) (*models.Escrow, error)
	FindByGatewayPaymentID(ctx context.Context, paymentID string) (*models.Escrow, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Escrow, error)
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error) error
	ExpireInitiated(ctx context.Context) ([]models.Escrow, error)
	SetBlockchainTxHash(ctx context.Context, id uuid.UUID, txHash string) error
}

type ConfirmationStore interface {
	Insert(ctx context.Context, tx pgx.Tx, c *models.Confirmation) error
	DistinctRoles(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (int, error)
	ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.Confirmation, error)
}

type PaymentEventStore interface {
	Append(ctx context.Context, ev *models.PaymentEvent) error
	AppendTx(ctx context.Context, tx pgx.Tx, ev *models.PaymentEvent) error
	ExistsTx(ctx context.Context, tx pgx.Tx, gatewayID, eventType, eventStatus string) (bool, error)
	ListByEscrow(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.PaymentEvent, error)
}

type DisputeStore interface {
	Create(ctx context.Context, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.Dispute, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution, status string) error
}

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// PayoutRetryScheduler defers a ReleaseFunds re-attempt.
type PayoutRetryScheduler interface {
	Schedule(ctx context.Context, escrowID uuid.UUID, attempt int) error
}

// ChainRecorder anchors a lifecycle event on the audit chain. Best-effort
// only; a nil recorder disables the side channel.
type ChainRecorder interface {
	RecordStatus(ctx context.Context, escrowID uuid.UUID, status string, amount int64) (string, error)
}

// EscrowService owns every escrow status transition. Nothing else in the
// codebase mutates escrow status.
type EscrowService struct {
	escrows       EscrowStore
	confirmations ConfirmationStore
	paymentEvents PaymentEventStore
	disputes      DisputeStore
	users         UserStore
	audit         AuditStore
	gw            gateway.Gateway
	retries       PayoutRetryScheduler
	publisher     events.Publisher
	chain         ChainRecorder
	cfg           *config.Config
	log           *zap.Logger
}

func NewEscrowService(
	escrows EscrowStore,
	confirmations ConfirmationStore,
	paymentEvents PaymentEventStore,
	disputes DisputeStore,
	users UserStore,
	audit AuditStore,
	gw gateway.Gateway,
	retries PayoutRetryScheduler,
	publisher events.Publisher,
	chain ChainRecorder,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		escrows:       escrows,
		confirmations: confirmations,
		paymentEvents: paymentEvents,
		disputes:      disputes,
		users:         users,
		audit:         audit,
		gw:            gw,
		retries:       retries,
		publisher:     publisher,
		chain:         chain,
		cfg:           cfg,
		log:           log,
	}
}

const maxCodeAttempts = 5

// escrowReference is the merchant-chosen reference attached to gateway
// operations; webhook ingest parses it back into an escrow id.
func escrowReference(id uuid.UUID) string {
	return "escrow_" + id.String()
}

// setStatus performs a guarded transition on the locked row.
func setStatus(e *models.Escrow, to string) error {
	if !models.IsValidTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

// announce records the transition in the audit log, fans the update out to
// subscribed clients and anchors it on the chain. Every branch is
// best-effort: a transition that already committed is never failed here.
func (s *EscrowService) announce(ctx context.Context, e *models.Escrow, oldStatus, eventType string, actorID *uuid.UUID) {
	actorType := "system"
	if actorID != nil {
		actorType = "user"
	}
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: actorID,
		ActorType:   actorType,
		Action:      fmt.Sprintf("escrow_status_%s_to_%s", oldStatus, e.Status),
		EntityType:  "escrow",
		EntityID:    &e.ID,
		Meta:        map[string]any{"old_status": oldStatus, "new_status": e.Status},
	}); err != nil {
		s.log.Warn("audit log write failed", zap.String("escrow_id", e.ID.String()), zap.Error(err))
	}

	payload := map[string]any{
		"escrow_id":  e.ID.String(),
		"payer_id":   e.PayerID.String(),
		"status":     e.Status,
		"amount":     e.Amount,
		"event_type": eventType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if e.PayeeID != nil {
		payload["payee_id"] = e.PayeeID.String()
	}
	if err := s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type:    eventType,
		Payload: payload,
	}); err != nil {
		s.log.Warn("event publish failed", zap.String("escrow_id", e.ID.String()), zap.Error(err))
	}

	if s.chain != nil {
		id, status, amount := e.ID, e.Status, e.Amount
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			txHash, err := s.chain.RecordStatus(cctx, id, status, amount)
			if err != nil {
				s.log.Warn("blockchain audit write failed", zap.String("escrow_id", id.String()), zap.Error(err))
				return
			}
			if err := s.escrows.SetBlockchainTxHash(cctx, id, txHash); err != nil {
				s.log.Warn("blockchain tx hash save failed", zap.String("escrow_id", id.String()), zap.Error(err))
			}
		}()
	}
}

type CreateEscrowInput struct {
	PayeeVPA    string
	Amount      int64
	Currency    string
	Description *string
	OrderID     *string
}

// CreateEscrow persists a new INITIATED escrow with a unique join code and
// asks the gateway for a collection order. A gateway failure is recorded as
// a failed payment event but does not roll the escrow back; payment
// initiation stays retryable and the returned order is nil.
func (s *EscrowService) CreateEscrow(ctx context.Context, payerID uuid.UUID, in CreateEscrowInput) (*models.Escrow, *gateway.OrderRef, error) {
	if in.Amount <= 0 {
		return nil, nil, models.ErrInvalidAmount
	}
	if len(in.Currency) != 3 {
		return nil, nil, models.ErrInvalidCurrency
	}
	if in.PayeeVPA == "" {
		return nil, nil, fmt.Errorf("payee address is required: %w", models.ErrNotParty)
	}

	name, err := NewEscrowName()
	if err != nil {
		return nil, nil, err
	}
	expiresAt := time.Now().UTC().Add(s.cfg.EscrowTTL)

	escrow := &models.Escrow{
		PayerID:      payerID,
		PayeeVPA:     in.PayeeVPA,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Status:       models.EscrowStatusInitiated,
		Description:  in.Description,
		OrderID:      in.OrderID,
		Condition:    "manual_confirm",
		EscrowName:   &name,
		IsCodeActive: true,
		ExpiresAt:    &expiresAt,
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxCodeAttempts {
			return nil, nil, models.ErrCodeGenerationExhausted
		}
		code, err := NewEscrowCode()
		if err != nil {
			return nil, nil, err
		}
		escrow.EscrowCode = code

		err = s.escrows.Create(ctx, escrow)
		if err == nil {
			break
		}
		if isUniqueViolation(err) {
			s.log.Debug("escrow code collision, regenerating", zap.String("code", code))
			continue
		}
		return nil, nil, err
	}

	if err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &payerID,
		ActorType:   "user",
		Action:      "escrow_created",
		EntityType:  "escrow",
		EntityID:    &escrow.ID,
		Meta:        map[string]any{"amount": escrow.Amount, "currency": escrow.Currency},
	}); err != nil {
		s.log.Warn("audit log write failed", zap.Error(err))
	}

	order, err := s.createGatewayOrder(ctx, escrow)
	if err != nil {
		s.log.Error("gateway order creation failed, escrow stays INITIATED",
			zap.String("escrow_id", escrow.ID.String()), zap.Error(err))
		return escrow, nil, nil
	}
	return escrow, order, nil
}

func (s *EscrowService) createGatewayOrder(ctx context.Context, escrow *models.Escrow) (*gateway.OrderRef, error) {
	notes := map[string]string{"escrow_id": escrow.ID.String()}
	if escrow.Description != nil {
		notes["description"] = *escrow.Description
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	order, err := s.gw.CreateOrder(gctx, escrow.Amount, escrow.Currency, escrowReference(escrow.ID), notes)
	if err != nil {
		msg := err.Error()
		if aerr := s.paymentEvents.Append(ctx, &models.PaymentEvent{
			EscrowID:     escrow.ID,
			EventType:    models.PaymentEventPayment,
			EventStatus:  models.PaymentEventFailed,
			Amount:       escrow.Amount,
			Currency:     escrow.Currency,
			ErrorMessage: &msg,
		}); aerr != nil {
			s.log.Warn("payment event append failed", zap.Error(aerr))
		}
		if uerr := s.escrows.Update(ctx, escrow.ID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
			e.LastPaymentError = &msg
			return nil
		}); uerr != nil {
			s.log.Warn("escrow error save failed", zap.Error(uerr))
		}
		return nil, err
	}

	now := time.Now().UTC()
	err = s.escrows.Update(ctx, escrow.ID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		e.GatewayOrderID = &order.ID
		if s.gw.Name() == "setu" {
			e.CollectID = &order.ID
		}
		e.PaymentInitiatedAt = &now
		e.LastPaymentError = nil
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:       e.ID,
			EventType:      models.PaymentEventPayment,
			EventStatus:    models.PaymentEventInitiated,
			GatewayOrderID: &order.ID,
			Amount:         e.Amount,
			Currency:       e.Currency,
		})
	})
	if err != nil {
		return nil, err
	}

	escrow.GatewayOrderID = &order.ID
	escrow.PaymentInitiatedAt = &now
	return order, nil
}

// JoinByCode binds the joiner as the escrow's payee, exactly once, and
// deactivates the code. Re-joining by the already-bound payee is a no-op.
func (s *EscrowService) JoinByCode(ctx context.Context, joinerID uuid.UUID, joinerVPA, code string) (*models.Escrow, error) {
	code = NormalizeEscrowCode(code)
	if len(code) != codeLength {
		return nil, models.ErrMalformedCode
	}

	found, err := s.escrows.FindByCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return nil, models.ErrCodeNotFound
		}
		return nil, err
	}

	// No address in the request: fall back to the joiner's profile VPA.
	if joinerVPA == "" {
		if u, uerr := s.users.GetByID(ctx, joinerID); uerr == nil && u.VPA != nil {
			joinerVPA = *u.VPA
		}
	}

	err = s.escrows.Update(ctx, found.ID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if e.PayeeID != nil && *e.PayeeID == joinerID {
			return nil // already bound, idempotent
		}
		if e.PayerID == joinerID {
			return models.ErrSelfJoin
		}
		if !e.IsCodeActive {
			return models.ErrCodeInactive
		}
		if e.PayeeID != nil {
			return models.ErrPayeeAlreadyBound
		}
		e.PayeeID = &joinerID
		if joinerVPA != "" {
			e.PayeeVPA = joinerVPA
		}
		e.IsCodeActive = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &joinerID,
		ActorType:   "user",
		Action:      "escrow_joined",
		EntityType:  "escrow",
		EntityID:    &found.ID,
	}); err != nil {
		s.log.Warn("audit log write failed", zap.Error(err))
	}

	return s.escrows.GetByID(ctx, found.ID)
}

// Confirmation results
const (
	ConfirmationWaiting   = "waiting"
	ConfirmationReleasing = "releasing"
)

type ConfirmationResult struct {
	Status        string `json:"status"` // waiting / releasing
	DistinctRoles int    `json:"distinct_roles"`
}

// ConfirmCompletion records a party's confirmation. The insert and the
// distinct-role count run inside the escrow's row-lock transaction, so two
// simultaneous confirmations cannot both observe a count of one. When both
// roles have confirmed and the payment is captured, the release path runs.
func (s *EscrowService) ConfirmCompletion(ctx context.Context, escrowID, userID uuid.UUID) (*ConfirmationResult, error) {
	var (
		roles         int
		triggerPayout bool
	)
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if e.Status != models.EscrowStatusInitiated && e.Status != models.EscrowStatusHeld {
			return fmt.Errorf("%w: status is %s", models.ErrNotConfirmable, e.Status)
		}
		role := e.RoleOf(userID)
		if role == "" {
			return models.ErrNotParty
		}
		if err := s.confirmations.Insert(ctx, tx, &models.Confirmation{
			EscrowID: escrowID,
			UserID:   userID,
			Role:     role,
		}); err != nil {
			return err
		}
		n, err := s.confirmations.DistinctRoles(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		roles = n
		triggerPayout = n >= 2 && e.Status == models.EscrowStatusHeld
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ConfirmationResult{Status: ConfirmationWaiting, DistinctRoles: roles}
	if triggerPayout {
		result.Status = ConfirmationReleasing
		// The payout is a blocking network call; it runs after the
		// confirmation commit so the row lock is not held across it.
		if _, err := s.ReleaseFunds(ctx, escrowID); err != nil {
			s.log.Warn("release after confirmation failed, retry scheduler owns it",
				zap.String("escrow_id", escrowID.String()), zap.Error(err))
		}
	}
	return result, nil
}

// ReleaseFunds attempts the payout for a fully-confirmed HELD escrow. The
// in-flight marker is committed before the gateway call so a concurrent
// attempt cannot race a second payout; the escrow only becomes RELEASED when
// the payout.processed webhook arrives.
func (s *EscrowService) ReleaseFunds(ctx context.Context, escrowID uuid.UUID) (*gateway.PayoutRef, error) {
	var escrow *models.Escrow
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if e.Status != models.EscrowStatusHeld {
			return fmt.Errorf("%w: status is %s", models.ErrNotHeld, e.Status)
		}
		n, err := s.confirmations.DistinctRoles(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if n < 2 {
			return models.ErrInsufficientConfirmations
		}
		if e.PayoutInitiatedAt != nil && e.PayoutCompletedAt == nil && e.LastPaymentError == nil {
			return models.ErrPayoutInFlight
		}
		now := time.Now().UTC()
		e.PayoutInitiatedAt = &now
		snapshot := *e
		escrow = &snapshot
		return nil
	})
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	// The reference doubles as the gateway-side idempotency key: every
	// attempt for this escrow names the same logical payout.
	payout, gwErr := s.gw.CreatePayout(gctx, escrow.PayeeVPA, escrow.Amount, escrow.Currency, escrowReference(escrowID))
	if gwErr != nil {
		attempts, err := s.recordPayoutFailure(ctx, escrowID, nil, gwErr.Error(), nil)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("payout failed (attempt %d/%d): %w", attempts, s.cfg.PayoutMaxAttempts, gwErr)
	}

	err = s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if e.GatewayPayoutID == nil {
			e.GatewayPayoutID = &payout.ID
		}
		e.LastPaymentError = nil
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:    e.ID,
			EventType:   models.PaymentEventPayout,
			EventStatus: models.PaymentEventInitiated,
			GatewayID:   &payout.ID,
			Amount:      e.Amount,
			Currency:    e.Currency,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout initiated",
		zap.String("escrow_id", escrowID.String()),
		zap.String("payout_id", payout.ID),
	)
	return payout, nil
}

// recordPayoutFailure books a failed payout attempt: error saved, in-flight
// marker cleared, retry counter bumped, and a re-attempt scheduled while the
// budget lasts. The escrow stays HELD; funds are held, not lost. Returns the
// attempt count after booking.
func (s *EscrowService) recordPayoutFailure(ctx context.Context, escrowID uuid.UUID, gatewayID *string, errMsg string, rawPayload []byte) (int, error) {
	var retryCount int
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if gatewayID != nil {
			exists, err := s.paymentEvents.ExistsTx(ctx, tx, *gatewayID, models.PaymentEventPayout, models.PaymentEventFailed)
			if err != nil {
				return err
			}
			if exists {
				retryCount = e.PayoutRetryCount
				return nil
			}
		}
		e.LastPaymentError = &errMsg
		e.PayoutRetryCount++
		e.PayoutInitiatedAt = nil
		retryCount = e.PayoutRetryCount
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:       e.ID,
			EventType:      models.PaymentEventPayout,
			EventStatus:    models.PaymentEventFailed,
			GatewayID:      gatewayID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			ErrorMessage:   &errMsg,
			WebhookPayload: rawPayload,
		})
	})
	if err != nil {
		return 0, err
	}

	if retryCount < s.cfg.PayoutMaxAttempts {
		if serr := s.retries.Schedule(ctx, escrowID, retryCount); serr != nil {
			s.log.Error("payout retry scheduling failed",
				zap.String("escrow_id", escrowID.String()), zap.Error(serr))
		}
	} else {
		s.log.Error("payout retry budget exhausted, manual intervention required",
			zap.String("escrow_id", escrowID.String()),
			zap.Int("attempts", retryCount),
			zap.String("last_error", errMsg),
		)
	}
	return retryCount, nil
}

// ApplyPaymentCaptured moves INITIATED -> HELD for a captured payment.
// Idempotent: re-delivery of the same gateway payment id is a successful
// no-op. A captured amount that does not match the escrow amount is booked
// as a failed payment and never escrows the funds. If both parties confirmed
// while the escrow was still INITIATED, capture triggers the release path.
func (s *EscrowService) ApplyPaymentCaptured(ctx context.Context, gatewayPaymentID, gatewayOrderID string, escrowID uuid.UUID, capturedAmount int64, rawPayload []byte) error {
	var applied, triggerPayout bool
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		exists, err := s.paymentEvents.ExistsTx(ctx, tx, gatewayPaymentID, models.PaymentEventPayment, models.PaymentEventSuccess)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		// capturedAmount is 0 when the notification omits it.
		if capturedAmount > 0 && capturedAmount != e.Amount {
			s.log.Error("captured amount does not match escrow amount",
				zap.String("escrow_id", e.ID.String()),
				zap.Int64("captured", capturedAmount),
				zap.Int64("expected", e.Amount))
			errMsg := fmt.Sprintf("captured amount %d does not match escrow amount %d", capturedAmount, e.Amount)
			e.LastPaymentError = &errMsg
			return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
				EscrowID:       e.ID,
				EventType:      models.PaymentEventPayment,
				EventStatus:    models.PaymentEventFailed,
				GatewayID:      &gatewayPaymentID,
				Amount:         capturedAmount,
				Currency:       e.Currency,
				ErrorMessage:   &errMsg,
				WebhookPayload: rawPayload,
			})
		}
		if err := setStatus(e, models.EscrowStatusHeld); err != nil {
			return err
		}
		applied = true
		now := time.Now().UTC()
		e.GatewayPaymentID = &gatewayPaymentID
		if gatewayOrderID != "" && e.GatewayOrderID == nil {
			e.GatewayOrderID = &gatewayOrderID
		}
		e.PaymentCompletedAt = &now
		e.LastPaymentError = nil

		n, err := s.confirmations.DistinctRoles(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		triggerPayout = n >= 2

		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:       e.ID,
			EventType:      models.PaymentEventPayment,
			EventStatus:    models.PaymentEventSuccess,
			GatewayID:      &gatewayPaymentID,
			GatewayOrderID: e.GatewayOrderID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			WebhookPayload: rawPayload,
		})
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e, gerr := s.escrows.GetByID(ctx, escrowID)
	if gerr == nil {
		s.announce(ctx, e, models.EscrowStatusInitiated, events.EventPaymentReceived, nil)
	}

	if triggerPayout {
		if _, rerr := s.ReleaseFunds(ctx, escrowID); rerr != nil {
			s.log.Warn("release after capture failed, retry scheduler owns it",
				zap.String("escrow_id", escrowID.String()), zap.Error(rerr))
		}
	}
	return nil
}

// ApplyPaymentFailed records a failed payment; the escrow stays INITIATED
// and the payer can retry.
func (s *EscrowService) ApplyPaymentFailed(ctx context.Context, gatewayPaymentID string, escrowID uuid.UUID, errMsg string, rawPayload []byte) error {
	return s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		exists, err := s.paymentEvents.ExistsTx(ctx, tx, gatewayPaymentID, models.PaymentEventPayment, models.PaymentEventFailed)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		e.LastPaymentError = &errMsg
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:       e.ID,
			EventType:      models.PaymentEventPayment,
			EventStatus:    models.PaymentEventFailed,
			GatewayID:      &gatewayPaymentID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			ErrorMessage:   &errMsg,
			WebhookPayload: rawPayload,
		})
	})
}

// ApplyPayoutSettled moves HELD -> RELEASED once the gateway confirms the
// payout. Idempotent on the gateway payout id.
func (s *EscrowService) ApplyPayoutSettled(ctx context.Context, gatewayPayoutID string, escrowID uuid.UUID, rawPayload []byte) error {
	var applied bool
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		exists, err := s.paymentEvents.ExistsTx(ctx, tx, gatewayPayoutID, models.PaymentEventPayout, models.PaymentEventSuccess)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := setStatus(e, models.EscrowStatusReleased); err != nil {
			return err
		}
		applied = true
		now := time.Now().UTC()
		if e.GatewayPayoutID == nil {
			e.GatewayPayoutID = &gatewayPayoutID
		}
		e.PayoutCompletedAt = &now
		e.LastPaymentError = nil
		e.PayoutRetryCount = 0
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:       e.ID,
			EventType:      models.PaymentEventPayout,
			EventStatus:    models.PaymentEventSuccess,
			GatewayID:      &gatewayPayoutID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			WebhookPayload: rawPayload,
		})
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e, gerr := s.escrows.GetByID(ctx, escrowID)
	if gerr == nil {
		s.announce(ctx, e, models.EscrowStatusHeld, events.EventPayoutSettled, nil)
	}
	return nil
}

// ApplyPayoutFailed books an asynchronous payout failure reported by the
// gateway; same bookkeeping as a synchronous one.
func (s *EscrowService) ApplyPayoutFailed(ctx context.Context, gatewayPayoutID string, escrowID uuid.UUID, errMsg string, rawPayload []byte) error {
	_, err := s.recordPayoutFailure(ctx, escrowID, &gatewayPayoutID, errMsg, rawPayload)
	return err
}

// ApplyRefundSettled moves a non-terminal escrow to REFUNDED once the
// gateway confirms the refund. Idempotent on the gateway refund id.
func (s *EscrowService) ApplyRefundSettled(ctx context.Context, gatewayRefundID string, escrowID uuid.UUID, rawPayload []byte) error {
	var oldStatus string
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		exists, err := s.paymentEvents.ExistsTx(ctx, tx, gatewayRefundID, models.PaymentEventRefund, models.PaymentEventSuccess)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		oldStatus = e.Status
		if err := setStatus(e, models.EscrowStatusRefunded); err != nil {
			return err
		}
		e.GatewayRefundID = &gatewayRefundID
		e.IsCodeActive = false
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:       e.ID,
			EventType:      models.PaymentEventRefund,
			EventStatus:    models.PaymentEventSuccess,
			GatewayID:      &gatewayRefundID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			WebhookPayload: rawPayload,
		})
	})
	if err != nil {
		return err
	}

	if oldStatus != "" {
		e, gerr := s.escrows.GetByID(ctx, escrowID)
		if gerr == nil {
			s.announce(ctx, e, oldStatus, events.EventRefundSettled, nil)
		}
	}
	return nil
}

// CancelEscrow cancels from the payer or payee side. An INITIATED escrow
// with no captured payment refunds immediately with no gateway call; a HELD
// escrow issues a gateway refund and transitions only when the
// refund.processed webhook confirms it.
func (s *EscrowService) CancelEscrow(ctx context.Context, escrowID, userID uuid.UUID) (*models.Escrow, error) {
	var (
		needsGatewayRefund bool
		paymentID          string
		oldStatus          string
	)
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if e.RoleOf(userID) == "" {
			return models.ErrNotParty
		}
		switch {
		case e.Status == models.EscrowStatusInitiated && e.PaymentCompletedAt == nil:
			oldStatus = e.Status
			if err := setStatus(e, models.EscrowStatusRefunded); err != nil {
				return err
			}
			e.IsCodeActive = false
			return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
				EscrowID:    e.ID,
				EventType:   models.PaymentEventRefund,
				EventStatus: models.PaymentEventSuccess,
				Amount:      e.Amount,
				Currency:    e.Currency,
			})
		case e.Status == models.EscrowStatusHeld && e.GatewayPaymentID != nil:
			needsGatewayRefund = true
			paymentID = *e.GatewayPaymentID
			return nil
		case e.Status == models.EscrowStatusRefunded:
			return models.ErrAlreadyRefunded
		default:
			return fmt.Errorf("%w: cancel not allowed in status %s", models.ErrInvalidStateTransition, e.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	if needsGatewayRefund {
		if err := s.requestRefund(ctx, escrowID, paymentID, userID); err != nil {
			return nil, err
		}
	}

	e, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if oldStatus != "" {
		s.announce(ctx, e, oldStatus, events.EventEscrowStatusChanged, &userID)
	}
	return e, nil
}

func (s *EscrowService) requestRefund(ctx context.Context, escrowID uuid.UUID, paymentID string, actorID uuid.UUID) error {
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	refund, err := s.gw.CreateRefund(gctx, paymentID, escrow.Amount, "escrow cancelled")
	if err != nil {
		msg := err.Error()
		if aerr := s.paymentEvents.Append(ctx, &models.PaymentEvent{
			EscrowID:     escrowID,
			EventType:    models.PaymentEventRefund,
			EventStatus:  models.PaymentEventFailed,
			Amount:       escrow.Amount,
			Currency:     escrow.Currency,
			ErrorMessage: &msg,
		}); aerr != nil {
			s.log.Warn("payment event append failed", zap.Error(aerr))
		}
		return fmt.Errorf("refund request failed: %w", err)
	}

	return s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		e.GatewayRefundID = &refund.ID
		return s.paymentEvents.AppendTx(ctx, tx, &models.PaymentEvent{
			EscrowID:    e.ID,
			EventType:   models.PaymentEventRefund,
			EventStatus: models.PaymentEventInitiated,
			GatewayID:   &refund.ID,
			Amount:      e.Amount,
			Currency:    e.Currency,
		})
	})
}

// RaiseDispute flags a non-terminal escrow DISPUTED and opens a dispute
// record. No gateway call is made; resolution is manual.
func (s *EscrowService) RaiseDispute(ctx context.Context, escrowID, userID uuid.UUID, reason string, evidence []string) (*models.Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("dispute reason is required")
	}

	var oldStatus string
	err := s.escrows.Update(ctx, escrowID, func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
		if e.RoleOf(userID) == "" {
			return models.ErrNotParty
		}
		oldStatus = e.Status
		return setStatus(e, models.EscrowStatusDisputed)
	})
	if err != nil {
		return nil, err
	}

	dispute := &models.Dispute{
		EscrowID:      escrowID,
		RaisedBy:      userID,
		Reason:        reason,
		EvidenceLinks: evidence,
		Status:        models.DisputeStatusOpen,
	}
	if err := s.disputes.Create(ctx, dispute); err != nil {
		return nil, err
	}

	e, gerr := s.escrows.GetByID(ctx, escrowID)
	if gerr == nil {
		s.announce(ctx, e, oldStatus, events.EventEscrowStatusChanged, &userID)
	}
	return dispute, nil
}

// ResolveDispute records an operator's resolution text. Any resulting
// release or refund goes through the normal operations.
func (s *EscrowService) ResolveDispute(ctx context.Context, disputeID uuid.UUID, resolution, status string) error {
	if status != models.DisputeStatusResolved && status != models.DisputeStatusClosed {
		return fmt.Errorf("invalid dispute status %q", status)
	}
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if err := s.disputes.Resolve(ctx, disputeID, resolution, status); err != nil {
		return err
	}
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorType:  "admin",
		Action:     "dispute_" + status,
		EntityType: "escrow",
		EntityID:   &d.EscrowID,
		Meta:       map[string]any{"dispute_id": disputeID.String()},
	}); err != nil {
		s.log.Warn("audit log write failed", zap.String("dispute_id", disputeID.String()), zap.Error(err))
	}
	return nil
}

// EscrowActivity is the full paper trail of one escrow.
type EscrowActivity struct {
	Confirmations []models.Confirmation `json:"confirmations"`
	PaymentEvents []models.PaymentEvent `json:"payment_events"`
	Disputes      []models.Dispute      `json:"disputes"`
	AuditTrail    []models.AuditLog     `json:"audit_trail"`
}

// GetEscrowActivity collects confirmations, payment events, disputes and
// audit entries for one escrow. Party visibility is the caller's concern.
func (s *EscrowService) GetEscrowActivity(ctx context.Context, escrowID uuid.UUID) (*EscrowActivity, error) {
	if _, err := s.escrows.GetByID(ctx, escrowID); err != nil {
		return nil, err
	}
	confirmations, err := s.confirmations.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	paymentEvents, err := s.paymentEvents.ListByEscrow(ctx, escrowID, 100, 0)
	if err != nil {
		return nil, err
	}
	disputes, err := s.disputes.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	trail, err := s.audit.GetByEntity(ctx, "escrow", escrowID, 100, 0)
	if err != nil {
		return nil, err
	}
	return &EscrowActivity{
		Confirmations: confirmations,
		PaymentEvents: paymentEvents,
		Disputes:      disputes,
		AuditTrail:    trail,
	}, nil
}

// ExpireEscrows sweeps INITIATED escrows past their TTL.
func (s *EscrowService) ExpireEscrows(ctx context.Context) (int, error) {
	expired, err := s.escrows.ExpireInitiated(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		e := &expired[i]
		s.announce(ctx, e, models.EscrowStatusInitiated, events.EventEscrowStatusChanged, nil)
	}
	return len(expired), nil
}

func (s *EscrowService) GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return s.escrows.GetByID(ctx, id)
}

func (s *EscrowService) ListUserEscrows(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Escrow, error) {
	return s.escrows.ListByUser(ctx, userID, limit, offset)
}

func (s *EscrowService) FindByGatewayOrderID(ctx context.Context, orderID string) (*models.Escrow, error) {
	return s.escrows.FindByGatewayOrderID(ctx, orderID)
}

func (s *EscrowService) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*models.Escrow, error) {
	return s.escrows.FindByGatewayPaymentID(ctx, paymentID)
}
