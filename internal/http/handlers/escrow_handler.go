package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/trustpay/backend/internal/http/dto"
	"github.com/trustpay/backend/internal/middleware"
	"github.com/trustpay/backend/internal/models"
	"github.com/trustpay/backend/internal/services"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	payerID := middleware.GetUserID(c)
	escrow, order, err := h.escrowService.CreateEscrow(c.Context(), payerID, services.CreateEscrowInput{
		PayeeVPA:    req.PayeeVPA,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		OrderID:     req.OrderID,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidAmount),
			errors.Is(err, models.ErrInvalidCurrency),
			errors.Is(err, models.ErrNotParty):
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		default:
			h.log.Error("create escrow failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
	}

	resp := dto.CreateEscrowResponse{Escrow: escrow}
	if order != nil {
		resp.Payment = &dto.PaymentOrderInfo{
			GatewayOrderID: order.ID,
			Amount:         order.Amount,
			Currency:       order.Currency,
			PaymentLink:    order.PaymentLink,
		}
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: resp})
}

func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	escrow, err := h.escrowService.GetEscrow(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
	}

	// Parties only
	if escrow.RoleOf(middleware.GetUserID(c)) == "" {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) GetEscrowActivity(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	escrow, err := h.escrowService.GetEscrow(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
	}

	// Parties only
	if escrow.RoleOf(middleware.GetUserID(c)) == "" {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
	}

	activity, err := h.escrowService.GetEscrowActivity(c.Context(), id)
	if err != nil {
		h.log.Error("escrow activity failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: activity})
}

func (h *EscrowHandler) ListMyEscrows(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	limit, offset := 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	escrows, err := h.escrowService.ListUserEscrows(c.Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("list escrows failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrows})
}

func (h *EscrowHandler) JoinEscrow(c *fiber.Ctx) error {
	var req dto.JoinEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	joinerID := middleware.GetUserID(c)
	escrow, err := h.escrowService.JoinByCode(c.Context(), joinerID, req.VPA, req.EscrowCode)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrCodeNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow code not found"})
		case errors.Is(err, models.ErrMalformedCode),
			errors.Is(err, models.ErrCodeInactive),
			errors.Is(err, models.ErrSelfJoin),
			errors.Is(err, models.ErrPayeeAlreadyBound):
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		default:
			h.log.Error("join escrow failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) ConfirmEscrow(c *fiber.Ctx) error {
	escrowID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	userID := middleware.GetUserID(c)
	result, err := h.escrowService.ConfirmCompletion(c.Context(), escrowID, userID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotParty):
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, models.ErrNotConfirmable):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
		case isNotFoundErr(err):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
		default:
			h.log.Error("confirm escrow failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ConfirmResponse{
		Status:        result.Status,
		DistinctRoles: result.DistinctRoles,
	}})
}

func (h *EscrowHandler) CancelEscrow(c *fiber.Ctx) error {
	escrowID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	userID := middleware.GetUserID(c)
	escrow, err := h.escrowService.CancelEscrow(c.Context(), escrowID, userID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotParty):
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, models.ErrInvalidStateTransition),
			errors.Is(err, models.ErrAlreadyRefunded),
			errors.Is(err, models.ErrPayoutInFlight):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
		case isNotFoundErr(err):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
		default:
			h.log.Error("cancel escrow failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) RaiseDispute(c *fiber.Ctx) error {
	escrowID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	var req dto.RaiseDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	userID := middleware.GetUserID(c)
	dispute, err := h.escrowService.RaiseDispute(c.Context(), escrowID, userID, req.Reason, req.Evidence)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotParty):
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, models.ErrInvalidStateTransition):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
		case isNotFoundErr(err):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
		default:
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dispute})
}

func (h *EscrowHandler) ResolveDispute(c *fiber.Ctx) error {
	disputeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid dispute id"})
	}

	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	if err := h.escrowService.ResolveDispute(c.Context(), disputeID, req.Resolution, req.Status); err != nil {
		if isNotFoundErr(err) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "dispute not found"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.SuccessResponse{OK: true})
}
