package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/trustpay/backend/internal/http/dto"
	"github.com/trustpay/backend/internal/middleware"
	"github.com/trustpay/backend/internal/services"
	"go.uber.org/zap"
)

type AnalyticsHandler struct {
	analyticsService *services.AnalyticsService
	log              *zap.Logger
}

func NewAnalyticsHandler(analyticsService *services.AnalyticsService, log *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{analyticsService: analyticsService, log: log}
}

func (h *AnalyticsHandler) GetDashboardStats(c *fiber.Ctx) error {
	stats, err := h.analyticsService.DashboardStats(c.Context(), middleware.GetUserID(c))
	if err != nil {
		h.log.Error("dashboard stats failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: stats})
}

func (h *AnalyticsHandler) GetTransactionHistory(c *fiber.Ctx) error {
	days := 0
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = n
		}
	}

	history, err := h.analyticsService.TransactionHistory(c.Context(), middleware.GetUserID(c), days)
	if err != nil {
		h.log.Error("transaction history failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: history})
}

func (h *AnalyticsHandler) GetStatusDistribution(c *fiber.Ctx) error {
	distribution, err := h.analyticsService.StatusDistribution(c.Context(), middleware.GetUserID(c))
	if err != nil {
		h.log.Error("status distribution failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: distribution})
}
