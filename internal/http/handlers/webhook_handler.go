package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/trustpay/backend/internal/http/dto"
	"github.com/trustpay/backend/internal/models"
	"github.com/trustpay/backend/internal/services"
	"go.uber.org/zap"
)

func isNotFoundErr(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

type WebhookHandler struct {
	webhookService *services.WebhookService
	log            *zap.Logger
}

func NewWebhookHandler(webhookService *services.WebhookService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService, log: log}
}

// HandleGatewayWebhook accepts one gateway notification. The gateway retries
// anything that is not a 2xx, so only errors where a retry can help return
// 5xx.
func (h *WebhookHandler) HandleGatewayWebhook(c *fiber.Ctx) error {
	signature := c.Get("X-Razorpay-Signature")
	if signature == "" {
		signature = c.Get("X-Setu-Signature")
	}

	err := h.webhookService.Ingest(c.Context(), c.Body(), signature)
	switch {
	case err == nil:
		return c.JSON(dto.SuccessResponse{OK: true})
	case errors.Is(err, models.ErrBadWebhookSignature):
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, models.ErrMalformedWebhook):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "malformed payload"})
	default:
		h.log.Error("webhook processing failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}
