package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/trustpay/backend/internal/config"
	"github.com/trustpay/backend/internal/http/handlers"
	"github.com/trustpay/backend/internal/middleware"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	escrowHandler *handlers.EscrowHandler,
	analyticsHandler *handlers.AnalyticsHandler,
	webhookHandler *handlers.WebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Gateway webhooks (signature-verified, no JWT, no rate limit: the
	// gateway must never be throttled into dropping deliveries)
	api.Post("/webhooks/razorpay", webhookHandler.HandleGatewayWebhook)

	// Rate-limited endpoints
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Escrows
	protected.Post("/escrows", escrowHandler.CreateEscrow)
	protected.Get("/escrows/my", escrowHandler.ListMyEscrows)
	protected.Post("/escrows/join", escrowHandler.JoinEscrow)
	protected.Get("/escrows/:id", escrowHandler.GetEscrow)
	protected.Get("/escrows/:id/activity", escrowHandler.GetEscrowActivity)
	protected.Post("/escrows/:id/confirm", escrowHandler.ConfirmEscrow)
	protected.Post("/escrows/:id/cancel", escrowHandler.CancelEscrow)
	protected.Post("/escrows/:id/dispute", escrowHandler.RaiseDispute)

	// Analytics
	protected.Get("/analytics/stats", analyticsHandler.GetDashboardStats)
	protected.Get("/analytics/history", analyticsHandler.GetTransactionHistory)
	protected.Get("/analytics/distribution", analyticsHandler.GetStatusDistribution)

	// Admin
	admin := protected.Group("/admin", middleware.AdminMiddleware(cfg))
	admin.Post("/disputes/:id/resolve", escrowHandler.ResolveDispute)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
