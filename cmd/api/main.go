package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/trustpay/backend/internal/chain"
	"github.com/trustpay/backend/internal/config"
	"github.com/trustpay/backend/internal/db"
	"github.com/trustpay/backend/internal/events"
	"github.com/trustpay/backend/internal/gateway"
	apphttp "github.com/trustpay/backend/internal/http"
	"github.com/trustpay/backend/internal/http/handlers"
	"github.com/trustpay/backend/internal/repositories"
	"github.com/trustpay/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	confirmationRepo := repositories.NewConfirmationRepo(pool)
	paymentEventRepo := repositories.NewPaymentEventRepo(pool)
	disputeRepo := repositories.NewDisputeRepo(pool)
	userRepo := repositories.NewUserRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	analyticsRepo := repositories.NewAnalyticsRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Payment gateway
	gw := newGateway(cfg, log)

	// Blockchain audit (optional)
	var chainRecorder services.ChainRecorder
	if cfg.ChainPrivateKey != "" && cfg.ChainContractAddr != "" {
		rec, err := chain.NewRecorder(cfg.ChainRPCURL, cfg.ChainPrivateKey, cfg.ChainContractAddr, log)
		if err != nil {
			log.Warn("blockchain audit disabled", zap.Error(err))
		} else if rec != nil {
			chainRecorder = rec
		}
	}

	// Services
	retryScheduler := services.NewRetryScheduler(rdb, log, cfg.PayoutRetryBase, cfg.PayoutRetryCap)
	escrowService := services.NewEscrowService(
		escrowRepo, confirmationRepo, paymentEventRepo, disputeRepo, userRepo, auditRepo,
		gw, retryScheduler, publisher, chainRecorder, cfg, log,
	)
	webhookService := services.NewWebhookService(escrowService, gw, log)
	analyticsService := services.NewAnalyticsService(analyticsRepo, log)

	// Handlers
	escrowHandler := handlers.NewEscrowHandler(escrowService, log)
	analyticsHandler := handlers.NewAnalyticsHandler(analyticsService, log)
	webhookHandler := handlers.NewWebhookHandler(webhookService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, escrowHandler, analyticsHandler, webhookHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func newGateway(cfg *config.Config, log *zap.Logger) gateway.Gateway {
	switch cfg.PaymentGateway {
	case "setu":
		return gateway.NewSetu(gateway.SetuOptions{
			BaseURL:       cfg.SetuBaseURL,
			APIKey:        cfg.SetuAPIKey,
			WebhookSecret: cfg.SetuWebhookSecret,
			Timeout:       cfg.GatewayTimeout,
		}, log)
	default:
		return gateway.NewRazorpay(gateway.RazorpayOptions{
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			AccountNumber: cfg.RazorpayAccountNumber,
			Timeout:       cfg.GatewayTimeout,
		}, log)
	}
}
