package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trustpay/backend/internal/chain"
	"github.com/trustpay/backend/internal/config"
	"github.com/trustpay/backend/internal/db"
	"github.com/trustpay/backend/internal/events"
	"github.com/trustpay/backend/internal/gateway"
	"github.com/trustpay/backend/internal/models"
	"github.com/trustpay/backend/internal/repositories"
	"github.com/trustpay/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	escrowRepo := repositories.NewEscrowRepo(pool)
	confirmationRepo := repositories.NewConfirmationRepo(pool)
	paymentEventRepo := repositories.NewPaymentEventRepo(pool)
	disputeRepo := repositories.NewDisputeRepo(pool)
	userRepo := repositories.NewUserRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	gw := newGateway(cfg, log)

	var chainRecorder services.ChainRecorder
	if cfg.ChainPrivateKey != "" && cfg.ChainContractAddr != "" {
		rec, err := chain.NewRecorder(cfg.ChainRPCURL, cfg.ChainPrivateKey, cfg.ChainContractAddr, log)
		if err != nil {
			log.Warn("blockchain audit disabled", zap.Error(err))
		} else if rec != nil {
			chainRecorder = rec
		}
	}

	retryScheduler := services.NewRetryScheduler(rdb, log, cfg.PayoutRetryBase, cfg.PayoutRetryCap)
	escrowService := services.NewEscrowService(
		escrowRepo, confirmationRepo, paymentEventRepo, disputeRepo, userRepo, auditRepo,
		gw, retryScheduler, publisher, chainRecorder, cfg, log,
	)

	log.Info("worker started")

	// Run jobs on tickers
	retryTicker := time.NewTicker(10 * time.Second)
	expiryTicker := time.NewTicker(1 * time.Minute)
	defer retryTicker.Stop()
	defer expiryTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-retryTicker.C:
			runPayoutRetries(ctx, retryScheduler, escrowService, log)
		case <-expiryTicker.C:
			runExpiry(ctx, escrowService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runPayoutRetries(ctx context.Context, scheduler *services.RetryScheduler, escrowService *services.EscrowService, log *zap.Logger) {
	ids, err := scheduler.PopDue(ctx)
	if err != nil {
		log.Error("failed to read due payout retries", zap.Error(err))
		return
	}

	for _, id := range ids {
		log.Info("retrying payout", zap.String("escrow_id", id.String()))
		if _, err := escrowService.ReleaseFunds(ctx, id); err != nil {
			// Escrows that settled or moved on while queued are expected here.
			if errors.Is(err, models.ErrNotHeld) || errors.Is(err, models.ErrPayoutInFlight) {
				log.Info("skipping payout retry", zap.String("escrow_id", id.String()), zap.Error(err))
				continue
			}
			log.Error("payout retry failed", zap.String("escrow_id", id.String()), zap.Error(err))
		}
	}
}

func runExpiry(ctx context.Context, escrowService *services.EscrowService, log *zap.Logger) {
	n, err := escrowService.ExpireEscrows(ctx)
	if err != nil {
		log.Error("failed to expire escrows", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("expired stale escrows", zap.Int("count", n))
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
