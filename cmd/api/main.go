package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-escrow/config"
	httpHandler "marketplace-escrow/internal/adapter/http/handler"
	"marketplace-escrow/internal/adapter/gateway/razorpay"
	pgStorage "marketplace-escrow/internal/adapter/storage/postgres"
	redisStorage "marketplace-escrow/internal/adapter/storage/redis"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/service"
	"marketplace-escrow/internal/telemetry"
	"marketplace-escrow/internal/worker"
	"marketplace-escrow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty, cfg.Telemetry.ServiceName)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting marketplace escrow service")

	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	defaultPct, err := decimal.NewFromString(cfg.Platform.CommissionPercentage)
	if err != nil {
		log.Fatal().Err(err).Str("value", cfg.Platform.CommissionPercentage).Msg("Invalid platform.commission_percentage")
	}

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize repositories
	walletRepo := pgStorage.NewWalletRepo(pool)
	txRepo := pgStorage.NewTransactionRepo(pool)
	payoutRepo := pgStorage.NewPayoutRepo(pool)
	accountRepo := pgStorage.NewFreelancerAccountRepo(pool)
	projectRepo := pgStorage.NewProjectRepo(pool)
	orderRepo := pgStorage.NewOrderRepo(pool)
	webhookRepo := pgStorage.NewWebhookRepo(pool)
	settingsRepo := pgStorage.NewSettingsRepo(pool)
	auditRepo := pgStorage.NewAuditRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize Redis stores
	payoutQueue := redisStorage.NewPayoutQueue(rdb, cfg.Payout.Queue)
	eventStore := redisStorage.NewEventStore(rdb)
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	// Initialize core services
	encSvc, err := service.NewAESEncryptionService(cfg.AES.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}
	sigSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	auditSvc := service.NewAuditService(auditRepo, log)
	gateway := razorpay.New(cfg.Razorpay, log)

	creds := service.GatewayCredentials{
		KeyID:         cfg.Razorpay.KeyID,
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
	}

	// Initialize business services
	walletSvc := service.NewWalletService(
		walletRepo, orderRepo, gateway, sigSvc, auditSvc, transactor,
		creds, cfg.Platform.Currency, log.With().Str("service", "wallet").Logger(),
	)
	escrowSvc := service.NewEscrowService(
		txRepo, projectRepo, orderRepo, walletRepo, settingsRepo, walletSvc,
		gateway, sigSvc, auditSvc, transactor, creds, defaultPct,
		cfg.Platform.Currency, log.With().Str("service", "escrow").Logger(),
	)
	payoutSvc := service.NewPayoutService(
		txRepo, payoutRepo, projectRepo, accountRepo, payoutQueue, gateway,
		encSvc, auditSvc, transactor, log.With().Str("service", "payout").Logger(),
	)
	webhookSvc := service.NewWebhookService(
		webhookRepo, orderRepo, eventStore, walletSvc, escrowSvc, payoutSvc,
		sigSvc, cfg.Razorpay.WebhookSecret, log.With().Str("service", "webhook").Logger(),
	)

	// Payout dispatcher
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	payoutWorker := worker.NewPayoutWorker(payoutSvc, payoutQueue, worker.Config{
		Workers:       cfg.Payout.Workers,
		RatePerSecond: cfg.Payout.RatePerSecond,
		Burst:         cfg.Payout.Burst,
		SweepInterval: cfg.Payout.SweepInterval,
		StaleAfter:    cfg.Payout.StaleAfter,
		JobTimeout:    worker.JobTimeoutFor(cfg.Razorpay.Timeout),
	}, log)
	payoutWorker.Start(workerCtx)

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		WalletSvc:        walletSvc,
		EscrowSvc:        escrowSvc,
		PayoutSvc:        payoutSvc,
		WebhookSvc:       webhookSvc,
		TokenSvc:         tokenSvc,
		IdempotencyCache: idempotencyCache,
		RateLimitStore:   rateLimitStore,
		HealthCheckers: []ports.HealthChecker{
			pgStorage.NewHealthCheck(pool),
			redisStorage.NewHealthCheck(rdb, payoutQueue),
		},
		AuditSvc: auditSvc,
		Logger:   log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight payout jobs finish; jobs still queued wait for the next start.
	cancelWorkers()
	payoutWorker.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("Server exited")
}
