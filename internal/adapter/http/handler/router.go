package handler

import (
	"time"

	"marketplace-escrow/internal/adapter/http/middleware"
	redisStore "marketplace-escrow/internal/adapter/storage/redis"
	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// idempotencyTTL is how long a payment response is replayable by Idempotency-Key.
const idempotencyTTL = 24 * time.Hour

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	WalletSvc        ports.WalletService
	EscrowSvc        ports.EscrowService
	PayoutSvc        ports.PayoutService
	WebhookSvc       ports.WebhookService
	TokenSvc         ports.TokenService
	IdempotencyCache ports.IdempotencyCache    // nil = Idempotency-Key ignored
	RateLimitStore   *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers   []ports.HealthChecker
	AuditSvc         ports.AuditService // nil = audit logging disabled
	Logger           zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(metrics.Middleware())
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	r.GET("/metrics", metrics.Handler())

	rules := middleware.DefaultRateLimitRules()
	noop := func(c *gin.Context) { c.Next() }

	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return noop
		}
		rule, ok := rules[group]
		if !ok {
			return noop
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	idem := func(operation string) gin.HandlerFunc {
		if deps.IdempotencyCache == nil {
			return noop
		}
		return middleware.Idempotency(deps.IdempotencyCache, operation, idempotencyTTL, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Gateway callbacks (signature-authenticated) ---
	webhookHandler := NewWebhookHandler(deps.WebhookSvc)
	v1.POST("/webhooks/razorpay", rl("webhooks"), webhookHandler.Razorpay)

	// --- Bearer-authenticated routes ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)

	walletHandler := NewWalletHandler(deps.WalletSvc)
	wallet := v1.Group("/wallet", jwtAuth)
	{
		wallet.GET("", rl("reads"), walletHandler.GetWallet)
		wallet.GET("/transactions", rl("reads"), walletHandler.ListTransactions)
		wallet.POST("/load-orders", rl("wallet_load"), idem("wallet_load_order"), walletHandler.CreateLoadOrder)
		wallet.POST("/load-orders/verify", rl("wallet_load"), walletHandler.VerifyLoad)
	}

	paymentHandler := NewPaymentHandler(deps.EscrowSvc)
	payments := v1.Group("/payments", jwtAuth)
	{
		payments.POST("/wallet", rl("payments"), idem("wallet_payment"), paymentHandler.PayWithWallet)
		payments.POST("/orders", rl("payments"), idem("service_payment_order"), paymentHandler.CreateOrder)
		payments.POST("/verify", rl("payments"), paymentHandler.VerifyPayment)
		payments.GET("/:id", rl("reads"), paymentHandler.GetTransaction)
	}

	adminHandler := NewAdminHandler(deps.PayoutSvc, deps.WalletSvc)
	admin := v1.Group("/admin", jwtAuth, middleware.RequireRole(domain.RoleAdmin), rl("admin"))
	{
		admin.POST("/transactions/:id/release", adminHandler.Release)
		admin.POST("/transactions/:id/retry-payout", adminHandler.RetryPayout)
		admin.GET("/payouts/:id", adminHandler.GetPayout)
		admin.GET("/wallets/:id/audit", adminHandler.AuditWallet)
	}

	return r
}
