package handler

import (
	"net/http"

	"mpesapay/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Handler     *Handler
	Admin       *AdminHandler
	Webhooks    *WebhookHandler
	RateLimiter *RateLimiter
	JWTSecret   string
	Mode        string
	Logger      *zap.Logger
	// Health reports dependency problems; nil means healthy.
	Health func() error
}

func SetupRouter(d RouterDeps) *gin.Engine {
	if d.Mode != "" {
		gin.SetMode(d.Mode)
	}

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(d.Logger))
	r.Use(LoggerMiddleware(d.Logger.Named("HTTP")))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	// Provider callbacks: unauthenticated, never rate limited, always acked.
	r.POST(config.CallbackPathSTK, d.Webhooks.STKCallback)
	r.POST(config.CallbackPathWallet, d.Webhooks.STKCallback)
	r.POST(config.CallbackPathC2BValidation, d.Webhooks.C2BValidation)
	r.POST(config.CallbackPathC2BConfirmation, d.Webhooks.C2BConfirmation)
	r.POST(config.CallbackPathB2CResult, d.Webhooks.B2CResult)
	r.POST(config.CallbackPathB2CTimeout, d.Webhooks.B2CTimeout)
	r.POST(config.CallbackPathBalanceResult, d.Webhooks.BalanceResult)
	r.POST(config.CallbackPathBalanceTimeout, d.Webhooks.BalanceTimeout)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(d.JWTSecret))
	if d.RateLimiter != nil {
		api.Use(RateLimitMiddleware(d.RateLimiter))
	}
	{
		api.POST("/payments/push", d.Handler.InitiatePayment)
		api.GET("/transactions/:id", d.Handler.GetTransaction)

		wallet := api.Group("/wallet")
		{
			wallet.POST("/topup", d.Handler.TopUp)
			wallet.POST("/pay", d.Handler.PayWithWallet)
			wallet.GET("/balance", d.Handler.GetBalance)
		}

		api.POST("/refunds", d.Handler.RequestRefund)

		admin := api.Group("/admin")
		admin.Use(RequireRole(RoleAdmin))
		{
			admin.POST("/refunds/process", d.Admin.ProcessRefund)
			admin.POST("/refunds/payout/resolve", d.Admin.ResolvePayout)
			admin.GET("/refunds", d.Admin.ListRefunds)
			admin.GET("/transactions", d.Admin.ListTransactions)
			admin.GET("/stats", d.Admin.Stats)
			admin.POST("/mpesa/balance", d.Admin.QueryMerchantBalance)
			admin.POST("/mpesa/c2b/register", d.Admin.RegisterC2BURLs)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		if d.Health != nil {
			if err := d.Health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
