package handler

import (
	"context"
	"io"
	"net/http"

	"mpesapay/internal/model"
	"mpesapay/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody caps what is read from the provider.
const maxWebhookBody = 1 << 20

// ack is the only answer the provider ever gets. Any other reply makes it
// retry the call.
var ack = gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

// WebhookHandler receives M-Pesa callbacks. It always acknowledges, even
// when the payload is malformed or processing fails.
type WebhookHandler struct {
	webhooks *service.WebhookService
	logger   *zap.Logger
}

func NewWebhookHandler(webhooks *service.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, logger: logger.Named("WebhookHandler")}
}

func (h *WebhookHandler) STKCallback(c *gin.Context) {
	h.handle(c, model.CallbackKindSTK, func(ctx context.Context, body []byte) (string, error) {
		outcome, err := h.webhooks.HandleSTKResult(ctx, body)
		return string(outcome), err
	})
}

func (h *WebhookHandler) C2BValidation(c *gin.Context) {
	h.handle(c, model.CallbackKindC2BValidation, func(ctx context.Context, body []byte) (string, error) {
		return "", h.webhooks.HandleC2BValidation(ctx, body)
	})
}

func (h *WebhookHandler) C2BConfirmation(c *gin.Context) {
	h.handle(c, model.CallbackKindC2BConfirmation, func(ctx context.Context, body []byte) (string, error) {
		outcome, err := h.webhooks.HandleC2BConfirmation(ctx, body)
		return string(outcome), err
	})
}

func (h *WebhookHandler) B2CResult(c *gin.Context) {
	h.handle(c, model.CallbackKindB2CResult, func(ctx context.Context, body []byte) (string, error) {
		outcome, err := h.webhooks.HandleB2CResult(ctx, body)
		return string(outcome), err
	})
}

func (h *WebhookHandler) B2CTimeout(c *gin.Context) {
	h.handle(c, model.CallbackKindB2CTimeout, func(ctx context.Context, body []byte) (string, error) {
		outcome, err := h.webhooks.HandleB2CTimeout(ctx, body)
		return string(outcome), err
	})
}

func (h *WebhookHandler) BalanceResult(c *gin.Context) {
	h.handle(c, model.CallbackKindBalanceResult, func(ctx context.Context, body []byte) (string, error) {
		return "", h.webhooks.HandleBalanceResult(ctx, model.CallbackKindBalanceResult, body)
	})
}

func (h *WebhookHandler) BalanceTimeout(c *gin.Context) {
	h.handle(c, model.CallbackKindBalanceTimeout, func(ctx context.Context, body []byte) (string, error) {
		return "", h.webhooks.HandleBalanceResult(ctx, model.CallbackKindBalanceTimeout, body)
	})
}

func (h *WebhookHandler) handle(c *gin.Context, kind string, process func(ctx context.Context, body []byte) (string, error)) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("webhook panic", zap.String("kind", kind), zap.Any("error", r), zap.Stack("stack"))
		}
		c.JSON(http.StatusOK, ack)
	}()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("read webhook body", zap.String("kind", kind), zap.Error(err))
		return
	}

	outcome, err := process(c.Request.Context(), body)
	if err != nil {
		h.logger.Error("webhook processing failed",
			zap.String("kind", kind),
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err))
		return
	}
	h.logger.Info("webhook processed", zap.String("kind", kind), zap.String("outcome", outcome))
}
