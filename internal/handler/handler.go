package handler

import (
	"strconv"

	"mpesapay/internal/service"
	"mpesapay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler serves the authenticated user API.
type Handler struct {
	payments *service.PaymentService
	wallets  *service.WalletService
	refunds  *service.RefundService
	logger   *zap.Logger
}

func NewHandler(payments *service.PaymentService, wallets *service.WalletService, refunds *service.RefundService, logger *zap.Logger) *Handler {
	return &Handler{
		payments: payments,
		wallets:  wallets,
		refunds:  refunds,
		logger:   logger.Named("Handler"),
	}
}

// ============================================================
// Payments
// ============================================================

type PushPaymentRequest struct {
	OrderID int64  `json:"orderId" binding:"required,gt=0"`
	Phone   string `json:"phone" binding:"required"`
}

// InitiatePayment sends an STK push for an order.
// POST /api/v1/payments/push
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req PushPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.payments.InitiateOrderPayment(c.Request.Context(), currentUserID(c), req.OrderID, req.Phone)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// GetTransaction
// GET /api/v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "invalid transaction id")
		return
	}

	status, err := h.payments.GetTransactionStatus(c.Request.Context(), currentUserID(c), id, isAdmin(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, status)
}

// ============================================================
// Wallet
// ============================================================

type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Phone  string          `json:"phone" binding:"required"`
}

// TopUp
// POST /api/v1/wallet/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.payments.InitiateTopUp(c.Request.Context(), currentUserID(c), req.Amount, req.Phone)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

type WalletPayRequest struct {
	OrderID int64 `json:"orderId" binding:"required,gt=0"`
}

// PayWithWallet
// POST /api/v1/wallet/pay
func (h *Handler) PayWithWallet(c *gin.Context) {
	var req WalletPayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.wallets.PayOrder(c.Request.Context(), currentUserID(c), req.OrderID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// GetBalance
// GET /api/v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.wallets.Balance(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, balance)
}

// ============================================================
// Refunds
// ============================================================

// RequestRefund
// POST /api/v1/refunds
func (h *Handler) RequestRefund(c *gin.Context) {
	var req service.RefundInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	refund, err := h.refunds.RequestRefund(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Created(c, refund)
}
