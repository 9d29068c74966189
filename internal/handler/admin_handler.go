package handler

import (
	"strconv"
	"time"

	"mpesapay/internal/repository"
	"mpesapay/internal/service"
	"mpesapay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler serves the ADMIN-only API.
type AdminHandler struct {
	admin   *service.AdminService
	refunds *service.RefundService
	logger  *zap.Logger
}

func NewAdminHandler(admin *service.AdminService, refunds *service.RefundService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, refunds: refunds, logger: logger.Named("AdminHandler")}
}

// ProcessRefund approves or rejects a refund request.
// POST /api/v1/admin/refunds/process
func (h *AdminHandler) ProcessRefund(c *gin.Context) {
	var req service.ProcessRefundInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.refunds.ProcessRefund(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// ResolvePayout settles a refund payout whose result never arrived.
// POST /api/v1/admin/refunds/payout/resolve
func (h *AdminHandler) ResolvePayout(c *gin.Context) {
	var req service.ResolvePayoutInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.refunds.ResolvePayout(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// ListRefunds
// GET /api/v1/admin/refunds?status=PENDING&page=1&limit=20
func (h *AdminHandler) ListRefunds(c *gin.Context) {
	page, limit := pagination(c)
	result, err := h.admin.ListRefunds(c.Request.Context(), repository.RefundFilter{
		Status: c.Query("status"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// ListTransactions
// GET /api/v1/admin/transactions?status=&kind=&page=1&limit=20
func (h *AdminHandler) ListTransactions(c *gin.Context) {
	page, limit := pagination(c)
	filter := repository.TransactionFilter{
		Status: c.Query("status"),
		Kind:   c.Query("kind"),
		Page:   page,
		Limit:  limit,
	}
	if raw := c.Query("userId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.ParamError(c, "invalid userId")
			return
		}
		filter.UserID = id
	}

	result, err := h.admin.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// Stats accepts RFC 3339 timestamps or plain dates.
// GET /api/v1/admin/stats?from=2024-01-01&to=2024-02-01
func (h *AdminHandler) Stats(c *gin.Context) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		response.ParamError(c, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		response.ParamError(c, "invalid to: "+err.Error())
		return
	}

	stats, err := h.admin.Stats(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, stats)
}

// QueryMerchantBalance
// POST /api/v1/admin/mpesa/balance
func (h *AdminHandler) QueryMerchantBalance(c *gin.Context) {
	var req struct {
		Remarks string `json:"remarks"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "invalid request: "+err.Error())
			return
		}
	}

	resp, err := h.admin.QueryMerchantBalance(c.Request.Context(), req.Remarks)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, resp)
}

// RegisterC2BURLs
// POST /api/v1/admin/mpesa/c2b/register
func (h *AdminHandler) RegisterC2BURLs(c *gin.Context) {
	resp, err := h.admin.RegisterC2BURLs(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response.Success(c, resp)
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, limit
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
