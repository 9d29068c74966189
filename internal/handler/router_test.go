package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/infrastructure/lock"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository/memory"
	"mpesapay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type stubGateway struct{}

func (stubGateway) STKPush(ctx context.Context, p mpesa.STKPushParams) (*mpesa.STKPushResponse, error) {
	return &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_handler", ResponseCode: "0"}, nil
}

func (stubGateway) QuerySTK(ctx context.Context, id string) (*mpesa.STKQueryResponse, error) {
	return nil, errors.New("provider unavailable")
}

func (stubGateway) B2CPayment(ctx context.Context, p mpesa.B2CParams) (*mpesa.B2CResponse, error) {
	return &mpesa.B2CResponse{ConversationID: "AG_handler", ResponseCode: "0"}, nil
}

func (stubGateway) AccountBalance(ctx context.Context, remarks string) (*mpesa.AccountBalanceResponse, error) {
	return &mpesa.AccountBalanceResponse{ConversationID: "AG_bal", ResponseCode: "0"}, nil
}

func (stubGateway) RegisterC2BURLs(ctx context.Context) (*mpesa.C2BRegisterResponse, error) {
	return &mpesa.C2BRegisterResponse{ResponseCode: "0", ResponseDescription: "success"}, nil
}

func (stubGateway) IsPendingCode(code string) bool { return false }

type testServer struct {
	store  *memory.Store
	router *gin.Engine
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	gw := stubGateway{}
	topics := config.KafkaTopicConfig{PaymentEvents: "p", OrderEvents: "o", RefundEvents: "r"}
	biz := config.BusinessConfig{RefundWindowDays: 14, RecentTransactionsLimit: 10, WalletLockTTL: time.Second,
		RefundLockTTL: time.Second, PayoutStaleAfter: 30 * time.Minute}
	locker := lock.NewLocalLocker()

	reconcile := service.NewReconcileService(store, gw, topics, logger)
	payments := service.NewPaymentService(store, gw, reconcile, config.CallbackURLs{STK: "https://x/stk", Wallet: "https://x/wallet"}, logger)
	wallets := service.NewWalletService(store, locker, biz, topics, logger)
	refunds := service.NewRefundService(store, gw, reconcile, locker, biz, topics, logger)
	webhooks := service.NewWebhookService(store, reconcile, time.Second, logger)
	admin := service.NewAdminService(store, gw, logger)

	router := SetupRouter(RouterDeps{
		Handler:     NewHandler(payments, wallets, refunds, logger),
		Admin:       NewAdminHandler(admin, refunds, logger),
		Webhooks:    NewWebhookHandler(webhooks, logger),
		RateLimiter: limiter,
		JWTSecret:   testSecret,
		Mode:        gin.TestMode,
		Logger:      logger,
	})
	return &testServer{store: store, router: router}
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	tok, err := GenerateToken(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestWebhooksAlwaysAcknowledge(t *testing.T) {
	s := newTestServer(t, nil)

	paths := []string{
		config.CallbackPathSTK,
		config.CallbackPathWallet,
		config.CallbackPathC2BValidation,
		config.CallbackPathC2BConfirmation,
		config.CallbackPathB2CResult,
		config.CallbackPathB2CTimeout,
		config.CallbackPathBalanceResult,
		config.CallbackPathBalanceTimeout,
	}
	for _, path := range paths {
		w, body := s.do(t, http.MethodPost, path, "", "{not json")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.EqualValues(t, 0, body["ResultCode"], path)
		assert.Equal(t, "Accepted", body["ResultDesc"], path)
	}
	assert.Len(t, s.store.CallbackRecords(), len(paths))
}

func TestAuthAndRoles(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, http.MethodGet, "/api/v1/wallet/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.EqualValues(t, 401, body["code"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/wallet/balance", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := GenerateToken("other-secret", 1, RoleUser, time.Hour)
	require.NoError(t, err)
	w, _ = s.do(t, http.MethodGet, "/api/v1/wallet/balance", other, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/refunds", token(t, 1, RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/admin/refunds", token(t, 1, RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["code"])
}

func TestWalletPay_InsufficientFunds(t *testing.T) {
	s := newTestServer(t, nil)
	u := s.store.SeedUser(&model.User{Name: "Amina", PhoneNumber: "0712345678"})
	s.store.SeedWallet(&model.Wallet{UserID: u.ID, Balance: decimal.NewFromInt(100)})
	o := s.store.SeedOrder(&model.Order{OrderNumber: "ORD-1", UserID: u.ID, Status: model.OrderStatusPending},
		&model.OrderItem{ProductID: 1, Price: decimal.NewFromInt(150), Quantity: 1})

	w, body := s.do(t, http.MethodPost, "/api/v1/wallet/pay", token(t, u.ID, RoleUser), gin.H{"orderId": o.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 1003, body["code"])
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok, w.Body.String())
	assert.Equal(t, "50", data["shortfall"])
}

func TestPaymentAndStatusFlow(t *testing.T) {
	s := newTestServer(t, nil)
	u := s.store.SeedUser(&model.User{Name: "Amina", PhoneNumber: "0712345678"})
	o := s.store.SeedOrder(&model.Order{OrderNumber: "ORD-2", UserID: u.ID, Status: model.OrderStatusPending},
		&model.OrderItem{ProductID: 1, Price: decimal.NewFromInt(10), Quantity: 2})
	bearer := token(t, u.ID, RoleUser)

	w, _ := s.do(t, http.MethodPost, "/api/v1/payments/push", bearer, gin.H{"phone": "0712345678"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := s.do(t, http.MethodPost, "/api/v1/payments/push", bearer, gin.H{"orderId": o.ID, "phone": "0712345678"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "ws_CO_handler", data["correlationId"])
	txnID := int64(data["transactionId"].(float64))

	w, body = s.do(t, http.MethodGet, "/api/v1/transactions/"+strconv.FormatInt(txnID, 10), bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, model.TransactionStatusPending, data["status"])
	assert.Contains(t, data["syncError"], "provider unavailable")

	w, _ = s.do(t, http.MethodGet, "/api/v1/transactions/abc", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/transactions/"+strconv.FormatInt(txnID, 10), token(t, u.ID+50, RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestRefund_Created(t *testing.T) {
	s := newTestServer(t, nil)
	u := s.store.SeedUser(&model.User{Name: "Amina", PhoneNumber: "0712345678"})
	s.store.SeedWallet(&model.Wallet{UserID: u.ID, Balance: decimal.NewFromInt(100)})
	o := s.store.SeedOrder(&model.Order{OrderNumber: "ORD-3", UserID: u.ID, Status: model.OrderStatusPending},
		&model.OrderItem{ProductID: 1, Price: decimal.NewFromInt(60), Quantity: 1})
	bearer := token(t, u.ID, RoleUser)

	w, _ := s.do(t, http.MethodPost, "/api/v1/wallet/pay", bearer, gin.H{"orderId": o.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body := s.do(t, http.MethodPost, "/api/v1/refunds", bearer, gin.H{"orderId": o.ID, "reason": "wrong colour"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	refundID := int64(body["data"].(map[string]interface{})["id"].(float64))

	w, body = s.do(t, http.MethodPost, "/api/v1/admin/refunds/process", token(t, 900, RoleAdmin),
		gin.H{"refundRequestId": refundID, "action": "approve"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	req := body["data"].(map[string]interface{})["refundRequest"].(map[string]interface{})
	assert.Equal(t, model.RefundStatusProcessed, req["status"])
}

func TestResolvePayout_Route(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/admin/refunds/payout/resolve"

	w, _ := s.do(t, http.MethodPost, path, token(t, 1, RoleUser), gin.H{"transactionId": 1, "outcome": "failed"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := token(t, 900, RoleAdmin)
	w, _ = s.do(t, http.MethodPost, path, admin, gin.H{"outcome": "failed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, path, admin, gin.H{"transactionId": 424242, "outcome": "failed"})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(0.001, 2, time.Minute))
	bearer := token(t, 1, RoleUser)

	for i := 0; i < 2; i++ {
		w, _ := s.do(t, http.MethodGet, "/api/v1/wallet/balance", bearer, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w, body := s.do(t, http.MethodGet, "/api/v1/wallet/balance", bearer, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.EqualValues(t, 429, body["code"])

	// Webhooks are never limited.
	w, _ = s.do(t, http.MethodPost, config.CallbackPathSTK, "", "{}")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
}
