package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/infrastructure/lock"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway records calls and answers with canned responses.
type fakeGateway struct {
	mu sync.Mutex

	pushResp *mpesa.STKPushResponse
	pushErr  error
	pushes   []mpesa.STKPushParams

	queryResp *mpesa.STKQueryResponse
	queryErr  error
	queries   []string

	b2cResp *mpesa.B2CResponse
	b2cErr  error
	payouts []mpesa.B2CParams

	balanceResp  *mpesa.AccountBalanceResponse
	balanceErr   error
	registerResp *mpesa.C2BRegisterResponse
	registerErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		pushResp: &mpesa.STKPushResponse{
			MerchantRequestID: "29115-34620561-1",
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
			CustomerMessage:   "Success. Request accepted for processing",
		},
		b2cResp: &mpesa.B2CResponse{
			ConversationID:           "AG_20191219_00005797af5d7d75f652",
			OriginatorConversationID: "16740-34861180-1",
			ResponseCode:             "0",
		},
	}
}

func (g *fakeGateway) STKPush(ctx context.Context, p mpesa.STKPushParams) (*mpesa.STKPushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, p)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	resp := *g.pushResp
	return &resp, nil
}

func (g *fakeGateway) QuerySTK(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, checkoutRequestID)
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	resp := *g.queryResp
	resp.CheckoutRequestID = checkoutRequestID
	return &resp, nil
}

func (g *fakeGateway) B2CPayment(ctx context.Context, p mpesa.B2CParams) (*mpesa.B2CResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts = append(g.payouts, p)
	if g.b2cErr != nil {
		return nil, g.b2cErr
	}
	resp := *g.b2cResp
	return &resp, nil
}

func (g *fakeGateway) AccountBalance(ctx context.Context, remarks string) (*mpesa.AccountBalanceResponse, error) {
	return g.balanceResp, g.balanceErr
}

func (g *fakeGateway) RegisterC2BURLs(ctx context.Context) (*mpesa.C2BRegisterResponse, error) {
	return g.registerResp, g.registerErr
}

func (g *fakeGateway) IsPendingCode(code string) bool {
	return code == "4999" || code == "500.001.1001"
}

var testTopics = config.KafkaTopicConfig{
	PaymentEvents: "test.payment.events",
	OrderEvents:   "test.order.events",
	RefundEvents:  "test.refund.events",
}

type fixture struct {
	store     *memory.Store
	gateway   *fakeGateway
	reconcile *ReconcileService
	payments  *PaymentService
	wallets   *WalletService
	refunds   *RefundService
	webhooks  *WebhookService
	admin     *AdminService
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	gw := newFakeGateway()
	logger := zap.NewNop()
	biz := config.BusinessConfig{
		RefundWindowDays:        14,
		RecentTransactionsLimit: 10,
		WalletLockTTL:           5 * time.Second,
		RefundLockTTL:           5 * time.Second,
		PayoutStaleAfter:        30 * time.Minute,
		WebhookProcessTimeout:   5 * time.Second,
	}
	locker := lock.NewLocalLocker()

	reconcile := NewReconcileService(store, gw, testTopics, logger)
	return &fixture{
		store:     store,
		gateway:   gw,
		reconcile: reconcile,
		payments:  NewPaymentService(store, gw, reconcile, config.CallbackURLs{STK: "https://example.com/stk", Wallet: "https://example.com/wallet"}, logger),
		wallets:   NewWalletService(store, locker, biz, testTopics, logger),
		refunds:   NewRefundService(store, gw, reconcile, locker, biz, testTopics, logger),
		webhooks:  NewWebhookService(store, reconcile, biz.WebhookProcessTimeout, logger),
		admin:     NewAdminService(store, gw, logger),
		now:       time.Now(),
	}
}

func (f *fixture) user(phone string) *model.User {
	return f.store.SeedUser(&model.User{Name: "Wanjiku", PhoneNumber: phone})
}

// order seeds an order with one item per price, quantity 1.
func (f *fixture) order(userID int64, status string, prices ...int64) *model.Order {
	items := make([]*model.OrderItem, 0, len(prices))
	for i, p := range prices {
		items = append(items, &model.OrderItem{ProductID: int64(i + 1), Price: decimal.NewFromInt(p), Quantity: 1})
	}
	return f.store.SeedOrder(&model.Order{OrderNumber: "ORD-" + time.Now().Format("150405.000000"), UserID: userID, Status: status}, items...)
}

func (f *fixture) wallet(userID int64, balance int64) *model.Wallet {
	return f.store.SeedWallet(&model.Wallet{UserID: userID, Balance: decimal.NewFromInt(balance)})
}

// pendingPayment runs a real initiation so the row looks like production.
func (f *fixture) pendingPayment(t *testing.T, userID, orderID int64, checkoutID string) *model.Transaction {
	t.Helper()
	f.gateway.mu.Lock()
	f.gateway.pushResp.CheckoutRequestID = checkoutID
	f.gateway.mu.Unlock()

	res, err := f.payments.InitiateOrderPayment(context.Background(), userID, orderID, "0712345678")
	require.NoError(t, err)
	txn, err := f.store.Transactions().Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	return txn
}

func (f *fixture) txn(t *testing.T, id int64) *model.Transaction {
	t.Helper()
	txn, err := f.store.Transactions().Get(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (f *fixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	w, err := f.store.Wallets().GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) orderStatus(t *testing.T, orderID int64) string {
	t.Helper()
	o, err := f.store.Orders().Get(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func success(checkoutID, receipt string) ProviderResult {
	return ProviderResult{
		CorrelationID: checkoutID,
		ResultCode:    "0",
		ResultDesc:    "The service request is processed successfully.",
		Receipt:       receipt,
		Raw:           map[string]interface{}{"MpesaReceiptNumber": receipt},
		MetaKey:       model.MetaCallbackData,
		Source:        SourceCallback,
	}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	se, ok := err.(*Error)
	require.True(t, ok, "expected *service.Error, got %T: %v", err, err)
	require.Equal(t, kind, se.Kind, se.Message)
	return se
}
