package service

import (
	"context"
	"errors"
	"testing"

	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateOrderPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user("0712345678")
	o := f.order(u.ID, model.OrderStatusPending, 120, 80)

	res, err := f.payments.InitiateOrderPayment(ctx, u.ID, o.ID, "0712345678")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", res.CorrelationID)
	assert.Equal(t, "29115-34620561-1", res.MerchantRequestID)

	txn := f.txn(t, res.TransactionID)
	assert.Equal(t, model.TransactionKindPayment, txn.Kind)
	assert.Equal(t, model.TransactionStatusPending, txn.Status)
	assert.True(t, decimal.NewFromInt(200).Equal(txn.Amount))
	assert.Equal(t, res.CorrelationID, txn.CounterpartyReference)
	assert.Equal(t, res.CorrelationID, txn.MetaString(model.MetaCheckoutRequestID))
	assert.Equal(t, "254712345678", txn.MetaString(model.MetaPhoneNumber))

	require.Len(t, f.gateway.pushes, 1)
	push := f.gateway.pushes[0]
	assert.Equal(t, "https://example.com/stk", push.CallbackURL)
	assert.Regexp(t, `^ORDER-\d+-\d{14}$`, push.AccountReference)
	assert.Equal(t, txn.Reference, push.AccountReference)
}

func TestInitiateOrderPayment_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid phone", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 10)
		_, err := f.payments.InitiateOrderPayment(ctx, u.ID, o.ID, "12")
		requireKind(t, err, KindValidation)
	})

	t.Run("someone else's order", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		other := f.user("0722000000")
		o := f.order(other.ID, model.OrderStatusPending, 10)
		_, err := f.payments.InitiateOrderPayment(ctx, u.ID, o.ID, "0712345678")
		requireKind(t, err, KindNotFound)
	})

	t.Run("already paid", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 10)
		f.pendingPayment(t, u.ID, o.ID, "ws_CO_paid")
		_, _, err := f.reconcile.ApplyCallback(ctx, success("ws_CO_paid", "R1"))
		require.NoError(t, err)

		_, err = f.payments.InitiateOrderPayment(ctx, u.ID, o.ID, "0712345678")
		requireKind(t, err, KindConflict)
	})

	t.Run("provider rejects, nothing stored", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 10)
		f.gateway.pushErr = &mpesa.CallError{Operation: "stk_push", StatusCode: 400, ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid Amount"}

		_, err := f.payments.InitiateOrderPayment(ctx, u.ID, o.ID, "0712345678")
		se := requireKind(t, err, KindProvider)
		assert.Contains(t, se.Message, "Invalid Amount")

		txns, err := f.store.Transactions().ListByUser(ctx, u.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, txns)
	})

	t.Run("token failure is an auth error", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 10)
		f.gateway.pushErr = &mpesa.AuthError{StatusCode: 400, Message: "invalid credentials"}

		_, err := f.payments.InitiateOrderPayment(ctx, u.ID, o.ID, "0712345678")
		se := requireKind(t, err, KindAuth)
		assert.Equal(t, 500, se.HTTPStatus())
	})
}

func TestInitiateTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user("0712345678")

	_, err := f.payments.InitiateTopUp(ctx, u.ID, decimal.Zero, "0712345678")
	requireKind(t, err, KindValidation)

	res, err := f.payments.InitiateTopUp(ctx, u.ID, decimal.RequireFromString("99.50"), "0712345678")
	require.NoError(t, err)

	txn := f.txn(t, res.TransactionID)
	assert.Equal(t, model.TransactionKindWalletTopUp, txn.Kind)
	require.NotNil(t, txn.WalletID)
	assert.Equal(t, "https://example.com/wallet", f.gateway.pushes[0].CallbackURL)
	assert.Regexp(t, `^TOPUP-\d+-\d{14}$`, txn.Reference)
}

func TestGetTransactionStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("live query completes the payment", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 60)
		txn := f.pendingPayment(t, u.ID, o.ID, "ws_CO_q")
		f.gateway.queryResp = &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed"}

		status, err := f.payments.GetTransactionStatus(ctx, u.ID, txn.ID, false)
		require.NoError(t, err)
		assert.Empty(t, status.SyncError)
		assert.Equal(t, model.TransactionStatusCompleted, status.Status)
		assert.Contains(t, status.Metadata, model.MetaSTKQueryResponse)
		assert.Equal(t, []string{"ws_CO_q"}, f.gateway.queries)
		assert.Equal(t, model.OrderStatusProcessing, f.orderStatus(t, o.ID))
	})

	t.Run("query failure returns stored state", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 60)
		txn := f.pendingPayment(t, u.ID, o.ID, "ws_CO_q2")
		f.gateway.queryErr = errors.New("dial tcp: i/o timeout")

		status, err := f.payments.GetTransactionStatus(ctx, u.ID, txn.ID, false)
		require.NoError(t, err)
		assert.Equal(t, model.TransactionStatusPending, status.Status)
		assert.Contains(t, status.SyncError, "i/o timeout")
	})

	t.Run("settled transactions are not queried", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 60)
		txn := f.pendingPayment(t, u.ID, o.ID, "ws_CO_q3")
		_, _, err := f.reconcile.ApplyCallback(ctx, success("ws_CO_q3", "R3"))
		require.NoError(t, err)

		status, err := f.payments.GetTransactionStatus(ctx, u.ID, txn.ID, false)
		require.NoError(t, err)
		assert.Equal(t, model.TransactionStatusCompleted, status.Status)
		assert.Empty(t, f.gateway.queries)
	})

	t.Run("other users see not found, admins see it", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("0712345678")
		o := f.order(u.ID, model.OrderStatusPending, 60)
		txn := f.pendingPayment(t, u.ID, o.ID, "ws_CO_q4")
		f.gateway.queryErr = errors.New("unavailable")

		_, err := f.payments.GetTransactionStatus(ctx, u.ID+1000, txn.ID, false)
		requireKind(t, err, KindNotFound)

		status, err := f.payments.GetTransactionStatus(ctx, 0, txn.ID, true)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, status.ID)
	})
}
