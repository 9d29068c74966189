package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PaymentService struct {
	store     repository.Store
	gateway   Gateway
	reconcile *ReconcileService
	callbacks config.CallbackURLs
	logger    *zap.Logger
	now       func() time.Time
}

func NewPaymentService(store repository.Store, gateway Gateway, reconcile *ReconcileService, callbacks config.CallbackURLs, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		store:     store,
		gateway:   gateway,
		reconcile: reconcile,
		callbacks: callbacks,
		logger:    logger.Named("Payment"),
		now:       time.Now,
	}
}

// InitiationResult identifies the PENDING transaction of an accepted push.
type InitiationResult struct {
	CorrelationID     string `json:"correlationId"`
	TransactionID     int64  `json:"transactionId"`
	MerchantRequestID string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

func validPhone(phone string) bool {
	formatted := mpesa.FormatPhone(phone)
	return len(formatted) == 12
}

// InitiateOrderPayment sends an STK push for the order total. Nothing is
// stored unless the provider accepted the request.
func (s *PaymentService) InitiateOrderPayment(ctx context.Context, userID, orderID int64, phone string) (*InitiationResult, error) {
	if !validPhone(phone) {
		return nil, validationError("a valid M-Pesa phone number is required")
	}

	order, err := s.store.Orders().Get(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) || (err == nil && order.UserID != userID) {
		return nil, notFound("order not found")
	}
	if err != nil {
		return nil, internal("load order", err)
	}
	if order.Status != model.OrderStatusPending {
		return nil, conflict("order is not awaiting payment", map[string]interface{}{"status": order.Status})
	}

	paid, err := s.store.Transactions().FindCompletedPayment(ctx, order.ID, 0)
	if err != nil {
		return nil, internal("check order payment", err)
	}
	if paid != nil {
		return nil, conflict("order has already been paid", map[string]interface{}{"transactionId": paid.ID})
	}

	items, err := s.store.Orders().Items(ctx, order.ID)
	if err != nil {
		return nil, internal("load order items", err)
	}
	total := model.OrderTotal(items)
	if !total.IsPositive() {
		return nil, validationError("order total must be greater than zero")
	}

	reference := mpesa.Reference(model.ReferencePrefixOrder, order.ID, mpesa.Timestamp(s.now()))
	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushParams{
		Phone:            phone,
		Amount:           total,
		AccountReference: reference,
		Description:      fmt.Sprintf("Payment for order %s", order.OrderNumber),
		CallbackURL:      s.callbacks.STK,
	})
	if err != nil {
		s.logger.Warn("stk push rejected", zap.Int64("order_id", order.ID), zap.Error(err))
		return nil, providerError("the payment request", err)
	}

	txn := &model.Transaction{
		Kind:                  model.TransactionKindPayment,
		Amount:                total,
		CounterpartyReference: resp.CheckoutRequestID,
		Reference:             reference,
		Status:                model.TransactionStatusPending,
		UserID:                userID,
		OrderID:               &order.ID,
		Description:           fmt.Sprintf("M-Pesa payment for order %s", order.OrderNumber),
		Metadata: map[string]interface{}{
			model.MetaCheckoutRequestID: resp.CheckoutRequestID,
			model.MetaMerchantRequestID: resp.MerchantRequestID,
			model.MetaPhoneNumber:       mpesa.FormatPhone(phone),
		},
	}
	return s.recordAccepted(ctx, txn, resp)
}

// InitiateTopUp sends an STK push that credits the wallet once confirmed.
func (s *PaymentService) InitiateTopUp(ctx context.Context, userID int64, amount decimal.Decimal, phone string) (*InitiationResult, error) {
	if !amount.IsPositive() {
		return nil, validationError("amount must be greater than zero")
	}
	if !validPhone(phone) {
		return nil, validationError("a valid M-Pesa phone number is required")
	}

	wallet, err := s.store.Wallets().GetOrCreate(ctx, userID)
	if err != nil {
		return nil, internal("load wallet", err)
	}

	reference := mpesa.Reference(model.ReferencePrefixTopUp, userID, mpesa.Timestamp(s.now()))
	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushParams{
		Phone:            phone,
		Amount:           amount,
		AccountReference: reference,
		Description:      "Wallet top-up",
		CallbackURL:      s.callbacks.Wallet,
	})
	if err != nil {
		s.logger.Warn("top-up push rejected", zap.Int64("user_id", userID), zap.Error(err))
		return nil, providerError("the top-up request", err)
	}

	txn := &model.Transaction{
		Kind:                  model.TransactionKindWalletTopUp,
		Amount:                amount,
		CounterpartyReference: resp.CheckoutRequestID,
		Reference:             reference,
		Status:                model.TransactionStatusPending,
		UserID:                userID,
		WalletID:              &wallet.ID,
		Description:           "M-Pesa wallet top-up",
		Metadata: map[string]interface{}{
			model.MetaCheckoutRequestID: resp.CheckoutRequestID,
			model.MetaMerchantRequestID: resp.MerchantRequestID,
			model.MetaPhoneNumber:       mpesa.FormatPhone(phone),
		},
	}
	return s.recordAccepted(ctx, txn, resp)
}

// recordAccepted stores the PENDING row of a push the provider accepted. The
// customer already has the prompt at this point, so a failed insert is
// logged with the correlation id for manual follow-up.
func (s *PaymentService) recordAccepted(ctx context.Context, txn *model.Transaction, resp *mpesa.STKPushResponse) (*InitiationResult, error) {
	if err := s.store.Transactions().Create(ctx, txn); err != nil {
		s.logger.Error("accepted push could not be recorded",
			zap.String("correlation_id", resp.CheckoutRequestID),
			zap.String("merchant_request_id", resp.MerchantRequestID),
			zap.String("reference", txn.Reference),
			zap.Int64("user_id", txn.UserID),
			zap.String("amount", txn.Amount.String()),
			zap.Error(err))
		return nil, internal("record pending transaction", err)
	}

	s.logger.Info("push accepted",
		zap.Int64("transaction_id", txn.ID),
		zap.String("kind", txn.Kind),
		zap.String("correlation_id", resp.CheckoutRequestID))

	return &InitiationResult{
		CorrelationID:     resp.CheckoutRequestID,
		TransactionID:     txn.ID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// TransactionStatus is a transaction as last known. SyncError is set when a
// live provider query was attempted and failed.
type TransactionStatus struct {
	*model.Transaction
	SyncError string `json:"syncError,omitempty"`
}

// GetTransactionStatus returns the transaction, first asking the provider
// about PENDING push payments. Admins may read any transaction.
func (s *PaymentService) GetTransactionStatus(ctx context.Context, userID, txnID int64, admin bool) (*TransactionStatus, error) {
	txn, err := s.store.Transactions().Get(ctx, txnID)
	if errors.Is(err, repository.ErrTransactionNotFound) || (err == nil && !admin && txn.UserID != userID) {
		return nil, notFound("transaction not found")
	}
	if err != nil {
		return nil, internal("load transaction", err)
	}

	checkoutID := txn.MetaString(model.MetaCheckoutRequestID)
	if txn.Status != model.TransactionStatusPending || checkoutID == "" {
		return &TransactionStatus{Transaction: txn}, nil
	}

	resp, err := s.gateway.QuerySTK(ctx, checkoutID)
	if err != nil {
		s.logger.Warn("stk status query failed",
			zap.Int64("transaction_id", txn.ID),
			zap.String("correlation_id", checkoutID),
			zap.Error(err))
		return &TransactionStatus{Transaction: txn, SyncError: err.Error()}, nil
	}

	_, updated, err := s.reconcile.ApplyResult(ctx, txn.ID, FromQuery(resp, model.MetaSTKQueryResponse))
	if err != nil {
		return &TransactionStatus{Transaction: txn, SyncError: err.Error()}, nil
	}
	return &TransactionStatus{Transaction: updated}, nil
}
