package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/infrastructure/lock"
	"mpesapay/internal/metrics"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	walletLockRetryInterval = 50 * time.Millisecond
	walletLockMaxRetries    = 40
)

type WalletService struct {
	store       repository.Store
	locker      lock.Locker
	lockTTL     time.Duration
	recentLimit int
	events      events
	logger      *zap.Logger
	now         func() time.Time
}

func NewWalletService(store repository.Store, locker lock.Locker, biz config.BusinessConfig, topics config.KafkaTopicConfig, logger *zap.Logger) *WalletService {
	return &WalletService{
		store:       store,
		locker:      locker,
		lockTTL:     biz.WalletLockTTL,
		recentLimit: biz.RecentTransactionsLimit,
		events:      events{topics: topics, now: time.Now},
		logger:      logger.Named("Wallet"),
		now:         time.Now,
	}
}

type WalletPaymentResult struct {
	TransactionID    int64           `json:"transactionId"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	OrderStatus      string          `json:"orderStatus"`
}

func insufficientFunds(required, available decimal.Decimal) *Error {
	return &Error{
		Kind:    KindInsufficientFunds,
		Message: "insufficient wallet balance",
		Details: map[string]interface{}{
			"required":  required,
			"available": available,
			"shortfall": required.Sub(available),
		},
	}
}

// PayOrder settles a PENDING order from the wallet. A per-user lock keeps two
// payments of one user from interleaving; the conditional debit and the
// completed-payment check inside the unit hold even without it.
func (s *WalletService) PayOrder(ctx context.Context, userID, orderID int64) (*WalletPaymentResult, error) {
	mutex := s.locker.NewMutex(lock.WalletKey(userID), uuid.NewString(), s.lockTTL)
	if err := mutex.Lock(ctx, walletLockRetryInterval, walletLockMaxRetries); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, conflict("another wallet payment is in progress", nil)
		}
		return nil, internal("acquire wallet lock", err)
	}
	defer func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			s.logger.Warn("release wallet lock", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	var txn *model.Transaction
	err := s.store.Atomic(ctx, func(st repository.Store) error {
		order, err := st.Orders().GetForUpdate(ctx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) || (err == nil && order.UserID != userID) {
			return notFound("order not found")
		}
		if err != nil {
			return err
		}

		paid, err := st.Transactions().FindCompletedPayment(ctx, order.ID, 0)
		if err != nil {
			return err
		}
		if paid != nil {
			return conflict("order has already been paid", map[string]interface{}{"transactionId": paid.ID})
		}
		if order.Status != model.OrderStatusPending {
			return conflict("order is not awaiting payment", map[string]interface{}{"status": order.Status})
		}

		items, err := st.Orders().Items(ctx, order.ID)
		if err != nil {
			return err
		}
		total := model.OrderTotal(items)
		if !total.IsPositive() {
			return validationError("order total must be greater than zero")
		}

		wallet, err := st.Wallets().GetByUserID(ctx, userID)
		if errors.Is(err, repository.ErrWalletNotFound) {
			return insufficientFunds(total, decimal.Zero)
		}
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(total) {
			return insufficientFunds(total, wallet.Balance)
		}

		reference := mpesa.Reference(model.ReferencePrefixWallet, order.ID, mpesa.Timestamp(s.now()))
		txn = &model.Transaction{
			Kind:                  model.TransactionKindWalletPayment,
			Amount:                total,
			CounterpartyReference: reference,
			Reference:             reference,
			Status:                model.TransactionStatusCompleted,
			UserID:                userID,
			OrderID:               &order.ID,
			WalletID:              &wallet.ID,
			Description:           fmt.Sprintf("Wallet payment for order %s", order.OrderNumber),
			Metadata:              map[string]interface{}{},
		}
		if err := st.Transactions().Create(ctx, txn); err != nil {
			return err
		}
		if err := st.Wallets().Deduct(ctx, wallet.ID, total); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				return insufficientFunds(total, wallet.Balance)
			}
			return err
		}

		note := fmt.Sprintf("paid %s from wallet", total.StringFixed(2))
		if err := st.Orders().UpdateStatus(ctx, order.ID, model.OrderStatusPending, model.OrderStatusProcessing, note); err != nil {
			return err
		}
		if err := s.events.orderStatus(ctx, st, order.ID, model.OrderStatusPending, model.OrderStatusProcessing, note); err != nil {
			return err
		}
		return s.events.transaction(ctx, st, model.EventWalletDebited, txn)
	})
	if err != nil {
		return nil, AsError(err)
	}
	metrics.RecordWalletMovement("debit")

	wallet, err := s.store.Wallets().GetByUserID(ctx, userID)
	if err != nil {
		return nil, internal("reload wallet", err)
	}
	s.logger.Info("order paid from wallet",
		zap.Int64("order_id", orderID),
		zap.Int64("transaction_id", txn.ID),
		zap.String("amount", txn.Amount.String()))

	return &WalletPaymentResult{
		TransactionID:    txn.ID,
		RemainingBalance: wallet.Balance,
		OrderStatus:      model.OrderStatusProcessing,
	}, nil
}

type WalletBalance struct {
	WalletID           int64                `json:"walletId"`
	Balance            decimal.Decimal      `json:"balance"`
	RecentTransactions []*model.Transaction `json:"recentTransactions"`
}

// Balance returns the wallet, created on first access, and its latest
// movements.
func (s *WalletService) Balance(ctx context.Context, userID int64) (*WalletBalance, error) {
	wallet, err := s.store.Wallets().GetOrCreate(ctx, userID)
	if err != nil {
		return nil, internal("load wallet", err)
	}
	recent, err := s.store.Transactions().ListByWallet(ctx, wallet.ID, s.recentLimit)
	if err != nil {
		return nil, internal("list wallet transactions", err)
	}
	if recent == nil {
		recent = []*model.Transaction{}
	}
	return &WalletBalance{
		WalletID:           wallet.ID,
		Balance:            wallet.Balance,
		RecentTransactions: recent,
	}, nil
}
