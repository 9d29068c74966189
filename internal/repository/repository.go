package repository

import (
	"context"
	"errors"
	"time"

	"mpesapay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrTransactionNotPending = errors.New("transaction is no longer pending")
	ErrDuplicateReceipt      = errors.New("external receipt already recorded")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrBalanceNotEnough      = errors.New("insufficient wallet balance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderStatusInvalid    = errors.New("order status transition not allowed")
	ErrRefundNotFound        = errors.New("refund request not found")
	ErrRefundStatusInvalid   = errors.New("refund status transition not allowed")
	ErrUserNotFound          = errors.New("user not found")
)

// Store groups the repositories that take part in reconciliation. Repositories
// obtained from the Store passed to an Atomic callback run inside that unit of
// work; everything else runs on its own.
type Store interface {
	Transactions() TransactionRepository
	Wallets() WalletRepository
	Orders() OrderRepository
	Refunds() RefundRepository
	Callbacks() CallbackRepository
	Outbox() OutboxRepository
	Users() UserRepository

	// Atomic runs fn in one unit of work. A non-nil error rolls back every
	// change made through the Store handed to fn. Calling Atomic on that
	// Store joins the running unit.
	Atomic(ctx context.Context, fn func(Store) error) error
}

// ============================================================================
// Transactions
// ============================================================================

// TransactionPatch lists the columns changed together with the status. Nil
// fields are left untouched. Metadata, when set, replaces the stored map, so
// callers merge onto the row they read under lock.
type TransactionPatch struct {
	Kind                  *string
	ExternalReceiptID     *string
	WalletID              *int64
	CounterpartyReference *string
	Metadata              datatypes.JSONMap
}

type TransactionFilter struct {
	Status string
	Kind   string
	UserID int64
	Page   int
	Limit  int
}

// TransactionSummary aggregates completed transactions of one kind.
type TransactionSummary struct {
	Kind  string          `json:"kind"`
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) error
	Get(ctx context.Context, id int64) (*model.Transaction, error)
	GetForUpdate(ctx context.Context, id int64) (*model.Transaction, error)
	// FindByCorrelationID looks a transaction up by the provider correlation id
	// (checkout request id, conversation id or C2B TransID), optionally
	// restricted to kinds.
	FindByCorrelationID(ctx context.Context, correlationID string, kinds ...string) (*model.Transaction, error)
	FindByReceipt(ctx context.Context, receipt string) (*model.Transaction, error)
	// FindCompletedPayment returns the lowest-id COMPLETED transaction of a
	// payment kind for orderID other than excludeID, or nil when there is none.
	FindCompletedPayment(ctx context.Context, orderID, excludeID int64) (*model.Transaction, error)
	// FindRefundTransaction returns the latest REFUND transaction of the refund
	// request in one of statuses, or nil.
	FindRefundTransaction(ctx context.Context, refundRequestID int64, statuses ...string) (*model.Transaction, error)
	// Transition moves the row from one status to another with a single
	// conditional update. ErrTransactionNotPending means another writer won.
	Transition(ctx context.Context, id int64, from, to string, patch TransactionPatch) error
	// AppendMetadata merges fields into a PENDING row.
	AppendMetadata(ctx context.Context, id int64, fields map[string]interface{}) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error)
	ListByWallet(ctx context.Context, walletID int64, limit int) ([]*model.Transaction, error)
	// ListStalePending pages PENDING rows created before the cutoff in id
	// order, starting after afterID.
	ListStalePending(ctx context.Context, kinds []string, before time.Time, afterID int64, limit int) ([]*model.Transaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]*model.Transaction, int64, error)
	SummarizeCompleted(ctx context.Context, from, to time.Time) ([]*TransactionSummary, error)
}

// ============================================================================
// Wallets
// ============================================================================

type WalletRepository interface {
	GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error)
	GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error)
	Increase(ctx context.Context, walletID int64, amount decimal.Decimal) error
	// Deduct only succeeds while the balance covers amount.
	Deduct(ctx context.Context, walletID int64, amount decimal.Decimal) error
}

// ============================================================================
// Orders
// ============================================================================

type OrderRepository interface {
	Get(ctx context.Context, id int64) (*model.Order, error)
	GetForUpdate(ctx context.Context, id int64) (*model.Order, error)
	// GetByNumberForUpdate locks the order a customer knows by its number.
	GetByNumberForUpdate(ctx context.Context, orderNumber string) (*model.Order, error)
	Items(ctx context.Context, orderID int64) ([]*model.OrderItem, error)
	// UpdateStatus changes the status when it still equals from and appends a
	// history row.
	UpdateStatus(ctx context.Context, orderID int64, from, to, note string) error
	AppendHistory(ctx context.Context, orderID int64, status, note string) error
	LatestHistory(ctx context.Context, orderID int64, status string) (*model.OrderStatusHistory, error)
	History(ctx context.Context, orderID int64) ([]*model.OrderStatusHistory, error)
}

// ============================================================================
// Refunds
// ============================================================================

type RefundUpdate struct {
	ProcessedBy *int64
	Remarks     string
}

type RefundFilter struct {
	Status string
	Page   int
	Limit  int
}

type RefundRepository interface {
	Create(ctx context.Context, req *model.RefundRequest) error
	Get(ctx context.Context, id int64) (*model.RefundRequest, error)
	GetForUpdate(ctx context.Context, id int64) (*model.RefundRequest, error)
	FindOpenByOrder(ctx context.Context, orderID int64) (*model.RefundRequest, error)
	UpdateStatus(ctx context.Context, id int64, from, to string, update RefundUpdate) error
	List(ctx context.Context, filter RefundFilter) ([]*model.RefundRequest, int64, error)
}

// ============================================================================
// Callbacks, outbox, users
// ============================================================================

type CallbackRepository interface {
	Create(ctx context.Context, rec *model.CallbackRecord) error
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

type UserRepository interface {
	Get(ctx context.Context, id int64) (*model.User, error)
	// FindByPhoneSuffix matches users whose phone digits end with suffix.
	FindByPhoneSuffix(ctx context.Context, suffix string) (*model.User, error)
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
