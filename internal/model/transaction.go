package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// Transaction kinds and statuses
// ============================================================================

const (
	TransactionKindPayment       = "PAYMENT"        // M-Pesa push payment for an order
	TransactionKindWalletTopUp   = "WALLET_TOPUP"   // M-Pesa money credited to the wallet
	TransactionKindWalletPayment = "WALLET_PAYMENT" // order paid from the wallet balance
	TransactionKindRefund        = "REFUND"         // refund back to the payer
)

const (
	TransactionStatusPending   = "PENDING"
	TransactionStatusCompleted = "COMPLETED"
	TransactionStatusFailed    = "FAILED"
)

// Reference prefixes, see mpesa.Reference.
const (
	ReferencePrefixOrder  = "ORDER"
	ReferencePrefixTopUp  = "TOPUP"
	ReferencePrefixWallet = "WALLET"
	ReferencePrefixRefund = "REFUND"
)

// PaymentKinds are the kinds that settle an order. At most one COMPLETED
// transaction of these kinds may reference an order.
var PaymentKinds = []string{TransactionKindPayment, TransactionKindWalletPayment}

// IsTerminal reports whether a transaction status can no longer change.
func IsTerminal(status string) bool {
	return status == TransactionStatusCompleted || status == TransactionStatusFailed
}

// ============================================================================
// Metadata
// ============================================================================
//
// Metadata holds provider specific fields. Keys are only ever added or
// refreshed, never removed. Known keys:

const (
	MetaCheckoutRequestID        = "checkoutRequestId"
	MetaMerchantRequestID        = "merchantRequestId"
	MetaB2CRequestID             = "b2cRequestId"
	MetaOriginatorConversationID = "originatorConversationId"
	MetaSTKQueryResponse         = "stkQueryResponse"
	MetaCallbackData             = "callbackData"
	MetaB2CResult                = "b2cResult"
	MetaResultCode               = "resultCode"
	MetaResultDesc               = "resultDesc"
	MetaDuplicatePayment         = "duplicatePayment"
	MetaOriginalOrderRef         = "originalOrderRef"
	MetaRefundRequestID          = "refundRequestId"
	MetaC2BTransID               = "c2bTransId"
	MetaPhoneNumber              = "phoneNumber"
	MetaPayoutError              = "payoutError"
	MetaAdminResolution          = "adminResolution"
)

// MergeMetadata returns a copy of base with fields applied on top.
func MergeMetadata(base datatypes.JSONMap, fields map[string]interface{}) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(base)+len(fields))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// ============================================================================
// Transaction entity
// ============================================================================

// Transaction records one payment, top-up, wallet payment or refund attempt.
// Rows are never deleted; the status moves from PENDING to a terminal state
// exactly once.
type Transaction struct {
	ID                    int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind                  string            `gorm:"type:varchar(20);index:idx_txn_order_kind_status,priority:2;not null" json:"kind"`
	Amount                decimal.Decimal   `gorm:"type:decimal(14,2);not null" json:"amount"`
	CounterpartyReference string            `gorm:"type:varchar(64);index" json:"counterparty_reference"`
	Reference             string            `gorm:"type:varchar(64);not null" json:"reference"`
	Status                string            `gorm:"type:varchar(20);index:idx_txn_order_kind_status,priority:3;index;not null" json:"status"`
	ExternalReceiptID     *string           `gorm:"type:varchar(64);uniqueIndex" json:"external_receipt_id"`
	UserID                int64             `gorm:"index;not null" json:"user_id"`
	OrderID               *int64            `gorm:"index:idx_txn_order_kind_status,priority:1" json:"order_id"`
	WalletID              *int64            `gorm:"index" json:"wallet_id"`
	RefundRequestID       *int64            `gorm:"index" json:"refund_request_id"`
	Description           string            `gorm:"type:varchar(256)" json:"description"`
	Metadata              datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt             time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "payment_transaction"
}

// MetaString returns a string metadata value, or "" when absent.
func (t *Transaction) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// IsDuplicatePayment reports whether the transaction was redirected to the
// wallet because its order had already been paid.
func (t *Transaction) IsDuplicatePayment() bool {
	if t.Metadata == nil {
		return false
	}
	v, _ := t.Metadata[MetaDuplicatePayment].(bool)
	return v
}
