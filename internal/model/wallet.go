package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the in-app stored value of one user. The balance only changes
// through completed WALLET_TOPUP, WALLET_PAYMENT or wallet REFUND transactions,
// inside the same unit of work as the transaction update.
type Wallet struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"balance"`
	Version   int             `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}
