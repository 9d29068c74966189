package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RefundStatusPending   = "PENDING"
	RefundStatusApproved  = "APPROVED" // payout in flight
	RefundStatusRejected  = "REJECTED"
	RefundStatusProcessed = "PROCESSED"
)

var ValidRefundTransitions = map[string][]string{
	RefundStatusPending:  {RefundStatusApproved, RefundStatusRejected, RefundStatusProcessed},
	RefundStatusApproved: {RefundStatusProcessed},
}

func CanRefundTransitionTo(currentStatus, targetStatus string) bool {
	return contains(ValidRefundTransitions[currentStatus], targetStatus)
}

// OpenRefundStatuses are the statuses that block a new request for the same order.
var OpenRefundStatuses = []string{RefundStatusPending, RefundStatusApproved}

type RefundRequest struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     int64           `gorm:"index;not null" json:"order_id"`
	UserID      int64           `gorm:"index;not null" json:"user_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Reason      string          `gorm:"type:varchar(512);not null" json:"reason"`
	Evidence    string          `gorm:"type:text" json:"evidence,omitempty"`
	Status      string          `gorm:"type:varchar(20);index;not null" json:"status"`
	Remarks     string          `gorm:"type:varchar(512)" json:"remarks,omitempty"`
	ProcessedBy *int64          `json:"processed_by"`
	ProcessedAt *time.Time      `json:"processed_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RefundRequest) TableName() string {
	return "refund_request"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
