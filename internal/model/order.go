package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusShipped    = "SHIPPED"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusCancelled  = "CANCELLED"
)

// History annotations that do not change Order.Status.
const (
	OrderEventPaymentReceived    = "PAYMENT_RECEIVED"
	OrderEventRefundRequested    = "REFUND_REQUESTED"
	OrderEventRefundRejected     = "REFUND_REJECTED"
	OrderEventRefundPayoutFailed = "REFUND_PAYOUT_FAILED"
)

var ValidStatusTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:  {OrderStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	return contains(ValidStatusTransitions[currentStatus], targetStatus)
}

type Order struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNumber string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_number"`
	UserID      int64     `gorm:"index;not null" json:"user_id"`
	Status      string    `gorm:"type:varchar(20);index;not null" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

type OrderItem struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64           `gorm:"index;not null" json:"order_id"`
	ProductID int64           `gorm:"not null" json:"product_id"`
	Price     decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"price"`
	Quantity  int             `gorm:"not null" json:"quantity"`
}

func (OrderItem) TableName() string {
	return "order_item"
}

// OrderStatusHistory is append-only: status changes and annotations are
// added as new rows.
type OrderStatusHistory struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64     `gorm:"index;not null" json:"order_id"`
	Status    string    `gorm:"type:varchar(32);not null" json:"status"`
	Note      string    `gorm:"type:varchar(512)" json:"note,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (OrderStatusHistory) TableName() string {
	return "order_status_history"
}

// OrderTotal sums price × quantity over the items.
func OrderTotal(items []*OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
