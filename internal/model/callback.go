package model

import (
	"time"
)

const (
	CallbackKindSTK             = "STK"
	CallbackKindC2BValidation   = "C2B_VALIDATION"
	CallbackKindC2BConfirmation = "C2B_CONFIRMATION"
	CallbackKindB2CResult       = "B2C_RESULT"
	CallbackKindB2CTimeout      = "B2C_TIMEOUT"
	CallbackKindBalanceResult   = "BALANCE_RESULT"
	CallbackKindBalanceTimeout  = "BALANCE_TIMEOUT"
)

// CallbackRecord is the raw audit log of every inbound provider call. It is
// written before any business logic runs and never updated.
type CallbackRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind          string    `gorm:"type:varchar(32);index;not null" json:"kind"`
	ResultCode    string    `gorm:"type:varchar(32)" json:"result_code"`
	ResultDesc    string    `gorm:"type:varchar(512)" json:"result_desc"`
	CorrelationID string    `gorm:"type:varchar(64);index" json:"correlation_id"`
	Payload       string    `gorm:"type:text;not null" json:"payload"`
	ReceivedAt    time.Time `gorm:"autoCreateTime;index" json:"received_at"`
}

func (CallbackRecord) TableName() string {
	return "mpesa_callback"
}
