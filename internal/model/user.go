package model

import "time"

// User is the storefront account. Only the fields reconciliation needs are mapped.
type User struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"type:varchar(128)" json:"name"`
	PhoneNumber string    `gorm:"type:varchar(32);index" json:"phone_number"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}
