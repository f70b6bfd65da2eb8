package models

import (
	"time"
)

type UserRole string

const (
	UserRoleMember   UserRole = "member"
	UserRoleOperator UserRole = "operator"
)

// User is the buyer. TelegramID is externally assigned and stable; Balance is
// the primary pool in minor currency units and never goes negative (debits
// are conditional updates).
type User struct {
	TelegramID            int64      `gorm:"column:telegram_id;primaryKey" json:"telegram_id"`
	Balance               int64      `gorm:"column:balance;type:bigint;not null;default:0" json:"balance"`
	CurrentSubscriptionID *int64     `gorm:"column:current_subscription_id;default:null" json:"current_subscription_id"`
	Role                  UserRole   `gorm:"column:role;type:varchar(32);not null;default:'member'" json:"role"`
	Blocked               bool       `gorm:"column:blocked;not null;default:false" json:"blocked"`
	PurchaseDiscountPct   int        `gorm:"column:purchase_discount_pct;not null;default:0" json:"purchase_discount_pct"`
	PurchaseDiscountUntil *time.Time `gorm:"column:purchase_discount_until;default:null" json:"purchase_discount_until"`
	PersonalDiscountPct   int        `gorm:"column:personal_discount_pct;not null;default:0" json:"personal_discount_pct"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "app_user"
}

// PurchaseDiscount returns the active purchase discount percentage at now.
func (u *User) PurchaseDiscount(now time.Time) int {
	if u == nil || u.PurchaseDiscountPct == 0 {
		return 0
	}
	if u.PurchaseDiscountUntil != nil && u.PurchaseDiscountUntil.Before(now) {
		return 0
	}
	return u.PurchaseDiscountPct
}
