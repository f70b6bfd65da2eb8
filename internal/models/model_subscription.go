package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/korelin/subpay/pkg/types"
)

// Subscription is the local record of a user's VPN access. UserRemnaID is the
// panel-side identifier. The plan snapshot may be nil for panel users adopted
// without a matching local plan.
type Subscription struct {
	ID           int64                                   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID       int64                                   `gorm:"column:user_id;type:bigint;not null;uniqueIndex" json:"user_id"`
	UserRemnaID  string                                  `gorm:"column:user_remna_id;type:varchar(64);not null" json:"user_remna_id"`
	PlanSnapshot datatypes.JSONType[*types.PlanSnapshot] `gorm:"column:plan_snapshot;type:jsonb;default:'{}'" json:"plan_snapshot"`
	ExpireAt     time.Time                               `gorm:"column:expire_at;not null" json:"expire_at"`
	DeviceLimit  int                                     `gorm:"column:device_limit;not null;default:0" json:"device_limit"`
	TrafficLimit int64                                   `gorm:"column:traffic_limit;not null;default:0" json:"traffic_limit"`
	CreatedAt    time.Time                               `json:"created_at"`
	UpdatedAt    time.Time                               `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) Active(now time.Time) bool {
	return s != nil && s.ExpireAt.After(now)
}

// ExtraDevicePurchase raises the device cap for a limited period.
type ExtraDevicePurchase struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"column:user_id;type:bigint;not null;index" json:"user_id"`
	Count     int       `gorm:"column:count;not null" json:"count"`
	ExpireAt  time.Time `gorm:"column:expire_at;not null" json:"expire_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (ExtraDevicePurchase) TableName() string {
	return "extra_device_purchase"
}
