package models

import (
	"time"

	"github.com/korelin/subpay/pkg/types"
)

// ReferralReward is one bonus-pool entry. The sum of PENDING money rewards is
// the user's displayed bonus balance; withdrawal flips rows to WITHDRAWN and
// never crosses users.
type ReferralReward struct {
	ID        int64              `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int64              `gorm:"column:user_id;type:bigint;not null;index:idx_reward_user_status,priority:1" json:"user_id"`
	Amount    int64              `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Type      types.RewardType   `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Status    types.RewardStatus `gorm:"column:status;type:varchar(16);not null;index:idx_reward_user_status,priority:2" json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (ReferralReward) TableName() string {
	return "referral_reward"
}
