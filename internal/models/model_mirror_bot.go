package models

import "time"

// MirrorBot is an additional bot identity sharing the main dispatcher. Token
// is encrypted at rest under the process CRYPT_KEY. At most one row carries
// IsPrimary (enforced by the admin surface, not the schema).
type MirrorBot struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Token     string    `gorm:"column:token;type:text;not null" json:"-"`
	Username  string    `gorm:"column:username;type:varchar(64);not null" json:"username"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	IsPrimary bool      `gorm:"column:is_primary;not null;default:false" json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MirrorBot) TableName() string {
	return "mirror_bot"
}
