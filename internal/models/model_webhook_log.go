package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/korelin/subpay/pkg/types"
)

type WebhookLogStatus string

const (
	WebhookLogStatusReceived     WebhookLogStatus = "received"
	WebhookLogStatusHandled      WebhookLogStatus = "handled"
	WebhookLogStatusHandleFailed WebhookLogStatus = "handle_failed"
	WebhookLogStatusRejected     WebhookLogStatus = "rejected"
)

// WebhookLog is the audit trail of provider callbacks. One row per intake
// outcome; bodies are stored verbatim for replay during incident review.
type WebhookLog struct {
	ID        string            `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	Gateway   types.GatewayType `gorm:"column:gateway_type;type:varchar(32);not null;index" json:"gateway_type"`
	PaymentID *string           `gorm:"column:payment_id;type:uuid;index" json:"payment_id"`
	TraceID   string            `gorm:"column:trace_id;type:varchar(64)" json:"trace_id"`
	Status    WebhookLogStatus  `gorm:"column:status;type:varchar(32);not null" json:"status"`
	Body      datatypes.JSON    `gorm:"column:body;type:jsonb;default:'{}'" json:"body"`
	CreatedAt time.Time         `json:"created_at"`
}

func (WebhookLog) TableName() string {
	return "webhook_log"
}
