package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/korelin/subpay/pkg/types"
)

// Transaction is one payment attempt. PaymentID is the internally minted
// idempotency key carried through every provider round-trip; the provider's
// own identifier lives in ExternalID and is unique per gateway when set.
type Transaction struct {
	ID        int64             `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PaymentID string            `gorm:"column:payment_id;type:uuid;not null;uniqueIndex" json:"payment_id"`
	UserID    int64             `gorm:"column:user_id;type:bigint;not null;index" json:"user_id"`
	Gateway   types.GatewayType `gorm:"column:gateway_type;type:varchar(32);not null;uniqueIndex:unique_gateway_external_id,priority:1" json:"gateway_type"`
	// ExternalID stays nil until the provider accepts the checkout. Balance
	// transactions never get one.
	ExternalID   *string                                 `gorm:"column:external_id;type:varchar(128);uniqueIndex:unique_gateway_external_id,priority:2" json:"external_id"`
	PurchaseType types.PurchaseType                      `gorm:"column:purchase_type;type:varchar(32);not null" json:"purchase_type"`
	Status       types.TransactionStatus                 `gorm:"column:status;type:varchar(32);not null;index:idx_status_created,priority:1" json:"status"`
	PlanSnapshot datatypes.JSONType[*types.PlanSnapshot] `gorm:"column:plan_snapshot;type:jsonb;default:'{}'" json:"plan_snapshot"`
	Pricing      datatypes.JSONType[*types.Pricing]      `gorm:"column:pricing;type:jsonb;default:'{}'" json:"pricing"`
	CreatedAt    time.Time                               `gorm:"column:created_at;index:idx_status_created,priority:2" json:"created_at"`
	CompletedAt  *time.Time                              `gorm:"column:completed_at;default:null" json:"completed_at"`
	UpdatedAt    time.Time                               `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}

func (t *Transaction) FinalAmount() int64 {
	if t == nil || t.Pricing.Data() == nil {
		return 0
	}
	return t.Pricing.Data().Final
}

func (t *Transaction) Plan() *types.PlanSnapshot {
	if t == nil {
		return nil
	}
	return t.PlanSnapshot.Data()
}
