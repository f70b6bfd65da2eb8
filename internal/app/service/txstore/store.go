package txstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/korelin/subpay/internal/models"
	"github.com/korelin/subpay/pkg/types"
)

var ErrAlreadyExists = errors.New("transaction already exists")

// Store persists transactions keyed by payment_id. Transition is the
// compare-and-set that serializes the state machine: two concurrent arrivals
// for one payment_id can never both succeed.
type Store interface {
	Create(ctx context.Context, tx *models.Transaction) error
	// Get returns (nil, nil) when the payment id is unknown.
	Get(ctx context.Context, paymentID string) (*models.Transaction, error)
	ListByStatus(ctx context.Context, status types.TransactionStatus, gw types.GatewayType, createdAfter, createdBefore time.Time) ([]*models.Transaction, error)
	Transition(ctx context.Context, paymentID string, from, to types.TransactionStatus, extra map[string]any) (bool, error)
	SetExternalID(ctx context.Context, paymentID, externalID string) error
}

type GormStore struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *GormStore {
	return &GormStore{db: db, log: log}
}

func (s *GormStore) Create(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, paymentID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", paymentID, err)
	}
	return &tx, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, status types.TransactionStatus, gw types.GatewayType, createdAfter, createdBefore time.Time) ([]*models.Transaction, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status)
	if gw != "" {
		q = q.Where("gateway_type = ?", gw)
	}
	if !createdAfter.IsZero() {
		q = q.Where("created_at >= ?", createdAfter)
	}
	if !createdBefore.IsZero() {
		q = q.Where("created_at <= ?", createdBefore)
	}
	var rows []*models.Transaction
	if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return rows, nil
}

// Transition performs a conditional update: it succeeds only when the stored
// status still equals from. The loser of a race gets false and must abandon
// its side effects.
func (s *GormStore) Transition(ctx context.Context, paymentID string, from, to types.TransactionStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("payment_id = ? AND status = ?", paymentID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", paymentID, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetExternalID(ctx context.Context, paymentID, externalID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("payment_id = ?", paymentID).
		Update("external_id", externalID)
	if res.Error != nil {
		return fmt.Errorf("set external id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set external id: unknown payment %s", paymentID)
	}
	return nil
}
