package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/korelin/subpay/internal/app/service/panel"
	"github.com/korelin/subpay/internal/models"
	"github.com/korelin/subpay/pkg/logctx"
	"github.com/korelin/subpay/pkg/types"
)

// Service owns the local Subscription rows. The panel holds the
// authoritative VPN state; these rows are the bot's view of it, created on
// the first successful NEW purchase and mutated on RENEW / CHANGE.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Current returns the user's subscription, or (nil, nil) when none exists.
func (s *Service) Current(ctx context.Context, userID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription for user %d: %w", userID, err)
	}
	return &sub, nil
}

// CreateFromPlan persists a new subscription and points the user row at it.
func (s *Service) CreateFromPlan(ctx context.Context, userID int64, remnaID string, plan *types.PlanSnapshot, expireAt time.Time) (*models.Subscription, error) {
	sub := &models.Subscription{
		UserID:       userID,
		UserRemnaID:  remnaID,
		PlanSnapshot: datatypes.NewJSONType(plan),
		ExpireAt:     expireAt,
	}
	if plan != nil {
		sub.DeviceLimit = plan.DeviceLimit
		sub.TrafficLimit = plan.TrafficLimit
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if err := tx.Model(&models.User{}).
			Where("telegram_id = ?", userID).
			Update("current_subscription_id", sub.ID).Error; err != nil {
			return fmt.Errorf("link subscription to user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ImportFromPanel adopts an existing panel user as the local subscription.
// plan may be nil when no catalog plan matches the panel tag.
func (s *Service) ImportFromPanel(ctx context.Context, userID int64, panelUser *panel.PanelUser, plan *types.PlanSnapshot) (*models.Subscription, error) {
	logctx.FromCtx(ctx, s.log).Infow("importing panel user as subscription",
		"user_id", userID, "panel_uuid", panelUser.UUID, "tag", panelUser.Tag)
	sub := &models.Subscription{
		UserID:       userID,
		UserRemnaID:  panelUser.UUID,
		PlanSnapshot: datatypes.NewJSONType(plan),
		ExpireAt:     panelUser.ExpireAt,
		DeviceLimit:  panelUser.HwidDeviceLimit,
		TrafficLimit: panelUser.TrafficLimit,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("import subscription: %w", err)
		}
		if err := tx.Model(&models.User{}).
			Where("telegram_id = ?", userID).
			Update("current_subscription_id", sub.ID).Error; err != nil {
			return fmt.Errorf("link subscription to user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ApplyPlan rewrites the plan snapshot and expiry after a RENEW or CHANGE.
func (s *Service) ApplyPlan(ctx context.Context, subID int64, plan *types.PlanSnapshot, expireAt time.Time) error {
	updates := map[string]any{
		"plan_snapshot": datatypes.NewJSONType(plan),
		"expire_at":     expireAt,
	}
	if plan != nil {
		updates["device_limit"] = plan.DeviceLimit
		updates["traffic_limit"] = plan.TrafficLimit
	}
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", subID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("apply plan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("apply plan: unknown subscription %d", subID)
	}
	return nil
}

// AddExtraDevices appends a time-limited device-cap raise.
func (s *Service) AddExtraDevices(ctx context.Context, userID int64, count int, expireAt time.Time) error {
	row := &models.ExtraDevicePurchase{UserID: userID, Count: count, ExpireAt: expireAt}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("add extra devices: %w", err)
	}
	return nil
}

// SyncFromPanel refreshes the local row's expiry and caps from the panel
// user. Used on startup for the operator's own subscription.
func (s *Service) SyncFromPanel(ctx context.Context, userID int64, panelUser *panel.PanelUser) error {
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"expire_at":     panelUser.ExpireAt,
			"device_limit":  panelUser.HwidDeviceLimit,
			"traffic_limit": panelUser.TrafficLimit,
			"user_remna_id": panelUser.UUID,
		})
	if res.Error != nil {
		return fmt.Errorf("sync subscription: %w", res.Error)
	}
	return nil
}
