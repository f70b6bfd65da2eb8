package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/korelin/subpay/internal/models"
	"github.com/korelin/subpay/pkg/types"
)

var ErrInsufficient = errors.New("insufficient balance")

// DebitResult records exactly what a debit took so Restore can return the
// pools to their pre-debit state.
type DebitResult struct {
	FromPrimary int64
	FromBonus   int64
	// WithdrawnRewardIDs are the PENDING rows flipped to WITHDRAWN.
	WithdrawnRewardIDs []int64
	// LeftoverRewardID is the PENDING remainder row created when the last
	// consumed reward exceeded the amount still needed, 0 if none.
	LeftoverRewardID int64
}

// Engine does two-pool balance arithmetic. The primary pool lives on the user
// row; the bonus pool is the sum of PENDING money rewards. The configured
// mode decides whether purchases may draw on bonus directly.
type Engine struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Engine {
	return &Engine{db: db, log: log}
}

func (e *Engine) Available(ctx context.Context, userID int64, mode types.BalanceMode) (int64, error) {
	primary, err := e.primaryBalance(ctx, e.db, userID)
	if err != nil {
		return 0, err
	}
	if mode == types.BalanceModeSeparate {
		return primary, nil
	}
	bonus, err := e.BonusBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return primary + bonus, nil
}

// BonusBalance is the sum of PENDING money rewards.
func (e *Engine) BonusBalance(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := e.db.WithContext(ctx).
		Model(&models.ReferralReward{}).
		Where("user_id = ? AND status = ? AND type = ?", userID, types.RewardStatusPending, types.RewardTypeMoney).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("bonus balance: %w", err)
	}
	return sum, nil
}

// Debit draws amount from the pools. SEPARATE mode touches only primary;
// COMBINED draws min(primary, amount) from primary and the remainder from
// bonus, flipping reward rows WITHDRAWN in ascending amount order. The
// primary side is a conditional update so concurrent debits cannot overdraw.
func (e *Engine) Debit(ctx context.Context, userID int64, amount int64, mode types.BalanceMode) (*DebitResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	res := &DebitResult{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("telegram_id = ?", userID).First(&user).Error; err != nil {
			return fmt.Errorf("load user %d: %w", userID, err)
		}

		fromPrimary := amount
		var fromBonus int64
		if user.Balance < amount {
			if mode == types.BalanceModeSeparate {
				return ErrInsufficient
			}
			fromPrimary = user.Balance
			fromBonus = amount - fromPrimary
		}

		if fromBonus > 0 {
			if err := e.withdrawRewards(tx, userID, fromBonus, res); err != nil {
				return err
			}
		}

		if fromPrimary > 0 {
			upd := tx.Model(&models.User{}).
				Where("telegram_id = ? AND balance >= ?", userID, fromPrimary).
				Update("balance", gorm.Expr("balance - ?", fromPrimary))
			if upd.Error != nil {
				return fmt.Errorf("debit primary: %w", upd.Error)
			}
			if upd.RowsAffected == 0 {
				return ErrInsufficient
			}
		}

		res.FromPrimary = fromPrimary
		res.FromBonus = fromBonus
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// withdrawRewards consumes PENDING money rewards worth exactly needed. When
// the last consumed row overshoots, the excess is reissued as a fresh
// PENDING row so the pool accounting stays exact.
func (e *Engine) withdrawRewards(tx *gorm.DB, userID int64, needed int64, res *DebitResult) error {
	var rewards []*models.ReferralReward
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ? AND type = ?", userID, types.RewardStatusPending, types.RewardTypeMoney).
		Find(&rewards).Error; err != nil {
		return fmt.Errorf("load rewards: %w", err)
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i].Amount < rewards[j].Amount })

	remaining := needed
	for _, r := range rewards {
		if remaining <= 0 {
			break
		}
		if err := tx.Model(r).Update("status", types.RewardStatusWithdrawn).Error; err != nil {
			return fmt.Errorf("withdraw reward %d: %w", r.ID, err)
		}
		res.WithdrawnRewardIDs = append(res.WithdrawnRewardIDs, r.ID)
		if r.Amount > remaining {
			leftover := &models.ReferralReward{
				UserID: userID,
				Amount: r.Amount - remaining,
				Type:   types.RewardTypeMoney,
				Status: types.RewardStatusPending,
			}
			if err := tx.Create(leftover).Error; err != nil {
				return fmt.Errorf("reissue leftover reward: %w", err)
			}
			res.LeftoverRewardID = leftover.ID
			remaining = 0
			break
		}
		remaining -= r.Amount
	}
	if remaining > 0 {
		return ErrInsufficient
	}
	return nil
}

// Restore undoes a debit with the values that debit returned. A debit
// followed by a restore with the same result leaves both pools byte
// identical.
func (e *Engine) Restore(ctx context.Context, userID int64, res *DebitResult) error {
	if res == nil {
		return nil
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res.FromPrimary > 0 {
			if err := tx.Model(&models.User{}).
				Where("telegram_id = ?", userID).
				Update("balance", gorm.Expr("balance + ?", res.FromPrimary)).Error; err != nil {
				return fmt.Errorf("restore primary: %w", err)
			}
		}
		if res.LeftoverRewardID != 0 {
			if err := tx.Delete(&models.ReferralReward{}, res.LeftoverRewardID).Error; err != nil {
				return fmt.Errorf("drop leftover reward: %w", err)
			}
		}
		if len(res.WithdrawnRewardIDs) > 0 {
			if err := tx.Model(&models.ReferralReward{}).
				Where("id IN ? AND user_id = ?", res.WithdrawnRewardIDs, userID).
				Update("status", types.RewardStatusPending).Error; err != nil {
				return fmt.Errorf("restore rewards: %w", err)
			}
		}
		return nil
	})
}

// Credit adds to the primary pool (top-ups, bonus withdrawal target).
func (e *Engine) Credit(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	res := e.db.WithContext(ctx).Model(&models.User{}).
		Where("telegram_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("credit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("credit: unknown user %d", userID)
	}
	return nil
}

// WithdrawBonus converts bonus into primary, the explicit action SEPARATE
// mode requires before the money is spendable.
func (e *Engine) WithdrawBonus(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %d", amount)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := &DebitResult{}
		if err := e.withdrawRewards(tx, userID, amount, res); err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).
			Where("telegram_id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", amount)).Error; err != nil {
			return fmt.Errorf("credit primary from bonus: %w", err)
		}
		return nil
	})
}

func (e *Engine) primaryBalance(ctx context.Context, db *gorm.DB, userID int64) (int64, error) {
	var user models.User
	if err := db.WithContext(ctx).Select("balance").Where("telegram_id = ?", userID).First(&user).Error; err != nil {
		return 0, fmt.Errorf("load user %d: %w", userID, err)
	}
	return user.Balance, nil
}
