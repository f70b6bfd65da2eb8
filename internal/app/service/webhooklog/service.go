package webhooklog

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/korelin/subpay/internal/models"
	"github.com/korelin/subpay/pkg/logctx"
	"github.com/korelin/subpay/pkg/tool"
)

// Service is the webhook audit trail. Writes are fire-and-forget so the
// intake path never blocks on the log table.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Save asynchronously persists a webhook log row. Nil input is ignored.
func (s *Service) Save(ctx context.Context, row *models.WebhookLog) {
	go func() {
		if row == nil {
			return
		}
		if row.ID == "" {
			row.ID = tool.GeneratePaymentID()
		}
		if row.TraceID == "" {
			row.TraceID = logctx.TraceID(ctx)
		}
		if err := s.db.Save(row).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save webhook log: %v", err)
		}
	}()
}

var Module = fx.Options(
	fx.Provide(New),
)
