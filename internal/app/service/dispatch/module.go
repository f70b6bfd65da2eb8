package dispatch

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/internal/app/service/orchestrator"
)

func newService(notifier *notify.Service, orch *orchestrator.Service, log *zap.SugaredLogger) *Service {
	return New(notifier, orch, log)
}

var Module = fx.Options(
	fx.Provide(newService),
)
