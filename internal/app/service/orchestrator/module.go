package orchestrator

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/balance"
	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/internal/app/service/panel"
	"github.com/korelin/subpay/internal/app/service/subscription"
	"github.com/korelin/subpay/internal/app/service/txstore"
	"github.com/korelin/subpay/internal/platform/kv"
	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/metrics"
)

func newService(
	store *txstore.GormStore,
	registry *gateway.Registry,
	engine *balance.Engine,
	panelClient panel.Client,
	subs *subscription.Service,
	notifier *notify.Service,
	cache *kv.Store,
	met *metrics.Metrics,
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
) *Service {
	return New(store, registry, engine, panelClient, subs, notifier, cache, met, cfg, log)
}

var Module = fx.Options(
	fx.Provide(newService),
)
