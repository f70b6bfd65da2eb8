package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/api/server"
	"github.com/korelin/subpay/internal/app/service/balance"
	"github.com/korelin/subpay/internal/app/service/dispatch"
	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/mirror"
	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/internal/app/service/orchestrator"
	"github.com/korelin/subpay/internal/app/service/panel"
	"github.com/korelin/subpay/internal/app/service/reconciler"
	"github.com/korelin/subpay/internal/app/service/subscription"
	"github.com/korelin/subpay/internal/app/service/txstore"
	"github.com/korelin/subpay/internal/app/service/webhooklog"
	"github.com/korelin/subpay/internal/platform/db"
	"github.com/korelin/subpay/internal/platform/kv"
	"github.com/korelin/subpay/internal/platform/tg"
	"github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/crypt"
	"github.com/korelin/subpay/pkg/logger"
	"github.com/korelin/subpay/pkg/metrics"
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 15 * time.Second
)

func newCipher(cfg *config.Config) (*crypt.Cipher, error) {
	return crypt.New(cfg.CryptKey)
}

// wireDispatcher closes the loop between the mirror manager and the shared
// dispatcher; the two cannot reference each other at construction time.
func wireDispatcher(mgr *mirror.Manager, d *dispatch.Service) {
	mgr.SetDispatcher(d)
}

// syncOperatorSubscription refreshes the operator's own subscription row
// from the panel on startup. Best effort: a panel outage must not block boot.
func syncOperatorSubscription(lc fx.Lifecycle, cfg *config.Config, pc panel.Client, subs *subscription.Service, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.OperatorChatID == 0 {
				return nil
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				pu, err := pc.FindByUserID(ctx, cfg.OperatorChatID)
				if err != nil || pu == nil {
					log.Warnw("operator subscription sync skipped", "err", err)
					return
				}
				if err := subs.SyncFromPanel(ctx, cfg.OperatorChatID, pu); err != nil {
					log.Warnw("operator subscription sync failed", "err", err)
				}
			}()
			return nil
		},
	})
}

func announce(lc fx.Lifecycle, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Infow("orchestration core started")
			return nil
		},
		OnStop: func(context.Context) error {
			log.Infow("orchestration core stopped")
			return nil
		},
	})
}

var Module = fx.Options(
	logger.Module,
	config.Module,
	fx.Provide(metrics.New),
	fx.Provide(newCipher),
	db.Module,
	kv.Module,
	tg.Module,
	gateway.Module,
	txstore.Module,
	balance.Module,
	panel.Module,
	subscription.Module,
	webhooklog.Module,
	notify.Module,
	mirror.Module,
	orchestrator.Module,
	dispatch.Module,
	reconciler.Module,
	server.Module,
	fx.Invoke(wireDispatcher),
	fx.Invoke(syncOperatorSubscription),
	fx.Invoke(announce),
)
