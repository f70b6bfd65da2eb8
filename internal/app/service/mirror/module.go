package mirror

import (
	"context"

	"go.uber.org/fx"

	"github.com/korelin/subpay/internal/app/service/notify"
)

func registerLifecycle(lc fx.Lifecycle, m *Manager, n *notify.Service) {
	m.OnStopBot(n.DropBotCache)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.LoadAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			m.StopAll(ctx)
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(NewManager),
	fx.Provide(func(m *Manager) notify.BotSource { return m }),
	fx.Invoke(registerLifecycle),
)
