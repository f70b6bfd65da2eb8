package reconciler

import (
	"context"

	"go.uber.org/fx"

	"github.com/korelin/subpay/internal/app/service/orchestrator"
)

func registerLifecycle(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(func(s *orchestrator.Service) Completer { return s }),
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)
