package txstore

import "go.uber.org/fx"

var Module = fx.Options(
	fx.Provide(New),
	fx.Provide(func(s *GormStore) Store { return s }),
)
