package panel

import "go.uber.org/fx"

var Module = fx.Options(
	fx.Provide(New),
	fx.Provide(func(c *HTTPClient) Client { return c }),
)
