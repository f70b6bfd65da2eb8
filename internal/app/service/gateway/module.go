package gateway

import (
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
)

// NewHTTPClient is shared by all adapters. Webhook-triggered outbound calls
// get the long budget; small polls pass their own deadline via context.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// BuildRegistry wires the adapters enabled in config.
func BuildRegistry(cfg *cfgpkg.Config, httpClient *http.Client, mainBot *tgbotapi.BotAPI, log *zap.SugaredLogger) *Registry {
	var adapters []Adapter
	if cfg.YooMoney.Enabled {
		adapters = append(adapters, NewYooMoney(cfg.YooMoney, httpClient, log))
	}
	if cfg.YooKassa.Enabled {
		adapters = append(adapters, NewYooKassa(cfg.YooKassa, httpClient, log))
	}
	if cfg.Cryptomus.Enabled {
		adapters = append(adapters, NewCryptomus(cfg.Cryptomus, httpClient, log))
	}
	if cfg.Stars.Enabled && mainBot != nil {
		adapters = append(adapters, NewTelegramStars(mainBot, log))
	}
	return NewRegistry(adapters...)
}

var Module = fx.Options(
	fx.Provide(NewHTTPClient),
	fx.Provide(BuildRegistry),
)
