package tg

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
)

// NewMainBot builds the primary bot client from config. Returns nil when no
// token is configured; the mirror manager then promotes the primary DB row.
func NewMainBot(cfg *cfgpkg.Config, log *zap.SugaredLogger) (*tgbotapi.BotAPI, error) {
	if cfg.Telegram.MainToken == "" {
		log.Infow("no main bot token configured")
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.MainToken)
	if err != nil {
		return nil, err
	}
	log.Infow("main bot authorized", "username", api.Self.UserName)
	return api, nil
}

var Module = fx.Options(
	fx.Provide(NewMainBot),
)
