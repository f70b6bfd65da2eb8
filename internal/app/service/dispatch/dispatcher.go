package dispatch

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/pkg/types"
)

// PaymentCompleter finalizes a transaction from a verified provider event.
// Implemented by the orchestrator.
type PaymentCompleter interface {
	CompleteFromEvent(ctx context.Context, gw types.GatewayType, ev *gateway.WebhookEvent) error
}

// Service routes Telegram updates arriving through any bot identity. Every
// bot, primary or mirror, feeds the same instance; the bot that received the
// update answers it.
type Service struct {
	notifier  *notify.Service
	completer PaymentCompleter
	log       *zap.SugaredLogger
}

func New(notifier *notify.Service, completer PaymentCompleter, log *zap.SugaredLogger) *Service {
	return &Service{
		notifier:  notifier,
		completer: completer,
		log:       log,
	}
}

// FeedUpdate implements mirror.Dispatcher.
func (s *Service) FeedUpdate(ctx context.Context, bot *notify.BotRef, update *tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		s.handleCallback(ctx, bot, update.CallbackQuery)
	case update.PreCheckoutQuery != nil:
		s.handlePreCheckout(bot, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		s.handleSuccessfulPayment(ctx, update.Message)
	}
}

func (s *Service) handleCallback(ctx context.Context, bot *notify.BotRef, q *tgbotapi.CallbackQuery) {
	if q.Data != notify.CloseCallbackData {
		return
	}
	if q.Message != nil {
		s.notifier.HandleClose(ctx, q.Message.Chat.ID, q.Message.MessageID)
	}
	if _, err := bot.Client.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		s.log.Warnw("callback answer failed", "bot_id", bot.ID, "err", err)
	}
}

// handlePreCheckout approves every pre-checkout query. The invoice was
// minted by us with the final amount already applied, so there is nothing
// left to validate; rejecting here would strand the user mid-payment.
func (s *Service) handlePreCheckout(bot *notify.BotRef, q *tgbotapi.PreCheckoutQuery) {
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 true,
	}
	if _, err := bot.Client.Request(answer); err != nil {
		s.log.Errorw("pre-checkout answer failed", "bot_id", bot.ID, "query_id", q.ID, "err", err)
	}
}

// handleSuccessfulPayment is the Stars settlement path: the platform already
// charged the user, so the event goes straight to completion. The invoice
// payload carries our payment id.
func (s *Service) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	amount := int64(sp.TotalAmount)
	ev := &gateway.WebhookEvent{
		PaymentID:  sp.InvoicePayload,
		Status:     types.TransactionStatusCompleted,
		ExternalID: sp.TelegramPaymentChargeID,
		Amount:     &amount,
	}
	if err := s.completer.CompleteFromEvent(ctx, types.GatewayTelegramStars, ev); err != nil {
		s.log.Errorw("stars payment completion failed",
			"payment_id", sp.InvoicePayload, "charge_id", sp.TelegramPaymentChargeID, "err", err)
	}
}
