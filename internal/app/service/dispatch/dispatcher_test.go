package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/internal/platform/kv"
	"github.com/korelin/subpay/pkg/metrics"
	"github.com/korelin/subpay/pkg/types"
)

var testMetrics = metrics.New()

type fakeBot struct {
	requests []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 1}}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fakeSource struct{ primary *notify.BotRef }

func (f *fakeSource) Primary() *notify.BotRef   { return f.primary }
func (f *fakeSource) Mirrors() []*notify.BotRef { return nil }

type fakeCompleter struct {
	gw types.GatewayType
	ev *gateway.WebhookEvent
}

func (f *fakeCompleter) CompleteFromEvent(_ context.Context, gw types.GatewayType, ev *gateway.WebhookEvent) error {
	f.gw = gw
	f.ev = ev
	return nil
}

func newTestService(bot *fakeBot, completer *fakeCompleter) (*Service, *notify.BotRef) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	ref := &notify.BotRef{ID: 1, Client: bot}
	notifier := notify.New(&fakeSource{primary: ref}, kv.NewStore(rdb, zap.NewNop().Sugar()),
		testMetrics, zap.NewNop().Sugar())
	return New(notifier, completer, zap.NewNop().Sugar()), ref
}

func TestFeedUpdateAnswersPreCheckout(t *testing.T) {
	bot := &fakeBot{}
	s, ref := newTestService(bot, &fakeCompleter{})

	s.FeedUpdate(context.Background(), ref, &tgbotapi.Update{
		PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{ID: "pcq-1", InvoicePayload: "pay-abc"},
	})

	require.Len(t, bot.requests, 1)
	answer, ok := bot.requests[0].(tgbotapi.PreCheckoutConfig)
	require.True(t, ok)
	require.Equal(t, "pcq-1", answer.PreCheckoutQueryID)
	require.True(t, answer.OK)
}

func TestFeedUpdateCloseCallbackDeletesMessage(t *testing.T) {
	bot := &fakeBot{}
	s, ref := newTestService(bot, &fakeCompleter{})

	s.FeedUpdate(notify.WithBotID(context.Background(), ref.ID), ref, &tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb-1",
			Data:    notify.CloseCallbackData,
			Message: &tgbotapi.Message{MessageID: 42, Chat: &tgbotapi.Chat{ID: 7001}},
		},
	})

	require.Len(t, bot.requests, 2)
	del, ok := bot.requests[0].(tgbotapi.DeleteMessageConfig)
	require.True(t, ok)
	require.Equal(t, int64(7001), del.ChatID)
	require.Equal(t, 42, del.MessageID)
	_, ok = bot.requests[1].(tgbotapi.CallbackConfig)
	require.True(t, ok)
}

func TestFeedUpdateIgnoresForeignCallback(t *testing.T) {
	bot := &fakeBot{}
	s, ref := newTestService(bot, &fakeCompleter{})

	s.FeedUpdate(context.Background(), ref, &tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb-1", Data: "menu:open"},
	})

	require.Empty(t, bot.requests)
}

func TestFeedUpdateRoutesSuccessfulPayment(t *testing.T) {
	bot := &fakeBot{}
	completer := &fakeCompleter{}
	s, ref := newTestService(bot, completer)

	s.FeedUpdate(context.Background(), ref, &tgbotapi.Update{
		Message: &tgbotapi.Message{
			SuccessfulPayment: &tgbotapi.SuccessfulPayment{
				InvoicePayload:          "pay-abc",
				TelegramPaymentChargeID: "charge-7",
				TotalAmount:             250,
			},
		},
	})

	require.Equal(t, types.GatewayTelegramStars, completer.gw)
	require.NotNil(t, completer.ev)
	require.Equal(t, "pay-abc", completer.ev.PaymentID)
	require.Equal(t, types.TransactionStatusCompleted, completer.ev.Status)
	require.Equal(t, "charge-7", completer.ev.ExternalID)
	require.Equal(t, int64(250), *completer.ev.Amount)
}

func TestFeedUpdateIgnoresPlainMessages(t *testing.T) {
	bot := &fakeBot{}
	completer := &fakeCompleter{}
	s, ref := newTestService(bot, completer)

	s.FeedUpdate(context.Background(), ref, &tgbotapi.Update{
		Message: &tgbotapi.Message{Text: "hello"},
	})

	require.Empty(t, bot.requests)
	require.Nil(t, completer.ev)
}
