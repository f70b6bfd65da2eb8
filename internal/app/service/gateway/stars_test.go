package gateway

import (
	"context"
	"encoding/json"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korelin/subpay/pkg/types"
)

type fakeStarsAPI struct {
	endpoint string
	params   tgbotapi.Params
	resp     *tgbotapi.APIResponse
	err      error
}

func (f *fakeStarsAPI) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	f.endpoint = endpoint
	f.params = params
	return f.resp, f.err
}

func TestStarsCheckoutCreatesInvoiceLink(t *testing.T) {
	link, _ := json.Marshal("https://t.me/invoice/xyz")
	api := &fakeStarsAPI{resp: &tgbotapi.APIResponse{Ok: true, Result: link}}
	s := NewTelegramStars(api, zap.NewNop().Sugar())

	res, err := s.CreateCheckout(context.Background(), &CheckoutRequest{
		PaymentID:   "pay-abc",
		Amount:      250,
		Description: "Subscription: Std30",
	})
	require.NoError(t, err)
	require.Equal(t, "https://t.me/invoice/xyz", res.RedirectURL)
	require.Equal(t, "createInvoiceLink", api.endpoint)
	require.Equal(t, "pay-abc", api.params["payload"])
	require.Equal(t, "XTR", api.params["currency"])
}

func TestStarsParseUpdateExtractsPayload(t *testing.T) {
	s := NewTelegramStars(&fakeStarsAPI{}, zap.NewNop().Sugar())
	update := &tgbotapi.Update{
		Message: &tgbotapi.Message{
			SuccessfulPayment: &tgbotapi.SuccessfulPayment{
				InvoicePayload:          "pay-abc",
				TelegramPaymentChargeID: "charge-7",
				TotalAmount:             250,
			},
		},
	}

	ev, err := s.ParseUpdate(update)
	require.NoError(t, err)
	require.Equal(t, "pay-abc", ev.PaymentID)
	require.Equal(t, types.TransactionStatusCompleted, ev.Status)
	require.Equal(t, "charge-7", ev.ExternalID)
	require.Equal(t, int64(250), *ev.Amount)
}

func TestStarsParseUpdateRejectsMissingPayment(t *testing.T) {
	s := NewTelegramStars(&fakeStarsAPI{}, zap.NewNop().Sugar())

	_, err := s.ParseUpdate(&tgbotapi.Update{Message: &tgbotapi.Message{}})
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = s.ParseUpdate(&tgbotapi.Update{
		Message: &tgbotapi.Message{SuccessfulPayment: &tgbotapi.SuccessfulPayment{}},
	})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestStarsHasNoPollPath(t *testing.T) {
	s := NewTelegramStars(&fakeStarsAPI{}, zap.NewNop().Sugar())

	st, err := s.PollStatus(context.Background(), "pay-abc")
	require.NoError(t, err)
	require.Nil(t, st)
}
