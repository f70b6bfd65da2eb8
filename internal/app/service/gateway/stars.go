package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/korelin/subpay/pkg/types"
)

// starsAPI is the slice of the bot client the adapter needs.
type starsAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// TelegramStars sells through platform-native invoices. The platform itself
// verifies payment; the confirmation arrives as a SuccessfulPayment update
// whose invoice payload is our payment id, so the adapter trusts the
// envelope and never signs anything.
type TelegramStars struct {
	api starsAPI
	log *zap.SugaredLogger
}

func NewTelegramStars(api starsAPI, log *zap.SugaredLogger) *TelegramStars {
	return &TelegramStars{api: api, log: log}
}

func (s *TelegramStars) Type() types.GatewayType { return types.GatewayTelegramStars }

func (s *TelegramStars) RequiresWebhook() bool { return false }

func (s *TelegramStars) CreateCheckout(_ context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	prices, _ := json.Marshal([]map[string]any{
		{"label": req.Description, "amount": req.Amount},
	})
	params := tgbotapi.Params{
		"title":       req.Description,
		"description": req.Description,
		"payload":     req.PaymentID,
		"currency":    "XTR",
		"prices":      string(prices),
	}
	resp, err := s.api.MakeRequest("createInvoiceLink", params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if !resp.Ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.Description)
	}
	var link string
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return &CheckoutResult{RedirectURL: link}, nil
}

// VerifyAndParse accepts a platform update envelope carrying a
// successful_payment. Used when the confirmation is replayed through the
// payments route; the live path feeds the dispatcher directly.
func (s *TelegramStars) VerifyAndParse(r *http.Request) (*WebhookEvent, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return s.ParseUpdate(&update)
}

// ParseUpdate extracts the completion event from a dispatcher update.
func (s *TelegramStars) ParseUpdate(update *tgbotapi.Update) (*WebhookEvent, error) {
	if update == nil || update.Message == nil || update.Message.SuccessfulPayment == nil {
		return nil, fmt.Errorf("%w: no successful_payment", ErrMalformedPayload)
	}
	sp := update.Message.SuccessfulPayment
	if sp.InvoicePayload == "" {
		return nil, fmt.Errorf("%w: empty invoice payload", ErrMalformedPayload)
	}
	amount := int64(sp.TotalAmount)
	return &WebhookEvent{
		PaymentID:  sp.InvoicePayload,
		Status:     types.TransactionStatusCompleted,
		ExternalID: sp.TelegramPaymentChargeID,
		Amount:     &amount,
	}, nil
}

func (s *TelegramStars) PollStatus(context.Context, string) (*types.TransactionStatus, error) {
	// The platform has no poll API for invoices; webhook-only.
	return nil, nil
}
