package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/types"
)

const yooKassaAPIBase = "https://api.yookassa.ru/v3"

var yooKassaStatus = map[string]types.TransactionStatus{
	"pending":             types.TransactionStatusPending,
	"waiting_for_capture": types.TransactionStatusPending,
	"succeeded":           types.TransactionStatusCompleted,
	"canceled":            types.TransactionStatusCanceled,
}

// YooKassa talks to the shop API. Notifications are not signed; the adapter
// treats the callback as a hint and re-fetches the payment object with shop
// credentials, so a forged body can at worst trigger a read.
type YooKassa struct {
	cfg  cfgpkg.YooKassaConfig
	http *http.Client
	log  *zap.SugaredLogger
	base string
}

func NewYooKassa(cfg cfgpkg.YooKassaConfig, httpClient *http.Client, log *zap.SugaredLogger) *YooKassa {
	return &YooKassa{cfg: cfg, http: httpClient, log: log, base: yooKassaAPIBase}
}

func (y *YooKassa) Type() types.GatewayType { return types.GatewayYooKassa }

func (y *YooKassa) RequiresWebhook() bool { return true }

type yooKassaPaymentObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata"`
}

func (y *YooKassa) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	body := map[string]any{
		"amount": map[string]string{
			"value":    formatMinorUnits(req.Amount),
			"currency": req.Currency,
		},
		"capture":     true,
		"description": req.Description,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"metadata": map[string]string{"payment_id": req.PaymentID},
	}
	raw, _ := json.Marshal(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, y.base+"/payments", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(y.cfg.ShopID, y.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	// The payment id doubles as the provider-side idempotence key.
	httpReq.Header.Set("Idempotence-Key", req.PaymentID)

	resp, err := y.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, reason)
	}

	var obj yooKassaPaymentObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return &CheckoutResult{
		ProviderPaymentID: obj.ID,
		RedirectURL:       obj.Confirmation.ConfirmationURL,
	}, nil
}

func (y *YooKassa) VerifyAndParse(r *http.Request) (*WebhookEvent, error) {
	var notification struct {
		Event  string                `json:"event"`
		Object yooKassaPaymentObject `json:"object"`
	}
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if notification.Object.ID == "" {
		return nil, fmt.Errorf("%w: missing object id", ErrMalformedPayload)
	}

	// Authoritative state comes from the API, not the unsigned callback.
	obj, err := y.fetchPayment(r.Context(), notification.Object.ID)
	if err != nil {
		return nil, err
	}

	paymentID := obj.Metadata["payment_id"]
	if paymentID == "" {
		return nil, fmt.Errorf("%w: no payment_id metadata", ErrUnknownReference)
	}
	status, ok := yooKassaStatus[obj.Status]
	if !ok {
		return nil, fmt.Errorf("%w: unmapped status %q", ErrMalformedPayload, obj.Status)
	}

	var amount *int64
	if v, err := parseMinorUnits(obj.Amount.Value); err == nil {
		amount = &v
	}
	return &WebhookEvent{
		PaymentID:  paymentID,
		Status:     status,
		ExternalID: obj.ID,
		Amount:     amount,
	}, nil
}

func (y *YooKassa) PollStatus(ctx context.Context, paymentID string) (*types.TransactionStatus, error) {
	// Poll by provider id would need the external id; the shop API also
	// resolves our idempotence key, so reuse the payment lookup.
	obj, err := y.fetchPaymentByMetadata(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		st := types.TransactionStatusPending
		return &st, nil
	}
	if st, ok := yooKassaStatus[obj.Status]; ok {
		return &st, nil
	}
	return nil, fmt.Errorf("%w: unmapped status %q", ErrGatewayRejected, obj.Status)
}

func (y *YooKassa) fetchPayment(ctx context.Context, providerID string) (*yooKassaPaymentObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.base+"/payments/"+providerID, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(y.cfg.ShopID, y.cfg.SecretKey)

	resp, err := y.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: payment %s", ErrUnknownReference, providerID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}
	var obj yooKassaPaymentObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return &obj, nil
}

func (y *YooKassa) fetchPaymentByMetadata(ctx context.Context, paymentID string) (*yooKassaPaymentObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.base+"/payments?limit=1&metadata.payment_id="+paymentID, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(y.cfg.ShopID, y.cfg.SecretKey)

	resp, err := y.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}
	var list struct {
		Items []yooKassaPaymentObject `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	if len(list.Items) == 0 {
		return nil, nil
	}
	return &list.Items[0], nil
}
