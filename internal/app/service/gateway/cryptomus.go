package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/types"
)

const cryptomusAPIBase = "https://api.cryptomus.com/v1"

var cryptomusStatus = map[string]types.TransactionStatus{
	"paid":          types.TransactionStatusCompleted,
	"paid_over":     types.TransactionStatusCompleted,
	"wrong_amount":  types.TransactionStatusFailed,
	"process":       types.TransactionStatusPending,
	"check":         types.TransactionStatusPending,
	"confirm_check": types.TransactionStatusPending,
	"fail":          types.TransactionStatusCanceled,
	"cancel":        types.TransactionStatusCanceled,
	"system_fail":   types.TransactionStatusFailed,
	"refund_paid":   types.TransactionStatusCanceled,
}

// Cryptomus signs request and callback bodies with MD5(base64(body)+apiKey).
type Cryptomus struct {
	cfg  cfgpkg.CryptomusConfig
	http *http.Client
	log  *zap.SugaredLogger
	base string
}

func NewCryptomus(cfg cfgpkg.CryptomusConfig, httpClient *http.Client, log *zap.SugaredLogger) *Cryptomus {
	return &Cryptomus{cfg: cfg, http: httpClient, log: log, base: cryptomusAPIBase}
}

func (c *Cryptomus) Type() types.GatewayType { return types.GatewayCryptomus }

func (c *Cryptomus) RequiresWebhook() bool { return true }

func (c *Cryptomus) sign(body []byte) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	sum := md5.Sum([]byte(encoded + c.cfg.APIKey))
	return hex.EncodeToString(sum[:])
}

func (c *Cryptomus) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":     formatMinorUnits(req.Amount),
		"currency":   req.Currency,
		"order_id":   req.PaymentID,
		"url_return": req.ReturnURL,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/payment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("merchant", c.cfg.MerchantID)
	httpReq.Header.Set("sign", c.sign(body))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, reason)
	}

	var payload struct {
		Result struct {
			UUID string `json:"uuid"`
			URL  string `json:"url"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return &CheckoutResult{
		ProviderPaymentID: payload.Result.UUID,
		RedirectURL:       payload.Result.URL,
	}, nil
}

func (c *Cryptomus) VerifyAndParse(r *http.Request) (*WebhookEvent, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	sigRaw, ok := fields["sign"]
	if !ok {
		return nil, ErrSignatureInvalid
	}
	var sig string
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return nil, ErrSignatureInvalid
	}

	// The signature covers the body without its own sign field. Re-marshal
	// after dropping it; encoding/json emits map keys sorted, matching the
	// provider's canonical form.
	delete(fields, "sign")
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	expected := c.sign(canonical)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return nil, ErrSignatureInvalid
	}

	var cb struct {
		UUID    string `json:"uuid"`
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if cb.OrderID == "" {
		return nil, fmt.Errorf("%w: empty order_id", ErrMalformedPayload)
	}
	status, ok := cryptomusStatus[cb.Status]
	if !ok {
		return nil, fmt.Errorf("%w: unmapped status %q", ErrMalformedPayload, cb.Status)
	}
	return &WebhookEvent{
		PaymentID:  cb.OrderID,
		Status:     status,
		ExternalID: cb.UUID,
	}, nil
}

func (c *Cryptomus) PollStatus(ctx context.Context, paymentID string) (*types.TransactionStatus, error) {
	body, _ := json.Marshal(map[string]string{"order_id": paymentID})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/payment/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("merchant", c.cfg.MerchantID)
	httpReq.Header.Set("sign", c.sign(body))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}

	var payload struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	if st, ok := cryptomusStatus[payload.Result.Status]; ok {
		return &st, nil
	}
	return nil, fmt.Errorf("%w: unmapped status %q", ErrGatewayRejected, payload.Result.Status)
}
