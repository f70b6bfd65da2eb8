package gateway

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/types"
)

const (
	yooMoneyQuickpayURL = "https://yoomoney.ru/quickpay/confirm.xml"
	yooMoneyAPIBase     = "https://yoomoney.ru/api"

	// The wallet API sends this operation id on liveness probes.
	yooMoneyTestOperationID = "test-notification"
)

// yooMoneyPollStatus maps operation-history statuses to the canonical set.
var yooMoneyPollStatus = map[string]types.TransactionStatus{
	"success":     types.TransactionStatusCompleted,
	"refused":     types.TransactionStatusCanceled,
	"in_progress": types.TransactionStatusPending,
}

// YooMoney is the wallet (quickpay) adapter. Checkout is a locally built
// redirect form; the webhook carries a SHA-1 signature over a fixed field
// ordering with our payment id in the label field.
type YooMoney struct {
	cfg  cfgpkg.YooMoneyConfig
	http *http.Client
	log  *zap.SugaredLogger
}

func NewYooMoney(cfg cfgpkg.YooMoneyConfig, httpClient *http.Client, log *zap.SugaredLogger) *YooMoney {
	return &YooMoney{cfg: cfg, http: httpClient, log: log}
}

func (y *YooMoney) Type() types.GatewayType { return types.GatewayYooMoney }

func (y *YooMoney) RequiresWebhook() bool { return true }

func (y *YooMoney) CreateCheckout(_ context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	q := url.Values{}
	q.Set("receiver", y.cfg.WalletID)
	q.Set("quickpay-form", "button")
	q.Set("paymentType", "AC")
	q.Set("sum", formatMinorUnits(req.Amount))
	q.Set("label", req.PaymentID)
	q.Set("targets", req.Description)
	if req.ReturnURL != "" {
		q.Set("successURL", req.ReturnURL)
	}
	return &CheckoutResult{RedirectURL: yooMoneyQuickpayURL + "?" + q.Encode()}, nil
}

// VerifyAndParse checks the SHA-1 over the ampersand-joined field sequence
// notification_type&operation_id&amount&currency&datetime&sender&codepro&
// secret&label. Any deviation from this ordering admits forgeries.
func (y *YooMoney) VerifyAndParse(r *http.Request) (*WebhookEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	form := r.PostForm

	operationID := form.Get("operation_id")
	if operationID == yooMoneyTestOperationID {
		return &WebhookEvent{TestPing: true}, nil
	}

	signingString := strings.Join([]string{
		form.Get("notification_type"),
		operationID,
		form.Get("amount"),
		form.Get("currency"),
		form.Get("datetime"),
		form.Get("sender"),
		form.Get("codepro"),
		y.cfg.NotificationSecret,
		form.Get("label"),
	}, "&")
	sum := sha1.Sum([]byte(signingString))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(form.Get("sha1_hash"))) != 1 {
		return nil, ErrSignatureInvalid
	}

	paymentID := form.Get("label")
	if paymentID == "" {
		return nil, fmt.Errorf("%w: empty label", ErrMalformedPayload)
	}

	amount, err := parseMinorUnits(form.Get("amount"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount", ErrMalformedPayload)
	}

	return &WebhookEvent{
		PaymentID:  paymentID,
		Status:     types.TransactionStatusCompleted,
		ExternalID: operationID,
		Amount:     &amount,
	}, nil
}

func (y *YooMoney) PollStatus(ctx context.Context, paymentID string) (*types.TransactionStatus, error) {
	if y.cfg.PollToken == "" {
		return nil, nil
	}

	form := url.Values{}
	form.Set("label", paymentID)
	form.Set("records", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		yooMoneyAPIBase+"/operation-history", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+y.cfg.PollToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := y.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: operation-history status %d", ErrGatewayRejected, resp.StatusCode)
	}

	var payload struct {
		Operations []struct {
			Status string `json:"status"`
			Label  string `json:"label"`
		} `json:"operations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	for _, op := range payload.Operations {
		if op.Label != paymentID {
			continue
		}
		if st, ok := yooMoneyPollStatus[op.Status]; ok {
			return &st, nil
		}
		y.log.Warnw("yoomoney unmapped operation status", "status", op.Status)
		return nil, fmt.Errorf("%w: unmapped status %q", ErrGatewayRejected, op.Status)
	}
	// Provider has no record yet; still pending from our point of view.
	st := types.TransactionStatusPending
	return &st, nil
}

// formatMinorUnits renders kopeck-denominated amounts as "123.45".
func formatMinorUnits(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

func parseMinorUnits(s string) (int64, error) {
	whole, frac, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	total := n * 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, err
		}
		total += f
	}
	return total, nil
}
