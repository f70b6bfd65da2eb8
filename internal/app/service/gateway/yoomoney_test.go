package gateway

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/types"
)

const yooMoneyTestSecret = "notify-secret"

func newYooMoneyForTest() *YooMoney {
	return NewYooMoney(cfgpkg.YooMoneyConfig{
		WalletID:           "41001000000000",
		NotificationSecret: yooMoneyTestSecret,
	}, http.DefaultClient, zap.NewNop().Sugar())
}

func signedYooMoneyForm(label, amount string) url.Values {
	form := url.Values{}
	form.Set("notification_type", "p2p-incoming")
	form.Set("operation_id", "op-123")
	form.Set("amount", amount)
	form.Set("currency", "643")
	form.Set("datetime", "2024-05-01T10:00:00Z")
	form.Set("sender", "41001111111111")
	form.Set("codepro", "false")
	form.Set("label", label)

	signingString := strings.Join([]string{
		form.Get("notification_type"),
		form.Get("operation_id"),
		form.Get("amount"),
		form.Get("currency"),
		form.Get("datetime"),
		form.Get("sender"),
		form.Get("codepro"),
		yooMoneyTestSecret,
		form.Get("label"),
	}, "&")
	sum := sha1.Sum([]byte(signingString))
	form.Set("sha1_hash", hex.EncodeToString(sum[:]))
	return form
}

func postForm(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/yoomoney",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestYooMoneyVerifyAcceptsSignedNotification(t *testing.T) {
	y := newYooMoneyForTest()
	form := signedYooMoneyForm("pay-abc", "500.00")

	ev, err := y.VerifyAndParse(postForm(t, form))
	require.NoError(t, err)
	require.False(t, ev.TestPing)
	require.Equal(t, "pay-abc", ev.PaymentID)
	require.Equal(t, types.TransactionStatusCompleted, ev.Status)
	require.Equal(t, "op-123", ev.ExternalID)
	require.NotNil(t, ev.Amount)
	require.Equal(t, int64(50000), *ev.Amount)
}

func TestYooMoneyVerifyRejectsForgedSignature(t *testing.T) {
	y := newYooMoneyForTest()

	form := signedYooMoneyForm("pay-abc", "500.00")
	form.Set("amount", "1.00") // tampered after signing

	_, err := y.VerifyAndParse(postForm(t, form))
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestYooMoneyVerifyRejectsEmptyLabel(t *testing.T) {
	y := newYooMoneyForTest()
	form := signedYooMoneyForm("", "500.00")

	_, err := y.VerifyAndParse(postForm(t, form))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestYooMoneyTestNotificationBypassesSignature(t *testing.T) {
	y := newYooMoneyForTest()
	form := url.Values{}
	form.Set("operation_id", "test-notification")

	ev, err := y.VerifyAndParse(postForm(t, form))
	require.NoError(t, err)
	require.True(t, ev.TestPing)
	require.Empty(t, ev.PaymentID)
}

func TestYooMoneyCheckoutBuildsQuickpayRedirect(t *testing.T) {
	y := newYooMoneyForTest()

	res, err := y.CreateCheckout(context.Background(), &CheckoutRequest{
		PaymentID:   "pay-abc",
		Amount:      50000,
		Currency:    "RUB",
		Description: "Subscription: Std30",
	})
	require.NoError(t, err)
	require.Empty(t, res.ProviderPaymentID)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "41001000000000", q.Get("receiver"))
	require.Equal(t, "pay-abc", q.Get("label"))
	require.Equal(t, "500.00", q.Get("sum"))
}

func TestYooMoneyPollWithoutTokenIsDisabled(t *testing.T) {
	y := newYooMoneyForTest()

	st, err := y.PollStatus(context.Background(), "pay-abc")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestMinorUnitsRoundTrip(t *testing.T) {
	require.Equal(t, "500.00", formatMinorUnits(50000))
	require.Equal(t, "0.05", formatMinorUnits(5))
	require.Equal(t, "123.45", formatMinorUnits(12345))

	for in, want := range map[string]int64{
		"500":    50000,
		"500.0":  50000,
		"500.00": 50000,
		"123.45": 12345,
		"0.5":    50,
	} {
		got, err := parseMinorUnits(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := parseMinorUnits("not-a-number")
	require.Error(t, err)
}
