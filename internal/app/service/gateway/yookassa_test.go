package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/types"
)

func newYooKassaForTest(base string) *YooKassa {
	y := NewYooKassa(cfgpkg.YooKassaConfig{
		ShopID:    "shop-1",
		SecretKey: "sk-test",
	}, http.DefaultClient, zap.NewNop().Sugar())
	y.base = base
	return y
}

func TestYooKassaCheckoutSendsIdempotenceKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "shop-1", user)
		require.Equal(t, "sk-test", pass)
		require.Equal(t, "pay-abc", r.Header.Get("Idempotence-Key"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "yk-1",
			"status": "pending",
			"confirmation": map[string]string{
				"confirmation_url": "https://yookassa.example/confirm",
			},
		})
	}))
	defer srv.Close()

	y := newYooKassaForTest(srv.URL)
	res, err := y.CreateCheckout(context.Background(), &CheckoutRequest{
		PaymentID: "pay-abc",
		Amount:    50000,
		Currency:  "RUB",
	})
	require.NoError(t, err)
	require.Equal(t, "yk-1", res.ProviderPaymentID)
	require.Equal(t, "https://yookassa.example/confirm", res.RedirectURL)
}

func TestYooKassaVerifyRefetchesPayment(t *testing.T) {
	// The unsigned callback claims succeeded; the API is the authority.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/payments/yk-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":       "yk-1",
			"status":   "succeeded",
			"amount":   map[string]string{"value": "500.00", "currency": "RUB"},
			"metadata": map[string]string{"payment_id": "pay-abc"},
		})
	}))
	defer srv.Close()

	y := newYooKassaForTest(srv.URL)
	callback, _ := json.Marshal(map[string]any{
		"event":  "payment.succeeded",
		"object": map[string]string{"id": "yk-1"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/yookassa", bytes.NewReader(callback))

	ev, err := y.VerifyAndParse(req)
	require.NoError(t, err)
	require.Equal(t, "pay-abc", ev.PaymentID)
	require.Equal(t, types.TransactionStatusCompleted, ev.Status)
	require.Equal(t, "yk-1", ev.ExternalID)
	require.Equal(t, int64(50000), *ev.Amount)
}

func TestYooKassaVerifyRejectsUnknownProviderPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	y := newYooKassaForTest(srv.URL)
	callback, _ := json.Marshal(map[string]any{
		"event":  "payment.succeeded",
		"object": map[string]string{"id": "forged"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/yookassa", bytes.NewReader(callback))

	_, err := y.VerifyAndParse(req)
	require.ErrorIs(t, err, ErrUnknownReference)
}

func TestYooKassaPollResolvesByMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pay-abc", r.URL.Query().Get("metadata.payment_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "yk-1", "status": "succeeded"}},
		})
	}))
	defer srv.Close()

	y := newYooKassaForTest(srv.URL)
	st, err := y.PollStatus(context.Background(), "pay-abc")
	require.NoError(t, err)
	require.Equal(t, types.TransactionStatusCompleted, *st)
}

func TestYooKassaPollUnknownPaymentStaysPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	y := newYooKassaForTest(srv.URL)
	st, err := y.PollStatus(context.Background(), "pay-abc")
	require.NoError(t, err)
	require.Equal(t, types.TransactionStatusPending, *st)
}
