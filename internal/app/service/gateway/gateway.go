package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/korelin/subpay/pkg/types"
)

// Canonical error kinds for webhook intake and provider calls. Edge handlers
// map these to HTTP codes; nothing below the edge touches HTTP status.
var (
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrGatewayRejected    = errors.New("gateway rejected request")
	ErrSignatureInvalid   = errors.New("webhook signature invalid")
	ErrMalformedPayload   = errors.New("webhook payload malformed")
	ErrUnknownReference   = errors.New("webhook references unknown payment")
)

type CheckoutRequest struct {
	PaymentID string
	Amount    int64
	Currency  string
	// Description is shown on the provider's checkout page.
	Description string
	ReturnURL   string
}

type CheckoutResult struct {
	// ProviderPaymentID is empty for providers that only assign an id on
	// the webhook (YooMoney quickpay).
	ProviderPaymentID string
	RedirectURL       string
}

// WebhookEvent is the parsed, verified content of a provider callback.
// TestPing events must never touch the transaction store.
type WebhookEvent struct {
	TestPing  bool
	PaymentID string
	Status    types.TransactionStatus
	// ExternalID is the provider-side id carried by the callback, when any.
	ExternalID string
	// Amount is the authoritative amount when the provider reports one.
	Amount *int64
}

// Adapter is one payment provider. VerifyAndParse must be pure with respect
// to the transaction store.
type Adapter interface {
	Type() types.GatewayType
	// RequiresWebhook reports whether the provider needs a hosted callback
	// URL (informational for the admin surface).
	RequiresWebhook() bool
	CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error)
	VerifyAndParse(r *http.Request) (*WebhookEvent, error)
	// PollStatus returns (nil, nil) when the adapter has no credentials to
	// poll; the reconciler skips such gateways.
	PollStatus(ctx context.Context, paymentID string) (*types.TransactionStatus, error)
}

// Registry maps gateway tags to adapter instances. Built once at
// construction from the enabled config; never mutated afterwards.
type Registry struct {
	adapters map[types.GatewayType]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[types.GatewayType]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Type()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(t types.GatewayType) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
