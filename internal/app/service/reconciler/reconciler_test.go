package reconciler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/models"
	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/metrics"
	"github.com/korelin/subpay/pkg/types"
)

var testMetrics = metrics.New()

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu  sync.Mutex
	txs map[string]*models.Transaction
}

func newMemStore(rows ...*models.Transaction) *memStore {
	s := &memStore{txs: make(map[string]*models.Transaction)}
	for _, row := range rows {
		s.txs[row.PaymentID] = row
	}
	return s
}

func (s *memStore) Create(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.PaymentID] = tx
	return nil
}

func (s *memStore) Get(_ context.Context, paymentID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs[paymentID], nil
}

func (s *memStore) ListByStatus(_ context.Context, status types.TransactionStatus, gw types.GatewayType, after, before time.Time) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range s.txs {
		if tx.Status != status {
			continue
		}
		if gw != "" && tx.Gateway != gw {
			continue
		}
		if !after.IsZero() && tx.CreatedAt.Before(after) {
			continue
		}
		if !before.IsZero() && tx.CreatedAt.After(before) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *memStore) Transition(_ context.Context, paymentID string, from, to types.TransactionStatus, _ map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[paymentID]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	return true, nil
}

func (s *memStore) SetExternalID(context.Context, string, string) error { return nil }

type fakeCompleter struct {
	completed []string
}

func (f *fakeCompleter) CompleteFromEvent(_ context.Context, _ types.GatewayType, ev *gateway.WebhookEvent) error {
	f.completed = append(f.completed, ev.PaymentID)
	return nil
}

type fakeAdapter struct {
	gw       types.GatewayType
	statuses map[string]types.TransactionStatus
	nilPoll  bool
	polled   []string
}

func (f *fakeAdapter) Type() types.GatewayType { return f.gw }
func (f *fakeAdapter) RequiresWebhook() bool   { return true }

func (f *fakeAdapter) CreateCheckout(context.Context, *gateway.CheckoutRequest) (*gateway.CheckoutResult, error) {
	return nil, gateway.ErrGatewayUnavailable
}

func (f *fakeAdapter) VerifyAndParse(*http.Request) (*gateway.WebhookEvent, error) {
	return nil, gateway.ErrMalformedPayload
}

func (f *fakeAdapter) PollStatus(_ context.Context, paymentID string) (*types.TransactionStatus, error) {
	f.polled = append(f.polled, paymentID)
	if f.nilPoll {
		return nil, nil
	}
	st, ok := f.statuses[paymentID]
	if !ok {
		st = types.TransactionStatusPending
	}
	return &st, nil
}

func pendingTx(paymentID string, gw types.GatewayType, age time.Duration) *models.Transaction {
	return &models.Transaction{
		PaymentID: paymentID,
		Gateway:   gw,
		Status:    types.TransactionStatusPending,
		CreatedAt: testNow.Add(-age),
	}
}

func newService(store *memStore, adapter *fakeAdapter, completer *fakeCompleter) *Service {
	return &Service{
		store:     store,
		registry:  gateway.NewRegistry(adapter),
		completer: completer,
		met:       testMetrics,
		cfg: cfgpkg.ReconcilerConfig{
			Interval:      5 * time.Minute,
			SweepInterval: 30 * time.Minute,
			SweepAfter:    40 * time.Minute,
		},
		log:  zap.NewNop().Sugar(),
		now:  func() time.Time { return testNow },
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func TestReconcileRescuesCompletedPayment(t *testing.T) {
	adapter := &fakeAdapter{
		gw:       types.GatewayYooMoney,
		statuses: map[string]types.TransactionStatus{"pay-1": types.TransactionStatusCompleted},
	}
	store := newMemStore(
		pendingTx("pay-1", types.GatewayYooMoney, 10*time.Minute),
		pendingTx("pay-2", types.GatewayYooMoney, 10*time.Minute),
	)
	completer := &fakeCompleter{}
	s := newService(store, adapter, completer)

	s.reconcileGateway(context.Background(), adapter, testNow)

	require.ElementsMatch(t, []string{"pay-1", "pay-2"}, adapter.polled)
	require.Equal(t, []string{"pay-1"}, completer.completed)
}

func TestReconcileWindowExcludesFreshAndStale(t *testing.T) {
	adapter := &fakeAdapter{gw: types.GatewayYooMoney, statuses: map[string]types.TransactionStatus{}}
	store := newMemStore(
		pendingTx("too-fresh", types.GatewayYooMoney, time.Minute),
		pendingTx("in-window", types.GatewayYooMoney, 15*time.Minute),
		pendingTx("too-old", types.GatewayYooMoney, time.Hour),
	)
	s := newService(store, adapter, &fakeCompleter{})

	s.reconcileGateway(context.Background(), adapter, testNow)

	require.Equal(t, []string{"in-window"}, adapter.polled)
}

func TestReconcileSkipsGatewayWithoutCredentials(t *testing.T) {
	adapter := &fakeAdapter{gw: types.GatewayYooMoney, nilPoll: true}
	store := newMemStore(
		pendingTx("pay-1", types.GatewayYooMoney, 10*time.Minute),
		pendingTx("pay-2", types.GatewayYooMoney, 12*time.Minute),
	)
	completer := &fakeCompleter{}
	s := newService(store, adapter, completer)

	s.reconcileGateway(context.Background(), adapter, testNow)

	// First nil answer abandons the whole gateway backlog.
	require.Len(t, adapter.polled, 1)
	require.Empty(t, completer.completed)
}

func TestSweepCancelsStalePending(t *testing.T) {
	store := newMemStore(
		pendingTx("stale", types.GatewayYooMoney, time.Hour),
		pendingTx("fresh", types.GatewayYooMoney, 10*time.Minute),
	)
	s := newService(store, &fakeAdapter{gw: types.GatewayYooMoney}, &fakeCompleter{})

	s.Sweep(context.Background())

	stale, _ := store.Get(context.Background(), "stale")
	fresh, _ := store.Get(context.Background(), "fresh")
	require.Equal(t, types.TransactionStatusCanceled, stale.Status)
	require.Equal(t, types.TransactionStatusPending, fresh.Status)
}

func TestSweepRacesSafelyWithLateWebhook(t *testing.T) {
	store := newMemStore(pendingTx("raced", types.GatewayYooMoney, time.Hour))
	s := newService(store, &fakeAdapter{gw: types.GatewayYooMoney}, &fakeCompleter{})

	// Webhook lands between the scan and the sweep transition.
	won, err := store.Transition(context.Background(), "raced",
		types.TransactionStatusPending, types.TransactionStatusCompleted, nil)
	require.NoError(t, err)
	require.True(t, won)

	s.Sweep(context.Background())

	tx, _ := store.Get(context.Background(), "raced")
	require.Equal(t, types.TransactionStatusCompleted, tx.Status)
}
