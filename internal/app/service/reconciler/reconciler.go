package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/txstore"
	"github.com/korelin/subpay/internal/platform/kv"
	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/metrics"
	"github.com/korelin/subpay/pkg/types"
)

const (
	// minAge keeps the poller from racing the synchronous webhook path on
	// fresh checkouts.
	minAge = 2 * time.Minute
	// maxAge is where the poller gives up and leaves the row to the
	// sweeper.
	maxAge = 30 * time.Minute
)

// Completer finalizes a transaction exactly as a webhook arrival would.
type Completer interface {
	CompleteFromEvent(ctx context.Context, gw types.GatewayType, ev *gateway.WebhookEvent) error
}

// Service polls providers for payments whose webhook never arrived and
// cancels checkouts nobody ever paid. Both paths go through the store's
// compare-and-set, so a late webhook and a poll rescue can never both win.
type Service struct {
	store     txstore.Store
	registry  *gateway.Registry
	completer Completer
	kv        *kv.Store
	met       *metrics.Metrics
	cfg       cfgpkg.ReconcilerConfig
	log       *zap.SugaredLogger

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

func New(
	store txstore.Store,
	registry *gateway.Registry,
	completer Completer,
	kvStore *kv.Store,
	met *metrics.Metrics,
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		completer: completer,
		kv:        kvStore,
		met:       met,
		cfg:       cfg.Reconciler,
		log:       log,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Service) run() {
	defer close(s.done)
	poll := time.NewTicker(s.cfg.Interval)
	defer poll.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-poll.C:
			s.Reconcile(context.Background())
		case <-sweep.C:
			s.Sweep(context.Background())
		}
	}
}

// Reconcile runs one poll pass over every gateway that can be polled. The
// redis lock keeps a manually triggered pass from overlapping the timer.
func (s *Service) Reconcile(ctx context.Context) {
	ok, err := s.kv.AcquireSyncLock(ctx)
	if err != nil {
		s.log.Warnw("reconcile lock acquire failed", "err", err)
		return
	}
	if !ok {
		s.log.Infow("reconcile already running, skipping pass")
		return
	}
	defer s.kv.ReleaseSyncLock(ctx)

	now := s.now()
	for _, adapter := range s.registry.All() {
		s.reconcileGateway(ctx, adapter, now)
	}
}

func (s *Service) reconcileGateway(ctx context.Context, adapter gateway.Adapter, now time.Time) {
	gw := adapter.Type()
	rows, err := s.store.ListByStatus(ctx, types.TransactionStatusPending, gw,
		now.Add(-maxAge), now.Add(-minAge))
	if err != nil {
		s.log.Errorw("pending scan failed", "gateway", gw, "err", err)
		return
	}
	for _, tx := range rows {
		status, err := adapter.PollStatus(ctx, tx.PaymentID)
		if err != nil {
			s.log.Warnw("status poll failed", "gateway", gw, "payment_id", tx.PaymentID, "err", err)
			continue
		}
		if status == nil {
			// No credentials to poll with; nothing in this gateway's
			// backlog can be reconciled.
			return
		}
		if *status != types.TransactionStatusCompleted {
			continue
		}
		s.log.Infow("poll found completed payment, rescuing", "gateway", gw, "payment_id", tx.PaymentID)
		ev := &gateway.WebhookEvent{
			PaymentID: tx.PaymentID,
			Status:    types.TransactionStatusCompleted,
		}
		if err := s.completer.CompleteFromEvent(ctx, gw, ev); err != nil {
			s.log.Errorw("rescue completion failed", "gateway", gw, "payment_id", tx.PaymentID, "err", err)
			continue
		}
		s.met.ReconcilerRescues.Inc()
	}
}

// Sweep cancels PENDING transactions nobody paid within the configured
// window. A webhook racing the sweeper loses or wins the CAS cleanly.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.SweepAfter)
	rows, err := s.store.ListByStatus(ctx, types.TransactionStatusPending, "", time.Time{}, cutoff)
	if err != nil {
		s.log.Errorw("sweep scan failed", "err", err)
		return
	}
	var swept int
	for _, tx := range rows {
		won, err := s.store.Transition(ctx, tx.PaymentID,
			types.TransactionStatusPending, types.TransactionStatusCanceled, nil)
		if err != nil {
			s.log.Errorw("sweep transition failed", "payment_id", tx.PaymentID, "err", err)
			continue
		}
		if won {
			s.met.SweeperCancels.Inc()
			swept++
		}
	}
	if swept > 0 {
		s.log.Infow("sweep completed", "canceled", swept)
	}
}
