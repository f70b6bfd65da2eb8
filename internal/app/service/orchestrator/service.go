package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"

	"github.com/korelin/subpay/internal/app/service/balance"
	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/internal/app/service/panel"
	"github.com/korelin/subpay/internal/app/service/txstore"
	"github.com/korelin/subpay/internal/models"
	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/logctx"
	"github.com/korelin/subpay/pkg/metrics"
	"github.com/korelin/subpay/pkg/tool"
	"github.com/korelin/subpay/pkg/types"

	"go.uber.org/zap"
)

var (
	ErrUnknownGateway = errors.New("unknown gateway")
	ErrNoSubscription = errors.New("user has no subscription")
)

// Balances is the slice of the balance engine the orchestrator drives.
type Balances interface {
	Debit(ctx context.Context, userID int64, amount int64, mode types.BalanceMode) (*balance.DebitResult, error)
	Restore(ctx context.Context, userID int64, res *balance.DebitResult) error
	Credit(ctx context.Context, userID int64, amount int64) error
}

// Subscriptions persists the local view of panel access.
type Subscriptions interface {
	Current(ctx context.Context, userID int64) (*models.Subscription, error)
	CreateFromPlan(ctx context.Context, userID int64, remnaID string, plan *types.PlanSnapshot, expireAt time.Time) (*models.Subscription, error)
	ImportFromPanel(ctx context.Context, userID int64, panelUser *panel.PanelUser, plan *types.PlanSnapshot) (*models.Subscription, error)
	ApplyPlan(ctx context.Context, subID int64, plan *types.PlanSnapshot, expireAt time.Time) error
	AddExtraDevices(ctx context.Context, userID int64, count int, expireAt time.Time) error
}

// Notifier fans one message out through every bot identity.
type Notifier interface {
	Send(ctx context.Context, n *notify.Notification) error
}

// Cache is the slice of the kv store the orchestrator touches: dropping a
// user's cached DTO after provisioning mutates state, and the operator's
// informational-alert snooze flag.
type Cache interface {
	InvalidateUser(ctx context.Context, telegramID int64)
	UpdatesSnoozed(ctx context.Context) (bool, error)
}

// WebhookOutcome is what the edge handler turns into an HTTP status. The
// provider must see 200 for everything except a failed signature check or a
// route that does not exist; real reasons stay in our logs.
type WebhookOutcome int

const (
	OutcomeOK WebhookOutcome = iota
	OutcomeUnauthorized
	OutcomeNotFound
)

// PayRequest describes one purchase attempt coming from the bot dialog.
type PayRequest struct {
	UserID       int64
	Plan         *types.PlanSnapshot
	Pricing      *types.Pricing
	PurchaseType types.PurchaseType
	Gateway      types.GatewayType
	ReturnURL    string
}

// CheckoutIntent is handed back to the dialog layer for redirecting the user.
type CheckoutIntent struct {
	PaymentID   string
	RedirectURL string
}

// Service drives every payment from creation to a terminal state. It owns no
// transaction state itself; all coordination goes through the store's
// compare-and-set, so any number of arrival paths (webhook, reconciler,
// platform update) can race safely.
type Service struct {
	store    txstore.Store
	registry *gateway.Registry
	balances Balances
	panel    panel.Client
	subs     Subscriptions
	notifier Notifier
	cache    Cache
	met      *metrics.Metrics
	cfg      *cfgpkg.Config
	log      *zap.SugaredLogger

	now func() time.Time
}

func New(
	store txstore.Store,
	registry *gateway.Registry,
	balances Balances,
	panelClient panel.Client,
	subs Subscriptions,
	notifier Notifier,
	cache Cache,
	met *metrics.Metrics,
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
) *Service {
	return &Service{
		store:    store,
		registry: registry,
		balances: balances,
		panel:    panelClient,
		subs:     subs,
		notifier: notifier,
		cache:    cache,
		met:      met,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// PayWithGateway creates a PENDING transaction and a provider checkout,
// returning the redirect URL. A checkout that the provider refuses leaves
// the row PENDING for the sweeper; a retry mints a fresh payment id.
func (s *Service) PayWithGateway(ctx context.Context, req *PayRequest) (*CheckoutIntent, error) {
	adapter, ok := s.registry.Get(req.Gateway)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, req.Gateway)
	}

	paymentID := tool.GeneratePaymentID()
	tx := &models.Transaction{
		PaymentID:    paymentID,
		UserID:       req.UserID,
		Gateway:      req.Gateway,
		PurchaseType: req.PurchaseType,
		Status:       types.TransactionStatusPending,
		PlanSnapshot: datatypes.NewJSONType(req.Plan),
		Pricing:      datatypes.NewJSONType(req.Pricing),
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	log := logctx.FromCtx(ctx, s.log).With("payment_id", paymentID, "gateway", req.Gateway)

	res, err := adapter.CreateCheckout(ctx, &gateway.CheckoutRequest{
		PaymentID:   paymentID,
		Amount:      req.Pricing.Final,
		Currency:    req.Pricing.Currency,
		Description: checkoutDescription(req),
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		log.Errorw("checkout creation failed", "err", err)
		return nil, err
	}
	if res.ProviderPaymentID != "" {
		if err := s.store.SetExternalID(ctx, paymentID, res.ProviderPaymentID); err != nil {
			return nil, err
		}
	}
	log.Infow("checkout created", "external_id", res.ProviderPaymentID)
	return &CheckoutIntent{PaymentID: paymentID, RedirectURL: res.RedirectURL}, nil
}

// HandleWebhook is the intake path for provider callbacks. The returned
// outcome is the only thing the handler exposes to the provider.
func (s *Service) HandleWebhook(ctx context.Context, gw types.GatewayType, r *http.Request) WebhookOutcome {
	adapter, ok := s.registry.Get(gw)
	if !ok {
		return OutcomeNotFound
	}
	log := logctx.FromCtx(ctx, s.log).With("gateway", gw)

	ev, err := adapter.VerifyAndParse(r)
	if err != nil {
		log.Warnw("webhook rejected", "err", err)
		if errors.Is(err, gateway.ErrSignatureInvalid) {
			return OutcomeUnauthorized
		}
		return OutcomeNotFound
	}

	if ev.TestPing {
		log.Infow("test notification received")
		if snoozed, err := s.cache.UpdatesSnoozed(ctx); err == nil && snoozed {
			return OutcomeOK
		}
		s.notifyOperator(ctx, fmt.Sprintf("Test notification from %s: webhook intake is live.", gw))
		return OutcomeOK
	}

	switch ev.Status {
	case types.TransactionStatusCanceled:
		ok, err := s.store.Transition(ctx, ev.PaymentID, types.TransactionStatusPending, types.TransactionStatusCanceled, nil)
		if err != nil {
			log.Errorw("cancel transition failed", "payment_id", ev.PaymentID, "err", err)
		} else if ok {
			log.Infow("payment canceled by provider", "payment_id", ev.PaymentID)
		}
	case types.TransactionStatusCompleted:
		if err := s.CompleteFromEvent(ctx, gw, ev); err != nil {
			// The provider already got its money; re-surfacing the error
			// would only trigger redelivery of the same event.
			log.Errorw("completion failed", "payment_id", ev.PaymentID, "err", err)
		}
	default:
		log.Debugw("ignoring non-final provider status", "payment_id", ev.PaymentID, "status", ev.Status)
	}
	return OutcomeOK
}

// CompleteFromEvent finalizes a transaction from a verified COMPLETED event,
// whatever path delivered it. The CAS makes duplicate deliveries and
// webhook-versus-reconciler races converge on exactly one provisioning run.
func (s *Service) CompleteFromEvent(ctx context.Context, gw types.GatewayType, ev *gateway.WebhookEvent) error {
	log := logctx.FromCtx(ctx, s.log).With("payment_id", ev.PaymentID, "gateway", gw)

	tx, err := s.store.Get(ctx, ev.PaymentID)
	if err != nil {
		return err
	}
	if tx == nil || tx.Gateway != gw {
		return fmt.Errorf("%w: %s", gateway.ErrUnknownReference, ev.PaymentID)
	}

	// The event's amount is what the provider actually received. A signed
	// event can still carry less than the transaction's price (YooMoney
	// quickpay lets the payer edit the sum), so a shortfall must never
	// provision. The row is parked FAILED for a human: money did arrive.
	if ev.Amount != nil && *ev.Amount < tx.FinalAmount() {
		won, terr := s.store.Transition(ctx, ev.PaymentID,
			types.TransactionStatusPending, types.TransactionStatusFailed,
			map[string]any{"completed_at": s.now()})
		if terr != nil {
			return terr
		}
		if won {
			s.met.PaymentsFailed.WithLabelValues(string(gw)).Inc()
			s.notifyOperator(ctx, fmt.Sprintf(
				"Underpaid event for transaction %s (user %d): received %d, expected %d. Row parked FAILED, manual review required.",
				ev.PaymentID, tx.UserID, *ev.Amount, tx.FinalAmount()))
		}
		log.Warnw("underpaid completion event", "received", *ev.Amount, "expected", tx.FinalAmount())
		return nil
	}

	extra := map[string]any{"completed_at": s.now()}
	if ev.ExternalID != "" && tx.ExternalID == nil {
		extra["external_id"] = ev.ExternalID
	}
	won, err := s.store.Transition(ctx, ev.PaymentID, types.TransactionStatusPending, types.TransactionStatusCompleted, extra)
	if err != nil {
		return err
	}
	if !won {
		s.met.DuplicateArrivals.Inc()
		log.Infow("duplicate completion arrival, already finalized")
		return nil
	}
	s.met.PaymentsCompleted.WithLabelValues(string(gw)).Inc()
	log.Infow("payment completed", "purchase_type", tx.PurchaseType, "amount", tx.FinalAmount())

	if err := s.provision(ctx, tx); err != nil {
		// The user has paid the provider, so there is nothing to refund
		// from here. Record the failure and get a human involved.
		s.met.PaymentsFailed.WithLabelValues(string(gw)).Inc()
		if _, terr := s.store.Transition(ctx, ev.PaymentID,
			types.TransactionStatusCompleted, types.TransactionStatusFailed, nil); terr != nil {
			log.Errorw("failed-state transition failed", "err", terr)
		}
		s.notifyOperator(ctx, fmt.Sprintf(
			"Provisioning failed for paid transaction %s (user %d, %s): %v. Manual retry required.",
			tx.PaymentID, tx.UserID, tx.PurchaseType, err))
		return fmt.Errorf("provision %s: %w", tx.PaymentID, err)
	}

	s.notifyUserSuccess(ctx, tx)
	return nil
}

// PayWithBalance runs the whole purchase synchronously against the internal
// pools: debit, provision, and on any provisioning error restore the exact
// amounts taken.
func (s *Service) PayWithBalance(ctx context.Context, req *PayRequest) (*models.Transaction, error) {
	paymentID := tool.GeneratePaymentID()
	tx := &models.Transaction{
		PaymentID:    paymentID,
		UserID:       req.UserID,
		Gateway:      types.GatewayBalance,
		PurchaseType: req.PurchaseType,
		Status:       types.TransactionStatusPending,
		PlanSnapshot: datatypes.NewJSONType(req.Plan),
		Pricing:      datatypes.NewJSONType(req.Pricing),
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	log := logctx.FromCtx(ctx, s.log).With("payment_id", paymentID, "user_id", req.UserID)

	debit, err := s.balances.Debit(ctx, req.UserID, req.Pricing.Final, s.cfg.Balance.Mode)
	if err != nil {
		if _, terr := s.store.Transition(ctx, paymentID,
			types.TransactionStatusPending, types.TransactionStatusCanceled, nil); terr != nil {
			log.Errorw("cancel transition failed", "err", terr)
		}
		return nil, err
	}

	if err := s.provision(ctx, tx); err != nil {
		log.Errorw("provisioning failed, restoring balance", "err", err)
		if rerr := s.balances.Restore(ctx, req.UserID, debit); rerr != nil {
			// Money is now stuck; this needs a human immediately.
			log.Errorw("balance restore failed", "err", rerr)
			s.notifyOperator(ctx, fmt.Sprintf(
				"Balance restore failed for transaction %s (user %d): %v", paymentID, req.UserID, rerr))
		}
		if _, terr := s.store.Transition(ctx, paymentID,
			types.TransactionStatusPending, types.TransactionStatusFailed, nil); terr != nil {
			log.Errorw("failed-state transition failed", "err", terr)
		}
		s.met.PaymentsFailed.WithLabelValues(string(types.GatewayBalance)).Inc()
		s.notifyUserFailure(ctx, tx)
		return nil, err
	}

	if _, err := s.store.Transition(ctx, paymentID,
		types.TransactionStatusPending, types.TransactionStatusCompleted,
		map[string]any{"completed_at": s.now()}); err != nil {
		return nil, err
	}
	s.met.PaymentsCompleted.WithLabelValues(string(types.GatewayBalance)).Inc()
	log.Infow("balance payment completed", "purchase_type", req.PurchaseType,
		"from_primary", debit.FromPrimary, "from_bonus", debit.FromBonus)

	s.notifyUserSuccess(ctx, tx)
	tx.Status = types.TransactionStatusCompleted
	return tx, nil
}

// provision applies the purchased thing to user state and the panel. Every
// branch is idempotent enough for a manual retry after a FAILED transaction.
func (s *Service) provision(ctx context.Context, tx *models.Transaction) error {
	log := logctx.FromCtx(ctx, s.log).With("payment_id", tx.PaymentID, "user_id", tx.UserID)
	plan := tx.Plan()
	now := s.now()

	switch tx.PurchaseType {
	case types.PurchaseTypeTopup:
		if err := s.balances.Credit(ctx, tx.UserID, tx.FinalAmount()); err != nil {
			return err
		}

	case types.PurchaseTypeNew:
		if err := s.provisionNew(ctx, tx, plan, now); err != nil {
			return err
		}

	case types.PurchaseTypeRenew, types.PurchaseTypeChange:
		sub, err := s.subs.Current(ctx, tx.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("%w: user %d", ErrNoSubscription, tx.UserID)
		}
		expireAt := now.AddDate(0, 0, plan.DurationDays)
		if tx.PurchaseType == types.PurchaseTypeRenew && sub.ExpireAt.After(now) {
			expireAt = sub.ExpireAt.AddDate(0, 0, plan.DurationDays)
		}
		upd := &panel.UserUpdate{
			ExpireAt:        lo.ToPtr(expireAt),
			TrafficLimit:    lo.ToPtr(plan.TrafficLimit),
			HwidDeviceLimit: lo.ToPtr(plan.DeviceLimit),
			Squads:          plan.Squads,
		}
		if _, err := s.panel.UpdateUser(ctx, sub.UserRemnaID, upd); err != nil {
			return err
		}
		if err := s.subs.ApplyPlan(ctx, sub.ID, plan, expireAt); err != nil {
			return err
		}

	case types.PurchaseTypeExtraDevices:
		sub, err := s.subs.Current(ctx, tx.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("%w: user %d", ErrNoSubscription, tx.UserID)
		}
		count := plan.DeviceLimit
		newLimit := sub.DeviceLimit + count
		if _, err := s.panel.UpdateUser(ctx, sub.UserRemnaID, &panel.UserUpdate{HwidDeviceLimit: lo.ToPtr(newLimit)}); err != nil {
			return err
		}
		if err := s.subs.AddExtraDevices(ctx, tx.UserID, count, now.AddDate(0, 0, plan.DurationDays)); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown purchase type %q", tx.PurchaseType)
	}

	s.cache.InvalidateUser(ctx, tx.UserID)
	log.Infow("provisioned", "purchase_type", tx.PurchaseType)
	return nil
}

// provisionNew creates the panel user, or adopts one that already exists
// there. An existing ACTIVE panel user whose tag matches no catalog plan is
// retagged IMPORTED so the mismatch is visible, and the operator is told.
func (s *Service) provisionNew(ctx context.Context, tx *models.Transaction, plan *types.PlanSnapshot, now time.Time) error {
	existing, err := s.panel.FindByUserID(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == panel.PanelUserStatusActive {
		catalogPlan := s.cfg.PlanByTag(existing.Tag)
		if catalogPlan == nil {
			if _, err := s.panel.UpdateUser(ctx, existing.UUID, &panel.UserUpdate{Tag: lo.ToPtr(types.ImportedPlanTag)}); err != nil {
				return err
			}
			existing.Tag = types.ImportedPlanTag
			s.notifyOperator(ctx, fmt.Sprintf(
				"Panel user %s (telegram %d) adopted with no matching plan; tagged %s.",
				existing.UUID, tx.UserID, types.ImportedPlanTag))
		}
		_, err := s.subs.ImportFromPanel(ctx, tx.UserID, existing, catalogPlan)
		return err
	}

	expireAt := now.AddDate(0, 0, plan.DurationDays)
	created, err := s.panel.CreateUser(ctx, tx.UserID, plan, expireAt, true)
	if err != nil {
		return err
	}
	_, err = s.subs.CreateFromPlan(ctx, tx.UserID, created.UUID, plan, expireAt)
	return err
}

func (s *Service) notifyUserSuccess(ctx context.Context, tx *models.Transaction) {
	text := fmt.Sprintf("Payment accepted. %s", purchaseSummary(tx))
	s.notify(ctx, tx.UserID, text)
}

func (s *Service) notifyUserFailure(ctx context.Context, tx *models.Transaction) {
	s.notify(ctx, tx.UserID,
		"Something went wrong while activating your purchase. Your balance has not been charged.")
}

func (s *Service) notifyOperator(ctx context.Context, text string) {
	if s.cfg.OperatorChatID == 0 {
		return
	}
	s.notify(ctx, s.cfg.OperatorChatID, text)
}

func (s *Service) notify(ctx context.Context, chatID int64, text string) {
	err := s.notifier.Send(ctx, &notify.Notification{
		ChatID:         chatID,
		Text:           text,
		AddCloseButton: true,
	})
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("notification send failed", "chat_id", chatID, "err", err)
	}
}

func checkoutDescription(req *PayRequest) string {
	switch req.PurchaseType {
	case types.PurchaseTypeTopup:
		return "Balance top-up"
	case types.PurchaseTypeExtraDevices:
		return "Extra devices"
	default:
		if req.Plan != nil {
			return fmt.Sprintf("Subscription: %s", req.Plan.Name)
		}
		return "Subscription"
	}
}

func purchaseSummary(tx *models.Transaction) string {
	plan := tx.Plan()
	switch tx.PurchaseType {
	case types.PurchaseTypeTopup:
		return "Your balance has been topped up."
	case types.PurchaseTypeExtraDevices:
		return "Extra devices are now available."
	case types.PurchaseTypeRenew:
		return "Your subscription has been renewed."
	case types.PurchaseTypeChange:
		if plan != nil {
			return fmt.Sprintf("Your plan is now %s.", plan.Name)
		}
		return "Your plan has been changed."
	default:
		if plan != nil {
			return fmt.Sprintf("Your %s subscription is active.", plan.Name)
		}
		return "Your subscription is active."
	}
}
