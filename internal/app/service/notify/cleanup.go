package notify

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/platform/kv"
)

const (
	cleanupInterval = time.Hour
	// The platform refuses deletions past 48 hours; sweep before that
	// horizon closes.
	closeableMaxAge = 45 * time.Hour
)

// Cleaner removes tracked closeable messages before they age past the
// platform's deletion horizon.
type Cleaner struct {
	svc   *Service
	store *kv.Store
	log   *zap.SugaredLogger

	stop chan struct{}
	done chan struct{}
}

func NewCleaner(svc *Service, store *kv.Store, log *zap.SugaredLogger) *Cleaner {
	return &Cleaner{
		svc:   svc,
		store: store,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *Cleaner) run() {
	defer close(c.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(context.Background())
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	primary := c.svc.source.Primary()
	if primary == nil {
		return
	}
	members, err := c.store.CloseableOlderThan(ctx, time.Now().Add(-closeableMaxAge))
	if err != nil {
		c.log.Warnw("closeable sweep scan failed", "err", err)
		return
	}
	for _, member := range members {
		chatID, messageID, err := ParseCloseableMember(member)
		if err != nil {
			c.log.Warnw("dropping malformed closeable entry", "member", member)
			_ = c.store.RemoveCloseable(ctx, member)
			continue
		}
		if _, err := primary.Client.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
			c.log.Warnw("closeable delete failed", "chat_id", chatID, "message_id", messageID, "err", err)
		}
		if err := c.store.RemoveCloseable(ctx, member); err != nil {
			c.log.Warnw("closeable entry removal failed", "member", member, "err", err)
		}
	}
	if len(members) > 0 {
		c.log.Infow("closeable sweep completed", "removed", len(members))
	}
}

func registerCleaner(lc fx.Lifecycle, c *Cleaner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go c.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(c.stop)
			select {
			case <-c.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func registerDrain(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			// Best effort; abandoned sends are tolerated past the stop
			// timeout.
			_ = svc.Drain(ctx)
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Provide(NewCleaner),
	fx.Invoke(registerCleaner),
	fx.Invoke(registerDrain),
)
