package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
)

// Key namespace. Kept flat and greppable.
const (
	KeySyncRunning       = "sync_running"
	KeyCloseableMessages = "closeable_messages"
	KeyUpdateSnooze      = "update_snooze"
	keyUserCacheFmt      = "cache:get_user:%d"
)

const userCacheTTL = 5 * time.Minute

func NewClient(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *cfgpkg.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			l.Infow("connected to redis")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			l.Infow("closing redis client")
			return client.Close()
		},
	})
	return client, nil
}

// Store is the typed surface the services use; it keeps the raw client out of
// business code.
type Store struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewStore(rdb *redis.Client, log *zap.SugaredLogger) *Store {
	return &Store{rdb: rdb, log: log}
}

// CacheUserDTO stores an arbitrary user DTO under the per-user cache key.
func (s *Store) CacheUserDTO(ctx context.Context, telegramID int64, dto any) error {
	raw, err := json.Marshal(dto)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, fmt.Sprintf(keyUserCacheFmt, telegramID), raw, userCacheTTL).Err()
}

// InvalidateUser drops the cached user DTO so the next read reflects panel
// and balance mutations.
func (s *Store) InvalidateUser(ctx context.Context, telegramID int64) {
	if err := s.rdb.Del(ctx, fmt.Sprintf(keyUserCacheFmt, telegramID)).Err(); err != nil {
		s.log.Warnw("user cache invalidation failed", "telegram_id", telegramID, "err", err)
	}
}

// AcquireSyncLock takes the admin reconciliation mutex. Returns false when
// another run is in flight.
func (s *Store) AcquireSyncLock(ctx context.Context) (bool, error) {
	return s.rdb.SetNX(ctx, KeySyncRunning, "1", time.Hour).Result()
}

func (s *Store) ReleaseSyncLock(ctx context.Context) {
	if err := s.rdb.Del(ctx, KeySyncRunning).Err(); err != nil {
		s.log.Warnw("sync lock release failed", "err", err)
	}
}

// TrackCloseable records a sent message carrying a Close button with no
// auto-expiry. Score is the send timestamp so cleanup can range-scan by age.
func (s *Store) TrackCloseable(ctx context.Context, chatID int64, messageID int, sentAt time.Time) error {
	member := fmt.Sprintf("%d:%d", chatID, messageID)
	return s.rdb.ZAdd(ctx, KeyCloseableMessages, &redis.Z{
		Score:  float64(sentAt.Unix()),
		Member: member,
	}).Err()
}

func (s *Store) UntrackCloseable(ctx context.Context, chatID int64, messageID int) error {
	return s.rdb.ZRem(ctx, KeyCloseableMessages, fmt.Sprintf("%d:%d", chatID, messageID)).Err()
}

// CloseableOlderThan returns tracked "{chat}:{msg}" members sent before the
// cutoff.
func (s *Store) CloseableOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, KeyCloseableMessages, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
}

func (s *Store) RemoveCloseable(ctx context.Context, member string) error {
	return s.rdb.ZRem(ctx, KeyCloseableMessages, member).Err()
}

// SnoozeUpdates suppresses informational service notices to the operator
// (update announcements, intake test pings) for ttl. Payment-affecting
// alerts ignore the snooze.
func (s *Store) SnoozeUpdates(ctx context.Context, ttl time.Duration) error {
	return s.rdb.Set(ctx, KeyUpdateSnooze, "1", ttl).Err()
}

func (s *Store) UpdatesSnoozed(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, KeyUpdateSnooze).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var Module = fx.Options(
	fx.Provide(NewClient),
	fx.Provide(NewStore),
)
