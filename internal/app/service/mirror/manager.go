package mirror

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/korelin/subpay/internal/app/service/notify"
	"github.com/korelin/subpay/internal/models"
	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/crypt"
)

// SecretTokenHeader is set by the platform on webhook deliveries.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Dispatcher is the shared update sink. FeedUpdate runs on the caller's
// goroutine; the manager spawns it fire-and-forget.
type Dispatcher interface {
	FeedUpdate(ctx context.Context, bot *notify.BotRef, update *tgbotapi.Update)
}

type activeBot struct {
	id       int64
	username string
	primary  bool
	secret   string
	api      *tgbotapi.BotAPI
}

// Manager owns every bot identity for the process lifetime: the primary bot
// and all active mirrors. The table is mutated only by rare admin operations;
// the hot path takes read locks.
type Manager struct {
	db         *gorm.DB
	cipher     *crypt.Cipher
	dispatcher Dispatcher
	publicURL  string
	mainBot    *tgbotapi.BotAPI
	log        *zap.SugaredLogger

	mu     sync.RWMutex
	bots   map[int64]*activeBot
	onStop func(botID int64)
}

func NewManager(db *gorm.DB, cipher *crypt.Cipher, cfg *cfgpkg.Config, mainBot *tgbotapi.BotAPI, log *zap.SugaredLogger) *Manager {
	return &Manager{
		db:        db,
		cipher:    cipher,
		publicURL: cfg.Server.PublicURL,
		mainBot:   mainBot,
		log:       log,
		bots:      make(map[int64]*activeBot),
	}
}

// SetDispatcher breaks the construction cycle between the manager, the
// notification service and the dispatcher; wired once at startup before the
// first webhook can arrive.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// OnStopBot registers a callback fired when a bot is stopped, used to drop
// its media cache entries.
func (m *Manager) OnStopBot(fn func(botID int64)) {
	m.onStop = fn
}

// LoadAll starts every active DB row and, failing a primary row, falls back
// to the configured main bot under the shared slot.
func (m *Manager) LoadAll(ctx context.Context) error {
	var rows []*models.MirrorBot
	if err := m.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return fmt.Errorf("load mirror bots: %w", err)
	}
	var havePrimary bool
	for _, row := range rows {
		ok, err := m.Start(ctx, row)
		if err != nil {
			m.log.Errorw("mirror bot start failed", "id", row.ID, "username", row.Username, "err", err)
			continue
		}
		if ok && row.IsPrimary {
			havePrimary = true
		}
	}
	if !havePrimary && m.mainBot != nil {
		if err := m.registerMain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) registerMain(ctx context.Context) error {
	secret, err := newSecret()
	if err != nil {
		return err
	}
	if err := m.setWebhook(m.mainBot, notify.SharedBotID, secret); err != nil {
		return fmt.Errorf("register main webhook: %w", err)
	}
	m.mu.Lock()
	m.bots[notify.SharedBotID] = &activeBot{
		id:       notify.SharedBotID,
		username: m.mainBot.Self.UserName,
		primary:  true,
		secret:   secret,
		api:      m.mainBot,
	}
	m.mu.Unlock()
	m.log.Infow("main bot registered", "username", m.mainBot.Self.UserName)
	return nil
}

// Start validates the token, registers the webhook with a fresh 32-byte
// secret and adds the bot to the table. Returns false when the token fails
// validation.
func (m *Manager) Start(_ context.Context, row *models.MirrorBot) (bool, error) {
	token, err := m.cipher.Decrypt(row.Token)
	if err != nil {
		return false, fmt.Errorf("decrypt token for bot %d: %w", row.ID, err)
	}
	// NewBotAPI performs getMe, which is the token validation.
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return false, nil
	}
	secret, err := newSecret()
	if err != nil {
		return false, err
	}
	if err := m.setWebhook(api, row.ID, secret); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.bots[row.ID] = &activeBot{
		id:       row.ID,
		username: api.Self.UserName,
		primary:  row.IsPrimary,
		secret:   secret,
		api:      api,
	}
	m.mu.Unlock()
	m.log.Infow("mirror bot started", "id", row.ID, "username", api.Self.UserName, "primary", row.IsPrimary)
	return true, nil
}

// Stop deletes the webhook and drops in-memory state.
func (m *Manager) Stop(_ context.Context, id int64) {
	m.mu.Lock()
	bot, ok := m.bots[id]
	delete(m.bots, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := bot.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		m.log.Warnw("webhook delete failed", "id", id, "err", err)
	}
	if m.onStop != nil {
		m.onStop(id)
	}
	m.log.Infow("mirror bot stopped", "id", id, "username", bot.username)
}

// StopAll is the shutdown path.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Stop(ctx, id)
	}
}

// Route handles one inbound webhook delivery. The response code is 200
// unless routing failed before feed began: 404 for an unknown bot id, 401
// for a secret mismatch.
func (m *Manager) Route(ctx context.Context, botID int64, secretHeader string, body []byte) int {
	m.mu.RLock()
	bot, ok := m.bots[botID]
	m.mu.RUnlock()
	if !ok {
		return http.StatusNotFound
	}
	if subtle.ConstantTimeCompare([]byte(bot.secret), []byte(secretHeader)) != 1 {
		return http.StatusUnauthorized
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		// Routing succeeded; answering non-200 would only make the
		// platform redeliver the same broken body.
		m.log.Warnw("malformed update body", "bot_id", botID, "err", err)
		return http.StatusOK
	}

	if m.dispatcher == nil {
		m.log.Errorw("update dropped, dispatcher not wired", "bot_id", botID)
		return http.StatusOK
	}

	ref := &notify.BotRef{ID: bot.id, Client: bot.api}
	go func() {
		feedCtx := notify.WithBotID(context.WithoutCancel(ctx), bot.id)
		m.dispatcher.FeedUpdate(feedCtx, ref, &update)
	}()
	return http.StatusOK
}

// Primary implements notify.BotSource.
func (m *Manager) Primary() *notify.BotRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bot := range m.bots {
		if bot.primary {
			return &notify.BotRef{ID: bot.id, Client: bot.api}
		}
	}
	return nil
}

// Mirrors implements notify.BotSource; returns every non-primary bot.
func (m *Manager) Mirrors() []*notify.BotRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*notify.BotRef, 0, len(m.bots))
	for _, bot := range m.bots {
		if bot.primary {
			continue
		}
		out = append(out, &notify.BotRef{ID: bot.id, Client: bot.api})
	}
	return out
}

// Add encrypts the token, persists the row and starts the bot. Admin
// operations are rare and serialized by the admin dialog.
func (m *Manager) Add(ctx context.Context, token string) (*models.MirrorBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	encrypted, err := m.cipher.Encrypt(token)
	if err != nil {
		return nil, err
	}
	row := &models.MirrorBot{
		Token:    encrypted,
		Username: api.Self.UserName,
		IsActive: true,
	}
	if err := m.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("persist mirror bot: %w", err)
	}
	if _, err := m.Start(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Remove stops the bot and marks its row inactive.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	m.Stop(ctx, id)
	return m.db.WithContext(ctx).Model(&models.MirrorBot{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// SetPrimary moves the primary flag; at most one row carries it.
func (m *Manager) SetPrimary(ctx context.Context, id int64) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MirrorBot{}).
			Where("is_primary = ?", true).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.MirrorBot{}).
			Where("id = ?", id).
			Update("is_primary", true).Error
	})
	if err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	m.mu.Lock()
	for _, bot := range m.bots {
		bot.primary = bot.id == id
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) setWebhook(api *tgbotapi.BotAPI, id int64, secret string) error {
	params := tgbotapi.Params{
		"url":          fmt.Sprintf("%s/api/v1/webhook/mirror/%d", m.publicURL, id),
		"secret_token": secret,
	}
	resp, err := api.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("setWebhook: %s", resp.Description)
	}
	return nil
}

func newSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
