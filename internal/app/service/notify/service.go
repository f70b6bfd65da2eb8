package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/platform/kv"
	"github.com/korelin/subpay/pkg/metrics"
)

// BotClient is the slice of tgbotapi.BotAPI the fan-out needs.
type BotClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// BotRef is one bot identity available for sending.
type BotRef struct {
	ID     int64
	Client BotClient
}

// BotSource is implemented by the mirror-bot manager. Primary may return nil
// before startup completes.
type BotSource interface {
	Primary() *BotRef
	Mirrors() []*BotRef
}

const CloseCallbackData = "notify:close"

// Notification is one logical message. The fan-out sends it through the
// primary bot and every active mirror; media is re-uploaded per bot on first
// use because file ids are bot-scoped.
type Notification struct {
	ChatID    int64
	Text      string
	MediaPath string
	MediaURL  string
	Keyboard  *tgbotapi.InlineKeyboardMarkup
	// AutoDeleteAfter > 0 schedules a per-bot deletion; mutually exclusive
	// with close-button tracking.
	AutoDeleteAfter time.Duration
	AddCloseButton  bool
}

type Service struct {
	source BotSource
	store  *kv.Store
	cache  *mediaCache
	met    *metrics.Metrics
	log    *zap.SugaredLogger

	// wg tracks fire-and-forget mirror sends and auto-deletes so shutdown
	// can drain them.
	wg sync.WaitGroup
}

func New(source BotSource, store *kv.Store, met *metrics.Metrics, log *zap.SugaredLogger) *Service {
	return &Service{
		source: source,
		store:  store,
		cache:  newMediaCache(256),
		met:    met,
		log:    log,
	}
}

// Send fans the notification out. The primary-bot send completes before any
// mirror send starts; mirrors have no inter-mirror ordering.
func (s *Service) Send(ctx context.Context, n *Notification) error {
	primary := s.source.Primary()
	if primary == nil {
		return fmt.Errorf("no primary bot available")
	}

	if err := s.sendVia(ctx, primary, n, "main"); err != nil {
		return err
	}

	for _, mirror := range s.source.Mirrors() {
		if mirror.ID == primary.ID {
			continue
		}
		m := mirror
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sendVia(context.WithoutCancel(ctx), m, n, "mirror"); err != nil {
				s.log.Warnw("mirror send failed", "bot_id", m.ID, "chat_id", n.ChatID, "err", err)
			}
		}()
	}
	return nil
}

func (s *Service) sendVia(ctx context.Context, bot *BotRef, n *Notification, kind string) error {
	msg, err := bot.Client.Send(s.build(bot, n))
	if err != nil {
		s.met.NotificationErrors.WithLabelValues(kind).Inc()
		// Transient rate limits are swallowed; retrying would amplify spam.
		if strings.Contains(err.Error(), "Too Many Requests") {
			s.log.Warnw("rate limited by platform", "bot_id", bot.ID, "chat_id", n.ChatID)
			return nil
		}
		return fmt.Errorf("send via bot %d: %w", bot.ID, err)
	}
	s.met.NotificationsSent.WithLabelValues(kind).Inc()

	s.rememberFileID(bot.ID, n, &msg)

	switch {
	case n.AutoDeleteAfter > 0:
		s.scheduleDelete(bot, msg.Chat.ID, msg.MessageID, n.AutoDeleteAfter)
	case n.AddCloseButton:
		if err := s.store.TrackCloseable(ctx, msg.Chat.ID, msg.MessageID, time.Now()); err != nil {
			s.log.Warnw("closeable tracking failed", "chat_id", msg.Chat.ID, "message_id", msg.MessageID, "err", err)
		}
	}
	return nil
}

func (s *Service) build(bot *BotRef, n *Notification) tgbotapi.Chattable {
	markup := s.markup(n)

	if n.MediaPath == "" && n.MediaURL == "" {
		msg := tgbotapi.NewMessage(n.ChatID, n.Text)
		msg.ParseMode = tgbotapi.ModeHTML
		if markup != nil {
			msg.ReplyMarkup = *markup
		}
		return msg
	}

	key := mediaKey{BotID: bot.ID, Path: n.MediaPath, URL: n.MediaURL, ContentType: "photo"}
	var file tgbotapi.RequestFileData
	if fileID, ok := s.cache.Get(key); ok {
		file = tgbotapi.FileID(fileID)
	} else if n.MediaPath != "" {
		file = tgbotapi.FilePath(n.MediaPath)
	} else {
		file = tgbotapi.FileURL(n.MediaURL)
	}
	photo := tgbotapi.NewPhoto(n.ChatID, file)
	photo.Caption = n.Text
	photo.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		photo.ReplyMarkup = *markup
	}
	return photo
}

func (s *Service) markup(n *Notification) *tgbotapi.InlineKeyboardMarkup {
	markup := n.Keyboard
	if n.AddCloseButton {
		closeRow := tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Close", CloseCallbackData),
		)
		if markup == nil {
			m := tgbotapi.NewInlineKeyboardMarkup(closeRow)
			markup = &m
		} else {
			m := tgbotapi.NewInlineKeyboardMarkup(append(markup.InlineKeyboard, closeRow)...)
			markup = &m
		}
	}
	return markup
}

// rememberFileID caches the uploaded media's file id under this bot's slot.
func (s *Service) rememberFileID(botID int64, n *Notification, msg *tgbotapi.Message) {
	if n.MediaPath == "" && n.MediaURL == "" {
		return
	}
	if len(msg.Photo) == 0 {
		return
	}
	key := mediaKey{BotID: botID, Path: n.MediaPath, URL: n.MediaURL, ContentType: "photo"}
	s.cache.Put(key, msg.Photo[len(msg.Photo)-1].FileID)
}

func (s *Service) scheduleDelete(bot *BotRef, chatID int64, messageID int, after time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(after)
		if _, err := bot.Client.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
			s.log.Warnw("auto-delete failed", "bot_id", bot.ID, "chat_id", chatID, "message_id", messageID, "err", err)
		}
	}()
}

// HandleClose reacts to the Close button: the bot that received the callback
// deletes its own copy and the tracking entry goes away immediately.
func (s *Service) HandleClose(ctx context.Context, chatID int64, messageID int) {
	bot := s.activeBot(ctx)
	if bot == nil {
		s.log.Warnw("close ignored, no bot available", "chat_id", chatID, "message_id", messageID)
		return
	}
	if _, err := bot.Client.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		s.log.Warnw("close delete failed", "chat_id", chatID, "message_id", messageID, "err", err)
	}
	if err := s.store.UntrackCloseable(ctx, chatID, messageID); err != nil {
		s.log.Warnw("closeable untrack failed", "chat_id", chatID, "message_id", messageID, "err", err)
	}
}

// activeBot resolves the bot id carried in ctx to a live bot, so replies go
// out through the identity that received the update. Falls back to the
// primary for sends outside any routed update.
func (s *Service) activeBot(ctx context.Context) *BotRef {
	primary := s.source.Primary()
	id := BotIDFrom(ctx)
	if id == SharedBotID || (primary != nil && primary.ID == id) {
		return primary
	}
	for _, m := range s.source.Mirrors() {
		if m.ID == id {
			return m
		}
	}
	return primary
}

// DropBotCache evicts a stopped mirror's media entries.
func (s *Service) DropBotCache(botID int64) {
	s.cache.DropBot(botID)
}

// Drain waits for in-flight background sends, bounded by ctx.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseCloseableMember splits a "{chat_id}:{message_id}" tracking member.
func ParseCloseableMember(member string) (chatID int64, messageID int, err error) {
	chatStr, msgStr, ok := strings.Cut(member, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed closeable member %q", member)
	}
	chatID, err = strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed closeable member %q", member)
	}
	messageID, err = strconv.Atoi(msgStr)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed closeable member %q", member)
	}
	return chatID, messageID, nil
}
