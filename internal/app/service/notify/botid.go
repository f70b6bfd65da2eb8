package notify

import "context"

type botIDKey struct{}

// SharedBotID is the fallback slot for sends that happen outside any
// dispatcher-routed update.
const SharedBotID int64 = 0

// WithBotID marks ctx with the bot identity that received the update being
// handled. Set once at the webhook edge; read back when a handler replies so
// the answer goes out through the same bot.
func WithBotID(ctx context.Context, botID int64) context.Context {
	return context.WithValue(ctx, botIDKey{}, botID)
}

// BotIDFrom returns the active bot id, or SharedBotID when none was set.
func BotIDFrom(ctx context.Context) int64 {
	if id, ok := ctx.Value(botIDKey{}).(int64); ok {
		return id
	}
	return SharedBotID
}
