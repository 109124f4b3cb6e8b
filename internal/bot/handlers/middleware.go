package handlers

import (
	"context"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// PrivateOnly creates a middleware that drops updates from group and
// channel chats. The capture workflow keeps per-user conversation state,
// so it only operates in private chats; everything else is ignored
// without a reply.
func PrivateOnly(deps HandlerDeps) tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, bot *tgbot.Bot, update *models.Update) {
			if update.Message == nil || update.Message.From == nil {
				next(ctx, bot, update)
				return
			}

			if update.Message.Chat.Type != models.ChatTypePrivate {
				log := deps.Logger.With("middleware", "PrivateOnly")
				log.DebugContext(ctx, "Ignoring non-private chat update",
					"chat_id", update.Message.Chat.ID, "chat_type", update.Message.Chat.Type)
				return
			}

			next(ctx, bot, update)
		}
	}
}
