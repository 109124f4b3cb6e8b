package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewCaptureHandler returns the default handler for non-command messages.
// Every plain text, caption, or forwarded message goes through the capture
// workflow engine, which routes it by the user's conversation state.
func NewCaptureHandler(deps HandlerDeps) bot.HandlerFunc {
	return captureHandler{deps}.Handle
}

type captureHandler struct {
	deps HandlerDeps
}

func (h captureHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "capture")

	in, ok := inboundFromUpdate(update)
	if !ok {
		log.DebugContext(ctx, "Ignoring update without message or sender", "update_id", update.ID)
		return
	}
	if update.Message.Chat.Type != models.ChatTypePrivate {
		return
	}
	if in.Text == "" {
		log.DebugContext(ctx, "Ignoring message without text or caption",
			"chat_id", in.ChatID, "user_id", in.UserID)
		return
	}

	// The enrichment step can take a few seconds per link, so show a
	// typing indicator while the engine works.
	_, err := b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: in.ChatID,
		Action: models.ChatActionTyping,
	})
	if err != nil {
		log.DebugContext(ctx, "Failed to send typing action", "error", err, "chat_id", in.ChatID)
	}

	deliver(ctx, b, log, in.ChatID, h.deps.Engine.HandleMessage(ctx, in))
}
