package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewSyncHandler returns a handler for the /sync command.
func NewSyncHandler(deps HandlerDeps) bot.HandlerFunc {
	return syncHandler{deps}.Handle
}

// syncHandler asks for confirmation before re-pushing every saved link to
// the user's workspace.
type syncHandler struct {
	deps HandlerDeps
}

func (h syncHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "sync")

	in, ok := inboundFromUpdate(update)
	if !ok {
		log.WarnContext(ctx, "Sync handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	log.InfoContext(ctx, "Handling /sync command", "chat_id", in.ChatID, "user_id", in.UserID)
	deliver(ctx, b, log, in.ChatID, h.deps.Engine.Sync(ctx, in))
}
