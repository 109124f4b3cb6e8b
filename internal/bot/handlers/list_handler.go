package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewListHandler returns a handler for the /list command.
func NewListHandler(deps HandlerDeps) bot.HandlerFunc {
	return listHandler{deps}.Handle
}

// listHandler asks which category of saved links to show.
type listHandler struct {
	deps HandlerDeps
}

func (h listHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "list")

	in, ok := inboundFromUpdate(update)
	if !ok {
		log.WarnContext(ctx, "List handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	log.InfoContext(ctx, "Handling /list command", "chat_id", in.ChatID, "user_id", in.UserID)
	deliver(ctx, b, log, in.ChatID, h.deps.Engine.List(ctx, in))
}
