package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewTokenHandler returns a handler for the /token command.
func NewTokenHandler(deps HandlerDeps) bot.HandlerFunc {
	return tokenHandler{deps}.Handle
}

// tokenHandler starts the workspace credential setup conversation.
type tokenHandler struct {
	deps HandlerDeps
}

func (h tokenHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "token")

	in, ok := inboundFromUpdate(update)
	if !ok {
		log.WarnContext(ctx, "Token handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	log.InfoContext(ctx, "Handling /token command", "chat_id", in.ChatID, "user_id", in.UserID)
	deliver(ctx, b, log, in.ChatID, h.deps.Engine.Token(ctx, in))
}
