package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/linksin/linksin/internal/capture"
	"github.com/linksin/linksin/internal/session"
)

// inboundFromUpdate converts a Telegram message update into the
// transport-neutral inbound form the workflow engine consumes. It returns
// false for updates without a usable message or sender.
func inboundFromUpdate(update *models.Update) (capture.Inbound, bool) {
	if update.Message == nil || update.Message.From == nil {
		return capture.Inbound{}, false
	}
	msg := update.Message

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	fullName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)

	return capture.Inbound{
		UserID:   msg.From.ID,
		ChatID:   msg.Chat.ID,
		Username: msg.From.Username,
		FullName: fullName,
		Text:     text,
		Forward:  forwardOrigin(msg.ForwardOrigin),
	}, true
}

// forwardOrigin maps the Telegram forward-origin union onto the tagged
// variant the workflow stores alongside a link.
func forwardOrigin(origin *models.MessageOrigin) *session.ForwardOrigin {
	if origin == nil {
		return nil
	}

	switch origin.Type {
	case models.MessageOriginTypeUser:
		if origin.MessageOriginUser == nil {
			return nil
		}
		sender := origin.MessageOriginUser.SenderUser
		return &session.ForwardOrigin{
			Username: sender.Username,
			FullName: strings.TrimSpace(sender.FirstName + " " + sender.LastName),
			Type:     "user",
		}
	case models.MessageOriginTypeHiddenUser:
		if origin.MessageOriginHiddenUser == nil {
			return nil
		}
		return &session.ForwardOrigin{
			FullName: origin.MessageOriginHiddenUser.SenderUserName,
			Type:     "hidden_user",
		}
	case models.MessageOriginTypeChannel:
		if origin.MessageOriginChannel == nil {
			return nil
		}
		chat := origin.MessageOriginChannel.Chat
		return &session.ForwardOrigin{
			Username: chat.Username,
			FullName: chat.Title,
			Type:     "channel",
		}
	case models.MessageOriginTypeChat:
		if origin.MessageOriginChat == nil {
			return nil
		}
		chat := origin.MessageOriginChat.SenderChat
		return &session.ForwardOrigin{
			Username: chat.Username,
			FullName: chat.Title,
			Type:     "chat",
		}
	}
	return nil
}

// replyMarkup converts the engine's keyboard description into the Telegram
// reply markup types.
func replyMarkup(kb *capture.Keyboard) models.ReplyMarkup {
	if kb == nil {
		return nil
	}
	if kb.Remove {
		return &models.ReplyKeyboardRemove{RemoveKeyboard: true}
	}

	rows := make([][]models.KeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]models.KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, models.KeyboardButton{Text: label})
		}
		rows = append(rows, buttons)
	}
	return &models.ReplyKeyboardMarkup{
		Keyboard:        rows,
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

// deliver sends each outbound reply to the chat, in order.
func deliver(ctx context.Context, b *bot.Bot, log *slog.Logger, chatID int64, out []capture.Outbound) {
	for _, reply := range out {
		if reply.Text == "" {
			continue
		}
		_, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        reply.Text,
			ReplyMarkup: replyMarkup(reply.Keyboard),
		})
		if err != nil {
			log.ErrorContext(ctx, "Failed to send reply", "error", err, "chat_id", chatID)
		}
	}
}
