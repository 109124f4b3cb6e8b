package handlers

import (
	tgbot "github.com/go-telegram/bot"
)

// RegisteredHandler represents a command handler with its match rule and
// middleware. It encapsulates all information needed to register a command.
type RegisteredHandler struct {
	HandlerType tgbot.HandlerType
	Pattern     string
	Handler     tgbot.HandlerFunc
	Middleware  []tgbot.Middleware
	MatchType   tgbot.MatchType
}

// RegisterAllCommands initializes and returns a map of all available bot
// commands. Non-command messages are handled by the default capture
// handler registered at bot creation.
func RegisterAllCommands(deps HandlerDeps) map[string]RegisteredHandler {
	privateOnly := []tgbot.Middleware{PrivateOnly(deps)}

	handlers := make(map[string]RegisteredHandler)

	handlers["/start"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "start",
		Handler:     NewStartHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  privateOnly,
	}
	handlers["/help"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "help",
		Handler:     NewHelpHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  privateOnly,
	}
	handlers["/token"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "token",
		Handler:     NewTokenHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  privateOnly,
	}
	handlers["/list"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "list",
		Handler:     NewListHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  privateOnly,
	}
	handlers["/sync"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "sync",
		Handler:     NewSyncHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  privateOnly,
	}

	return handlers
}
