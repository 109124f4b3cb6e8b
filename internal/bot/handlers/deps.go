// Package handlers contains Telegram bot command and message handlers,
// along with their registration logic and middleware.
package handlers

import (
	"log/slog"

	"github.com/linksin/linksin/internal/capture"
	"github.com/linksin/linksin/internal/config"
	"github.com/linksin/linksin/internal/database"
)

// HandlerDeps provides dependencies for Telegram command handlers.
type HandlerDeps struct {
	Logger *slog.Logger
	Config *config.Config
	Store  database.Store
	Engine *capture.Engine
}
