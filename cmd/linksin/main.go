// Package main contains the entrypoint for the link capture bot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/linksin/linksin/internal/bot"
	"github.com/linksin/linksin/internal/bot/handlers"
	"github.com/linksin/linksin/internal/bot/tasks"
	"github.com/linksin/linksin/internal/capture"
	"github.com/linksin/linksin/internal/config"
	"github.com/linksin/linksin/internal/database"
	"github.com/linksin/linksin/internal/logger"
	"github.com/linksin/linksin/internal/metadata"
	"github.com/linksin/linksin/internal/notion"
	"github.com/linksin/linksin/internal/session"
	"github.com/linksin/linksin/internal/telegram"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components, handles graceful
// shutdown, and returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	fetcher := metadata.NewHTTPFetcher(metadata.Options{
		Timeout:      cfg.Metadata.Timeout,
		MaxBodyBytes: cfg.Metadata.MaxBodyBytes,
		UserAgent:    cfg.Metadata.UserAgent,
	}, log)

	notionClient := notion.NewClient(notion.ClientOptions{
		BaseURL:    cfg.Notion.BaseURL,
		APIVersion: cfg.Notion.APIVersion,
		HTTPClient: &http.Client{Timeout: cfg.Notion.Timeout},
	}, log)
	syncer := notion.NewWorkspaceSyncer(notionClient, cfg.Notion.ContainerTitle, log)

	sessions := session.NewMemoryStore()
	engine := capture.NewEngine(sessions, store, fetcher, syncer, cfg.Messages, log)

	hDeps := handlers.HandlerDeps{
		Logger: log,
		Config: cfg,
		Store:  store,
		Engine: engine,
	}
	tDeps := tasks.TaskDeps{
		Logger: log,
		Store:  store,
		Config: cfg,
	}

	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(handlers.NewCaptureHandler(hDeps)),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}

	botInfo, err := tg.GetMe(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", botInfo.ID, "bot_username", botInfo.Username)

	cmdHandlers := handlers.RegisterAllCommands(hDeps)
	if err := telegram.RegisterHandlers(tg, log, cmdHandlers); err != nil {
		log.Error("Failed to register Telegram handlers", "error", err)
		return 1
	}

	sched := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	app := bot.NewBot(log, cfg, db, store, tg, sched)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		// Allow logs to flush before exiting on error
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
