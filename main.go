package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/config"
	"github.com/shelfie/shelfie/internal/api"
	"github.com/shelfie/shelfie/internal/bot"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
	"github.com/shelfie/shelfie/internal/remote"
	"github.com/shelfie/shelfie/internal/runstore"
	"github.com/shelfie/shelfie/internal/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	closeLog := setupLogging(cfg.Log)
	defer closeLog()

	store, err := storage.NewSQLiteStore(cfg.DB.Path, storage.DeriveKey(cfg.Secret))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DB.Path).Msg("store initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings := storage.NewSettingsService(store.Config())
	provider := llm.NewProvider(settings, cfg.Gemini.APIKey, llm.GeminiFactory(llm.GeminiConfig{
		Model:     cfg.Gemini.Model,
		LiteModel: cfg.Gemini.LiteModel,
	}))
	if cfg.Gemini.APIKey == "" {
		log.Warn().Msg("no server gemini key, only users with their own key can generate listings")
	}
	analyzer := llm.NewCachedAnalyzer(provider, store)

	var listings listing.Repository = store
	if cfg.Backend.URL != "" {
		client := remote.NewClient(remote.ClientOpts{
			BaseURL: cfg.Backend.URL,
			AnonKey: cfg.Backend.AnonKey,
			Table:   cfg.Backend.Table,
		})
		listings = listing.NewFallbackRepository(client, store)
		log.Info().Str("url", cfg.Backend.URL).Msg("using hosted listing backend")
	}

	var runs runstore.Store
	if cfg.Redis.URL != "" {
		r, err := runstore.NewRedis(ctx, cfg.Redis.URL, cfg.Run.TTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize run store")
		}
		defer r.Close()
		runs = r
		log.Info().Msg("archiving runs in redis")
	} else {
		runs = runstore.NewMemory(cfg.Run.TTL)
	}

	pipeline := bulk.NewPipeline(bulk.Dependencies{
		Analyzer:   analyzer,
		Generator:  provider,
		Pricer:     provider,
		Repository: listings,
		Metrics:    bulk.NewMetrics(prometheus.DefaultRegisterer),
	}, bulk.WithCooldown(cfg.Bulk.Cooldown), bulk.WithCallTimeout(cfg.Bulk.CallTimeout))

	gin.SetMode(cfg.Server.Mode)
	server := api.NewServer(api.Deps{
		Listings: listings,
		LLM:      provider,
		Pipeline: pipeline,
		Runs:     runs,
		Settings: settings,
	}, api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxPhotos:      cfg.Bulk.MaxPhotos,
		SessionTTL:     cfg.Bulk.SessionTTL,
	})
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is not set, every request runs as the local user")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(ctx, cfg.Server.Addr)
	})

	if cfg.TelegramEnabled() {
		for _, id := range cfg.Telegram.AllowedUsers {
			if err := store.AddAllowedUser(id, cfg.Telegram.AdminID); err != nil {
				log.Fatal().Err(err).Int64("userId", id).Msg("failed to allow telegram user")
			}
		}

		tg, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize telegram bot")
		}
		tg.Debug = false
		log.Info().Str("username", tg.Self.UserName).Msg("authorized on account")
		bot.RegisterCommands(tg)

		b := bot.NewBot(tg, store, cfg.Telegram.AdminID, bot.Services{
			Pipeline:  pipeline,
			Listings:  listings,
			Settings:  settings,
			Runs:      runs,
			MaxPhotos: cfg.Bulk.MaxPhotos,
		})
		g.Go(func() error {
			return bot.Run(ctx, tg, b)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

// setupLogging applies the log level and, outside systemd, the optional log
// file. The returned func closes the file.
func setupLogging(cfg config.LogConfig) func() {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// JOURNAL_STREAM is set by systemd, which already keeps the logs.
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd || cfg.File == "" {
		return func() {}
	}

	logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log file")
	}
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
	log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))
	log.Info().Str("logFile", cfg.File).Msg("logging to file")

	return func() { logFile.Close() }
}
