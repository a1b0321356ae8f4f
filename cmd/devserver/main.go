package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/config"
	"github.com/noah-isme/gema-sync/internal/database"
	"github.com/noah-isme/gema-sync/internal/handler"
	"github.com/noah-isme/gema-sync/internal/hub"
	"github.com/noah-isme/gema-sync/internal/repository"
	"github.com/noah-isme/gema-sync/internal/router"
	"github.com/noah-isme/gema-sync/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", cfg.AppName).Logger()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// redis and nats only matter when several devserver nodes share rooms
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName), nats.MaxReconnects(-1))
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	rooms := hub.New(logger)

	chatService := service.NewChatService(repository.NewChatRepository(db), rooms, redisClient, cfg.ChannelBase, natsConn, validate, logger)
	discussionService := service.NewDiscussionService(repository.NewDiscussionRepository(db), chatService, validate, logger)
	chatService.Start(ctx)

	app := router.New(cfg, router.Dependencies{
		ChatHandler:       handler.NewChatHandler(chatService, logger),
		DiscussionHandler: handler.NewDiscussionHandler(discussionService, logger),
		RealtimeHandler:   handler.NewRealtimeHandler(chatService, logger),
		WriteLimit:        cfg.WriteLimit,
	}, logger)

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Msg("devserver listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger)
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
