package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
	"github.com/pelusa-v/pelusa-messenger/internal/config"
	"github.com/pelusa-v/pelusa-messenger/internal/logger"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
	"github.com/pelusa-v/pelusa-messenger/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("token verifier")
	}

	var broker relay.Broker
	if cfg.RedisURL != "" {
		bus, err := realtime.DialRedis(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.RealtimeQueue, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer bus.Close()
		broker = bus
		log.Info().Msg("using redis broker")
	} else {
		hub := realtime.NewHub(cfg.RealtimeQueue, log)
		defer hub.Close()
		broker = hub
		log.Info().Msg("using in-process broker")
	}

	manager := relay.NewManager(broker, log)
	go manager.Run(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	relay.NewHandlers(manager, verifier).Routes(app)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", cfg.RelayAddr).Msg("relay listening")
	if err := app.Listen(cfg.RelayAddr); err != nil {
		log.Error().Err(err).Msg("listen")
	}
}
