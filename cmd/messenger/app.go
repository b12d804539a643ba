package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
	"github.com/pelusa-v/pelusa-messenger/internal/chat"
	"github.com/pelusa-v/pelusa-messenger/internal/config"
	"github.com/pelusa-v/pelusa-messenger/internal/logger"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
	"github.com/pelusa-v/pelusa-messenger/internal/storage"
	"github.com/pelusa-v/pelusa-messenger/internal/store/changefeed"
	"github.com/pelusa-v/pelusa-messenger/internal/store/memory"
	"github.com/pelusa-v/pelusa-messenger/internal/store/postgres"
)

type transport interface {
	chat.Realtime
	Close() error
}

type hubTransport struct{ *realtime.Hub }

func (h hubTransport) Close() error {
	h.Hub.Close()
	return nil
}

// app is everything a command needs, wired from config.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	session   *auth.Session
	verifier  *auth.Verifier
	rt        transport
	store     chat.Store
	pg        *postgres.Store
	messenger *chat.Messenger
	closers   []func()
}

func newApp(ctx context.Context, needUser bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	a := &app{cfg: cfg, log: logger.New(cfg, "messenger")}

	a.verifier, err = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}
	a.session = auth.NewSession(a.verifier, a.log)
	if needUser {
		if cfg.AccessToken == "" {
			return nil, fmt.Errorf("ACCESS_TOKEN is required; mint one with `messenger token <user-id>`")
		}
		if _, err := a.session.SignIn(cfg.AccessToken); err != nil {
			return nil, fmt.Errorf("sign in: %w", err)
		}
	}

	if err := a.openTransport(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	files, err := storage.NewS3(ctx, storage.Config{
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		AccessKeyID:   cfg.S3AccessKeyID,
		SecretKey:     cfg.S3SecretKey,
		UsePathStyle:  cfg.S3UsePathStyle,
		PublicBaseURL: cfg.S3PublicBaseURL,
	}, a.log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.messenger = chat.NewMessenger(chat.Deps{
		Auth:     a.session,
		Store:    a.store,
		Realtime: a.rt,
		Storage:  files,
		Log:      a.log,
	}, chat.SessionConfig{
		Typing: chat.TypingConfig{
			Expiry:   cfg.TypingExpiry,
			Cooldown: cfg.TypingCooldown,
			Idle:     cfg.ComposeIdle,
		},
		ProfileCacheSize: cfg.ProfileCacheSize,
		AttachmentBucket: cfg.AttachmentBucket,
		AvatarBucket:     cfg.AvatarBucket,
	})
	return a, nil
}

// openTransport prefers a shared redis bus, then the relay when signed in,
// then an in-process hub.
func (a *app) openTransport(ctx context.Context) error {
	switch {
	case a.cfg.RedisURL != "":
		bus, err := realtime.DialRedis(ctx, a.cfg.RedisURL, a.cfg.RedisPrefix, a.cfg.RealtimeQueue, a.log)
		if err != nil {
			return err
		}
		a.rt = bus
	case a.session.Token() != "" && a.cfg.RelayURL != "":
		client, err := realtime.DialClient(ctx, a.cfg.RelayURL, a.session.Token(), a.cfg.RealtimeQueue, a.log)
		if err != nil {
			return err
		}
		a.rt = client
	default:
		a.log.Warn().Msg("no shared transport configured; live updates stay in this process")
		a.rt = hubTransport{realtime.NewHub(a.cfg.RealtimeQueue, a.log)}
	}
	a.closers = append(a.closers, func() { _ = a.rt.Close() })
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn().Msg("DATABASE_URL not set; using an empty in-memory store")
		a.store = changefeed.Wrap(memory.New(), a.rt, a.log)
		return nil
	}
	if a.cfg.AutoMigrate {
		if err := postgres.Migrate(a.cfg.DatabaseURL, a.log); err != nil {
			return err
		}
	}
	pool, err := postgres.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)
	a.pg = postgres.New(pool)
	a.store = changefeed.Wrap(a.pg, a.rt, a.log)
	return nil
}

// closeOnSignOut runs cancel once the session signs out, ending the live
// conversations and roster watches running under the command's context.
func (a *app) closeOnSignOut(cancel context.CancelFunc) (unbind func()) {
	return a.session.OnChange(func(userID string) {
		if userID == "" {
			a.log.Info().Msg("signed out, closing live views")
			cancel()
		}
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
