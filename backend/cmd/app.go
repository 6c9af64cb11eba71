package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/relaychat/backend/auth"
	"github.com/adwski/relaychat/backend/config"
	"github.com/adwski/relaychat/backend/crypto"
	httpServer "github.com/adwski/relaychat/backend/server/http"
	websocketServer "github.com/adwski/relaychat/backend/server/websocket"
	"github.com/adwski/relaychat/backend/service"
	"github.com/adwski/relaychat/backend/storage/kv"
	store "github.com/adwski/relaychat/backend/storage/memory"
	sw "github.com/adwski/relaychat/backend/switch"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

type stores interface {
	service.AccountStore
	service.MessageStore
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	verifier, err := auth.NewVerifier(auth.TokenConfig{
		Secret:    cfg.Secret,
		Algorithm: cfg.Algorithm,
		TTL:       cfg.TokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init token verifier")
	}

	var st stores
	switch cfg.Storage {
	case config.StorageMemory:
		st = store.NewMemStore()
	default:
		db, errDB := badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLogger(kv.NewBadgerLogger(&logger)))
		if errDB != nil {
			logger.Fatal().Err(errDB).Str("path", cfg.BadgerPath).Msg("failed to open badger")
		}
		defer func() {
			if errC := db.Close(); errC != nil {
				logger.Error().Err(errC).Msg("failed to close badger")
			}
		}()

		var sealer kv.Sealer
		if cfg.SealAtRest {
			codec, errC := crypto.NewCodec(cfg.Secret)
			if errC != nil {
				logger.Fatal().Err(errC).Msg("failed to init at-rest codec")
			}
			sealer = codec
		}
		kvStore, errS := kv.NewStore(kv.Config{DB: db, Sealer: sealer, Logger: &logger})
		if errS != nil {
			logger.Fatal().Err(errS).Msg("failed to init badger store")
		}
		defer func() {
			if errC := kvStore.Close(); errC != nil {
				logger.Error().Err(errC).Msg("failed to release badger sequence")
			}
		}()
		st = kvStore
	}

	svc := service.NewService(service.Config{
		AccountStore: st,
		MessageStore: st,
		Switch:       sw.NewSwitch(&logger),
		Tokens:       verifier,
		Logger:       &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		AccountService: svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		OutboxSize:     cfg.OutboxSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
