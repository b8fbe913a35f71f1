package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-rooms/backend/config"
	"github.com/adwski/webrtc-rooms/backend/credential"
	"github.com/adwski/webrtc-rooms/backend/hub"
	"github.com/adwski/webrtc-rooms/backend/registry"
	httpServer "github.com/adwski/webrtc-rooms/backend/server/http"
	websocketServer "github.com/adwski/webrtc-rooms/backend/server/websocket"
	"github.com/adwski/webrtc-rooms/backend/service"
	"github.com/adwski/webrtc-rooms/backend/storage/memory"
	redisStore "github.com/adwski/webrtc-rooms/backend/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal().Err(err).Msg("failed to load .env file")
	}
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var store registry.Store = memory.NewMemStore()
	if cfg.Store == config.StoreRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			_ = rdb.Close()
		}()
		store = redisStore.NewStore(redisStore.Config{
			Client: rdb,
			Prefix: cfg.RedisPrefix,
		})
	}
	logger.Info().Str("store", cfg.Store).Msg("room store selected")

	reg := registry.New(registry.Config{
		Logger: &logger,
		Store:  store,
	})
	svc := service.NewService(service.Config{
		Registry: reg,
		Hub: hub.New(hub.Config{
			Logger:   &logger,
			Registry: reg,
		}),
		Issuer: credential.NewIssuer(credential.Config{
			Secret: []byte(cfg.CredentialSecret),
			TTL:    cfg.CredentialTTL,
		}),
		RequireCredential: cfg.RequireCredential,
		Logger:            &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
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
