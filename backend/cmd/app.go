package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/horneat/WebVideoChat/backend/config"
	"github.com/horneat/WebVideoChat/backend/reaper"
	"github.com/horneat/WebVideoChat/backend/registry"
	httpServer "github.com/horneat/WebVideoChat/backend/server/http"
	websocketServer "github.com/horneat/WebVideoChat/backend/server/websocket"
	"github.com/horneat/WebVideoChat/backend/service"
	store "github.com/horneat/WebVideoChat/backend/storage/memory"
	sw "github.com/horneat/WebVideoChat/backend/switch"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	var out io.Writer = os.Stdout
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()

	roomStore := store.NewMemStore(store.Config{})
	connRegistry := registry.New(registry.Config{Logger: &logger})
	rpr := reaper.New(reaper.Config{
		Logger:        &logger,
		Store:         roomStore,
		Registry:      connRegistry,
		GracePeriod:   cfg.RoomGracePeriod,
		RoomIdleTTL:   cfg.RoomIdleTTL,
		ConnIdleTTL:   cfg.ConnIdleTTL,
		SweepInterval: cfg.SweepInterval,
	})
	svc := service.NewService(service.Config{
		Logger:     &logger,
		RoomStore:  roomStore,
		Switch:     sw.NewSwitch(&logger),
		Registry:   connRegistry,
		Reaper:     rpr,
		ICEServers: cfg.ICEServers,
		ChatRate:   rate.Limit(cfg.ChatRate),
		ChatBurst:  cfg.ChatBurst,
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
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go rpr.Run(ctx, wg, errc)
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
