package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/config"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/monitor"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/room"
	"github.com/wfunc/roomsync/rpc"
	"github.com/wfunc/roomsync/server"
)

func openStore(ctx context.Context, cfg *config.Config) (persistence.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return persistence.NewMemoryStore(persistence.WithMaxRooms(cfg.Store.MaxRooms)), nil
	case "gorm":
		return persistence.NewGormPostgreSQL(cfg.Database.Postgres.DSN())
	case "pgx":
		return persistence.NewPgxStore(ctx, cfg.Database.Postgres.URL())
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func openBroadcaster(cfg *config.Config, store persistence.Store, mon *monitor.Monitor) (broadcast.Broadcaster, error) {
	switch cfg.Broadcast.Backend {
	case "", "memory":
		hub := broadcast.NewHub()
		hub.OnDrop = mon.EventDropped
		return hub, nil
	case "nats":
		nc := cfg.Broadcast.NATS
		return broadcast.NewNATSBroadcaster(broadcast.NATSConfig{
			URL:           nc.URL,
			SubjectPrefix: nc.SubjectPrefix,
			MaxReconnects: nc.MaxReconnects,
			ReconnectWait: nc.ReconnectWait,
		})
	case "pgnotify":
		pc := broadcast.DefaultPgNotifyConfig()
		pc.DSN = cfg.Database.Postgres.DSN()
		if cfg.Broadcast.PGNotify.Channel != "" {
			pc.Channel = cfg.Broadcast.PGNotify.Channel
		}
		b, err := broadcast.NewPgNotifyBroadcaster(store, pc)
		if err != nil {
			return nil, err
		}
		b.Hub().OnDrop = mon.EventDropped
		return b, nil
	}
	return nil, fmt.Errorf("unknown broadcast backend %q", cfg.Broadcast.Backend)
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Development)
	defer logger.Sync()
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	catalog := games.Default()
	if cfg.Games.CatalogPath != "" {
		if catalog, err = games.Load(cfg.Games.CatalogPath); err != nil {
			logger.Log.Fatalf("Failed to load game catalog: %v", err)
		}
	}
	logger.Log.Infow("game catalog loaded", "kinds", catalog.Kinds())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	defer store.Close()
	logger.Log.Infof("State store ready (%s).", cfg.Store.Backend)

	mon := monitor.NewMonitor(cfg.Server.MetricsNamespace)

	broadcaster, err := openBroadcaster(cfg, store, mon)
	if err != nil {
		logger.Log.Fatalf("Failed to open %s broadcaster: %v", cfg.Broadcast.Backend, err)
	}
	defer broadcaster.Close()

	rooms := room.NewService(store, broadcaster, catalog, room.WithMetrics(mon))

	if sweeper, ok := store.(persistence.Sweeper); ok {
		janitor := room.NewJanitor(sweeper, cfg.Store.RoomTTL, cfg.Store.JanitorInterval, nil, mon)
		go janitor.Run(ctx)
	}

	rpcServer, err := rpc.NewServer(cfg.Server.RPCAddress, rooms)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}
	go rpcServer.Start()
	defer rpcServer.Stop()

	httpServer := server.NewServer(cfg.Server.HTTPAddress, rooms, broadcaster, mon,
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Log.Errorf("HTTP server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Log.Info("Shutting down.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warnf("HTTP shutdown: %v", err)
	}
}
