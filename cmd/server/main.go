package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	server "github.com/Undertaker-afk/FPS-Shooter"
	"github.com/Undertaker-afk/FPS-Shooter/internal/checkpoint"
	"github.com/Undertaker-afk/FPS-Shooter/internal/config"
	"github.com/Undertaker-afk/FPS-Shooter/internal/mesh"
	"github.com/Undertaker-afk/FPS-Shooter/internal/metrics"
)

const meshHeartbeatInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	endpoint := cfg.Server.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost" + cfg.Server.ListenAddr
	}

	var store checkpoint.Store = checkpoint.Discard{}
	if cfg.Checkpoint.Dir != "" {
		fileStore, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		if err != nil {
			log.Fatal("open checkpoint store", zap.Error(err))
		}
		store = fileStore
	}

	m := metrics.New()

	meshCoord, err := mesh.New(mesh.WorkerInfo{
		ID:       nodeID,
		Region:   cfg.Server.Region,
		Endpoint: endpoint,
	}, cfg.Mesh.Secret, log, mesh.Options{
		StaleAfter:  cfg.Mesh.StaleAfter,
		SyncTimeout: cfg.Mesh.SyncTimeout,
		Peers:       cfg.Mesh.Peers,
		Store:       store,
	})
	if err != nil {
		log.Fatal("start mesh coordinator", zap.Error(err))
	}

	queue := server.NewQueue(log, server.QueueOptions{
		Capacity:  cfg.Queue.LobbyCapacity,
		Tolerance: cfg.Queue.LatencyTolerance,
		Timeout:   cfg.Queue.HeartbeatTimeout,
		Store:     store,
		Metrics:   m,
	})

	hub := server.NewHub(log, queue, meshCoord, server.HubOptions{
		Store:             store,
		Metrics:           m,
		OverflowThreshold: cfg.Queue.OverflowThreshold,
	})

	stop := make(chan struct{})
	go queue.Run(stop, cfg.Queue.SweepInterval)
	go meshCoord.RunHeartbeat(stop, meshHeartbeatInterval, hub.Load)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: hub.Router(),
	}

	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("node", nodeID),
			zap.String("region", cfg.Server.Region))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	close(stop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}
