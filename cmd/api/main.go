package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coderoom/api/internal/app"
	"coderoom/api/internal/blob"
	"coderoom/api/internal/chat"
	"coderoom/api/internal/collab"
	"coderoom/api/internal/config"
	"coderoom/api/internal/gitrepo"
	"coderoom/api/internal/logging"
	"coderoom/api/internal/pubsub"
	"coderoom/api/internal/search"
	"coderoom/api/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("versions", applied))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	go searchService.ReindexAllFromPG(ctx, pgfts)

	service := app.New(cfg, dataStore, gitService, searchService, logger)

	var snapshots collab.SnapshotStore = dataStore
	if cfg.SnapshotBackend == config.SnapshotBackendMinio {
		blobStore, err := blob.NewSnapshotStore(ctx, blob.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("snapshot bucket: %w", err)
		}
		snapshots = blobStore
		service.AddRoomCleaner(blobStore)
		service.AddReadinessCheck("snapshots", blobStore.Ping)
		logger.Info("storing document snapshots in object storage", zap.String("bucket", cfg.MinioBucket))
	}

	chatOpts := chat.Options{HistoryLimit: cfg.ChatHistoryLimit, Logger: logger}
	var broker *pubsub.RedisBroker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		broker, err = pubsub.NewRedisBroker(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer broker.Close()
		chatOpts.Broker = broker
		service.AddReadinessCheck("redis", broker.Ping)
	}
	rooms := chat.NewCoordinator(dataStore, chatOpts)
	if broker != nil {
		err := broker.Subscribe(ctx, func(roomID string, payload []byte) {
			chat.Dispatch(rooms.Remote(roomID, payload))
		})
		if err != nil {
			return fmt.Errorf("subscribe to room events: %w", err)
		}
		logger.Info("relaying chat across instances", zap.String("instance", broker.Instance()))
	}

	sessions := collab.NewManager(snapshots, dataStore, collab.Options{
		FlushInterval:   cfg.FlushInterval,
		HydrateAttempts: cfg.HydrateAttempts,
		HydrateBackoff:  cfg.HydrateBackoff,
		IdleGrace:       cfg.IdleGrace,
		History:         gitService,
		Indexer:         searchService,
		Logger:          logger,
	})

	httpServer := app.NewHTTPServer(service, sessions, rooms, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coderoom api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Hijacked sockets are not tracked by http.Server; the manager still holds
	// their documents and writes them out here.
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("document flush on shutdown", zap.Error(err))
	}
	return nil
}
