package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/config"
	"github.com/example/gig-dispatch/internal/dispatch"
	"github.com/example/gig-dispatch/internal/eta"
	"github.com/example/gig-dispatch/internal/geo"
	httpapi "github.com/example/gig-dispatch/internal/http"
	"github.com/example/gig-dispatch/internal/ingest"
	"github.com/example/gig-dispatch/internal/logging"
	"github.com/example/gig-dispatch/internal/matcher"
	"github.com/example/gig-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

// liveIndex is a geo index that can also subscribe to accepted pings.
type liveIndex interface {
	geo.LiveIndex
	ingest.Sink
}

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		live        liveIndex
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		live = geo.NewRedisIndex(redisClient, cfg.RedisGeoKey)
	} else {
		live = geo.NewIndex()
	}

	hub := dispatch.NewTrackingHub(logger)
	disp := dispatch.NewService(store, hub, eta.NewEstimator(cfg.DefaultSpeedKmh), logger)
	ing := ingest.NewService(store, logger, ingest.Limits{Default: cfg.HistoryDefaultLimit, Max: cfg.HistoryMaxLimit})

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		ing.AddSink("kafka", producer)
	}
	// with both kafka and redis configured the consumer owns the redis mirror
	if producer == nil || redisClient == nil {
		ing.AddSink("live_index", live)
	}
	ing.AddSink("dispatch", disp)

	srv := httpapi.NewServer(httpapi.Deps{
		Ingest:      ing,
		Matcher:     matcher.NewService(store, cfg.Matcher, logger),
		Dispatch:    disp,
		Hub:         hub,
		Live:        live,
		Workers:     store,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gig-dispatch listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreBackend),
			zap.Bool("kafka", producer != nil),
			zap.Bool("redis", redisClient != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				_ = ps.Close()
				return nil, err
			}
		}
		return ps, nil
	case config.StoreFirestore:
		fs, err := storage.NewFirestoreStore(ctx, cfg.FirestoreProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("firestore store: %w", err)
		}
		return fs, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *zap.Logger) error {
	name := "001_init.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	logger.Info("migration applied", zap.String("file", name))
	return nil
}
