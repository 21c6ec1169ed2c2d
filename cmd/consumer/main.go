package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/config"
	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/logging"
	"github.com/example/gig-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
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

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go serveOps(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup),
	)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", zap.Error(err), zap.Int64("offset", m.Offset))
			continue
		}
		if err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, ev, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", zap.String("worker_id", ev.WorkerID), zap.Error(err))
			continue
		}
		redisUpdates.Inc()
	}
}

func serveOps(addr string, rc *redis.Client, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

// decodeEvent parses a location event and rejects ones the index cannot hold.
func decodeEvent(b []byte) (models.LocationEvent, error) {
	var ev models.LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.WorkerID == "" {
		return ev, errors.New("missing worker_id")
	}
	if !geo.IsValidCoordinate(ev.Position.Lat, ev.Position.Lng) {
		return ev, fmt.Errorf("%w: lat=%v lng=%v", models.ErrInvalidCoordinate, ev.Position.Lat, ev.Position.Lng)
	}
	return ev, nil
}

// RedisUpdater is the subset of redis operations the mirror needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes the position and metadata hash, retrying each
// failed attempt with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, ev models.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
		}
		if err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: ev.Position.Lng, Latitude: ev.Position.Lat, Name: ev.WorkerID}); err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(ev.WorkerID), map[string]interface{}{
			"category":    ev.Category,
			"geohash":     ev.Geohash,
			"accuracy":    strconv.FormatFloat(ev.Position.Accuracy, 'f', -1, 64),
			"captured_at": ev.Position.CapturedAt.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			continue
		}
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
