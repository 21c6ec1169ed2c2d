package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	StoreBackend            string
	PGDSN                   string
	FirestoreProjectID      string
	FirebaseCredentialsFile string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	Matcher MatcherConfig

	HistoryDefaultLimit int
	HistoryMaxLimit     int

	// average travel speed used for tracking ETAs
	DefaultSpeedKmh float64

	LogLevel      string
	RunMigrations bool
}

// MatcherConfig holds the ranking policy.
type MatcherConfig struct {
	RatingWeight      float64
	ExperienceWeight  float64
	ExperienceCap     int
	DefaultRating     float64
	DefaultRadiusKm   float64
	OnlineOnly        bool
	RadiusFilter      bool
	EnrichmentWorkers int
}

func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		RatingWeight:      0.7,
		ExperienceWeight:  0.03,
		ExperienceCap:     10,
		DefaultRating:     4.0,
		DefaultRadiusKm:   20,
		EnrichmentWorkers: 8,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		CORSOrigins:         []string{"*"},
		StoreBackend:        StoreMemory,
		RedisGeoKey:         "workers_geo",
		KafkaTopic:          "worker-locations",
		Matcher:             DefaultMatcherConfig(),
		HistoryDefaultLimit: 50,
		HistoryMaxLimit:     500,
		DefaultSpeedKmh:     25,
		LogLevel:            "info",
	}
}

// loadDotEnv reads .env when present; real environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.FirestoreProjectID = strings.TrimSpace(os.Getenv("FIRESTORE_PROJECT_ID"))
	cfg.FirebaseCredentialsFile = strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE"))

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setFloatFromEnv(&cfg.Matcher.RatingWeight, "MATCHER_RATING_WEIGHT", &errs)
	setFloatFromEnv(&cfg.Matcher.ExperienceWeight, "MATCHER_EXPERIENCE_WEIGHT", &errs)
	setIntFromEnv(&cfg.Matcher.ExperienceCap, "MATCHER_EXPERIENCE_CAP", &errs)
	setFloatFromEnv(&cfg.Matcher.DefaultRating, "MATCHER_DEFAULT_RATING", &errs)
	setFloatFromEnv(&cfg.Matcher.DefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", &errs)
	setBoolFromEnv(&cfg.Matcher.OnlineOnly, "MATCHER_ONLINE_ONLY", &errs)
	setBoolFromEnv(&cfg.Matcher.RadiusFilter, "MATCHER_RADIUS_FILTER", &errs)
	setIntFromEnv(&cfg.Matcher.EnrichmentWorkers, "MATCHER_ENRICHMENT_WORKERS", &errs)

	setIntFromEnv(&cfg.HistoryDefaultLimit, "HISTORY_DEFAULT_LIMIT", &errs)
	setIntFromEnv(&cfg.HistoryMaxLimit, "HISTORY_MAX_LIMIT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedKmh, "TRACKING_SPEED_KMH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	switch cfg.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres store"))
		}
	case StoreFirestore:
		if cfg.FirestoreProjectID == "" {
			errs = append(errs, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	if cfg.Matcher.EnrichmentWorkers <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_ENRICHMENT_WORKERS must be > 0"))
	}
	if cfg.Matcher.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.HistoryDefaultLimit <= 0 || cfg.HistoryMaxLimit < cfg.HistoryDefaultLimit {
		errs = append(errs, fmt.Errorf("history limits must satisfy 0 < HISTORY_DEFAULT_LIMIT <= HISTORY_MAX_LIMIT"))
	}
	if cfg.DefaultSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_SPEED_KMH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the Kafka to Redis mirror process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "worker-locations",
		KafkaGroup:    "gig-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "workers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
