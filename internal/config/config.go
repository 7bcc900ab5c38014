// Package config holds process settings for the engine and persister
// binaries. Values come from the environment, then an optional .env file,
// then Default.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends for the write-behind queue.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPebble = "pebble"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    slog.Level

	// RequestQueue is the redis list callers push requests onto.
	RequestQueue  string
	InboundBuffer int

	WriteBehindQueue string
	QueueBackend     string
	PebblePath       string

	KafkaBrokers     []string
	KafkaTradesTopic string

	PublishBuffer int
	StoreTimeout  time.Duration

	DrainMaxAttempts int
	DrainBackoff     time.Duration
	// DrainInProcess runs a drainer inside the engine process instead of a
	// separate persister.
	DrainInProcess   bool

	// SeedTopics are created at startup when running without a database.
	SeedTopics []SeedTopic
}

// SeedTopic is one SEED_TOPICS item, written "id" or "id=title".
type SeedTopic struct {
	ID    string
	Title string
}

func Default() Config {
	return Config{
		Port:             "8080",
		LogLevel:         slog.LevelInfo,
		RequestQueue:     "messages",
		InboundBuffer:    1024,
		WriteBehindQueue: "db_processor",
		QueueBackend:     BackendRedis,
		PebblePath:       "data/writebehind",
		KafkaTradesTopic: "market-data",
		PublishBuffer:    4096,
		StoreTimeout:     2 * time.Second,
		DrainMaxAttempts: 5,
		DrainBackoff:     200 * time.Millisecond,
	}
}

// LoadFromEnv loads configuration from envPath (or ./.env when empty) and the
// process environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RequestQueue = getEnv("REQUEST_QUEUE", cfg.RequestQueue)
	cfg.WriteBehindQueue = getEnv("WRITE_BEHIND_QUEUE", cfg.WriteBehindQueue)
	cfg.QueueBackend = strings.ToLower(getEnv("QUEUE_BACKEND", cfg.QueueBackend))
	cfg.PebblePath = getEnv("PEBBLE_PATH", cfg.PebblePath)
	cfg.KafkaTradesTopic = getEnv("KAFKA_TRADES_TOPIC", cfg.KafkaTradesTopic)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := os.Getenv("SEED_TOPICS"); v != "" {
		cfg.SeedTopics = parseSeedTopics(v)
	}

	var err error
	if cfg.InboundBuffer, err = getInt("INBOUND_BUFFER", cfg.InboundBuffer); err != nil {
		return Config{}, err
	}
	if cfg.PublishBuffer, err = getInt("PUBLISH_BUFFER", cfg.PublishBuffer); err != nil {
		return Config{}, err
	}
	if cfg.DrainMaxAttempts, err = getInt("DRAIN_MAX_ATTEMPTS", cfg.DrainMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = getMillis("STORE_TIMEOUT_MS", cfg.StoreTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DrainBackoff, err = getMillis("DRAIN_BACKOFF_MS", cfg.DrainBackoff); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("DRAIN_IN_PROCESS"); v != "" {
		if cfg.DrainInProcess, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("DRAIN_IN_PROCESS: %w", err)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case BackendMemory, BackendPebble:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: QUEUE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.QueueBackend == BackendPebble && c.PebblePath == "" {
		return fmt.Errorf("config: QUEUE_BACKEND=pebble requires PEBBLE_PATH")
	}
	if c.InboundBuffer <= 0 || c.PublishBuffer <= 0 {
		return fmt.Errorf("config: buffers must be positive")
	}
	if c.DrainMaxAttempts <= 0 {
		return fmt.Errorf("config: DRAIN_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func parseSeedTopics(v string) []SeedTopic {
	var out []SeedTopic
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, title, ok := strings.Cut(item, "=")
		id = strings.TrimSpace(id)
		if !ok {
			title = id
		}
		out = append(out, SeedTopic{ID: id, Title: strings.TrimSpace(title)})
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getMillis(key string, def time.Duration) (time.Duration, error) {
	ms, err := getInt(key, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
