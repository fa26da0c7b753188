package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the cachestream demo binary.
type Config struct {
	// HTTP server configuration (health/metrics/status endpoints)
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Redis configuration, used only when Stream.CheckpointBackend == "redis"
	Redis RedisConfig

	// Stream holds change-stream manager tuning
	Stream StreamConfig

	// Serializer holds per-key update serializer tuning
	Serializer SerializerConfig

	// LoadGen holds the optional synthetic write-load generator's tuning
	LoadGen LoadGenConfig

	// DevMode enables verbose logging
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI        string
	Database   string
	Collection string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StreamConfig holds change-stream manager tuning parameters
type StreamConfig struct {
	// CheckpointBackend selects the optional cross-restart resume token
	// persistence backend: "none", "memory", or "redis".
	CheckpointBackend string

	MaxBufferedEvents     int
	MaxRetries            int
	InitialRetryDelay     time.Duration
	MaxRetryDelay         time.Duration
	EventProcessingTimeout time.Duration
}

// SerializerConfig holds per-key update serializer tuning parameters
type SerializerConfig struct {
	MaxQueuedUpdates int
	ShutdownTimeout  time.Duration
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
}

// LoadGenConfig holds tuning for the optional synthetic write-load generator,
// which exercises Put/Update against the store so the replication path has
// continuous traffic to demonstrate against in the absence of a real writer.
type LoadGenConfig struct {
	Enabled bool

	// KeyPoolSize bounds how many distinct document keys the generator
	// cycles through, so Update calls actually exercise CAS contention on a
	// small number of keys rather than always hitting brand-new documents.
	KeyPoolSize int

	// RatePerMinute throttles how many writes the generator issues.
	RatePerMinute int
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port: getEnvInt("HTTP_PORT", 8080),
		},

		MongoDB: MongoDBConfig{
			URI:        getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database:   getEnv("MONGODB_DATABASE", "cachestream"),
			Collection: getEnv("MONGODB_COLLECTION", "documents"),
		},

		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},

		Stream: StreamConfig{
			CheckpointBackend:      getEnv("STREAM_CHECKPOINT_BACKEND", "memory"),
			MaxBufferedEvents:      getEnvInt("STREAM_MAX_BUFFERED_EVENTS", 1000),
			MaxRetries:             getEnvInt("STREAM_MAX_RETRIES", 10),
			InitialRetryDelay:      getEnvDuration("STREAM_INITIAL_RETRY_DELAY", 500*time.Millisecond),
			MaxRetryDelay:          getEnvDuration("STREAM_MAX_RETRY_DELAY", 30*time.Second),
			EventProcessingTimeout: getEnvDuration("STREAM_EVENT_PROCESSING_TIMEOUT", 10*time.Second),
		},

		Serializer: SerializerConfig{
			MaxQueuedUpdates: getEnvInt("SERIALIZER_MAX_QUEUED_UPDATES", 200),
			ShutdownTimeout:  getEnvDuration("SERIALIZER_SHUTDOWN_TIMEOUT", 30*time.Second),
			IdleTimeout:      getEnvDuration("SERIALIZER_IDLE_TIMEOUT", 30*time.Second),
			CleanupInterval:  getEnvDuration("SERIALIZER_CLEANUP_INTERVAL", 60*time.Second),
		},

		LoadGen: LoadGenConfig{
			Enabled:       getEnvBool("LOADGEN_ENABLED", false),
			KeyPoolSize:   getEnvInt("LOADGEN_KEY_POOL_SIZE", 50),
			RatePerMinute: getEnvInt("LOADGEN_RATE_PER_MINUTE", 600),
		},

		DevMode: getEnvBool("CACHESTREAM_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
