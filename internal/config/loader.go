package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP       TOMLHTTPConfig       `toml:"http"`
	MongoDB    TOMLMongoDBConfig    `toml:"mongodb"`
	Redis      TOMLRedisConfig      `toml:"redis"`
	Stream     TOMLStreamConfig     `toml:"stream"`
	Serializer TOMLSerializerConfig `toml:"serializer"`
	DevMode    bool                 `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port int `toml:"port"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// TOMLRedisConfig represents Redis configuration in TOML
type TOMLRedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// TOMLStreamConfig represents change-stream manager configuration in TOML
type TOMLStreamConfig struct {
	CheckpointBackend      string `toml:"checkpoint_backend"`
	MaxBufferedEvents      int    `toml:"max_buffered_events"`
	MaxRetries             int    `toml:"max_retries"`
	InitialRetryDelay      string `toml:"initial_retry_delay"`
	MaxRetryDelay          string `toml:"max_retry_delay"`
	EventProcessingTimeout string `toml:"event_processing_timeout"`
}

// TOMLSerializerConfig represents per-key update serializer configuration in TOML
type TOMLSerializerConfig struct {
	MaxQueuedUpdates int    `toml:"max_queued_updates"`
	ShutdownTimeout  string `toml:"shutdown_timeout"`
	IdleTimeout      string `toml:"idle_timeout"`
	CleanupInterval  string `toml:"cleanup_interval"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"cachestream.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/cachestream/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("CACHESTREAM_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port: tc.HTTP.Port,
		},
		MongoDB: MongoDBConfig{
			URI:        tc.MongoDB.URI,
			Database:   tc.MongoDB.Database,
			Collection: tc.MongoDB.Collection,
		},
		Redis: RedisConfig{
			Addr:     tc.Redis.Addr,
			Password: tc.Redis.Password,
			DB:       tc.Redis.DB,
		},
		Stream: StreamConfig{
			CheckpointBackend: tc.Stream.CheckpointBackend,
			MaxBufferedEvents: tc.Stream.MaxBufferedEvents,
			MaxRetries:        tc.Stream.MaxRetries,
		},
		Serializer: SerializerConfig{
			MaxQueuedUpdates: tc.Serializer.MaxQueuedUpdates,
		},
		DevMode: tc.DevMode,
	}

	// Parse durations
	if tc.Stream.InitialRetryDelay != "" {
		if d, err := time.ParseDuration(tc.Stream.InitialRetryDelay); err == nil {
			cfg.Stream.InitialRetryDelay = d
		}
	}
	if tc.Stream.MaxRetryDelay != "" {
		if d, err := time.ParseDuration(tc.Stream.MaxRetryDelay); err == nil {
			cfg.Stream.MaxRetryDelay = d
		}
	}
	if tc.Stream.EventProcessingTimeout != "" {
		if d, err := time.ParseDuration(tc.Stream.EventProcessingTimeout); err == nil {
			cfg.Stream.EventProcessingTimeout = d
		}
	}
	if tc.Serializer.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(tc.Serializer.ShutdownTimeout); err == nil {
			cfg.Serializer.ShutdownTimeout = d
		}
	}
	if tc.Serializer.IdleTimeout != "" {
		if d, err := time.ParseDuration(tc.Serializer.IdleTimeout); err == nil {
			cfg.Serializer.IdleTimeout = d
		}
	}
	if tc.Serializer.CleanupInterval != "" {
		if d, err := time.ParseDuration(tc.Serializer.CleanupInterval); err == nil {
			cfg.Serializer.CleanupInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs; an override value takes precedence when it
// is non-zero and differs from the built-in default
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "cachestream" {
		result.MongoDB.Database = override.MongoDB.Database
	}
	if override.MongoDB.Collection != "" && override.MongoDB.Collection != "documents" {
		result.MongoDB.Collection = override.MongoDB.Collection
	}

	// Redis
	if override.Redis.Addr != "" && override.Redis.Addr != "localhost:6379" {
		result.Redis.Addr = override.Redis.Addr
	}
	if override.Redis.Password != "" {
		result.Redis.Password = override.Redis.Password
	}

	// Stream
	if override.Stream.CheckpointBackend != "" && override.Stream.CheckpointBackend != "memory" {
		result.Stream.CheckpointBackend = override.Stream.CheckpointBackend
	}
	if override.Stream.MaxBufferedEvents != 0 && override.Stream.MaxBufferedEvents != 1000 {
		result.Stream.MaxBufferedEvents = override.Stream.MaxBufferedEvents
	}
	if override.Stream.MaxRetries != 0 && override.Stream.MaxRetries != 10 {
		result.Stream.MaxRetries = override.Stream.MaxRetries
	}

	// Serializer
	if override.Serializer.MaxQueuedUpdates != 0 && override.Serializer.MaxQueuedUpdates != 200 {
		result.Serializer.MaxQueuedUpdates = override.Serializer.MaxQueuedUpdates
	}

	// LoadGen
	if override.LoadGen.Enabled {
		result.LoadGen.Enabled = true
	}
	if override.LoadGen.KeyPoolSize != 0 && override.LoadGen.KeyPoolSize != 50 {
		result.LoadGen.KeyPoolSize = override.LoadGen.KeyPoolSize
	}
	if override.LoadGen.RatePerMinute != 0 && override.LoadGen.RatePerMinute != 600 {
		result.LoadGen.RatePerMinute = override.LoadGen.RatePerMinute
	}

	// General
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# cachestream configuration
# Environment variables override these settings

[http]
port = 8080

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "cachestream"
collection = "documents"

[redis]
addr = "localhost:6379"
password = ""
db = 0

[stream]
# checkpoint_backend selects where resume tokens are persisted across
# restarts: "none", "memory", or "redis".
checkpoint_backend = "memory"
max_buffered_events = 1000
max_retries = 10
initial_retry_delay = "500ms"
max_retry_delay = "30s"
event_processing_timeout = "10s"

[serializer]
max_queued_updates = 200
shutdown_timeout = "30s"
idle_timeout = "30s"
cleanup_interval = "60s"

dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
