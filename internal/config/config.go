// Package config loads settings from an optional YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the controller
	HTTPPort int `mapstructure:"http_port"`

	// Worker pull-loop settings
	WorkerConcurrency       int           `mapstructure:"worker_concurrency"`
	WorkerPollInterval      time.Duration `mapstructure:"worker_poll_interval"`
	WorkerMaxBackoff        time.Duration `mapstructure:"worker_max_backoff"`
	WorkerHeartbeatInterval time.Duration `mapstructure:"worker_heartbeat_interval"`
	VisibilityExtension     time.Duration `mapstructure:"visibility_extension"`
	TaskTimeout             time.Duration `mapstructure:"task_timeout"`

	// Private directory for downloads, decompression and exports in flight
	ScratchRoot string `mapstructure:"scratch_root"`

	// Batch membership cache
	CacheBackend   string `mapstructure:"cache_backend"`
	CacheNamespace string `mapstructure:"cache_namespace"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`

	// Artifact and file storage
	ObjectStore     string `mapstructure:"object_store"`
	ObjectStorePath string `mapstructure:"object_store_path"`
	S3Bucket        string `mapstructure:"s3_bucket"`
	S3Region        string `mapstructure:"s3_region"`
	S3Endpoint      string `mapstructure:"s3_endpoint"`

	// Pulling from source instances
	SourceToken         string `mapstructure:"source_token"`
	AllowLocalNetwork   bool   `mapstructure:"allow_local_network"`
	MaxDownloadSize     int64  `mapstructure:"max_download_size"`
	MaxDecompressedSize int64  `mapstructure:"max_decompressed_size"`

	// Secret guarding the admin endpoints
	SystemSecret string `mapstructure:"system_secret"`

	// OpenTelemetry collector endpoint
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	LogLevel string `mapstructure:"log_level"`
}

// keys lists every setting. Each is read from the upper-cased env var unless renamed below.
var keys = []string{
	"database_url", "http_port",
	"worker_concurrency", "worker_poll_interval", "worker_max_backoff",
	"worker_heartbeat_interval", "visibility_extension", "task_timeout",
	"scratch_root",
	"cache_backend", "cache_namespace", "redis_addr", "redis_password", "redis_db",
	"object_store", "object_store_path", "s3_bucket", "s3_region", "s3_endpoint",
	"source_token", "allow_local_network", "max_download_size", "max_decompressed_size",
	"system_secret", "otel_endpoint", "log_level",
}

var envNames = map[string]string{
	"http_port":     "PORT",
	"otel_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 6161)
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("worker_heartbeat_interval", 2*time.Minute)
	v.SetDefault("visibility_extension", 5*time.Minute)
	v.SetDefault("task_timeout", 30*time.Minute)
	v.SetDefault("scratch_root", "/tmp/transferplane")
	v.SetDefault("cache_backend", "redis")
	v.SetDefault("cache_namespace", "transferplane")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("object_store", "local")
	v.SetDefault("object_store_path", "/var/lib/transferplane/objects")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("allow_local_network", false)
	v.SetDefault("max_download_size", 5<<30)
	v.SetDefault("max_decompressed_size", 10<<30)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (optional) and the environment. Env wins over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("transferplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Explicit bindings so Unmarshal sees keys that have no default.
	for _, key := range keys {
		name, ok := envNames[key]
		if !ok {
			name = strings.ToUpper(key)
		}
		if err := v.BindEnv(key, name); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	switch c.CacheBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid cache_backend %q (redis|memory)", c.CacheBackend)
	}
	switch c.ObjectStore {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("s3_bucket is required when object_store is s3")
		}
	default:
		return fmt.Errorf("invalid object_store %q (local|s3)", c.ObjectStore)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	return nil
}
