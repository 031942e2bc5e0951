// Package config loads and validates ingestion service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Database      DatabaseConfig      `mapstructure:"database"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig controls the request-serving runtime.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Workers is the number of requests allowed to execute at once.
	Workers int `mapstructure:"workers"`
	// Processes is fixed at 1; scale-out happens at the platform.
	Processes int `mapstructure:"processes"`
	// RequestTimeout of 0 disables the per-request deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxQueue bounds requests waiting for a worker. 0 means unbounded.
	MaxQueue          int           `mapstructure:"max_queue"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// StorageConfig selects the object store backend and its layout.
type StorageConfig struct {
	Backend         string      `mapstructure:"backend"`
	Bucket          string      `mapstructure:"bucket"`
	FragmentsPrefix string      `mapstructure:"fragments_prefix"`
	ProcessedPrefix string      `mapstructure:"processed_prefix"`
	ArchivePrefix   string      `mapstructure:"archive_prefix"`
	MasterLog       string      `mapstructure:"master_log"`
	Local           LocalConfig `mapstructure:"local"`
}

// BackendNone leaves the service without an object store; ingestion then
// answers every delivery with "Service misconfigured".
const BackendNone = ""

// ResolvedBackend returns the backend to use. A bucket with no explicit
// backend selects gcs.
func (s StorageConfig) ResolvedBackend() string {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	if backend == BackendNone && s.Bucket != "" {
		return "gcs"
	}
	return backend
}

// LocalConfig configures the filesystem object store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ConsolidationConfig tunes the master log merge.
type ConsolidationConfig struct {
	MaxLogSizeKB    int `mapstructure:"max_log_size_kb"`
	ReadConcurrency int `mapstructure:"read_concurrency"`
}

// DatabaseConfig controls the optional fragment ledger.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for consolidation notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig describes the service for tracing resources.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	// ProjectID receives exported spans. Empty means detect from credentials.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The platform assigns the port through PORT; it wins over INGEST_SERVER_PORT.
	if err := v.BindEnv("server.port", "PORT", "INGEST_SERVER_PORT"); err != nil {
		return Config{}, fmt.Errorf("bind server.port env: %w", err)
	}
	if err := v.BindEnv("storage.bucket", "INGEST_STORAGE_BUCKET", "MASTER_LOG_BUCKET"); err != nil {
		return Config{}, fmt.Errorf("bind storage.bucket env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Backend = cfg.Storage.ResolvedBackend()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.workers", 8)
	v.SetDefault("server.processes", 1)
	v.SetDefault("server.request_timeout", "0s")
	v.SetDefault("server.max_queue", 0)
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("storage.backend", "")
	v.SetDefault("storage.fragments_prefix", "fragments/")
	v.SetDefault("storage.processed_prefix", "processed/")
	v.SetDefault("storage.archive_prefix", "archive/")
	v.SetDefault("storage.master_log", "master_log.json")
	v.SetDefault("storage.local.base_dir", "data/objects")
	v.SetDefault("consolidation.max_log_size_kb", 200)
	v.SetDefault("consolidation.read_concurrency", 8)
	v.SetDefault("database.table", "fragments")
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.service_name", "ingestion")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be > 0")
	}
	if c.Server.Processes != 1 {
		return fmt.Errorf("server.processes must be 1")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must be >= 0")
	}
	if c.Server.MaxQueue < 0 {
		return fmt.Errorf("server.max_queue must be >= 0")
	}
	if c.Server.ShutdownGrace <= 0 {
		return fmt.Errorf("server.shutdown_grace must be > 0")
	}
	switch c.Storage.Backend {
	case BackendNone, "memory":
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.FragmentsPrefix == "" || c.Storage.ProcessedPrefix == "" {
		return fmt.Errorf("storage.fragments_prefix and storage.processed_prefix must be set")
	}
	if c.Storage.FragmentsPrefix == c.Storage.ProcessedPrefix {
		return fmt.Errorf("storage.processed_prefix must differ from storage.fragments_prefix")
	}
	if c.Storage.MasterLog == "" {
		return fmt.Errorf("storage.master_log must be set")
	}
	if c.Consolidation.MaxLogSizeKB <= 0 {
		return fmt.Errorf("consolidation.max_log_size_kb must be > 0")
	}
	if c.Consolidation.ReadConcurrency <= 0 {
		return fmt.Errorf("consolidation.read_concurrency must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// RequestDeadlineEnabled reports whether requests carry a runtime deadline.
func (c Config) RequestDeadlineEnabled() bool {
	return c.Server.RequestTimeout > 0
}
