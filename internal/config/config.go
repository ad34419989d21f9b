// Package config defines the service configuration, its defaults, and how it
// is loaded from file and environment.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Scan      ScanConfig      `mapstructure:"scan" yaml:"scan"`
	Volumes   VolumesConfig   `mapstructure:"volumes" yaml:"volumes"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Hub       HubConfig       `mapstructure:"hub" yaml:"hub"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	DebugAddr       string        `mapstructure:"debug_addr" yaml:"debug_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// ScanConfig controls admission, method selection and job tracking.
type ScanConfig struct {
	// MaxConcurrent bounds the number of measurements running at once.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	// QueueTimeout bounds how long a scan waits for a free slot.
	QueueTimeout time.Duration `mapstructure:"queue_timeout" yaml:"queue_timeout" validate:"gt=0"`
	// ScanTimeout bounds an async scan end to end. Zero disables it.
	ScanTimeout time.Duration `mapstructure:"scan_timeout" yaml:"scan_timeout" validate:"gte=0"`
	// MethodOrder overrides the default method precedence when non-empty.
	MethodOrder []string `mapstructure:"method_order" yaml:"method_order" validate:"unique,dive,oneof=statfs fastwalk du walk"`
	MinAccuracy string   `mapstructure:"min_accuracy" yaml:"min_accuracy" validate:"oneof=exact approximate"`
	// WalkWorkers sets fastwalk parallelism. Zero picks a default from GOMAXPROCS.
	WalkWorkers      int           `mapstructure:"walk_workers" yaml:"walk_workers" validate:"gte=0"`
	JobRetention     time.Duration `mapstructure:"job_retention" yaml:"job_retention" validate:"gt=0"`
	MaxRetainedJobs  int           `mapstructure:"max_retained_jobs" yaml:"max_retained_jobs" validate:"min=1"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" validate:"gt=0"`
	BulkConcurrency  int           `mapstructure:"bulk_concurrency" yaml:"bulk_concurrency" validate:"min=1"`
}

// VolumesConfig locates volume data on disk.
type VolumesConfig struct {
	Root       string `mapstructure:"root" yaml:"root" validate:"required"`
	DataSubdir string `mapstructure:"data_subdir" yaml:"data_subdir"`
	// RefreshInterval is how often the volume inventory is re-listed and
	// pushed to subscribers when it changed. Zero disables polling.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval" validate:"gte=0"`
}

// CacheConfig bounds the result cache. Zero values mean unbounded.
type CacheConfig struct {
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries" validate:"gte=0"`
	MaxAge     time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
}

// HubConfig controls subscriber fan-out and heartbeats.
type HubConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
	// MissedHeartbeats is how many consecutive unanswered pings a subscriber
	// may accumulate before it is dropped.
	MissedHeartbeats int           `mapstructure:"missed_heartbeats" yaml:"missed_heartbeats" validate:"min=1"`
	QueueSize        int           `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	InboundRate      float64       `mapstructure:"inbound_rate" yaml:"inbound_rate" validate:"gt=0"`
	InboundBurst     int           `mapstructure:"inbound_burst" yaml:"inbound_burst" validate:"min=1"`
	SinkQueueSize    int           `mapstructure:"sink_queue_size" yaml:"sink_queue_size" validate:"min=1"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// HistoryConfig selects the scan-history store. An empty DatabaseURL keeps
// history in memory.
type HistoryConfig struct {
	DatabaseURL string        `mapstructure:"database_url" yaml:"database_url"`
	MaxConns    int32         `mapstructure:"max_conns" yaml:"max_conns" validate:"min=1"`
	RecentLimit int           `mapstructure:"recent_limit" yaml:"recent_limit" validate:"min=1,max=1000"`
	// Retention prunes database history older than this, hourly. Zero keeps
	// everything.
	Retention   time.Duration `mapstructure:"retention" yaml:"retention" validate:"gte=0"`
}

// KafkaConfig enables the Kafka event mirror when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers" validate:"dive,hostname_port"`
	Topic    string   `mapstructure:"topic" yaml:"topic" validate:"required_with=Brokers"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
}

// Enabled reports whether a mirror should be started.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint" yaml:"exporter_endpoint"`
	SampleRatio      float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure" yaml:"insecure"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			DebugAddr:       ":4000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 20 * time.Second,
		},
		Scan: ScanConfig{
			MaxConcurrent:    3,
			QueueTimeout:     30 * time.Second,
			ScanTimeout:      30 * time.Minute,
			MethodOrder:      []string{},
			MinAccuracy:      "exact",
			JobRetention:     10 * time.Minute,
			MaxRetainedJobs:  1000,
			ProgressInterval: 500 * time.Millisecond,
			BulkConcurrency:  8,
		},
		Volumes: VolumesConfig{
			Root:            "/var/lib/docker/volumes",
			DataSubdir:      "_data",
			RefreshInterval: time.Minute,
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			MissedHeartbeats:  3,
			QueueSize:         256,
			WriteTimeout:      10 * time.Second,
			InboundRate:       5,
			InboundBurst:      10,
			SinkQueueSize:     1024,
			AllowedOrigins:    []string{},
		},
		History: HistoryConfig{
			MaxConns:    4,
			RecentLimit: 50,
			Retention:   30 * 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:  []string{},
			Topic:    "volscan.scan-events",
			ClientID: "volscan",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "volscan",
			SampleRatio: 0.1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return b, nil
}
