package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VOLSCAN_SCAN_MAX_CONCURRENT.
const EnvPrefix = "VOLSCAN"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader layers defaults, an optional YAML file and VOLSCAN_* environment
// variables, in increasing precedence.
type ViperLoader struct {
	v    *viper.Viper
	path string
}

// NewViperLoader creates a loader. When path is empty the loader looks for
// volscan.yaml in the working directory and /etc/volscan, and tolerates its
// absence.
func NewViperLoader(path string) *ViperLoader {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &ViperLoader{v: v, path: path}
}

// Viper exposes the underlying instance so CLI flags can be bound to keys.
func (l *ViperLoader) Viper() *viper.Viper { return l.v }

// Load reads, decodes and validates the configuration.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	if err := l.readFile(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *ViperLoader) readFile() error {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
		return nil
	}

	l.v.SetConfigName("volscan")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(".")
	l.v.AddConfigPath("/etc/volscan")
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// SetDefaults registers every key with its default so environment overrides
// are visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.debug_addr", d.Server.DebugAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("scan.max_concurrent", d.Scan.MaxConcurrent)
	v.SetDefault("scan.queue_timeout", d.Scan.QueueTimeout)
	v.SetDefault("scan.scan_timeout", d.Scan.ScanTimeout)
	v.SetDefault("scan.method_order", d.Scan.MethodOrder)
	v.SetDefault("scan.min_accuracy", d.Scan.MinAccuracy)
	v.SetDefault("scan.walk_workers", d.Scan.WalkWorkers)
	v.SetDefault("scan.job_retention", d.Scan.JobRetention)
	v.SetDefault("scan.max_retained_jobs", d.Scan.MaxRetainedJobs)
	v.SetDefault("scan.progress_interval", d.Scan.ProgressInterval)
	v.SetDefault("scan.bulk_concurrency", d.Scan.BulkConcurrency)

	v.SetDefault("volumes.root", d.Volumes.Root)
	v.SetDefault("volumes.data_subdir", d.Volumes.DataSubdir)
	v.SetDefault("volumes.refresh_interval", d.Volumes.RefreshInterval)

	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.max_age", d.Cache.MaxAge)

	v.SetDefault("hub.heartbeat_interval", d.Hub.HeartbeatInterval)
	v.SetDefault("hub.missed_heartbeats", d.Hub.MissedHeartbeats)
	v.SetDefault("hub.queue_size", d.Hub.QueueSize)
	v.SetDefault("hub.write_timeout", d.Hub.WriteTimeout)
	v.SetDefault("hub.inbound_rate", d.Hub.InboundRate)
	v.SetDefault("hub.inbound_burst", d.Hub.InboundBurst)
	v.SetDefault("hub.sink_queue_size", d.Hub.SinkQueueSize)
	v.SetDefault("hub.allowed_origins", d.Hub.AllowedOrigins)

	v.SetDefault("history.database_url", d.History.DatabaseURL)
	v.SetDefault("history.max_conns", d.History.MaxConns)
	v.SetDefault("history.recent_limit", d.History.RecentLimit)
	v.SetDefault("history.retention", d.History.Retention)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.exporter_endpoint", d.Telemetry.ExporterEndpoint)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)

	v.SetDefault("log.level", d.Log.Level)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct-tag constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (got: %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
