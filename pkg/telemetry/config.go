package telemetry

import (
	"time"
)

// Config bundles the observability configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format" json:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `yaml:"output" json:"output"`

	// EnableCaller adds the caller file and line to each event.
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" json:"namespace"`

	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is "otlp", "stdout", or "none".
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the OTLP gRPC endpoint.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure" json:"insecure"`

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`

	// ExportTimeout bounds a batch export.
	ExportTimeout time.Duration `yaml:"export_timeout" json:"export_timeout"`
}

// DefaultConfig returns the default observability configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "stratus",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
	}
}
