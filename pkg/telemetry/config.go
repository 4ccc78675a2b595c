package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config is the observability setup for one reshard server process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects where log lines go and how they look.
type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn or error.
	Level string
	// Format is "console" for humans or "json" for log shippers.
	Format string
	// Output is stdout, stderr or a file path opened for append.
	Output string
	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig configures span export for dispatch cycles and commits.
type TracingConfig struct {
	Enabled bool
	// Exporter is otlp, stdout or none.
	Exporter string
	// Endpoint is the OTLP gRPC collector address.
	Endpoint     string
	Insecure     bool
	SamplingRate float64
	BatchSize    int
	Timeout      time.Duration
}

// MetricsConfig configures the private Prometheus registry served at /metrics.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the plan lifecycle event bus.
type EventsConfig struct {
	Enabled      bool
	BufferSize   int
	MaxBatchSize int
	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool
}

// DefaultConfig returns console logging at info, metrics and events on,
// and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "reshard",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			Insecure:     true,
			SamplingRate: 1.0,
			BatchSize:    512,
			Timeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Namespace:               "reshard",
			DefaultHistogramBuckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 120},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
	}
}

// Validate reports the first setting that NewTelemetry could not honour.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return errors.New("service name and version are required")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return errors.New("otlp exporter requires an endpoint")
			}
		case "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" || lvl == zerolog.NoLevel || lvl == zerolog.Disabled {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
