package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the reshard server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Engine    EngineConfig    `json:"engine"`
	Ring      RingConfig      `json:"ring"`
	Shard     ShardConfig     `json:"shard"`
	SSH       SSHConfig       `json:"ssh"`
	Policy    PolicyConfig    `json:"policy"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig configures the administrative HTTP server.
type ServerConfig struct {
	// Listen is the address the admin API binds to.
	Listen string `json:"listen" validate:"required,hostname_port"`

	// RateLimit is the sustained request rate per second; zero disables
	// limiting.
	RateLimit float64 `json:"rate_limit" validate:"gte=0"`

	// Burst is the maximum request burst.
	Burst int `json:"burst" validate:"gte=0"`

	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// StoreConfig selects and configures the plan store.
type StoreConfig struct {
	Driver       string `json:"driver" validate:"required,oneof=sqlite postgres memory"`
	Path         string `json:"path" validate:"required_if=Driver sqlite"`
	DSN          string `json:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns int    `json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `json:"max_idle_conns" validate:"gte=0"`
}

// EngineConfig holds executor timing.
type EngineConfig struct {
	ReconcileInterval Duration `json:"reconcile_interval"`
	RetryDelay        Duration `json:"retry_delay"`
	CommitRetryDelay  Duration `json:"commit_retry_delay"`
	ShardRetryDelay   Duration `json:"shard_retry_delay"`
}

// RingConfig points at the partition map file.
type RingConfig struct {
	// Path is the YAML partition map. Empty disables the eligibility check.
	Path string `json:"path"`

	// Watch reloads the map when the file changes.
	Watch bool `json:"watch"`
}

// ShardConfig configures the per-plan shard connection.
type ShardConfig struct {
	Driver string `json:"driver" validate:"required,oneof=redis none"`

	// AddressTemplate maps a shard name to a host:port; "{shard}" is
	// replaced with the shard name.
	AddressTemplate string   `json:"address_template" validate:"required_if=Driver redis"`
	Password        string   `json:"password"`
	DB              int      `json:"db" validate:"gte=0"`
	DialTimeout     Duration `json:"dial_timeout"`
}

// SSHConfig configures remote execution on plan servers.
type SSHConfig struct {
	User           string   `json:"user" validate:"required"`
	Port           int      `json:"port" validate:"min=1,max=65535"`
	KeyFile        string   `json:"key_file"`
	KnownHostsFile string   `json:"known_hosts_file"`
	Timeout        Duration `json:"timeout"`

	// HostTemplate maps a server id to a host; "{server}" is replaced.
	HostTemplate string `json:"host_template" validate:"required"`
}

// PolicyConfig configures plan admission.
type PolicyConfig struct {
	Enabled        bool     `json:"enabled"`
	Paths          []string `json:"paths"`
	Watch          bool     `json:"watch"`
	MaxActivePlans int      `json:"max_active_plans" validate:"gte=0"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel        string `json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string `json:"log_format" validate:"oneof=console json"`
	TracingExporter string `json:"tracing_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `json:"otlp_endpoint" validate:"required_if=TracingExporter otlp"`
	Metrics         bool   `json:"metrics"`
	Environment     string `json:"environment"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the config path of the error (e.g. "store.driver").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// Error is returned when a configuration fails to compile or validate.
type Error struct {
	Errors []ValidationError
}

func (e *Error) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].String()
	}
	msg := fmt.Sprintf("invalid configuration (%d errors):", len(e.Errors))
	for _, ve := range e.Errors {
		msg += "\n  " + ve.String()
	}
	return msg
}
