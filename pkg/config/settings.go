package config

import (
	"strings"

	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/stores"
	"github.com/openfroyo/reshard/pkg/telemetry"
)

// TelemetrySettings maps the telemetry section onto a telemetry.Config.
func (c *Config) TelemetrySettings(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Endpoint = c.Telemetry.OTLPEndpoint
	tc.Metrics.Enabled = c.Telemetry.Metrics
	return tc
}

// StoreSettings maps the store section onto a stores.Config.
func (c *Config) StoreSettings() stores.Config {
	return stores.Config{
		Driver:       c.Store.Driver,
		Path:         c.Store.Path,
		DSN:          c.Store.DSN,
		MaxOpenConns: c.Store.MaxOpenConns,
		MaxIdleConns: c.Store.MaxIdleConns,
	}
}

// EngineSettings maps the engine section onto an engine.Config.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		ReconcileInterval: c.Engine.ReconcileInterval.D(),
		RetryDelay:        c.Engine.RetryDelay.D(),
		CommitRetryDelay:  c.Engine.CommitRetryDelay.D(),
		ShardRetryDelay:   c.Engine.ShardRetryDelay.D(),
	}
}

// ShardAddress expands the shard address template.
func (c *Config) ShardAddress(shard string) string {
	return strings.ReplaceAll(c.Shard.AddressTemplate, "{shard}", shard)
}

// ServerHost expands the SSH host template for a plan server.
func (c *Config) ServerHost(server string) string {
	return strings.ReplaceAll(c.SSH.HostTemplate, "{server}", server)
}
