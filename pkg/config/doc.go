// Package config loads the reshard server configuration.
//
// Configuration is written in CUE. Every file is unified with a closed
// schema that supplies defaults, so an empty file is a valid configuration
// and unknown keys are rejected with their source position:
//
//	store: {
//	    driver: "postgres"
//	    dsn:    "postgres://reshard@db/reshard?sslmode=disable"
//	}
//
//	engine: retry_delay: "10s"
//
//	policy: {
//	    paths:            ["/etc/reshard/policies"]
//	    max_active_plans: 4
//	}
//
// After CUE resolves the file, cross-field rules (a DSN is required for
// postgres, an OTLP endpoint for the otlp exporter) are checked with
// struct tags. Both kinds of failure are reported as an *Error holding
// one ValidationError per problem.
//
// The Settings methods map sections onto the configuration types of the
// engine, store and telemetry packages.
package config
