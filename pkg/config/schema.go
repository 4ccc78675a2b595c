package config

// schema is unified with every configuration file. #Config is closed, so
// unknown keys are rejected, and every field carries a default.
const schema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	server: {
		listen:           *"127.0.0.1:8080" | string
		rate_limit:       *20.0 | number & >=0
		burst:            *40 | int & >=0
		shutdown_timeout: *"30s" | #Duration
	}

	store: {
		driver:         *"sqlite" | "postgres" | "memory"
		path:           *"reshard.db" | string
		dsn:            *"" | string
		max_open_conns: *0 | int & >=0
		max_idle_conns: *0 | int & >=0
	}

	engine: {
		reconcile_interval: *"5s" | #Duration
		retry_delay:        *"5s" | #Duration
		commit_retry_delay: *"5s" | #Duration
		shard_retry_delay:  *"5s" | #Duration
	}

	ring: {
		path:  *"" | string
		watch: *true | bool
	}

	shard: {
		driver:           *"redis" | "none"
		address_template: *"{shard}:6379" | string
		password:         *"" | string
		db:               *0 | int & >=0
		dial_timeout:     *"5s" | #Duration
	}

	ssh: {
		user:             *"root" | string
		port:             *22 | int & >=1 & <=65535
		key_file:         *"" | string
		known_hosts_file: *"" | string
		timeout:          *"30s" | #Duration
		host_template:    *"{server}" | string
	}

	policy: {
		enabled:          *true | bool
		paths:            *[] | [...string]
		watch:            *false | bool
		max_active_plans: *0 | int & >=0
	}

	telemetry: {
		log_level:        *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		log_format:       *"console" | "json"
		tracing_exporter: *"none" | "stdout" | "otlp"
		otlp_endpoint:    *"" | string
		metrics:          *true | bool
		environment:      *"production" | string
	}
}
`
