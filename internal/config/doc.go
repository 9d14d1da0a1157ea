/*
Package config provides configuration management for calgate with multi-source support.

This package implements a layered configuration system that supports YAML files and
environment variables on top of compiled-in defaults. Validation is split into
structural checks that refuse startup and per-field limit checks that revert bad
tuning values to safe defaults.

# Configuration Architecture

Multi-source configuration hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│            (CALGATE_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Usage

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/calgate/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}

	// Structural problems (missing origin URL, empty store path) are fatal.
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// Out-of-range tuning values revert to defaults and are logged.
	cfg.ApplyLimits(logger)

Configuration file format:

	server:
	  addr: ":8080"
	  shutdown_timeout: 10s

	origin:
	  url: "https://calendar.example.com/feed.json"
	  request_timeout: 10s

	pool:
	  max_per_host: 4
	  emergency_max_per_host: 1
	  idle_timeout: 90s
	  lease_timeout: 30s
	  reap_interval: 10s

	cache:
	  memory_budget_bytes: 8388608
	  max_entries: 2048
	  entry_size_limit_bytes: 524288
	  ttl: 5m

	batch:
	  window: 25ms
	  max_size: 16

	breaker:
	  failure_threshold: 5
	  recovery_timeout: 30s

	pressure:
	  memory_budget_bytes: 268435456
	  warning: 0.70
	  critical: 0.85
	  emergency: 0.95
	  sample_interval: 5s

	store:
	  path: "calgate.db"
	  ttl_seconds: 900
	  retention: 168h
	  cleanup_interval: 1h

	flags:
	  optimized_pipeline:
	    enabled: true
	    rollout: 100

Environment variable mapping:

	CALGATE_ORIGIN_URL="https://calendar.example.com/feed.json"
	CALGATE_SERVER_ADDR=":9090"
	CALGATE_CACHE_MEMORY_BUDGET_BYTES="4194304"
	CALGATE_FLAGS_OPTIMIZED_PIPELINE="true"
	CALGATE_FLAGS_ROLLOUT="25"
	CALGATE_LOG_LEVEL="debug"

# Validation System

Two tiers, applied in order:

Structural validation (Validate):
- Origin URL present, parseable, http or https
- Store path non-empty
- Listen address non-empty

A structural failure returns an error and the process must exit rather than
serve with a configuration it cannot honor.

Limit validation (ApplyLimits):
- Numeric and duration options outside their documented safe range revert to
  the compiled-in default
- Pressure thresholds must be ascending fractions in (0,1] or all three revert
- Every revert is logged with the option name and offending value

This keeps a fat-fingered tuning value from taking the service down while
still refusing to run with a configuration that cannot work at all.
*/
package config
