/*
Package config loads the datacache configuration.

Sources are applied in order, each overriding the previous:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (DATACACHE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│             (NewDefault)                    │
	└─────────────────────────────────────────────┘

# Sections

	global   log level and format, admin listen address
	cache    key prefix, default ttl, size budget, storage ceiling,
	         pressure ratio, monitor interval, aggregate markers
	storage  fast tier limits, durable backend (disk, s3 or memory)
	         and the settings of each backend
	preload  concurrency, dispatch delay, attempts, ttl, navigation table
	query    realtime stale time and refetch interval, retries
	metrics  enabled, namespace, constant labels

Sizes are human readable strings ("50MB", "1 GiB") parsed with ParseSize.
Durations use Go syntax ("30s", "5m").

# Environment

Variables are named after the section and field, for example:

	DATACACHE_LOG_LEVEL=DEBUG
	DATACACHE_CACHE_DEFAULT_TTL=10m
	DATACACHE_STORAGE_DURABLE=s3
	DATACACHE_STORAGE_S3_BUCKET=restopos-cache
	DATACACHE_PRELOAD_MAX_CONCURRENT=5
	DATACACHE_METRICS_LABELS=service:pdv,loja:centro

The navigation table can only be set from a file.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("datacache.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
*/
package config
