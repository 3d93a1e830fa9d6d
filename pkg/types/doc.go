/*
Package types provides the core interfaces and data structures shared by the
datacache packages.

	┌─────────────────────────────────────────────┐
	│        Queries (internal/query)             │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴──────────┐   ┌─────────┴──────────┐
	│   Cache Manager    │◄──│ Preload Scheduler  │
	│  (internal/cache)  │   │ (internal/preload) │
	└────────────────────┘   └────────────────────┘
	          │
	┌─────────┴──────────────────────────────────┐
	│       Storage Tier (internal/storage)      │
	│   fast: Memory     durable: Disk | S3      │
	└─────────────────────────────────────────────┘

Storage is the byte-level contract every tier implements. CacheEntry is the
envelope the cache manager persists through it; its payload is a msgpack raw
message so typed readers can decode straight into their own structs.

PreloadTask and Priority describe work held by the preload scheduler.
FetchFunc is the caller-supplied producer both the cache and the scheduler
invoke on a miss.
*/
package types
