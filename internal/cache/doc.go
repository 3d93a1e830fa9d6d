/*
Package cache provides the TTL-aware cache manager at the center of the data
layer.

The Manager stores every value as a msgpack envelope (types.CacheEntry) under a
namespaced key of the form prefix + type + "_" + id, and reads and writes
through a types.Storage, normally the storage.Tiered facade.

# Entry Lifecycle

	Set ──▶ {data, createdAt, ttl, expiresAt} ──▶ fast + durable tier
	                                                   │
	Get ◀── live? refresh lastAccessed, mirror fast ◀──┤
	    ◀── expired or corrupt: delete, miss      ◀────┘

TTL is absolute: reads never extend an entry. An entry is returned only while
now <= ExpiresAt.

# Eviction

Three mechanisms keep the footprint bounded:

  - Size budget: after every Set, if the stored bytes exceed MaxSize, the
    oldest fifth of the entries by CreatedAt (rounded up) is removed.
  - Expired sweep: CleanupExpiredCache removes expired and corrupt entries.
    It runs once from New.
  - Storage monitor: Start runs a schedule.Task that, once the footprint
    passes PressureRatio of StorageCeiling, sweeps and then evicts the oldest
    fifth ahead of the next Set.

# Read-through and Write-through

	res, err := cache.GetWithFallback(ctx, mgr, mgr.GenerateKey("produtos", ""),
		func(ctx context.Context) ([]Produto, error) {
			return api.ListProdutos(ctx)
		}, 10*time.Minute)

A hit returns FromCache=true. A miss calls fetch once; there is no retry and
no coalescing of concurrent callers. A write failure such as QUOTA_EXCEEDED is
logged and the fetched data is still returned.

SyncData writes a fresh value for one entity and then calls
InvalidateRelatedCache, which drops every key mentioning the type or an
aggregate marker ("list", "all") because collection caches may embed the
entity.
*/
package cache
