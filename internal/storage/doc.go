/*
Package storage provides the byte-level storage tiers behind the data cache.

Every tier implements types.Storage. The cache manager never talks to a tier
directly; it goes through the Tiered facade, which composes one fast tier with
one durable tier.

# Tier Layout

	┌─────────────────────────────────────────────┐
	│               Cache Manager                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                  Tiered                     │  ← read fast, then durable
	│   backfills the fast tier on a durable hit  │
	└─────────────────────────────────────────────┘
	          │                         │
	┌──────────────────┐   ┌──────────────────────────┐
	│      Memory      │   │     Disk  |  S3          │
	│  LRU, volatile   │   │  durable, write of record │
	└──────────────────┘   └──────────────────────────┘

# Memory

A map plus an LRU list. MaxEntries and MaxBytes bound it; exceeding either
evicts the least recently used keys. It never refuses a write.

# Disk

One file per key, named by the xxhash of the key, with a JSON index of key to
file metadata. Values larger than CompressionThreshold are zstd compressed when
that makes them smaller. Each value carries an xxhash checksum; a file that
fails it is removed and reported as a miss. MaxBytes is a hard quota: a write
past it fails with QUOTA_EXCEEDED.

# S3

One object per key under a configurable prefix. Works against AWS or any
S3-compatible endpoint (MinIO, LocalStack) with path-style addressing.

# Usage

	fast := storage.NewMemory(storage.MemoryConfig{MaxEntries: 1000})
	durable, err := storage.NewDisk(storage.DiskConfig{
		Directory:   "/var/lib/datacache",
		MaxBytes:    5 << 20,
		Compression: true,
	}, logger)
	if err != nil {
		return err
	}
	tiers := storage.NewTiered(fast, durable, logger)
	defer tiers.Close()
*/
package storage
