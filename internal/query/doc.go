/*
Package query is the consumption layer over the cache.

Four query shapes are provided:

	Simple[T]    one fetch plus a ttl; no cache manager involved
	Data[T]      one cache entry: read-through load, auto refresh,
	             write-through updates, preload via the scheduler
	Async[T]     keyed query with stale time, retries and interval refetch
	Realtime[T]  Async with a short stale window that refetches when the
	             bus announces a change to a prefix of its key

Every query is safe for concurrent use. Periodic work runs on
schedule.Task and ends with Stop or Unmount.
*/
package query
