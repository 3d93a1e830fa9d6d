/*
Package preload warms the cache ahead of demand.

The Scheduler keeps at most one pending task per data type. Tasks are
dispatched high priority first, oldest first within a priority, with at most
MaxConcurrent fetches running and DispatchDelay between dispatches. A
successful fetch is written through the cache manager under the type's key
(prefix + type + "_") with a 30 minute TTL. A failed fetch is retried until
MaxAttempts, then dropped with a log line; preload failures never reach
callers, because a later read-through fetch recovers on its own.

	queue (type → task)         ┌──────────────┐
	  high: produtos  ───────▶  │ dispatch loop│──▶ fetch ──▶ cache.Set
	  normal: pedidos           │ ≤ MaxConcurrent │
	  normal: clientes          └──────────────┘
	                                  ▲  failure, attempts < max
	                                  └──────── re-enqueue

Navigation preloading maps pages to the types they show (DefaultNavigation)
and looks fetch functions up in a Registry:

	registry := preload.NewRegistry()
	registry.Register("produtos", fetchProdutos)
	registry.Register("categorias", fetchCategorias)

	sched := preload.New(mgr, preload.DefaultConfig(), preload.WithRegistry(registry))
	defer sched.Close()

	sched.PreloadForNavigation("dashboard", "produtos")
*/
package preload
