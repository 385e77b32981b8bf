// Package cache provides the TTL key/value cache used to short-circuit
// repeated searches.
//
// Store is the backend contract. Three backends are available:
//
//   - MemoryStore: bounded in-process map, FIFO eviction, lazy TTL expiry
//   - RedisStore: shared cache on a Redis server (go-redis)
//   - BadgerStore: embedded persistent cache (Badger entry TTLs)
//
// Manager sits in front of a Store. It namespaces keys by category,
// applies per-category TTLs and bounds each call with a timeout:
//
//	m, err := cache.Open(ctx, cfg.Cache, logger)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	m.SetJSON(ctx, cache.CategorySearch, key, resp)
//	var cached types.SearchResponse
//	if m.GetJSON(ctx, cache.CategorySearch, key, &cached) {
//	    ...
//	}
//
// Backend errors never reach the caller. A failed read is a miss and a
// failed write returns false; both are logged and counted in Stats.
package cache
