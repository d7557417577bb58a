// Package cache keeps the last known receiver state in Redis.
//
// The cache is optional (redis.enabled). When present, the bridge writes
// every state change to avr:state:{device} with a TTL, and the API falls
// back to the cached value while the control link is still connecting
// after a restart.
//
// Usage:
//
//	client, err := cache.Connect(ctx, cfg.Redis)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	states := cache.NewStateCache(client, cfg.Redis.TTL)
//	states.Set(ctx, "lounge", state)
package cache
