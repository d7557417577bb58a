package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// defaultStateTTL applies when NewStateCache is given a non-positive TTL.
const defaultStateTTL = 24 * time.Hour

const stateKeyPrefix = "avr:state:"

// StateCache stores DeviceState snapshots keyed by device id.
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStateCache creates a StateCache on client.
func NewStateCache(client *Client, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateCache{rdb: client.rdb, ttl: ttl}
}

func stateKey(deviceID string) string { return stateKeyPrefix + deviceID }

// Set stores state for deviceID, refreshing the TTL.
func (c *StateCache) Set(ctx context.Context, deviceID string, state avr.DeviceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := c.rdb.Set(ctx, stateKey(deviceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache state: %w", err)
	}
	return nil
}

// Get returns the cached state for deviceID. found is false when nothing
// is cached or the entry expired.
func (c *StateCache) Get(ctx context.Context, deviceID string) (state avr.DeviceState, found bool, err error) {
	data, err := c.rdb.Get(ctx, stateKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return avr.DeviceState{}, false, nil
	}
	if err != nil {
		return avr.DeviceState{}, false, fmt.Errorf("read cached state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return avr.DeviceState{}, false, fmt.Errorf("decode cached state: %w", err)
	}
	return state, true, nil
}

// Delete removes the cached state for deviceID.
func (c *StateCache) Delete(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, stateKey(deviceID)).Err()
}
