package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duelpool/duelpool/internal/domain"
)

const (
	// Settled markets never change again, so cached entries only need a TTL
	// to bound memory, not to bound staleness.
	marketCacheTTL = time.Hour

	marketKeyPrefix = "market:id:"
	topicKeyPrefix  = "market:topic:"
)

// MarketCache implements domain.MarketCache with JSON-encoded market records
// keyed by both ID and topic.
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

// Set caches a market under both its ID and its topic.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	pipe := mc.rdb.Pipeline()
	pipe.Set(ctx, marketKeyPrefix+market.ID, data, marketCacheTTL)
	pipe.Set(ctx, topicKeyPrefix+market.Topic, data, marketCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: cache market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns the cached market for an ID, or ErrNotFound on a cache miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	return mc.get(ctx, marketKeyPrefix+id)
}

// GetByTopic returns the cached market for a topic, or ErrNotFound on a miss.
func (mc *MarketCache) GetByTopic(ctx context.Context, topic string) (domain.Market, error) {
	return mc.get(ctx, topicKeyPrefix+topic)
}

func (mc *MarketCache) get(ctx context.Context, key string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market from %s: %w", key, err)
	}
	return m, nil
}

// Invalidate drops the cached entries for a market ID. The topic key is
// resolved from the cached record before deletion.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	keys := []string{marketKeyPrefix + id}
	if m, err := mc.get(ctx, marketKeyPrefix+id); err == nil {
		keys = append(keys, topicKeyPrefix+m.Topic)
	}
	if err := mc.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
