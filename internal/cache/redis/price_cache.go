package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset is
// stored at "price:{asset}" with fields "value" (decimal integer), "ts"
// (Unix nanoseconds) and "source".
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) key(asset string) string {
	return pc.c.Key("price:" + asset)
}

// SetPrice stores the latest reading for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, p domain.PricePoint) error {
	fields := map[string]any{
		"value":  p.Value.Dec(),
		"ts":     strconv.FormatInt(p.ObservedAt.UnixNano(), 10),
		"source": p.Source,
	}
	if err := pc.c.rdb.HSet(ctx, pc.key(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice retrieves the latest reading for an asset. It returns
// domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (domain.PricePoint, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(asset)).Result()
	if err != nil && err != redis.Nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	valueStr, ok := vals["value"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	value, err := uint256.FromDecimal(valueStr)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse ts %s: %w", asset, err)
	}

	return domain.PricePoint{
		Value:      *value,
		ObservedAt: time.Unix(0, tsNano).UTC(),
		Source:     vals["source"],
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
