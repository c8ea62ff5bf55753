// Package memory provides in-process implementations of the cache and bus
// interfaces for deployments without Redis.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// PriceCache keeps the latest reading per asset.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]domain.PricePoint
}

// NewPriceCache creates an empty price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]domain.PricePoint)}
}

// SetPrice stores the latest reading for an asset.
func (c *PriceCache) SetPrice(_ context.Context, asset string, p domain.PricePoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[asset] = p
	return nil
}

// GetPrice returns the latest reading or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, asset string) (domain.PricePoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[asset]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	return p, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
