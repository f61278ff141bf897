package turbulence

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skybrief/turbcast/pkg/logger"
)

// Cache holds the per-layer time indexes, polygon sets, legend images and a
// bounded LRU of proxied tile images. Indexes and polygon sets expire on a
// timer so a quiet layer does not serve stale forecasts forever.
type Cache struct {
	config   ServiceConfig
	times    *expiringStore[timesEntry]
	polygons *expiringStore[polygonEntry]
	legends  *expiringStore[legendEntry]
	tiles    *lru.Cache[string, imageResult]
	logger   *logger.Logger
}

// NewCache creates the cache manager
func NewCache(config ServiceConfig, log *logger.Logger) (*Cache, error) {
	size := config.TileCacheSize
	if size <= 0 {
		size = 512
	}
	tiles, err := lru.New[string, imageResult](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	return &Cache{
		config:   config,
		times:    newExpiringStore[timesEntry](),
		polygons: newExpiringStore[polygonEntry](),
		legends:  newExpiringStore[legendEntry](),
		tiles:    tiles,
		logger:   log.Named("turbulence-cache"),
	}, nil
}

// GetTimeIndex returns the cached index for a layer, or nil when absent or
// expired. Expired entries are dropped on the way out.
func (c *Cache) GetTimeIndex(layerID string) *TimeIndex {
	entry, ok := c.times.get(layerID)
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		c.times.delete(layerID)
		return nil
	}
	return entry.index
}

// SetTimeIndex stores a freshly built index for a layer
func (c *Cache) SetTimeIndex(layerID string, idx *TimeIndex) {
	expiry := time.Duration(c.config.TimesExpiryMinutes) * time.Minute
	c.times.set(layerID, timesEntry{index: idx, expiresAt: time.Now().Add(expiry)})

	c.logger.Debug("Time index cached",
		logger.String("layer", layerID),
		logger.Int("dates", len(idx.Dates)),
		logger.String("default_token", idx.DefaultToken),
		logger.Time("expires_at", time.Now().Add(expiry)))
}

// polygonKey builds the cache key for a layer/token pair
func polygonKey(layerID, token string) string {
	return layerID + "@" + token
}

// GetPolygons returns the cached polygon set for a layer/token, or nil. An
// expired entry is deleted so the retained raw document is released; new
// tokens arrive every refresh cycle, so stale keys would otherwise pile up.
func (c *Cache) GetPolygons(layerID, token string) *PolygonSet {
	key := polygonKey(layerID, token)
	entry, ok := c.polygons.get(key)
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		c.polygons.delete(key)
		return nil
	}
	return entry.set
}

// SetPolygons stores a fetched polygon set
func (c *Cache) SetPolygons(set *PolygonSet) {
	expiry := time.Duration(c.config.PolygonExpiryMinutes) * time.Minute
	c.polygons.set(polygonKey(set.LayerID, set.Token), polygonEntry{
		set:       set,
		expiresAt: time.Now().Add(expiry),
	})

	c.logger.Debug("Polygon set cached",
		logger.String("layer", set.LayerID),
		logger.String("token", set.Token),
		logger.Int("features", len(set.Features)))
}

// GetLegend returns the cached legend image for a layer
func (c *Cache) GetLegend(layerID string) *imageResult {
	entry, ok := c.legends.get(layerID)
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		c.legends.delete(layerID)
		return nil
	}
	return &imageResult{Data: entry.data, ContentType: entry.contentType}
}

// SetLegend stores a fetched legend image
func (c *Cache) SetLegend(layerID string, img *imageResult) {
	expiry := time.Duration(c.config.LegendExpiryMinutes) * time.Minute
	c.legends.set(layerID, legendEntry{
		data:        img.Data,
		contentType: img.ContentType,
		expiresAt:   time.Now().Add(expiry),
	})
}

// tileKey builds the LRU key for a tile address
func tileKey(layerID, token string, z, x, y int) string {
	return fmt.Sprintf("%s@%s/%d/%d/%d", layerID, token, z, x, y)
}

// GetTile returns a cached tile image
func (c *Cache) GetTile(layerID, token string, z, x, y int) *imageResult {
	img, ok := c.tiles.Get(tileKey(layerID, token, z, x, y))
	if !ok {
		return nil
	}
	return &img
}

// SetTile stores a proxied tile image. Eviction is handled by the LRU; tokens
// identify immutable forecast snapshots so tiles never go stale, only cold.
func (c *Cache) SetTile(layerID, token string, z, x, y int, img *imageResult) {
	c.tiles.Add(tileKey(layerID, token, z, x, y), *img)
}

// Invalidate drops all cached state for a layer
func (c *Cache) Invalidate(layerID string) {
	c.times.delete(layerID)
	c.legends.delete(layerID)
	prefix := layerID + "@"
	c.polygons.deleteFunc(func(key string, _ polygonEntry) bool {
		return strings.HasPrefix(key, prefix)
	})
	c.logger.Info("Layer cache invalidated", logger.String("layer", layerID))
}

// PruneExpired sweeps expired entries out of the timer-based stores. Expired
// reads already delete as they go; the sweep catches keys nobody asks for
// again, which is the common case for superseded forecast tokens. The tile
// LRU bounds itself.
func (c *Cache) PruneExpired() {
	now := time.Now()
	removed := c.times.deleteFunc(func(_ string, e timesEntry) bool {
		return now.After(e.expiresAt)
	})
	removed += c.polygons.deleteFunc(func(_ string, e polygonEntry) bool {
		return now.After(e.expiresAt)
	})
	removed += c.legends.deleteFunc(func(_ string, e legendEntry) bool {
		return now.After(e.expiresAt)
	})
	if removed > 0 {
		c.logger.Debug("Pruned expired cache entries", logger.Int("removed", removed))
	}
}

// GetStats returns cache statistics for the health endpoint. Only unexpired
// entries are counted.
func (c *Cache) GetStats() map[string]interface{} {
	now := time.Now()
	return map[string]interface{}{
		"time_indexes": c.times.count(func(e timesEntry) bool { return !now.After(e.expiresAt) }),
		"polygon_sets": c.polygons.count(func(e polygonEntry) bool { return !now.After(e.expiresAt) }),
		"legends":      c.legends.count(func(e legendEntry) bool { return !now.After(e.expiresAt) }),
		"tiles":        c.tiles.Len(),
	}
}
