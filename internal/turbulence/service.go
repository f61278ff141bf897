package turbulence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skybrief/turbcast/pkg/logger"
)

// Snapshot records one fetched polygon set for the history endpoint
type Snapshot struct {
	ID             int64     `json:"id"`
	LayerID        string    `json:"layer_id"`
	Token          string    `json:"token"`
	DateKey        string    `json:"date_key"`
	FeatureCount   int       `json:"feature_count"`
	MaxProbability float64   `json:"max_probability"`
	GeoJSON        []byte    `json:"-"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// SnapshotStore persists fetched polygon sets
type SnapshotStore interface {
	SaveSnapshot(snapshot *Snapshot) error
	GetSnapshots(layerID string, limit int) ([]*Snapshot, error)
}

// EventBroadcaster pushes index-update events to connected map clients
type EventBroadcaster interface {
	BroadcastTimesUpdated(layerID, defaultDate, defaultToken string)
}

// Service keeps per-layer time indexes warm, fetches polygon sets, tiles and
// legends on demand through the cache, and records snapshots. Refreshes are
// generation-stamped per layer so a slow in-flight fetch can never overwrite
// the result of a newer one.
type Service struct {
	config    ServiceConfig
	client    *Client
	cache     *Cache
	snapshots SnapshotStore
	events    EventBroadcaster
	logger    *logger.Logger

	layers []Layer

	// Service lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.RWMutex

	// Per-layer refresh generations
	generations map[string]uint64
	genMu       sync.Mutex

	lastRefresh time.Time

	// Initial data readiness
	initialDataReady chan struct{}
	initialDataOnce  sync.Once
}

// NewService creates a new turbulence forecast service
func NewService(clientCfg ClientConfig, serviceCfg ServiceConfig, snapshots SnapshotStore, events EventBroadcaster, log *logger.Logger) (*Service, error) {
	cache, err := NewCache(serviceCfg, log)
	if err != nil {
		return nil, err
	}

	layers, err := resolveLayers(serviceCfg.EnabledLayerIDs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:           serviceCfg,
		client:           NewClient(clientCfg, log),
		cache:            cache,
		snapshots:        snapshots,
		events:           events,
		logger:           log.Named("turbulence-service"),
		layers:           layers,
		ctx:              ctx,
		cancel:           cancel,
		generations:      make(map[string]uint64),
		initialDataReady: make(chan struct{}),
	}, nil
}

// resolveLayers narrows the fixed layer table to the enabled subset. An empty
// list enables everything; an unknown id is a configuration error.
func resolveLayers(enabledIDs []string) ([]Layer, error) {
	if len(enabledIDs) == 0 {
		return Layers, nil
	}
	resolved := make([]Layer, 0, len(enabledIDs))
	for _, id := range enabledIDs {
		layer, ok := LayerByID(id)
		if !ok {
			return nil, fmt.Errorf("unknown layer id: %s", id)
		}
		resolved = append(resolved, layer)
	}
	return resolved, nil
}

// EnabledLayers returns the layers this service serves
func (s *Service) EnabledLayers() []Layer {
	return s.layers
}

// Start begins the background index refresh
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil // Already started
	}

	s.logger.Info("Starting turbulence service",
		logger.Int("layers", len(s.layers)),
		logger.Int("refresh_interval_minutes", s.config.RefreshIntervalMinutes))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.performInitialFetch()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.backgroundRefresh()
	}()

	s.started = true
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil // Already stopped
	}

	s.logger.Info("Stopping turbulence service")
	s.cancel()
	s.wg.Wait()
	s.started = false
	s.logger.Info("Turbulence service stopped")
	return nil
}

// IsStarted returns whether the service is currently running
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// GetStatus reports the last refresh time for the health endpoint
func (s *Service) GetStatus() (time.Time, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := "ok"
	if s.lastRefresh.IsZero() {
		status = "warming_up"
	}
	return s.lastRefresh, status
}

// GetCacheStats returns cache statistics
func (s *Service) GetCacheStats() map[string]interface{} {
	return s.cache.GetStats()
}

// performInitialFetch warms every enabled layer's index on startup
func (s *Service) performInitialFetch() {
	s.logger.Info("Performing initial time index fetch",
		logger.Int("layers", len(s.layers)))

	s.refreshAllLayers()

	s.initialDataOnce.Do(func() {
		close(s.initialDataReady)
		s.logger.Info("Initial time index fetch completed")
	})
}

// backgroundRefresh runs the periodic index refresh
func (s *Service) backgroundRefresh() {
	refreshInterval := time.Duration(s.config.RefreshIntervalMinutes) * time.Minute
	if refreshInterval < time.Minute {
		refreshInterval = 10 * time.Minute
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	s.logger.Info("Background index refresh started",
		logger.Duration("interval", refreshInterval))

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Background index refresh stopped")
			return
		case <-ticker.C:
			s.logger.Debug("Periodic index refresh triggered")
			s.refreshAllLayers()
		}
	}
}

// refreshAllLayers refreshes every enabled layer sequentially. Upstream rate
// limiting happens in the client, so no extra pacing is needed here.
func (s *Service) refreshAllLayers() {
	startTime := time.Now()
	for _, layer := range s.layers {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.refreshTimes(s.ctx, layer.ID); err != nil {
			s.logger.Error("Failed to refresh time index",
				logger.String("layer", layer.ID),
				logger.Error(err))
		}
	}

	s.cache.PruneExpired()

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.mu.Unlock()

	s.logger.Info("Time index refresh completed",
		logger.Int("layers", len(s.layers)),
		logger.Duration("duration", time.Since(startTime)))
}

// nextGeneration stamps a new refresh attempt for a layer
func (s *Service) nextGeneration(layerID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[layerID]++
	return s.generations[layerID]
}

// isCurrentGeneration reports whether a stamp is still the newest for a layer
func (s *Service) isCurrentGeneration(layerID string, gen uint64) bool {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[layerID] == gen
}

// refreshTimes fetches the times listing for a layer, builds the index and
// stores it. A result from a superseded attempt is discarded instead of
// overwriting newer state.
func (s *Service) refreshTimes(ctx context.Context, layerID string) (*TimeIndex, error) {
	gen := s.nextGeneration(layerID)

	previous := s.cache.GetTimeIndex(layerID)

	tokens, err := s.client.FetchTimes(ctx, layerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch times for %s: %w", layerID, err)
	}

	idx, err := BuildTimeIndex(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to build time index for %s: %w", layerID, err)
	}

	if !s.isCurrentGeneration(layerID, gen) {
		s.logger.Debug("Discarding stale time index result",
			logger.String("layer", layerID))
		return idx, nil
	}

	s.cache.SetTimeIndex(layerID, idx)

	if s.events != nil && !idx.IsEmpty() {
		if previous == nil || previous.DefaultToken != idx.DefaultToken {
			s.events.BroadcastTimesUpdated(layerID, idx.DefaultDate, idx.DefaultToken)
		}
	}
	return idx, nil
}

// GetTimeIndex returns the time index for a layer, fetching it when the cache
// is cold or expired
func (s *Service) GetTimeIndex(ctx context.Context, layerID string) (*TimeIndex, error) {
	if _, ok := LayerByID(layerID); !ok {
		return nil, fmt.Errorf("unknown layer id: %s", layerID)
	}

	if idx := s.cache.GetTimeIndex(layerID); idx != nil {
		return idx, nil
	}
	return s.refreshTimes(ctx, layerID)
}

// GetPolygons returns the polygon set for a layer and token, fetching and
// recording a snapshot on a cache miss. An upstream body with no features is
// valid data, not an error.
func (s *Service) GetPolygons(ctx context.Context, layerID, token string) (*PolygonSet, error) {
	if _, ok := LayerByID(layerID); !ok {
		return nil, fmt.Errorf("unknown layer id: %s", layerID)
	}
	if err := ValidateToken(token); err != nil {
		return nil, err
	}

	if set := s.cache.GetPolygons(layerID, token); set != nil {
		return set, nil
	}

	set, err := s.client.FetchGeoJSON(ctx, layerID, token)
	if err != nil {
		return nil, err
	}

	s.cache.SetPolygons(set)

	if s.snapshots != nil {
		snapshot := &Snapshot{
			LayerID:        set.LayerID,
			Token:          set.Token,
			DateKey:        DateKey(set.Token),
			FeatureCount:   len(set.Features),
			MaxProbability: set.MaxProbability,
			GeoJSON:        set.Raw,
			FetchedAt:      set.FetchedAt,
		}
		if err := s.snapshots.SaveSnapshot(snapshot); err != nil {
			s.logger.Error("Failed to persist polygon snapshot",
				logger.String("layer", layerID),
				logger.String("token", token),
				logger.Error(err))
		}
	}
	return set, nil
}

// GetSnapshots returns recent snapshot metadata for a layer
func (s *Service) GetSnapshots(layerID string, limit int) ([]*Snapshot, error) {
	if s.snapshots == nil {
		return nil, nil
	}
	if _, ok := LayerByID(layerID); !ok {
		return nil, fmt.Errorf("unknown layer id: %s", layerID)
	}
	return s.snapshots.GetSnapshots(layerID, limit)
}

// GetTile returns one proxied overlay tile, via the LRU
func (s *Service) GetTile(ctx context.Context, layerID, token string, z, x, y int) ([]byte, string, error) {
	if _, ok := LayerByID(layerID); !ok {
		return nil, "", fmt.Errorf("unknown layer id: %s", layerID)
	}
	if err := ValidateToken(token); err != nil {
		return nil, "", err
	}

	if img := s.cache.GetTile(layerID, token, z, x, y); img != nil {
		return img.Data, img.ContentType, nil
	}

	img, err := s.client.FetchTile(ctx, layerID, token, z, x, y)
	if err != nil {
		return nil, "", err
	}
	s.cache.SetTile(layerID, token, z, x, y, img)
	return img.Data, img.ContentType, nil
}

// GetLegend returns the legend image for a layer
func (s *Service) GetLegend(ctx context.Context, layerID string) ([]byte, string, error) {
	if _, ok := LayerByID(layerID); !ok {
		return nil, "", fmt.Errorf("unknown layer id: %s", layerID)
	}

	if img := s.cache.GetLegend(layerID); img != nil {
		return img.Data, img.ContentType, nil
	}

	img, err := s.client.FetchLegend(ctx, layerID)
	if err != nil {
		return nil, "", err
	}
	s.cache.SetLegend(layerID, img)
	return img.Data, img.ContentType, nil
}

// WaitForInitialData blocks until the first index fetch completes or the
// timeout elapses
func (s *Service) WaitForInitialData(timeout time.Duration) bool {
	select {
	case <-s.initialDataReady:
		return true
	case <-time.After(timeout):
		s.logger.Warn("Timeout waiting for initial time index data")
		return false
	}
}
