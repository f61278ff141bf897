package turbulence

import (
	"sync"
	"time"
)

// Layer describes one turbulence forecast altitude band. The set of layers is
// fixed at compile time; there is no dynamic discovery against the upstream API.
type Layer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FloorKft   int    `json:"floor_kft"`
	CeilingKft int    `json:"ceiling_kft"`
}

// Layers is the full table of altitude bands the upstream product exposes,
// ordered bottom-up.
var Layers = []Layer{
	{ID: "turb-10-13", Name: "10-13 kft", FloorKft: 10, CeilingKft: 13},
	{ID: "turb-13-18", Name: "13-18 kft", FloorKft: 13, CeilingKft: 18},
	{ID: "turb-18-24", Name: "18-24 kft", FloorKft: 18, CeilingKft: 24},
	{ID: "turb-24-30", Name: "24-30 kft", FloorKft: 24, CeilingKft: 30},
	{ID: "turb-30-31", Name: "30-31 kft", FloorKft: 30, CeilingKft: 31},
	{ID: "turb-31-36", Name: "31-36 kft", FloorKft: 31, CeilingKft: 36},
	{ID: "turb-36-41", Name: "36-41 kft", FloorKft: 36, CeilingKft: 41},
}

// LayerByID looks up a layer in the fixed table
func LayerByID(id string) (Layer, bool) {
	for _, l := range Layers {
		if l.ID == id {
			return l, true
		}
	}
	return Layer{}, false
}

// TimeIndex groups forecast timestamp tokens by calendar date. Dates and the
// tokens inside each bucket are ordered most-recent-first. It is derived from
// the upstream times listing and recomputed on every fetch, never persisted.
type TimeIndex struct {
	Dates        []string            `json:"dates"`
	Buckets      map[string][]string `json:"buckets"`
	DefaultDate  string              `json:"default_date,omitempty"`
	DefaultToken string              `json:"default_token,omitempty"`
	FetchedAt    time.Time           `json:"fetched_at,omitempty"`
}

// IsEmpty reports whether the index holds no tokens
func (idx *TimeIndex) IsEmpty() bool {
	return idx == nil || len(idx.Dates) == 0
}

// Severity is the display bucket derived from a feature's probability
type Severity string

const (
	SeverityLight    Severity = "light"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Bound is an axis-aligned lat/lon bounding box
type Bound struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// PolygonFeature is one turbulence polygon with its derived display attributes
type PolygonFeature struct {
	Probability float64  `json:"probability"`
	Severity    Severity `json:"severity"`
	Bound       Bound    `json:"bound"`
}

// PolygonSet is a parsed upstream FeatureCollection plus the raw document.
// Raw is served to clients verbatim; Features carry the derived attributes.
type PolygonSet struct {
	LayerID        string           `json:"layer_id"`
	Token          string           `json:"token"`
	Features       []PolygonFeature `json:"features"`
	MaxProbability float64          `json:"max_probability"`
	Bound          Bound            `json:"bound"`
	Raw            []byte           `json:"-"`
	FetchedAt      time.Time        `json:"fetched_at"`
}

// ClientConfig is the upstream API client configuration, converted from the
// config package's UpstreamConfig to avoid a circular import.
type ClientConfig struct {
	BaseURL               string
	RequestTimeoutSeconds int
	MaxRetries            int
	RateLimitPerSecond    float64
	RateLimitBurst        int
	BreakerMaxFailures    int
	BreakerOpenSeconds    int
}

// ServiceConfig carries the service-level knobs
type ServiceConfig struct {
	EnabledLayerIDs        []string
	RefreshIntervalMinutes int
	TimesExpiryMinutes     int
	PolygonExpiryMinutes   int
	LegendExpiryMinutes    int
	TileCacheSize          int
}

// timesEntry is one cached time index with its expiry
type timesEntry struct {
	index     *TimeIndex
	expiresAt time.Time
}

// polygonEntry is one cached polygon set with its expiry
type polygonEntry struct {
	set       *PolygonSet
	expiresAt time.Time
}

// legendEntry is one cached legend image with its expiry
type legendEntry struct {
	data        []byte
	contentType string
	expiresAt   time.Time
}

// expiringStore is a small generic expiring map used for times, polygon and
// legend caches (tiles use an LRU instead, see cache.go)
type expiringStore[V any] struct {
	entries map[string]V
	mu      sync.RWMutex
}

func newExpiringStore[V any]() *expiringStore[V] {
	return &expiringStore[V]{entries: make(map[string]V)}
}

func (s *expiringStore[V]) get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *expiringStore[V]) set(key string, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = v
}

func (s *expiringStore[V]) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// deleteFunc removes every entry the predicate matches and reports how many
// were removed
func (s *expiringStore[V]) deleteFunc(pred func(key string, v V) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, v := range s.entries {
		if pred(k, v) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// count returns how many entries the predicate matches
func (s *expiringStore[V]) count(pred func(v V) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.entries {
		if pred(v) {
			n++
		}
	}
	return n
}

func (s *expiringStore[V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
