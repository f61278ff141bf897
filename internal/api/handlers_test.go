package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skybrief/turbcast/internal/config"
	"github.com/skybrief/turbcast/internal/turbulence"
	"github.com/skybrief/turbcast/internal/websocket"
	"github.com/skybrief/turbcast/pkg/logger"
)

const testFeatureCollection = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"PROBABILITY": 0.85},
			"geometry": {
				"type": "Polygon",
				"coordinates": [[[ -80.0, 40.0 ], [ -79.0, 40.0 ], [ -79.0, 41.0 ], [ -80.0, 41.0 ], [ -80.0, 40.0 ]]]
			}
		}
	]
}`

type memorySnapshotStore struct {
	saved []*turbulence.Snapshot
}

func (m *memorySnapshotStore) SaveSnapshot(snapshot *turbulence.Snapshot) error {
	m.saved = append(m.saved, snapshot)
	return nil
}

func (m *memorySnapshotStore) GetSnapshots(layerID string, limit int) ([]*turbulence.Snapshot, error) {
	var out []*turbulence.Snapshot
	for _, s := range m.saved {
		if s.LayerID == layerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// fakeUpstream serves the four upstream endpoints with canned bodies. A path
// listed in fail returns 500.
func fakeUpstream(t *testing.T, fail map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail[r.URL.Path] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/times":
			layerID := r.URL.Query().Get("products")
			body, _ := json.Marshal(map[string][]string{
				layerID: {"202401010000", "202401010600", "202401020000"},
			})
			w.Write(body)
		case "/geojson":
			w.Write([]byte(testFeatureCollection))
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("tile-bytes"))
		case "/legend":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("legend-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestRouter(t *testing.T, upstreamURL string, store turbulence.SnapshotStore) http.Handler {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Server.CORSAllowedOrigins = []string{"*"}
	cfg.Forecast.RefreshIntervalMinutes = 10
	cfg.Forecast.TimesExpiryMinutes = 15
	cfg.Upstream.RequestTimeoutSeconds = 5
	cfg.Upstream.MaxRetries = 1

	log := logger.NewNop()

	clientCfg := turbulence.ClientConfig{
		BaseURL:               upstreamURL,
		RequestTimeoutSeconds: 5,
		MaxRetries:            0,
		RateLimitPerSecond:    1000,
		RateLimitBurst:        1000,
		BreakerMaxFailures:    100,
		BreakerOpenSeconds:    60,
	}
	serviceCfg := turbulence.ServiceConfig{
		RefreshIntervalMinutes: 10,
		TimesExpiryMinutes:     15,
		PolygonExpiryMinutes:   30,
		LegendExpiryMinutes:    720,
		TileCacheSize:          16,
	}

	svc, err := turbulence.NewService(clientCfg, serviceCfg, store, nil, log)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	return NewRouter(svc, cfg, log, wsServer).Routes()
}

func doRequest(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestGetLayers(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}

	var body struct {
		Layers []turbulence.Layer `json:"layers"`
	}
	decodeJSON(t, rec, &body)
	if len(body.Layers) != len(turbulence.Layers) {
		t.Errorf("Expected full layer table, got %d", len(body.Layers))
	}
}

func TestGetTimes(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/times")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}

	var idx turbulence.TimeIndex
	decodeJSON(t, rec, &idx)
	if idx.DefaultDate != "20240102" || idx.DefaultToken != "202401020000" {
		t.Errorf("Unexpected defaults: %s / %s", idx.DefaultDate, idx.DefaultToken)
	}
	if len(idx.Buckets["20240101"]) != 2 {
		t.Errorf("Unexpected buckets: %v", idx.Buckets)
	}
}

func TestGetTimes_UnknownLayer(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	if rec := doRequest(t, router, "/api/v1/layers/no-such-layer/times"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestGetTimes_UpstreamFailureDegrades(t *testing.T) {
	upstream := fakeUpstream(t, map[string]bool{"/times": true})
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/times")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected degraded 200, got %d", rec.Code)
	}

	var body struct {
		Dates       []string `json:"dates"`
		FetchErrors []string `json:"fetch_errors"`
	}
	decodeJSON(t, rec, &body)
	if len(body.Dates) != 0 {
		t.Errorf("Expected empty dates, got %v", body.Dates)
	}
	if len(body.FetchErrors) == 0 {
		t.Error("Expected fetch_errors to be reported")
	}
}

func TestGetGeoJSON(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	store := &memorySnapshotStore{}
	router := newTestRouter(t, upstream.URL, store)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/geojson?time=202401020000")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}

	var body struct {
		LayerID        string          `json:"layer_id"`
		Token          string          `json:"token"`
		FeatureCount   int             `json:"feature_count"`
		MaxProbability float64         `json:"max_probability"`
		GeoJSON        json.RawMessage `json:"geojson"`
	}
	decodeJSON(t, rec, &body)
	if body.LayerID != "turb-30-31" || body.Token != "202401020000" {
		t.Errorf("Unexpected identity: %s / %s", body.LayerID, body.Token)
	}
	if body.FeatureCount != 1 || body.MaxProbability != 0.85 {
		t.Errorf("Unexpected summary: %+v", body)
	}
	if len(body.GeoJSON) == 0 {
		t.Error("Expected raw geojson document in response")
	}

	if len(store.saved) != 1 {
		t.Errorf("Expected a snapshot to be recorded, got %d", len(store.saved))
	}
}

func TestGetGeoJSON_DefaultsToLatestToken(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/geojson")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}

	var body struct {
		Token string `json:"token"`
	}
	decodeJSON(t, rec, &body)
	if body.Token != "202401020000" {
		t.Errorf("Expected default token 202401020000, got %s", body.Token)
	}
}

func TestGetGeoJSON_BadToken(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	if rec := doRequest(t, router, "/api/v1/layers/turb-30-31/geojson?time=nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestGetGeoJSON_UpstreamFailureDegrades(t *testing.T) {
	upstream := fakeUpstream(t, map[string]bool{"/geojson": true})
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/geojson?time=202401020000")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected degraded 200, got %d", rec.Code)
	}

	var body struct {
		FeatureCount int             `json:"feature_count"`
		GeoJSON      json.RawMessage `json:"geojson"`
		FetchErrors  []string        `json:"fetch_errors"`
	}
	decodeJSON(t, rec, &body)
	if body.FeatureCount != 0 {
		t.Errorf("Expected empty feature set, got %d", body.FeatureCount)
	}
	if !strings.Contains(string(body.GeoJSON), "FeatureCollection") {
		t.Errorf("Expected empty collection placeholder, got %s", body.GeoJSON)
	}
	if len(body.FetchErrors) == 0 {
		t.Error("Expected fetch_errors to be reported")
	}
}

func TestGetTile(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/tiles/5/3/4?time=202401020000")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}
	if rec.Body.String() != "tile-bytes" {
		t.Errorf("Unexpected body: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Unexpected content type: %s", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc == "" {
		t.Error("Expected cache headers on tile responses")
	}
}

func TestGetTile_Validation(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	cases := []struct {
		path     string
		expected int
	}{
		{"/api/v1/layers/turb-30-31/tiles/a/3/4?time=202401020000", http.StatusBadRequest},
		{"/api/v1/layers/turb-30-31/tiles/-1/3/4?time=202401020000", http.StatusBadRequest},
		{"/api/v1/layers/turb-30-31/tiles/5/3/4?time=bad", http.StatusBadRequest},
		{"/api/v1/layers/no-such-layer/tiles/5/3/4?time=202401020000", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := doRequest(t, router, tc.path); rec.Code != tc.expected {
			t.Errorf("%s: expected %d, got %d", tc.path, tc.expected, rec.Code)
		}
	}
}

func TestGetTile_UpstreamFailure(t *testing.T) {
	upstream := fakeUpstream(t, map[string]bool{"/image": true})
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	if rec := doRequest(t, router, "/api/v1/layers/turb-30-31/tiles/5/3/4?time=202401020000"); rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}

func TestGetLegend(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/layers/turb-30-31/legend")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}
	if rec.Body.String() != "legend-bytes" {
		t.Errorf("Unexpected body: %q", rec.Body.String())
	}
}

func TestGetHistory(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()

	store := &memorySnapshotStore{}
	store.SaveSnapshot(&turbulence.Snapshot{
		LayerID:      "turb-30-31",
		Token:        "202401020000",
		DateKey:      "20240102",
		FeatureCount: 1,
		FetchedAt:    time.Now(),
	})
	router := newTestRouter(t, upstream.URL, store)

	rec := doRequest(t, router, "/api/v1/history?layer=turb-30-31")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}

	var body struct {
		LayerID   string                 `json:"layer_id"`
		Snapshots []*turbulence.Snapshot `json:"snapshots"`
	}
	decodeJSON(t, rec, &body)
	if len(body.Snapshots) != 1 || body.Snapshots[0].Token != "202401020000" {
		t.Errorf("Unexpected history: %+v", body.Snapshots)
	}

	if rec := doRequest(t, router, "/api/v1/history"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing layer, got %d", rec.Code)
	}
	if rec := doRequest(t, router, "/api/v1/history?layer=no-such-layer"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown layer, got %d", rec.Code)
	}
	if rec := doRequest(t, router, "/api/v1/history?layer=turb-30-31&limit=zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestGetHealth(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	rec := doRequest(t, router, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
		Layers int    `json:"layers"`
	}
	decodeJSON(t, rec, &body)
	if body.Status != "warming_up" {
		t.Errorf("Expected warming_up before first refresh, got %s", body.Status)
	}
	if body.Layers != len(turbulence.Layers) {
		t.Errorf("Unexpected layer count: %d", body.Layers)
	}
}

func TestCORSHeaders(t *testing.T) {
	upstream := fakeUpstream(t, nil)
	defer upstream.Close()
	router := newTestRouter(t, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/layers", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard CORS header, got %q", got)
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/api/v1/layers", nil)
	preflight.Header.Set("Origin", "http://example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, preflight)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", rec.Code)
	}
}
