package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skybrief/turbcast/internal/config"
	"github.com/skybrief/turbcast/internal/turbulence"
	"github.com/skybrief/turbcast/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	forecastService *turbulence.Service
	config          *config.Config
	logger          *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(forecastService *turbulence.Service, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		forecastService: forecastService,
		config:          cfg,
		logger:          log.Named("api-handler"),
	}
}

// GetHealth reports service status and cache statistics
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	lastRefresh, status := h.forecastService.GetStatus()

	response := map[string]interface{}{
		"status":       status,
		"last_refresh": lastRefresh,
		"layers":       len(h.forecastService.EnabledLayers()),
		"cache":        h.forecastService.GetCacheStats(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetConfig returns the public configuration
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	// Sanitized view with only public values
	publicConfig := map[string]interface{}{
		"forecast": map[string]interface{}{
			"refresh_interval_minutes": h.config.Forecast.RefreshIntervalMinutes,
			"times_expiry_minutes":     h.config.Forecast.TimesExpiryMinutes,
		},
		"upstream": map[string]interface{}{
			"request_timeout_seconds": h.config.Upstream.RequestTimeoutSeconds,
			"max_retries":             h.config.Upstream.MaxRetries,
		},
	}

	WriteJSON(w, http.StatusOK, publicConfig)
}

// GetLayers returns the enabled layer table
func (h *Handler) GetLayers(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"layers": h.forecastService.EnabledLayers(),
	})
}

// GetTimes returns the grouped time index for a layer. Upstream failures
// degrade to an empty index with fetch_errors rather than an error status.
func (h *Handler) GetTimes(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	if _, ok := turbulence.LayerByID(layerID); !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	idx, err := h.forecastService.GetTimeIndex(r.Context(), layerID)
	if err != nil {
		h.logger.Error("Failed to get time index",
			logger.String("layer", layerID),
			logger.Error(err))

		response := struct {
			Dates       []string `json:"dates"`
			LastUpdated string   `json:"last_updated"`
			FetchErrors []string `json:"fetch_errors,omitempty"`
		}{
			Dates:       []string{},
			LastUpdated: time.Now().UTC().Format(time.RFC3339),
			FetchErrors: []string{"Times: " + err.Error()},
		}
		WriteJSON(w, http.StatusOK, response)
		return
	}

	WriteJSON(w, http.StatusOK, idx)
}

// geojsonResponse wraps the raw upstream document with derived attributes
type geojsonResponse struct {
	LayerID        string                      `json:"layer_id"`
	Token          string                      `json:"token"`
	FeatureCount   int                         `json:"feature_count"`
	MaxProbability float64                     `json:"max_probability"`
	Bound          turbulence.Bound            `json:"bound"`
	Features       []turbulence.PolygonFeature `json:"features"`
	GeoJSON        json.RawMessage             `json:"geojson"`
	FetchedAt      time.Time                   `json:"fetched_at"`
	FetchErrors    []string                    `json:"fetch_errors,omitempty"`
}

// GetGeoJSON returns the polygon set for a layer and token. An omitted time
// query parameter selects the layer's default token.
func (h *Handler) GetGeoJSON(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	if _, ok := turbulence.LayerByID(layerID); !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	token := r.URL.Query().Get("time")
	if token == "" {
		idx, err := h.forecastService.GetTimeIndex(r.Context(), layerID)
		if err != nil || idx.IsEmpty() {
			WriteJSON(w, http.StatusOK, geojsonResponse{
				LayerID:     layerID,
				Features:    []turbulence.PolygonFeature{},
				GeoJSON:     json.RawMessage(`{"type":"FeatureCollection","features":[]}`),
				FetchedAt:   time.Now().UTC(),
				FetchErrors: []string{"No forecast times available"},
			})
			return
		}
		token = idx.DefaultToken
	} else if err := turbulence.ValidateToken(token); err != nil {
		http.Error(w, "Invalid time token", http.StatusBadRequest)
		return
	}

	set, err := h.forecastService.GetPolygons(r.Context(), layerID, token)
	if err != nil {
		if errors.Is(err, turbulence.ErrInvalidToken) {
			http.Error(w, "Invalid time token", http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to get polygons",
			logger.String("layer", layerID),
			logger.String("token", token),
			logger.Error(err))

		WriteJSON(w, http.StatusOK, geojsonResponse{
			LayerID:     layerID,
			Token:       token,
			Features:    []turbulence.PolygonFeature{},
			GeoJSON:     json.RawMessage(`{"type":"FeatureCollection","features":[]}`),
			FetchedAt:   time.Now().UTC(),
			FetchErrors: []string{"GeoJSON: " + err.Error()},
		})
		return
	}

	features := set.Features
	if features == nil {
		features = []turbulence.PolygonFeature{}
	}
	WriteJSON(w, http.StatusOK, geojsonResponse{
		LayerID:        set.LayerID,
		Token:          set.Token,
		FeatureCount:   len(set.Features),
		MaxProbability: set.MaxProbability,
		Bound:          set.Bound,
		Features:       features,
		GeoJSON:        json.RawMessage(set.Raw),
		FetchedAt:      set.FetchedAt,
	})
}

// GetTile proxies one forecast overlay tile image
func (h *Handler) GetTile(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	if _, ok := turbulence.LayerByID(layerID); !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errZ != nil || errX != nil || errY != nil || z < 0 || x < 0 || y < 0 {
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("time")
	if err := turbulence.ValidateToken(token); err != nil {
		http.Error(w, "Invalid time token", http.StatusBadRequest)
		return
	}

	data, contentType, err := h.forecastService.GetTile(r.Context(), layerID, token, z, x, y)
	if err != nil {
		h.logger.Error("Failed to fetch tile",
			logger.String("layer", layerID),
			logger.String("token", token),
			logger.Int("z", z), logger.Int("x", x), logger.Int("y", y),
			logger.Error(err))
		http.Error(w, "Upstream tile fetch failed", http.StatusBadGateway)
		return
	}

	writeImage(w, data, contentType, "image/png")
}

// GetLegend proxies the legend image for a layer
func (h *Handler) GetLegend(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	if _, ok := turbulence.LayerByID(layerID); !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	data, contentType, err := h.forecastService.GetLegend(r.Context(), layerID)
	if err != nil {
		h.logger.Error("Failed to fetch legend",
			logger.String("layer", layerID),
			logger.Error(err))
		http.Error(w, "Upstream legend fetch failed", http.StatusBadGateway)
		return
	}

	writeImage(w, data, contentType, "image/png")
}

// GetHistory returns recent snapshot metadata for a layer
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	layerID := r.URL.Query().Get("layer")
	if layerID == "" {
		http.Error(w, "Missing layer parameter", http.StatusBadRequest)
		return
	}
	if _, ok := turbulence.LayerByID(layerID); !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	snapshots, err := h.forecastService.GetSnapshots(layerID, limit)
	if err != nil {
		h.logger.Error("Failed to load snapshot history",
			logger.String("layer", layerID),
			logger.Error(err))
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if snapshots == nil {
		snapshots = []*turbulence.Snapshot{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"layer_id":  layerID,
		"snapshots": snapshots,
	})
}

// writeImage writes image bytes with a content type fallback
func writeImage(w http.ResponseWriter, data []byte, contentType, fallback string) {
	if contentType == "" {
		contentType = fallback
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
