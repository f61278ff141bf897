package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skybrief/turbcast/internal/config"
	"github.com/skybrief/turbcast/internal/turbulence"
	"github.com/skybrief/turbcast/internal/websocket"
	"github.com/skybrief/turbcast/pkg/logger"
)

// Router assembles the HTTP routes for the API and static frontend
type Router struct {
	handler  *Handler
	config   *config.Config
	wsServer *websocket.Server
	logger   *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(forecastService *turbulence.Service, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler:  NewHandler(forecastService, cfg, log),
		config:   cfg,
		wsServer: wsServer,
		logger:   log.Named("api-router"),
	}
}

// Routes returns the assembled route tree
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(rt.config.Server.CORSAllowedOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/config", rt.handler.GetConfig)
		r.Get("/layers", rt.handler.GetLayers)
		r.Get("/layers/{layerID}/times", rt.handler.GetTimes)
		r.Get("/layers/{layerID}/geojson", rt.handler.GetGeoJSON)
		r.Get("/layers/{layerID}/tiles/{z}/{x}/{y}", rt.handler.GetTile)
		r.Get("/layers/{layerID}/legend", rt.handler.GetLegend)
		r.Get("/history", rt.handler.GetHistory)
	})

	r.Get("/ws", rt.wsServer.HandleConnection)

	if rt.config.Server.StaticFilesDir != "" {
		staticHandler := NewStaticFileHandler(rt.config.Server.StaticFilesDir, rt.logger)
		r.NotFound(staticHandler.ServeHTTP)
	}

	return r
}

// corsMiddleware applies the configured allowed origins to every response
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
