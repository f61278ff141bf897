package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/skybrief/turbcast/internal/api"
	"github.com/skybrief/turbcast/internal/config"
	"github.com/skybrief/turbcast/internal/storage/sqlite"
	"github.com/skybrief/turbcast/internal/turbulence"
	"github.com/skybrief/turbcast/internal/websocket"
	"github.com/skybrief/turbcast/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Turbcast server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Snapshot storage
	dbDir := filepath.Dir(cfg.Storage.SQLitePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dbDir))
		os.Exit(1)
	}

	snapshotStorage, err := sqlite.NewSnapshotStorage(cfg.Storage.SQLitePath, cfg.Storage.MaxSnapshotsPerLayer, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer snapshotStorage.Close()
	log.Info("Using SQLite snapshot storage", logger.String("path", cfg.Storage.SQLitePath))

	// WebSocket server for index-update events
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Forecast service
	clientCfg := turbulence.ClientConfig{
		BaseURL:               cfg.Upstream.BaseURL,
		RequestTimeoutSeconds: cfg.Upstream.RequestTimeoutSeconds,
		MaxRetries:            cfg.Upstream.MaxRetries,
		RateLimitPerSecond:    cfg.Upstream.RateLimitPerSecond,
		RateLimitBurst:        cfg.Upstream.RateLimitBurst,
		BreakerMaxFailures:    cfg.Upstream.BreakerMaxFailures,
		BreakerOpenSeconds:    cfg.Upstream.BreakerOpenSeconds,
	}
	serviceCfg := turbulence.ServiceConfig{
		EnabledLayerIDs:        cfg.Forecast.EnabledLayers,
		RefreshIntervalMinutes: cfg.Forecast.RefreshIntervalMinutes,
		TimesExpiryMinutes:     cfg.Forecast.TimesExpiryMinutes,
		PolygonExpiryMinutes:   cfg.Forecast.PolygonExpiryMinutes,
		LegendExpiryMinutes:    cfg.Forecast.LegendExpiryMinutes,
		TileCacheSize:          cfg.Forecast.TileCacheSize,
	}

	forecastService, err := turbulence.NewService(clientCfg, serviceCfg, snapshotStorage, wsServer, log)
	if err != nil {
		log.Error("Failed to create forecast service", logger.Error(err))
		os.Exit(1)
	}

	if err := forecastService.Start(); err != nil {
		log.Error("Failed to start forecast service", logger.Error(err))
		os.Exit(1)
	}

	// API router
	router := api.NewRouter(forecastService, cfg, log, wsServer)

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := []int{cfg.Server.Port}
	if len(cfg.Server.AdditionalPorts) > 0 {
		allPorts = append(allPorts, cfg.Server.AdditionalPorts...)
	}

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      router.Routes(),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	log.Info("Stopping forecast service...")
	forecastService.Stop()
	log.Info("Forecast service stopped.")

	// Shutdown all HTTP servers
	log.Info("Shutting down HTTP servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait()

	log.Info("Server fully stopped")
}
