package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skybrief/turbcast/internal/turbulence"
	"github.com/skybrief/turbcast/pkg/logger"
)

// SnapshotStorage is a SQLite-based store for fetched polygon snapshots
type SnapshotStorage struct {
	db           *sql.DB
	logger       *logger.Logger
	maxSnapshots int
}

// NewSnapshotStorage opens (or creates) the snapshot database. maxSnapshots
// bounds how many rows are kept per layer; older rows are pruned on insert.
func NewSnapshotStorage(dbPath string, maxSnapshots int, log *logger.Logger) (*SnapshotStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite snapshot storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	if maxSnapshots <= 0 {
		maxSnapshots = 500
	}

	return &SnapshotStorage{
		db:           db,
		logger:       storageLogger,
		maxSnapshots: maxSnapshots,
	}, nil
}

// Close closes the database connection
func (s *SnapshotStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			layer_id TEXT NOT NULL,
			time_token TEXT NOT NULL,
			date_key TEXT NOT NULL,
			feature_count INTEGER NOT NULL,
			max_probability REAL NOT NULL,
			geojson BLOB,
			fetched_at TIMESTAMP NOT NULL,
			UNIQUE(layer_id, time_token)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_snapshots_layer_fetched
		ON snapshots (layer_id, fetched_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create snapshots index: %w", err)
	}

	return nil
}

// SaveSnapshot inserts or refreshes one snapshot row and prunes old rows for
// the layer beyond the retention limit
func (s *SnapshotStorage) SaveSnapshot(snapshot *turbulence.Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (layer_id, time_token, date_key, feature_count, max_probability, geojson, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(layer_id, time_token) DO UPDATE SET
			feature_count = excluded.feature_count,
			max_probability = excluded.max_probability,
			geojson = excluded.geojson,
			fetched_at = excluded.fetched_at
	`, snapshot.LayerID, snapshot.Token, snapshot.DateKey, snapshot.FeatureCount,
		snapshot.MaxProbability, snapshot.GeoJSON, snapshot.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM snapshots
		WHERE layer_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE layer_id = ?
			ORDER BY fetched_at DESC LIMIT ?
		)
	`, snapshot.LayerID, snapshot.LayerID, s.maxSnapshots)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	s.logger.Debug("Snapshot saved",
		logger.String("layer", snapshot.LayerID),
		logger.String("token", snapshot.Token),
		logger.Int("features", snapshot.FeatureCount))
	return nil
}

// GetSnapshots returns recent snapshot metadata for a layer, newest first.
// The GeoJSON blob is not loaded; history listings only need the summary.
func (s *SnapshotStorage) GetSnapshots(layerID string, limit int) ([]*turbulence.Snapshot, error) {
	if limit <= 0 || limit > s.maxSnapshots {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, layer_id, time_token, date_key, feature_count, max_probability, fetched_at
		FROM snapshots
		WHERE layer_id = ?
		ORDER BY fetched_at DESC
		LIMIT ?
	`, layerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*turbulence.Snapshot
	for rows.Next() {
		var snap turbulence.Snapshot
		var fetchedAt time.Time
		if err := rows.Scan(&snap.ID, &snap.LayerID, &snap.Token, &snap.DateKey,
			&snap.FeatureCount, &snap.MaxProbability, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snap.FetchedAt = fetchedAt
		snapshots = append(snapshots, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot rows: %w", err)
	}

	return snapshots, nil
}

// GetSnapshotGeoJSON returns the raw stored document for one snapshot
func (s *SnapshotStorage) GetSnapshotGeoJSON(layerID, token string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`
		SELECT geojson FROM snapshots WHERE layer_id = ? AND time_token = ?
	`, layerID, token).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot geojson: %w", err)
	}
	return blob, nil
}
