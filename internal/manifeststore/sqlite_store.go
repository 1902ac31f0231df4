// Package manifeststore persists resolved tile manifests using SQLite, so a
// restarted process can rebuild already seen tree structure without fetching.
package manifeststore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/soma-tiles/deeptable/internal/tile"
	_ "modernc.org/sqlite"
)

// Store provides persistent storage for manifests using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based manifest store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS manifests (
		dataset TEXT NOT NULL,
		tile_key TEXT NOT NULL,
		children_json TEXT NOT NULL,
		min_ix INTEGER NOT NULL,
		max_ix INTEGER NOT NULL,
		extent_json TEXT,
		n_points INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dataset, tile_key)
	);

	CREATE INDEX IF NOT EXISTS idx_manifests_dataset ON manifests(dataset);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores or replaces the manifest of one tile.
func (s *Store) Put(ctx context.Context, dataset string, m tile.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := m.Children
	if children == nil {
		return fmt.Errorf("manifest %s has no children list", m.Key)
	}
	childrenJSON, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("failed to marshal children: %w", err)
	}

	var extentJSON sql.NullString
	if m.Extent != nil {
		data, err := json.Marshal(m.Extent)
		if err != nil {
			return fmt.Errorf("failed to marshal extent: %w", err)
		}
		extentJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifests (dataset, tile_key, children_json, min_ix, max_ix, extent_json, n_points, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset, tile_key) DO UPDATE SET
			children_json = excluded.children_json,
			min_ix = excluded.min_ix,
			max_ix = excluded.max_ix,
			extent_json = excluded.extent_json,
			n_points = excluded.n_points,
			updated_at = excluded.updated_at
	`,
		dataset,
		m.Key,
		string(childrenJSON),
		m.MinIx,
		m.MaxIx,
		extentJSON,
		m.NPoints,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Get retrieves the manifest of one tile.
func (s *Store) Get(ctx context.Context, dataset, key string) (tile.Manifest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tile_key, children_json, min_ix, max_ix, extent_json, n_points
		FROM manifests WHERE dataset = ? AND tile_key = ?
	`, dataset, key)

	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return tile.Manifest{}, false, nil
	}
	if err != nil {
		return tile.Manifest{}, false, err
	}
	return m, true, nil
}

// List returns every stored manifest of a dataset ordered by key.
func (s *Store) List(ctx context.Context, dataset string) ([]tile.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tile_key, children_json, min_ix, max_ix, extent_json, n_points
		FROM manifests WHERE dataset = ? ORDER BY tile_key
	`, dataset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []tile.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// Count returns the number of stored manifests of a dataset.
func (s *Store) Count(ctx context.Context, dataset string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifests WHERE dataset = ?`, dataset).Scan(&n)
	return n, err
}

// DeleteDataset removes every manifest of a dataset.
func (s *Store) DeleteDataset(ctx context.Context, dataset string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM manifests WHERE dataset = ?`, dataset)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanManifest(row scanner) (tile.Manifest, error) {
	var m tile.Manifest
	var childrenJSON string
	var extentJSON sql.NullString

	if err := row.Scan(&m.Key, &childrenJSON, &m.MinIx, &m.MaxIx, &extentJSON, &m.NPoints); err != nil {
		return tile.Manifest{}, err
	}

	if err := json.Unmarshal([]byte(childrenJSON), &m.Children); err != nil {
		return tile.Manifest{}, fmt.Errorf("failed to unmarshal children of %s: %w", m.Key, err)
	}
	if m.Children == nil {
		m.Children = []string{}
	}
	if extentJSON.Valid {
		var r tile.Rect
		if err := json.Unmarshal([]byte(extentJSON.String), &r); err != nil {
			return tile.Manifest{}, fmt.Errorf("failed to unmarshal extent of %s: %w", m.Key, err)
		}
		m.Extent = &r
	}
	return m, nil
}

// Dataset returns a view of the store scoped to one dataset. It serves as both
// description source and manifest sink of that dataset's tree.
func (s *Store) Dataset(name string) *Dataset {
	return &Dataset{store: s, name: name}
}

// Dataset is a per-dataset view of a Store.
type Dataset struct {
	store *Store
	name  string
}

func (d *Dataset) Describe(ctx context.Context, key string) (tile.Description, bool, error) {
	m, ok, err := d.store.Get(ctx, d.name, key)
	if err != nil || !ok {
		return tile.Description{}, false, err
	}
	return tile.DescriptionFromManifest(m), true, nil
}

func (d *Dataset) RecordManifest(ctx context.Context, m tile.Manifest) error {
	return d.store.Put(ctx, d.name, m)
}

// Count returns the number of manifests stored for the dataset.
func (d *Dataset) Count(ctx context.Context) (int, error) {
	return d.store.Count(ctx, d.name)
}
