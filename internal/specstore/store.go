package specstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"specscan/internal/sqlitex"
)

const schemaVersion = 1

var manifestSchema = sqlitex.Schema{
	Name:    "spectrum manifest",
	Version: schemaVersion,
	SQL: `CREATE TABLE partitions (
    version TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    grid_fingerprint TEXT NOT NULL,
    n_points INTEGER NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);`,
}

var partitionSchema = sqlitex.Schema{
	Name:    "spectrum partition",
	Version: schemaVersion,
	SQL: `CREATE TABLE spectra (
    object_id INTEGER PRIMARY KEY,
    tile_key TEXT NOT NULL,
    flux BLOB NOT NULL,
    valid BLOB NOT NULL,
    quality REAL NOT NULL,
    low_quality INTEGER NOT NULL,
    scale REAL NOT NULL,
    scale_source TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_spectra_tile ON spectra(tile_key);`,
}

var (
	// ErrUnknownVersion is returned for a processing version with no partition.
	ErrUnknownVersion = errors.New("unknown processing version")
	// ErrFingerprintMismatch is returned when a version is reused with different grid parameters.
	ErrFingerprintMismatch = errors.New("processing version bound to a different grid")
)

// Partition describes one processing version.
type Partition struct {
	Version         string
	Path            string
	GridFingerprint string
	NPoints         int
	RowCount        int64
	CreatedAt       time.Time
}

// Store is the spectrum store.
type Store struct {
	dir      string
	manifest *sql.DB

	mu    sync.Mutex
	parts map[string]*partition
}

type partition struct {
	Partition
	db *sql.DB
}

// Open opens or creates the store under dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	manifest, err := sqlitex.Open(ctx, filepath.Join(dir, "manifest.db"), manifestSchema)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, manifest: manifest, parts: make(map[string]*partition)}, nil
}

// Close closes the manifest and every open partition.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for version, p := range s.parts {
		if err := p.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close partition %s: %w", version, err))
		}
	}
	s.parts = map[string]*partition{}
	if s.manifest != nil {
		if err := s.manifest.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bind creates the partition for version, or verifies that an existing one
// was created with the same grid fingerprint and size.
func (s *Store) Bind(ctx context.Context, version, fingerprint string, nPoints int) (Partition, error) {
	if err := validVersion(version); err != nil {
		return Partition{}, err
	}
	existing, err := s.lookup(ctx, version)
	switch {
	case err == nil:
		return checkBinding(existing, fingerprint, nPoints)
	case !errors.Is(err, ErrUnknownVersion):
		return Partition{}, err
	}

	p := Partition{
		Version:         version,
		Path:            filepath.Join(s.dir, "spectra-"+version+".db"),
		GridFingerprint: fingerprint,
		NPoints:         nPoints,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := sqlitex.Exec(ctx, s.manifest,
		`INSERT INTO partitions (version, path, grid_fingerprint, n_points, row_count, created_at)
            VALUES (?, ?, ?, ?, 0, ?) ON CONFLICT(version) DO NOTHING`,
		p.Version, p.Path, p.GridFingerprint, p.NPoints, sqlitex.FormatTime(p.CreatedAt)); err != nil {
		return Partition{}, fmt.Errorf("register partition %s: %w", version, err)
	}
	// a concurrent Bind may have won the insert
	existing, err = s.lookup(ctx, version)
	if err != nil {
		return Partition{}, err
	}
	return checkBinding(existing, fingerprint, nPoints)
}

func checkBinding(p Partition, fingerprint string, nPoints int) (Partition, error) {
	if p.GridFingerprint != fingerprint || p.NPoints != nPoints {
		return Partition{}, fmt.Errorf("%w: %s uses grid %s (%d points), requested %s (%d points)",
			ErrFingerprintMismatch, p.Version, p.GridFingerprint, p.NPoints, fingerprint, nPoints)
	}
	return p, nil
}

func validVersion(version string) error {
	if version == "" || strings.ContainsAny(version, `/\ `) || version == "." || version == ".." {
		return fmt.Errorf("invalid processing version %q", version)
	}
	return nil
}

func (s *Store) lookup(ctx context.Context, version string) (Partition, error) {
	row := s.manifest.QueryRowContext(ctx,
		`SELECT version, path, grid_fingerprint, n_points, row_count, created_at FROM partitions WHERE version = ?`, version)
	var (
		p          Partition
		createdRaw string
	)
	if err := row.Scan(&p.Version, &p.Path, &p.GridFingerprint, &p.NPoints, &p.RowCount, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Partition{}, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
		}
		return Partition{}, fmt.Errorf("read partition %s: %w", version, err)
	}
	if created, err := sqlitex.ParseTime(createdRaw); err == nil {
		p.CreatedAt = created
	}
	return p, nil
}

// open returns the partition handle for version, opening it on first use.
func (s *Store) open(ctx context.Context, version string) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[version]; ok {
		return p, nil
	}
	meta, err := s.lookup(ctx, version)
	if err != nil {
		return nil, err
	}
	db, err := sqlitex.Open(ctx, meta.Path, partitionSchema)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", version, err)
	}
	p := &partition{Partition: meta, db: db}
	s.parts[version] = p
	return p, nil
}

// Versions lists every partition with its row count.
func (s *Store) Versions(ctx context.Context) ([]Partition, error) {
	rows, err := s.manifest.QueryContext(ctx,
		`SELECT version, path, grid_fingerprint, n_points, row_count, created_at FROM partitions ORDER BY created_at, version`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var (
			p          Partition
			createdRaw string
		)
		if err := rows.Scan(&p.Version, &p.Path, &p.GridFingerprint, &p.NPoints, &p.RowCount, &createdRaw); err != nil {
			return nil, err
		}
		if created, err := sqlitex.ParseTime(createdRaw); err == nil {
			p.CreatedAt = created
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of stored records under version.
func (s *Store) Count(ctx context.Context, version string) (int64, error) {
	p, err := s.open(ctx, version)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spectra`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", version, err)
	}
	return n, nil
}
