// Package index maintains the relational metadata index: one row per object
// with the normalization and scoring columns other tools query.
//
// Normalization and scoring write disjoint columns through Upsert, so the
// stages never overwrite each other's values. SQL is built with squirrel in
// the placeholder format of the configured driver (SQLite or PostgreSQL).
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"specscan/internal/config"
	"specscan/internal/sqlitex"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const table = "objects"

const createTable = `CREATE TABLE IF NOT EXISTS objects (
    object_id BIGINT PRIMARY KEY,
    tile_key TEXT,
    processing_version TEXT,
    quality_score DOUBLE PRECISION,
    low_quality BOOLEAN,
    model_version TEXT,
    recon_error DOUBLE PRECISION,
    anomaly_rank BIGINT,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_objects_model_rank ON objects(model_version, anomaly_rank);`

var sqliteSchema = sqlitex.Schema{Name: "metadata index", SQL: createTable, Version: 1}

var allColumns = []string{
	"object_id",
	"tile_key",
	"processing_version",
	"quality_score",
	"low_quality",
	"model_version",
	"recon_error",
	"anomaly_rank",
}

// Fields holds the columns a component writes. Nil fields are left as they
// are in the index.
type Fields struct {
	TileKey           *string
	ProcessingVersion *string
	QualityScore      *float64
	LowQuality        *bool
	ModelVersion      *string
	ReconError        *float64
	AnomalyRank       *int64
}

func (f Fields) columns() ([]string, []any) {
	var (
		cols []string
		vals []any
	)
	add := func(name string, set bool, value any) {
		if set {
			cols = append(cols, name)
			vals = append(vals, value)
		}
	}
	add("tile_key", f.TileKey != nil, deref(f.TileKey))
	add("processing_version", f.ProcessingVersion != nil, deref(f.ProcessingVersion))
	add("quality_score", f.QualityScore != nil, deref(f.QualityScore))
	add("low_quality", f.LowQuality != nil, deref(f.LowQuality))
	add("model_version", f.ModelVersion != nil, deref(f.ModelVersion))
	add("recon_error", f.ReconError != nil, deref(f.ReconError))
	add("anomaly_rank", f.AnomalyRank != nil, deref(f.AnomalyRank))
	return cols, vals
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// NormalizationFields are the columns written after normalization.
func NormalizationFields(tileKey, version string, quality float64, lowQuality bool) Fields {
	return Fields{TileKey: &tileKey, ProcessingVersion: &version, QualityScore: &quality, LowQuality: &lowQuality}
}

// ScoreFields are the columns written after scoring and ranking.
func ScoreFields(modelVersion string, reconError float64, rank int64) Fields {
	return Fields{ModelVersion: &modelVersion, ReconError: &reconError, AnomalyRank: &rank}
}

// Entry pairs an object with the fields to write.
type Entry struct {
	ObjectID int64
	Fields   Fields
}

// Row is one object as stored in the index.
type Row struct {
	ObjectID int64
	Fields
	UpdatedAt time.Time
}

// Index is the metadata index.
type Index struct {
	db     *sql.DB
	driver string
	ph     sq.PlaceholderFormat
}

// Open connects to the index. For sqlite the DSN is a file path.
func Open(ctx context.Context, driver, dsn string) (*Index, error) {
	switch driver {
	case DriverSQLite:
		db, err := sqlitex.Open(ctx, dsn, sqliteSchema)
		if err != nil {
			return nil, err
		}
		return &Index{db: db, driver: driver, ph: sq.Question}, nil
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: open: %w", err)
		}
		if err := pingWithRetry(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
		}
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
		return &Index{db: db, driver: driver, ph: sq.Dollar}, nil
	default:
		return nil, fmt.Errorf("index driver %q is not supported", driver)
	}
}

// OpenConfig opens the index configured in cfg.
func OpenConfig(ctx context.Context, cfg *config.Config) (*Index, error) {
	return Open(ctx, cfg.Index.Driver, cfg.IndexDSN())
}

func pingWithRetry(ctx context.Context, db *sql.DB) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// Close closes the connection.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Driver reports the backend in use.
func (x *Index) Driver() string { return x.driver }

// Upsert writes the non-nil fields of f for objectID.
func (x *Index) Upsert(ctx context.Context, objectID int64, f Fields) error {
	return x.UpsertMany(ctx, []Entry{{ObjectID: objectID, Fields: f}})
}

// UpsertMany writes entries in one transaction.
func (x *Index) UpsertMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := sqlitex.FormatTime(time.Now())
	write := func(tx *sql.Tx) error {
		for _, e := range entries {
			query, args, err := x.upsertSQL(e, now)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert object %d: %w", e.ObjectID, err)
			}
		}
		return nil
	}
	var err error
	if x.driver == DriverSQLite {
		err = sqlitex.InTx(ctx, x.db, write)
	} else {
		err = inTx(ctx, x.db, write)
	}
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (x *Index) upsertSQL(e Entry, now string) (string, []any, error) {
	cols, vals := e.Fields.columns()
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("upsert object %d: no fields", e.ObjectID)
	}
	set := ""
	for _, col := range cols {
		set += fmt.Sprintf("%s = EXCLUDED.%s, ", col, col)
	}
	set += "updated_at = EXCLUDED.updated_at"

	insert := sq.Insert(table).
		Columns(append(append([]string{"object_id"}, cols...), "updated_at")...).
		Values(append(append([]any{e.ObjectID}, vals...), now)...).
		Suffix("ON CONFLICT (object_id) DO UPDATE SET " + set).
		PlaceholderFormat(x.ph)
	return insert.ToSql()
}

// Query returns up to limit rows matching pred in object identifier order.
// A nil pred matches every row; limit <= 0 means no limit.
func (x *Index) Query(ctx context.Context, pred sq.Sqlizer, limit int) ([]Row, error) {
	q := sq.Select(append(allColumns, "updated_at")...).From(table).OrderBy("object_id").PlaceholderFormat(x.ph)
	if pred != nil {
		q = q.Where(pred)
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build index query: %w", err)
	}
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r          Row
			tileKey    sql.NullString
			version    sql.NullString
			quality    sql.NullFloat64
			lowQuality sql.NullBool
			model      sql.NullString
			reconError sql.NullFloat64
			rank       sql.NullInt64
			updatedRaw string
		)
		if err := rows.Scan(&r.ObjectID, &tileKey, &version, &quality, &lowQuality, &model, &reconError, &rank, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		r.TileKey = ptr(tileKey.String, tileKey.Valid)
		r.ProcessingVersion = ptr(version.String, version.Valid)
		r.QualityScore = ptr(quality.Float64, quality.Valid)
		r.LowQuality = ptr(lowQuality.Bool, lowQuality.Valid)
		r.ModelVersion = ptr(model.String, model.Valid)
		r.ReconError = ptr(reconError.Float64, reconError.Valid)
		r.AnomalyRank = ptr(rank.Int64, rank.Valid)
		if updated, err := sqlitex.ParseTime(updatedRaw); err == nil {
			r.UpdatedAt = updated
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func ptr[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}
