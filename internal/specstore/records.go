package specstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	sq "github.com/Masterminds/squirrel"

	"specscan/internal/spectrum"
	"specscan/internal/sqlitex"
)

const defaultPageSize = 512

// Filter narrows Iterate and ReadVectors. The zero value selects every row.
type Filter struct {
	ExcludeLowQuality bool
	MinQuality        float64
	Tile              string
}

func (f Filter) apply(q sq.SelectBuilder) sq.SelectBuilder {
	if f.ExcludeLowQuality {
		q = q.Where(sq.Eq{"low_quality": 0})
	}
	if f.MinQuality > 0 {
		q = q.Where(sq.GtOrEq{"quality": f.MinQuality})
	}
	if f.Tile != "" {
		q = q.Where(sq.Eq{"tile_key": f.Tile})
	}
	return q
}

// Vector is the column-pruned form of a record used for scoring.
// Cursor is a keyset position in object identifier order. The zero value
// starts before the first object, whatever its identifier.
type Cursor struct {
	After spectrum.ObjectID
	Set   bool
}

// After returns the position just past id.
func After(id spectrum.ObjectID) Cursor { return Cursor{After: id, Set: true} }

func (c Cursor) apply(q sq.SelectBuilder) sq.SelectBuilder {
	if !c.Set {
		return q
	}
	return q.Where(sq.Gt{"object_id": int64(c.After)})
}

type Vector struct {
	ObjectID spectrum.ObjectID
	Flux     []float64
	Valid    []bool
}

// Append inserts records, skipping any (object, processing version) already
// stored. Each call is one transaction per processing version. It returns
// how many rows were inserted.
func (s *Store) Append(ctx context.Context, spectra ...spectrum.Normalized) (int, error) {
	byVersion := make(map[string][]spectrum.Normalized)
	var order []string
	for _, rec := range spectra {
		if _, seen := byVersion[rec.ProcessingVersion]; !seen {
			order = append(order, rec.ProcessingVersion)
		}
		byVersion[rec.ProcessingVersion] = append(byVersion[rec.ProcessingVersion], rec)
	}

	total := 0
	for _, version := range order {
		n, err := s.appendVersion(ctx, version, byVersion[version])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) appendVersion(ctx context.Context, version string, records []spectrum.Normalized) (int, error) {
	p, err := s.open(ctx, version)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := rec.Validate(p.NPoints); err != nil {
			return 0, fmt.Errorf("append to %s: %w", version, err)
		}
	}

	now := sqlitex.FormatTime(time.Now())
	inserted := 0
	err = sqlitex.InTx(ctx, p.db, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO spectra
            (object_id, tile_key, flux, valid, quality, low_quality, scale, scale_source, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(object_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, rec := range records {
			lowQuality := 0
			if rec.LowQuality {
				lowQuality = 1
			}
			res, err := stmt.ExecContext(ctx, int64(rec.ObjectID), rec.Tile, encodeFlux(rec.Flux), encodeValid(rec.Valid),
				rec.Quality, lowQuality, rec.Scale, string(rec.ScaleSource), now)
			if err != nil {
				return fmt.Errorf("insert object %d: %w", rec.ObjectID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", version, err)
	}
	if inserted > 0 {
		if _, err := sqlitex.Exec(ctx, s.manifest,
			`UPDATE partitions SET row_count = row_count + ? WHERE version = ?`, inserted, version); err != nil {
			return inserted, fmt.Errorf("update row count for %s: %w", version, err)
		}
	}
	return inserted, nil
}

// Iterate yields records of version in ascending object identifier order,
// starting after the given identifier. Pages are fetched by keyset so a
// consumer that recorded its last identifier resumes without rescanning.
func (s *Store) Iterate(ctx context.Context, version string, filter Filter, after Cursor) iter.Seq2[spectrum.Normalized, error] {
	return func(yield func(spectrum.Normalized, error) bool) {
		p, err := s.open(ctx, version)
		if err != nil {
			yield(spectrum.Normalized{}, err)
			return
		}
		cursor := after
		for {
			if err := ctx.Err(); err != nil {
				yield(spectrum.Normalized{}, err)
				return
			}
			page, err := p.readPage(ctx, filter, cursor, defaultPageSize)
			if err != nil {
				yield(spectrum.Normalized{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = After(rec.ObjectID)
			}
			if len(page) < defaultPageSize {
				return
			}
		}
	}
}

func (p *partition) readPage(ctx context.Context, filter Filter, after Cursor, limit int) ([]spectrum.Normalized, error) {
	q := filter.apply(after.apply(sq.Select("object_id", "tile_key", "flux", "valid", "quality", "low_quality", "scale", "scale_source").
		From("spectra")).
		OrderBy("object_id").
		Limit(uint64(limit)))
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build page query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Version, err)
	}
	defer rows.Close()

	var out []spectrum.Normalized
	for rows.Next() {
		var (
			id         int64
			rec        spectrum.Normalized
			flux       []byte
			valid      []byte
			lowQuality int
			source     string
		)
		if err := rows.Scan(&id, &rec.Tile, &flux, &valid, &rec.Quality, &lowQuality, &rec.Scale, &source); err != nil {
			return nil, fmt.Errorf("scan %s: %w", p.Version, err)
		}
		rec.ObjectID = spectrum.ObjectID(id)
		rec.LowQuality = lowQuality != 0
		rec.ScaleSource = spectrum.ScaleSource(source)
		rec.ProcessingVersion = p.Version
		if rec.Flux, err = decodeFlux(flux, p.NPoints); err != nil {
			return nil, fmt.Errorf("object %d: %w", id, err)
		}
		if rec.Valid, err = decodeValid(valid, p.NPoints); err != nil {
			return nil, fmt.Errorf("object %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadVectors reads up to limit vectors past the cursor, fetching only the
// identifier, flux and validity columns.
func (s *Store) ReadVectors(ctx context.Context, version string, filter Filter, after Cursor, limit int) ([]Vector, error) {
	p, err := s.open(ctx, version)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	q := filter.apply(after.apply(sq.Select("object_id", "flux", "valid").
		From("spectra")).
		OrderBy("object_id").
		Limit(uint64(limit)))
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build vector query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read vectors %s: %w", version, err)
	}
	defer rows.Close()

	out := make([]Vector, 0, limit)
	for rows.Next() {
		var (
			id    int64
			flux  []byte
			valid []byte
		)
		if err := rows.Scan(&id, &flux, &valid); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v := Vector{ObjectID: spectrum.ObjectID(id)}
		if v.Flux, err = decodeFlux(flux, p.NPoints); err != nil {
			return nil, fmt.Errorf("object %d: %w", id, err)
		}
		if v.Valid, err = decodeValid(valid, p.NPoints); err != nil {
			return nil, fmt.Errorf("object %d: %w", id, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// NPoints returns the grid size of version.
func (s *Store) NPoints(ctx context.Context, version string) (int, error) {
	p, err := s.open(ctx, version)
	if err != nil {
		return 0, err
	}
	return p.NPoints, nil
}
