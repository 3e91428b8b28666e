package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"specscan/internal/sqlitex"
	"specscan/internal/tile"
)

var extractionSelect = "SELECT " + strings.Join(extractionColumns, ", ") + " FROM extractions"

func scanExtraction(scanner interface{ Scan(dest ...any) error }) (*Extraction, error) {
	var (
		keyStr     string
		ex         Extraction
		statusStr  string
		lastError  sql.NullString
		updatedRaw string
	)
	if err := scanner.Scan(&keyStr, &ex.ProcessingVersion, &statusStr, &ex.Cursor, &ex.Emitted,
		&ex.ObjectErrors, &lastError, &updatedRaw); err != nil {
		return nil, err
	}
	key, err := tile.ParseKey(keyStr)
	if err != nil {
		return nil, err
	}
	ex.Key = key
	ex.Status = ExtractionStatus(statusStr)
	ex.LastError = lastError.String
	if updated, err := sqlitex.ParseTime(updatedRaw); err == nil {
		ex.UpdatedAt = updated
	}
	return &ex, nil
}

// Extraction returns the progress row for key under version, or nil.
func (s *Store) Extraction(ctx context.Context, key tile.Key, version string) (*Extraction, error) {
	row := s.db.QueryRowContext(ctx, extractionSelect+" WHERE tile_key = ? AND processing_version = ?",
		key.String(), version)
	ex, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get extraction %s@%s: %w", key, version, err)
	}
	return ex, nil
}

// BeginExtraction marks the tile as being extracted under version and returns
// the row to resume from. A completed extraction is returned unchanged unless
// force is set, in which case progress restarts at row zero.
func (s *Store) BeginExtraction(ctx context.Context, key tile.Key, version string, force bool) (Extraction, error) {
	var out Extraction
	now := sqlitex.FormatTime(time.Now())
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, extractionSelect+" WHERE tile_key = ? AND processing_version = ?",
			key.String(), version)
		existing, err := scanExtraction(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO extractions (tile_key, processing_version, status, updated_at) VALUES (?, ?, ?, ?)`,
				key.String(), version, ExtractionRunning, now); err != nil {
				return err
			}
			out = Extraction{Key: key, ProcessingVersion: version, Status: ExtractionRunning}
			return nil
		case err != nil:
			return err
		}

		if existing.Status == ExtractionComplete && !force {
			out = *existing
			return nil
		}
		if force {
			existing.Cursor, existing.Emitted, existing.ObjectErrors = 0, 0, 0
		}
		existing.Status = ExtractionRunning
		existing.LastError = ""
		if _, err := tx.ExecContext(ctx,
			`UPDATE extractions SET status = ?, cursor = ?, emitted = ?, object_errors = ?, last_error = NULL, updated_at = ?
                WHERE tile_key = ? AND processing_version = ?`,
			existing.Status, existing.Cursor, existing.Emitted, existing.ObjectErrors, now, key.String(), version); err != nil {
			return err
		}
		out = *existing
		return nil
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("begin extraction %s@%s: %w", key, version, err)
	}
	return out, nil
}

// SaveCursor checkpoints extraction progress. Callers save only after the
// rows before cursor are durably stored.
func (s *Store) SaveCursor(ctx context.Context, ex Extraction) error {
	return s.writeExtraction(ctx, ex, ExtractionRunning, "")
}

// CompleteExtraction records that every row of the tile was processed.
func (s *Store) CompleteExtraction(ctx context.Context, ex Extraction) error {
	return s.writeExtraction(ctx, ex, ExtractionComplete, "")
}

// FailExtraction records a tile-level extraction failure. The cursor is kept
// so a forced retry can choose to resume or restart.
func (s *Store) FailExtraction(ctx context.Context, ex Extraction, message string) error {
	return s.writeExtraction(ctx, ex, ExtractionFailed, message)
}

func (s *Store) writeExtraction(ctx context.Context, ex Extraction, status ExtractionStatus, message string) error {
	res, err := sqlitex.Exec(ctx, s.db,
		`UPDATE extractions SET status = ?, cursor = ?, emitted = ?, object_errors = ?, last_error = ?, updated_at = ?
            WHERE tile_key = ? AND processing_version = ?`,
		status, ex.Cursor, ex.Emitted, ex.ObjectErrors, sqlitex.NullableString(message),
		sqlitex.FormatTime(time.Now()), ex.Key.String(), ex.ProcessingVersion,
	)
	if err != nil {
		return fmt.Errorf("update extraction %s@%s: %w", ex.Key, ex.ProcessingVersion, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update extraction %s@%s: not started", ex.Key, ex.ProcessingVersion)
	}
	return nil
}

// PendingExtractions lists fetched tiles whose extraction under version has
// not completed. With force every fetched tile is listed.
func (s *Store) PendingExtractions(ctx context.Context, version string, force bool) ([]Tile, error) {
	cols := make([]string, len(tileColumns))
	for i, col := range tileColumns {
		cols[i] = "t." + col
	}
	query := "SELECT " + strings.Join(cols, ", ") + ` FROM tiles t
        LEFT JOIN extractions e ON e.tile_key = t.tile_key AND e.processing_version = ?
        WHERE t.status = ?`
	if !force {
		query += " AND (e.status IS NULL OR e.status != ?)"
	}
	query += " ORDER BY t.id"
	args := []any{version, tile.StatusComplete}
	if !force {
		args = append(args, ExtractionComplete)
	}
	return s.queryTiles(ctx, query, args...)
}

// ExtractionStats counts extraction rows under version by status.
func (s *Store) ExtractionStats(ctx context.Context, version string) (map[ExtractionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM extractions WHERE processing_version = ? GROUP BY status`, version)
	if err != nil {
		return nil, fmt.Errorf("extraction stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[ExtractionStatus]int)
	for rows.Next() {
		var status ExtractionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
