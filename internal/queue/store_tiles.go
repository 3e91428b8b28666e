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

var tileSelect = "SELECT " + strings.Join(tileColumns, ", ") + " FROM tiles"

func scanTile(scanner interface{ Scan(dest ...any) error }) (*Tile, error) {
	var (
		id           int64
		keyStr       string
		survey       string
		program      string
		pixel        int64
		statusStr    string
		localPath    sql.NullString
		size         int64
		checksumAlgo sql.NullString
		checksum     sql.NullString
		attempts     int
		lastError    sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&id,
		&keyStr,
		&survey,
		&program,
		&pixel,
		&statusStr,
		&localPath,
		&size,
		&checksumAlgo,
		&checksum,
		&attempts,
		&lastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	t := &Tile{
		ID: id,
		Record: tile.Record{
			Key:          tile.Key{Survey: survey, Program: program, Pixel: pixel},
			Status:       tile.Status(statusStr),
			LocalPath:    localPath.String,
			Size:         size,
			ChecksumAlgo: checksumAlgo.String,
			Checksum:     checksum.String,
			Attempts:     attempts,
			LastError:    lastError.String,
		},
	}
	if created, err := sqlitex.ParseTime(createdRaw); err == nil {
		t.CreatedAt = created
	}
	if updated, err := sqlitex.ParseTime(updatedRaw); err == nil {
		t.UpdatedAt = updated
	}
	return t, nil
}

// Enqueue records tiles as pending. Keys already in the ledger are left
// untouched, so enumerating the footprint twice is harmless.
func (s *Store) Enqueue(ctx context.Context, keys ...tile.Key) (int, error) {
	for _, key := range keys {
		if err := key.Validate(); err != nil {
			return 0, err
		}
	}
	added := 0
	now := sqlitex.FormatTime(time.Now())
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		added = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tiles (tile_key, survey, program, pixel, status, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(tile_key) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, key := range keys {
			res, err := stmt.ExecContext(ctx, key.String(), key.Survey, key.Program, key.Pixel, tile.StatusPending, now, now)
			if err != nil {
				return fmt.Errorf("insert %s: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue tiles: %w", err)
	}
	return added, nil
}

// Get returns the ledger row for key, or nil when the tile is unknown.
func (s *Store) Get(ctx context.Context, key tile.Key) (*Tile, error) {
	row := s.db.QueryRowContext(ctx, tileSelect+" WHERE tile_key = ?", key.String())
	t, err := scanTile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tile %s: %w", key, err)
	}
	return t, nil
}

// List returns tiles ordered by id, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...tile.Status) ([]Tile, error) {
	query := tileSelect
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (" + sqlitex.Placeholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += " ORDER BY id"
	return s.queryTiles(ctx, query, args...)
}

func (s *Store) queryTiles(ctx context.Context, query string, args ...any) ([]Tile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer rows.Close()

	var out []Tile
	for rows.Next() {
		t, err := scanTile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RetryFailed moves failed tiles back to pending and returns how many moved.
// With no keys every failed tile is reset.
func (s *Store) RetryFailed(ctx context.Context, keys ...tile.Key) (int64, error) {
	query := `UPDATE tiles SET status = ?, last_error = NULL, updated_at = ? WHERE status = ?`
	args := []any{tile.StatusPending, sqlitex.FormatTime(time.Now()), tile.StatusFailed}
	if len(keys) > 0 {
		query += " AND tile_key IN (" + sqlitex.Placeholders(len(keys)) + ")"
		for _, key := range keys {
			args = append(args, key.String())
		}
	}
	res, err := sqlitex.Exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed tiles: %w", err)
	}
	return res.RowsAffected()
}

// Lookup implements tile.Ledger.
func (s *Store) Lookup(ctx context.Context, key tile.Key) (tile.Record, bool, error) {
	t, err := s.Get(ctx, key)
	if err != nil || t == nil {
		return tile.Record{}, false, err
	}
	return t.Record, true, nil
}

// MarkPartial implements tile.Ledger. Tiles fetched without being enqueued
// first are added to the ledger here.
func (s *Store) MarkPartial(ctx context.Context, key tile.Key, info tile.ObjectInfo, localPath string) error {
	now := sqlitex.FormatTime(time.Now())
	_, err := sqlitex.Exec(ctx, s.db,
		`INSERT INTO tiles (tile_key, survey, program, pixel, status, local_path, size_bytes,
                checksum_algo, checksum, attempts, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
            ON CONFLICT(tile_key) DO UPDATE SET
                status = excluded.status,
                local_path = excluded.local_path,
                size_bytes = excluded.size_bytes,
                checksum_algo = excluded.checksum_algo,
                checksum = excluded.checksum,
                attempts = tiles.attempts + 1,
                updated_at = excluded.updated_at`,
		key.String(), key.Survey, key.Program, key.Pixel, tile.StatusPartial, localPath, info.Size,
		sqlitex.NullableString(info.ChecksumAlgo), sqlitex.NullableString(info.Checksum), now, now,
	)
	if err != nil {
		return fmt.Errorf("mark %s partial: %w", key, err)
	}
	return nil
}

// MarkComplete implements tile.Ledger.
func (s *Store) MarkComplete(ctx context.Context, key tile.Key, localPath string, info tile.ObjectInfo) error {
	res, err := sqlitex.Exec(ctx, s.db,
		`UPDATE tiles SET status = ?, local_path = ?, size_bytes = ?, checksum_algo = ?, checksum = ?,
                last_error = NULL, updated_at = ?
            WHERE tile_key = ?`,
		tile.StatusComplete, localPath, info.Size,
		sqlitex.NullableString(info.ChecksumAlgo), sqlitex.NullableString(info.Checksum),
		sqlitex.FormatTime(time.Now()), key.String(),
	)
	if err != nil {
		return fmt.Errorf("mark %s complete: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark %s complete: tile not in ledger", key)
	}
	return nil
}

// MarkFailed implements tile.Ledger.
func (s *Store) MarkFailed(ctx context.Context, key tile.Key, message string) error {
	now := sqlitex.FormatTime(time.Now())
	_, err := sqlitex.Exec(ctx, s.db,
		`INSERT INTO tiles (tile_key, survey, program, pixel, status, last_error, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(tile_key) DO UPDATE SET
                status = excluded.status,
                last_error = excluded.last_error,
                updated_at = excluded.updated_at`,
		key.String(), key.Survey, key.Program, key.Pixel, tile.StatusFailed, message, now, now,
	)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", key, err)
	}
	return nil
}

var _ tile.Ledger = (*Store)(nil)
