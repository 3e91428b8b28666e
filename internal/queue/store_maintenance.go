package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"specscan/internal/sqlitex"
	"specscan/internal/tile"
)

// Stats returns a count of tiles grouped by status.
func (s *Store) Stats(ctx context.Context) (map[tile.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tiles GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("tile stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[tile.Status]int)
	for rows.Next() {
		var status tile.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates ledger state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case tile.StatusPending:
			health.Pending += count
		case tile.StatusPartial:
			health.Partial += count
		case tile.StatusComplete:
			health.Complete += count
		case tile.StatusFailed:
			health.Failed += count
		}
	}
	return health, nil
}

var expectedTables = map[string][]string{
	"tiles":       tileColumns,
	"extractions": extractionColumns,
}

// CheckHealth returns diagnostic information about the ledger database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("ledger database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat ledger database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("ledger database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("ledger database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping ledger database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	for _, table := range []string{"tiles", "extractions"} {
		columns, err := tableColumns(connCtx, s, table)
		if err != nil {
			health.Error = err.Error()
			return health, err
		}
		if len(columns) == 0 {
			health.MissingTables = append(health.MissingTables, table)
			continue
		}
		health.TablesPresent = append(health.TablesPresent, table)
		present := make(map[string]struct{}, len(columns))
		for _, col := range columns {
			present[col] = struct{}{}
		}
		for _, col := range expectedTables[table] {
			if _, ok := present[col]; !ok {
				health.MissingColumns = append(health.MissingColumns, table+"."+col)
			}
		}
	}

	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM tiles").Scan(&health.TotalTiles); err != nil && len(health.MissingTables) == 0 {
		health.Error = err.Error()
		return health, fmt.Errorf("count tiles: %w", err)
	}

	result, err := sqlitex.IntegrityCheck(connCtx, s.db)
	if err != nil {
		health.Error = err.Error()
		return health, err
	}
	health.IntegrityCheck = strings.EqualFold(result, "ok")
	return health, nil
}

func tableColumns(ctx context.Context, s *Store, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typeStr string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typeStr, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}
