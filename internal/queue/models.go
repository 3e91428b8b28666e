package queue

import (
	"fmt"
	"strings"
	"time"

	"specscan/internal/tile"
)

var allStatuses = []tile.Status{
	tile.StatusPending,
	tile.StatusPartial,
	tile.StatusComplete,
	tile.StatusFailed,
}

// ParseStatus converts a user-supplied status name into a tile status.
func ParseStatus(value string) (tile.Status, error) {
	normalized := tile.Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown tile status %q", value)
}

// Statuses lists every tile status in lifecycle order.
func Statuses() []tile.Status {
	out := make([]tile.Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Tile is a ledger row.
type Tile struct {
	ID int64
	tile.Record
	CreatedAt time.Time
}

// ExtractionStatus is the progress of one tile under one processing version.
type ExtractionStatus string

const (
	ExtractionPending  ExtractionStatus = "pending"
	ExtractionRunning  ExtractionStatus = "running"
	ExtractionComplete ExtractionStatus = "complete"
	ExtractionFailed   ExtractionStatus = "failed"
)

// Extraction records how far extraction of a tile has progressed. Cursor is
// the index of the next spectra row to read.
type Extraction struct {
	Key               tile.Key
	ProcessingVersion string
	Status            ExtractionStatus
	Cursor            int64
	Emitted           int64
	ObjectErrors      int64
	LastError         string
	UpdatedAt         time.Time
}

// HealthSummary aggregates tile counts for diagnostics.
type HealthSummary struct {
	Total    int
	Pending  int
	Partial  int
	Complete int
	Failed   int
}

// DatabaseHealth describes the ledger database for the health command.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TablesPresent    []string
	MissingTables    []string
	MissingColumns   []string
	IntegrityCheck   bool
	TotalTiles       int
	Error            string
}
