package queue

import (
	_ "embed"

	"specscan/internal/sqlitex"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
// Users will need to delete their ledger after schema changes.
const schemaVersion = 1

var ledgerSchema = sqlitex.Schema{Name: "tile ledger", SQL: schemaSQL, Version: schemaVersion}

var tileColumns = []string{
	"id",
	"tile_key",
	"survey",
	"program",
	"pixel",
	"status",
	"local_path",
	"size_bytes",
	"checksum_algo",
	"checksum",
	"attempts",
	"last_error",
	"created_at",
	"updated_at",
}

var extractionColumns = []string{
	"tile_key",
	"processing_version",
	"status",
	"cursor",
	"emitted",
	"object_errors",
	"last_error",
	"updated_at",
}
