// Package queue persists the tile ledger in SQLite.
//
// The Store records every enumerated tile with its fetch status, expected size
// and checksum, attempt count and last error, and implements tile.Ledger so the
// fetcher can drive those transitions. A second table tracks extraction
// progress per (tile, processing version): a row cursor into the tile's
// spectra table so a restarted run resumes where the last one stopped.
//
// Tiles are never deleted automatically. Schema changes bump the version in
// schema.go; users delete the ledger to adopt the new schema.
package queue
