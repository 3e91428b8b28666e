// Command specscan fetches survey tiles, extracts and normalizes their
// spectra, and scores them for anomalies.
//
// Every stage is a subcommand and can be rerun safely: completed work is
// skipped and interrupted work resumes. A stage exits non-zero when a tile
// could not be fetched or read, or when normalization hit a defect; skipped
// objects alone are reported but do not fail the command.
package main
