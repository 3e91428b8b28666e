// Package pipeline wires the stages of a run together: fetch tiles into the
// cache, extract and normalize their spectra into the store and metadata
// index, train a model, and score stored spectra.
//
// Each stage is resumable on its own. Tiles already fetched are skipped by
// the ledger, extraction resumes from the saved per-tile cursor, and scoring
// skips objects already scored under the model version. Per-tile and
// per-object failures are recorded in the run summary and never abort the
// run; normalization defects and cancellation do.
package pipeline
