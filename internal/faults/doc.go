// Package faults defines the error taxonomy shared by every pipeline stage.
//
// Key responsibilities:
//   - Sentinel markers (retryable fetch, permanent fetch, data corruption,
//     object extraction, normalization) plus the Wrap helper that tags an
//     error with stage and operation context.
//   - ObjectError, which carries the object identifier and tile key for
//     failures scoped to a single spectrum.
//   - Category, which classifies any error for the run summary and decides
//     whether a failure is fatal to the process exit code.
//   - Context helpers that stamp run ids, stage names and tile keys for
//     logging.
package faults
