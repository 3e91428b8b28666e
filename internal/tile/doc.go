// Package tile fetches survey tile files from a remote source into the local
// cache.
//
// Key responsibilities:
//   - Key: the hierarchical tile identity (survey, program, HEALPix pixel)
//     and its remote and local path layout.
//   - Source implementations for HTTP(S) mirrors, Google Cloud Storage
//     buckets and local directory mirrors, all supporting ranged reads.
//   - Fetcher: resumable, verified, idempotent downloads driven by the
//     retry state machine, recorded in a Ledger and serialized per tile with
//     a file lock.
package tile
