// Package specstore persists normalized spectra, one SQLite partition per
// processing version.
//
// A manifest database catalogues the partitions and binds each processing
// version to the grid fingerprint it was created with, so records produced
// under different normalization parameters never share a version. Rows are
// keyed by object identifier; appends are idempotent and reads are
// keyset-paginated in identifier order.
package specstore
