// Package stores provides the render ledger: a SQLite database (WAL mode,
// schema managed by golang-migrate) recording render passes, the
// configurations they produced, the pinning snapshots they used and the
// migration overlays they removed. The ledger backs "smithy history" and the
// drift check of "smithy render --check".
package stores
