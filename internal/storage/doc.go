// Package storage is the durable key/value layer behind per-account state.
//
// Two drivers exist:
//   - "file": one JSON document per key, written to a temp file and renamed
//   - "sqlite": a kv table in a SQLite database (modernc.org/sqlite)
//
// Both also keep an append-only audit trail of deliveries.
package storage
