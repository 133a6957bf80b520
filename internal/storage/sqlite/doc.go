// Package sqlite provides a SQLite-backed storage.Storage.
//
// The database holds a single kv table keyed by cache key. Connections are
// configured with:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Schema changes are tracked with PRAGMA user_version.
package sqlite
