// Package storage persists profiles, templates, list entries, dispatch logs
// and notifier dedup state.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite, single connection, WAL
//   - "postgres": github.com/lib/pq
//   - "memory": process-local maps (tests, dry runs)
//
// Storage-state blobs for browser sessions live on disk next to the database
// and are handled by BlobDir.
package storage
