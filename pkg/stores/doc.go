// Package stores persists runs, per-rank block summaries and hook
// statistics in SQLite. The schema is versioned with embedded migrations
// and the database runs in WAL mode when backed by a file.
package stores
