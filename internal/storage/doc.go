// Package storage persists run history: one record per finished task.
//
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: SQLite database (modernc.org/sqlite, no cgo)
package storage
