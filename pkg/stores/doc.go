// Package stores provides the persistence layer for pyrite environments.
// It includes SQLite-based storage with WAL mode, connection pooling,
// compare-and-swap snapshot replacement, and sync transaction history.
package stores
