// Package storage is the optional archive metadata index.
//
// Two drivers: a dependency-free JSONL file backend (default) and a SQLite
// backend behind the "sqlite" build tag. When storage is disabled the
// capture pipeline still archives files to disk; only the queryable index
// is lost.
package storage
