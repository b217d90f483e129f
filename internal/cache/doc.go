// Package cache implements the named, versioned cache stores the offline
// worker reads and writes. A Storage owns many stores identified by name (the
// worker's cache version); each Cache maps a request identity (method + URL)
// to a response Snapshot. Individual Match/Put/Delete calls are atomic in every
// backend, but nothing here offers read-then-write transactions: a second Put
// for the same key simply overwrites the first.
//
// Backends: memory (process-local maps), fs (one directory per store, one
// file per entry written via temp file + rename) and sqlite (modernc.org/sqlite,
// entries cascade-deleted with their store).
package cache
