// Package store defines the StructuredStore contract: durable,
// key-indexed storage of memory records with optimistic concurrency.
//
// Three implementations ship with the engine:
//
//   - MemStore (this package): process-local storage, used in tests and
//     for ephemeral deployments.
//   - sqlite.Store: durable single-file storage on modernc.org/sqlite,
//     the default backend.
//   - redis.Store: storage on a Redis server via go-redis, for
//     single-service deployments that already run Redis.
//
// All mutations are transactional: either the full record is persisted
// or the prior version remains visible. Every successful update bumps
// the record's monotonically increasing Version counter; concurrent
// writers that lose the race receive ErrVersionConflict and must retry
// with fresh state.
//
// The store is the authoritative copy of every embedding: the semantic
// index is a rebuildable artifact derived from it.
package store
