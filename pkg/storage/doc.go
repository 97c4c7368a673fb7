// Package storage implements shardquery's content-addressed block storage
// engine: a superblock, a bitmap-managed physical block pool, a file/tag
// metadata tree whose logical-to-physical indirection is realised with real
// filesystem hard links, copy-on-write on shared-block mutation, and
// commit-time content-hash deduplication backed by an embedded bbolt index.
//
// The engine holds a single mutex for the duration of every request-level
// operation, matching the single-writer model of spec §5: concurrent
// worker connections serialize through Engine rather than through
// per-resource locks.
package storage
