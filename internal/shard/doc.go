// Package shard implements the unit of data a storage node holds: one copy
// of a contiguous key range of the Torua key space.
//
// # Overview
//
// The coordinator splits the user key space into ranges and assigns each
// range to several nodes. Every node keeps a Shard per assigned range. One
// copy is the primary and the rest are replicas; the copies are expected to
// hold identical data, and the storage audit exists to check that they do.
//
//	┌─────────────────────────────────────┐
//	│  SHARD 1  ["?", "\x7f")  primary     │
//	├─────────────────────────────────────┤
//	│  storage.Store   sorted Scan(range) │
//	│  ShardStats      atomic counters    │
//	│  State           active/migrating   │
//	└─────────────────────────────────────┘
//
// # Key Ownership
//
// A shard owns exactly the keys in its Range. Put rejects other keys with
// ErrWrongShard so a misrouted write can never land in the wrong copy.
// Reads and deletes are not checked; they only ever see owned keys.
//
// # Digests
//
// Digest hashes the key/value pairs in a sub-range with SHA-256. Each key
// and value is length prefixed, so two copies produce the same Sum only
// when they hold the same pairs. A positive limit bounds the work done per
// call:
//
//	d, _ := s.Digest(r, 1000)
//	// d.Range is the prefix of r that was hashed.
//	// Continue from d.Range.End.
//
// The audit on a storage node digests its own copy with a limit, then asks
// every other copy for a digest of exactly d.Range and compares.
//
// # Concurrency
//
// Store implementations are safe for concurrent use. Counters are updated
// with sync/atomic, and State and Primary are guarded by the shard's mutex.
package shard
