// Package store holds the in-memory set of currently active positions.
//
// Entries are keyed by report timestamp and expire once they are older than
// the retention window. Eviction is lazy: every Insert sweeps expired entries,
// and the server additionally calls EvictExpired on a fixed interval so
// memory is bounded while no reports arrive. Snapshots are newest first.
package store
