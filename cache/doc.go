// Package cache provides the durable statistics store: a sqlite-backed
// key→payload cache with per-entry expiry derived from subject activity.
//
// # Keys and payloads
//
// Entries are addressed by a composite [Key]: the subject identifier plus a
// dataset kind ("stats", "overview", "elo"). Payloads are opaque to the
// store; they are serialized to msgpack ([github.com/vmihailenco/msgpack/v5])
// and stored as BLOBs. [Decode] recovers a typed value from a stored blob.
//
// # Activity-based TTL
//
// Every write runs the activity classifier: it looks for a last-activity
// timestamp inside the payload (stats.last_match, last_match_date, or the
// per-game last_match fields). A subject active within the configured
// threshold gets the short active TTL so its data stays fresh; a stale or
// missing timestamp gets the long inactive TTL so dead subjects don't keep
// the upstream busy. Missing activity data deliberately classifies as
// inactive.
//
// The expiry instant is computed exactly once per write, from the write time
// plus the chosen TTL. Reads update the access timestamp and access counter
// but never move the expiry, so a popular entry still refreshes on schedule
// instead of living forever.
//
// # Lookup results
//
// [Store.Get] returns a tagged [Result] rather than collapsing everything
// into a nil payload: a miss means "nothing to show", while [StatusError]
// means the storage layer itself failed. Callers on the request path treat
// an error result like a miss, trading strictness for availability.
//
// # Maintenance
//
// The store runs no goroutines of its own. Expiry cleanup
// ([Store.CleanupExpired]), compaction ([Store.Vacuum]), warming candidate
// selection ([Store.WarmingCandidates]) and daily stats rollover
// ([Store.RecordDay]) are all plain methods driven by the maintenance
// scheduler, with expired rows also deleted lazily when a read finds them.
//
// # Concurrency
//
// The sqlite database runs in WAL mode and every operation is a
// self-contained transaction with a bounded query timeout
// ([DefaultQueryTimeout]), so the store is safe for concurrent callers
// without any cross-call locking.
package cache
