package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Key identifies one cached payload: a subject (player, team, account) and
// the kind of dataset cached for it ("stats", "overview", "elo").
type Key struct {
	Subject string
	Dataset string
}

func (k Key) String() string {
	return k.Subject + ":" + k.Dataset
}

// Status tags a lookup outcome so callers can tell "nothing cached" apart
// from "the store is broken".
type Status int

const (
	StatusHit Status = iota
	StatusMiss
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusMiss:
		return "miss"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of a lookup. Payload is the stored msgpack
// blob and is only set on a hit. Err is only set on StatusError; callers that
// favor availability treat an error result like a miss.
type Result struct {
	Status  Status
	Payload []byte
	Err     error
}

// Hit reports whether the lookup produced a payload.
func (r Result) Hit() bool {
	return r.Status == StatusHit
}

// Entry is the full stored record for one key, used by inspection and tests.
// ExpiresAt derives from CreatedAt plus TTL at write time and never moves
// between writes; reads bump AccessedAt and AccessCount only.
type Entry struct {
	Key            Key
	Payload        []byte
	CreatedAt      time.Time
	AccessedAt     time.Time
	AccessCount    int
	LastActivityAt *time.Time
	IsActive       bool
	TTL            time.Duration
	ExpiresAt      time.Time
}

// DayStats is one row of the daily aggregate statistics table.
type DayStats struct {
	Date          string
	Hits          int
	Misses        int
	Size          int
	CleanupCount  int
	WarmingCount  int
	AvgResponseMs float64
}

// Snapshot is the in-process view of store performance since the last daily
// rollover.
type Snapshot struct {
	Hits          int
	Misses        int
	HitRatio      float64
	AvgResponseMs float64
	LastCleanup   time.Time
	LastWarming   time.Time
}

// Store is a durable key to payload cache with activity-derived expiry.
// Implementations must be safe for concurrent callers; every call is a
// self-contained transaction.
type Store interface {
	// Get returns the payload for key if it has not expired. A hit updates
	// the entry's access statistics. Storage failures come back as a
	// StatusError result, never a panic.
	Get(ctx context.Context, key Key) Result

	// Set serializes val and stores it under key with a TTL chosen by the
	// activity classifier. The expiry is computed once here and is not
	// touched again until the next Set.
	Set(ctx context.Context, key Key, val any) error

	// Exists reports whether a live entry is present without touching
	// access statistics.
	Exists(ctx context.Context, key Key) bool

	// BatchGet looks up several keys in one call.
	BatchGet(ctx context.Context, keys []Key) map[Key]Result

	// Invalidate removes one entry. Removing an absent entry is not an error.
	Invalidate(ctx context.Context, key Key) error

	// InvalidateSubject removes every dataset cached for a subject.
	InvalidateSubject(ctx context.Context, subject string) error

	// Inspect returns the full stored entry regardless of expiry, or nil
	// when no row exists.
	Inspect(ctx context.Context, key Key) (*Entry, error)

	// WarmingCandidates returns up to limit keys that are popular, active
	// and expire within the configured lead window, most popular first.
	WarmingCandidates(ctx context.Context, limit int) ([]Key, error)

	// CleanupExpired deletes every expired entry and prunes aged daily
	// stats rows, returning the number of entries removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Vacuum reclaims storage space. Purely a footprint concern.
	Vacuum(ctx context.Context) error

	// EntryCount returns the number of stored entries, expired or not.
	EntryCount(ctx context.Context) (int, error)

	// RecordDay upserts today's aggregate stats row from the in-process
	// counters and resets the rolling latency window.
	RecordDay(ctx context.Context) error

	// RecentStats returns up to days of daily stats rows, newest first.
	RecentStats(ctx context.Context, days int) ([]DayStats, error)

	// RecordWarming adds n to today's warming counter.
	RecordWarming(n int)

	// Snapshot returns the in-process performance counters.
	Snapshot() Snapshot

	// Close shuts the store down. Safe to call more than once.
	Close() error
}

// Decode deserializes a stored msgpack payload into T.
func Decode[T any](payload []byte) (T, error) {
	var out T
	if err := msgpack.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("cache: failed to unmarshal payload: %w", err)
	}
	return out, nil
}
