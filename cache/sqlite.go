package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
)

// DefaultQueryTimeout bounds every store operation so slow or wedged storage
// degrades to a miss instead of hanging callers.
const DefaultQueryTimeout = 5 * time.Second

// responseWindow caps the rolling latency sample; when full, the oldest half
// is dropped.
const responseWindow = 1000

type sqliteStore struct {
	db     *sql.DB
	cfg    config.CacheConfig
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu            sync.Mutex
	hits          int
	misses        int
	cleanups      int
	warmed        int
	responseTimes []float64
	lastCleanup   time.Time
	lastWarming   time.Time
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite opens (or creates) the cache database at cfg.Path and returns a
// Store backed by it. If cfg.Path is empty or ":memory:", the database lives
// in memory. The store runs no background loops of its own; periodic
// cleanup, vacuum and stats rollover belong to the maintenance scheduler.
func NewSQLite(ctx context.Context, cfg config.CacheConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cache: creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent writers and
	// keeps :memory: databases from being one-per-pooled-connection.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			subject TEXT NOT NULL,
			dataset TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_activity_at INTEGER,
			is_active INTEGER NOT NULL DEFAULT 0,
			ttl_seconds INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (subject, dataset)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_warming ON entries(is_active, access_count DESC)`,
		`CREATE TABLE IF NOT EXISTS cache_stats (
			date TEXT PRIMARY KEY,
			hits INTEGER NOT NULL DEFAULT 0,
			misses INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			cleanup_count INTEGER NOT NULL DEFAULT 0,
			warming_count INTEGER NOT NULL DEFAULT 0,
			avg_response_ms REAL NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: creating schema: %w", err)
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	return &sqliteStore{
		db:     db,
		cfg:    cfg,
		log:    log.WithPrefix("cache"),
		ctx:    childCtx,
		cancel: cancel,
	}, nil
}

func (s *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

func (s *sqliteStore) Get(ctx context.Context, key Key) Result {
	start := time.Now()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := start.UnixNano()
	var payload []byte
	var expiresAt int64
	err := s.db.QueryRowContext(qctx,
		`SELECT payload, expires_at FROM entries WHERE subject = ? AND dataset = ?`,
		key.Subject, key.Dataset,
	).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		s.recordMiss(start)
		return Result{Status: StatusMiss}
	}
	if err != nil {
		s.recordMiss(start)
		s.log.Error("get %s failed: %v", key, err)
		return Result{Status: StatusError, Err: err}
	}
	if expiresAt <= now {
		// Lazily delete the expired row; the periodic cleanup would get it
		// eventually anyway.
		_, _ = s.db.ExecContext(qctx,
			`DELETE FROM entries WHERE subject = ? AND dataset = ?`,
			key.Subject, key.Dataset)
		s.recordMiss(start)
		return Result{Status: StatusMiss}
	}

	// Access bookkeeping only. expires_at is never touched on a read.
	if _, err := s.db.ExecContext(qctx,
		`UPDATE entries SET accessed_at = ?, access_count = access_count + 1
		 WHERE subject = ? AND dataset = ?`,
		now, key.Subject, key.Dataset); err != nil {
		s.log.Warn("access tracking for %s failed: %v", key, err)
	}

	s.recordHit(start)
	return Result{Status: StatusHit, Payload: payload}
}

func (s *sqliteStore) Set(ctx context.Context, key Key, val any) error {
	blob, err := msgpack.Marshal(val)
	if err != nil {
		s.log.Error("rejecting write for %s: %v", key, err)
		return fmt.Errorf("cache: failed to serialize payload for %s: %w", key, err)
	}

	now := time.Now()
	cls := classify(val, blob, now,
		s.cfg.ActivityThreshold, s.cfg.ActiveTTL, s.cfg.InactiveTTL)

	var lastActivity any
	if cls.lastActivity != nil {
		lastActivity = cls.lastActivity.UnixNano()
	}
	expiresAt := now.Add(cls.ttl).UnixNano()

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(qctx,
		`INSERT INTO entries
			(subject, dataset, payload, created_at, accessed_at, access_count,
			 last_activity_at, is_active, ttl_seconds, expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(subject, dataset) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at,
			access_count = 0,
			last_activity_at = excluded.last_activity_at,
			is_active = excluded.is_active,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at`,
		key.Subject, key.Dataset, blob, now.UnixNano(), now.UnixNano(),
		lastActivity, cls.isActive, int(cls.ttl.Seconds()), expiresAt)
	if err != nil {
		s.log.Error("set %s failed: %v", key, err)
		return fmt.Errorf("cache: failed to store %s: %w", key, err)
	}

	s.log.Debug("cached %s with ttl %s (active: %t)", key, cls.ttl, cls.isActive)
	return nil
}

func (s *sqliteStore) Exists(ctx context.Context, key Key) bool {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(qctx,
		`SELECT 1 FROM entries WHERE subject = ? AND dataset = ? AND expires_at > ?`,
		key.Subject, key.Dataset, time.Now().UnixNano(),
	).Scan(&one)
	return err == nil
}

func (s *sqliteStore) BatchGet(ctx context.Context, keys []Key) map[Key]Result {
	results := make(map[Key]Result, len(keys))
	for _, key := range keys {
		results[key] = s.Get(ctx, key)
	}
	return results
}

func (s *sqliteStore) Invalidate(ctx context.Context, key Key) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`DELETE FROM entries WHERE subject = ? AND dataset = ?`,
		key.Subject, key.Dataset)
	if err != nil {
		return fmt.Errorf("cache: failed to invalidate %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) InvalidateSubject(ctx context.Context, subject string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM entries WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("cache: failed to invalidate subject %s: %w", subject, err)
	}
	return nil
}

func (s *sqliteStore) Inspect(ctx context.Context, key Key) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var e Entry
	var createdAt, accessedAt, expiresAt, ttlSeconds int64
	var lastActivity sql.NullInt64
	err := s.db.QueryRowContext(qctx,
		`SELECT payload, created_at, accessed_at, access_count, last_activity_at,
			is_active, ttl_seconds, expires_at
		 FROM entries WHERE subject = ? AND dataset = ?`,
		key.Subject, key.Dataset,
	).Scan(&e.Payload, &createdAt, &accessedAt, &e.AccessCount, &lastActivity,
		&e.IsActive, &ttlSeconds, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: failed to inspect %s: %w", key, err)
	}
	e.Key = key
	e.CreatedAt = time.Unix(0, createdAt)
	e.AccessedAt = time.Unix(0, accessedAt)
	e.TTL = time.Duration(ttlSeconds) * time.Second
	e.ExpiresAt = time.Unix(0, expiresAt)
	if lastActivity.Valid {
		t := time.Unix(0, lastActivity.Int64)
		e.LastActivityAt = &t
	}
	return &e, nil
}

func (s *sqliteStore) WarmingCandidates(ctx context.Context, limit int) ([]Key, error) {
	if limit <= 0 || limit > s.cfg.WarmingBatchSize {
		limit = s.cfg.WarmingBatchSize
	}
	now := time.Now()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT subject, dataset FROM entries
		 WHERE access_count >= ? AND is_active = 1 AND expires_at <= ?
		 ORDER BY access_count DESC, accessed_at DESC
		 LIMIT ?`,
		s.cfg.PopularThreshold, now.Add(s.cfg.WarmingLead).UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("cache: warming selection failed: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Subject, &k.Dataset); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(qctx,
		`DELETE FROM entries WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache: cleanup failed: %w", err)
	}
	removed, _ := res.RowsAffected()

	// Prune aged daily stats while we're here.
	cutoff := now.AddDate(0, 0, -s.cfg.StatsRetentionDays).Format(dayFormat)
	if _, err := s.db.ExecContext(qctx,
		`DELETE FROM cache_stats WHERE date < ?`, cutoff); err != nil {
		s.log.Warn("stats retention pruning failed: %v", err)
	}

	s.mu.Lock()
	s.cleanups += int(removed)
	s.lastCleanup = now
	s.mu.Unlock()

	if removed > 0 {
		s.log.Info("cleaned up %d expired entries", removed)
	}
	return int(removed), nil
}

func (s *sqliteStore) Vacuum(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(qctx, `VACUUM`); err != nil {
		return fmt.Errorf("cache: vacuum failed: %w", err)
	}
	s.log.Info("database vacuumed")
	return nil
}

func (s *sqliteStore) EntryCount(ctx context.Context) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var count int
	if err := s.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache: counting entries: %w", err)
	}
	return count, nil
}

const dayFormat = "2006-01-02"

func (s *sqliteStore) RecordDay(ctx context.Context) error {
	size, err := s.EntryCount(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	hits, misses := s.hits, s.misses
	cleanups, warmed := s.cleanups, s.warmed
	avg := averageMs(s.responseTimes)
	s.responseTimes = nil
	s.mu.Unlock()

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(qctx,
		`INSERT INTO cache_stats (date, hits, misses, size, cleanup_count, warming_count, avg_response_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
			hits = excluded.hits,
			misses = excluded.misses,
			size = excluded.size,
			cleanup_count = excluded.cleanup_count,
			warming_count = excluded.warming_count,
			avg_response_ms = excluded.avg_response_ms`,
		time.Now().Format(dayFormat), hits, misses, size, cleanups, warmed, avg)
	if err != nil {
		return fmt.Errorf("cache: recording daily stats: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentStats(ctx context.Context, days int) ([]DayStats, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT date, hits, misses, size, cleanup_count, warming_count, avg_response_ms
		 FROM cache_stats ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("cache: reading daily stats: %w", err)
	}
	defer rows.Close()

	var out []DayStats
	for rows.Next() {
		var d DayStats
		if err := rows.Scan(&d.Date, &d.Hits, &d.Misses, &d.Size,
			&d.CleanupCount, &d.WarmingCount, &d.AvgResponseMs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordWarming(n int) {
	s.mu.Lock()
	s.warmed += n
	s.lastWarming = time.Now()
	s.mu.Unlock()
}

func (s *sqliteStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Hits:          s.hits,
		Misses:        s.misses,
		AvgResponseMs: averageMs(s.responseTimes),
		LastCleanup:   s.lastCleanup,
		LastWarming:   s.lastWarming,
	}
	if total := s.hits + s.misses; total > 0 {
		snap.HitRatio = float64(s.hits) / float64(total)
	}
	return snap
}

func (s *sqliteStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		dbErr = s.db.Close()
	})
	return dbErr
}

func (s *sqliteStore) recordHit(start time.Time) {
	s.mu.Lock()
	s.hits++
	s.recordResponseLocked(start)
	s.mu.Unlock()
}

func (s *sqliteStore) recordMiss(start time.Time) {
	s.mu.Lock()
	s.misses++
	s.recordResponseLocked(start)
	s.mu.Unlock()
}

func (s *sqliteStore) recordResponseLocked(start time.Time) {
	s.responseTimes = append(s.responseTimes, float64(time.Since(start).Microseconds())/1000.0)
	if len(s.responseTimes) > responseWindow {
		s.responseTimes = s.responseTimes[responseWindow/2:]
	}
}

func averageMs(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}
