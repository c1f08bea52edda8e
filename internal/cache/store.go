// Package cache implements C2, the cache store: a Postgres-backed,
// Redis-mirrored cache for tool-call results, with tag invalidation,
// stale-if-error serving, and a single-flight fill lock.
//
// Postgres (agent_cache, agent_cache_tags) is the source of truth for size
// accounting, TTL, and tag invalidation. Redis is an optional hot-path
// mirror in front of it, grounded on pkg/alert/dedup.go's "Redis lookup,
// DB fallback, warm Redis on DB hit" pattern — Redis errors never fail a
// read, they just bypass to Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrRejected is returned by Set when value exceeds the size cap.
var ErrRejected = errors.New("cache: value exceeds size cap")

// Entry is a cache row as seen by a reader.
type Entry struct {
	Key         string
	Value       json.RawMessage
	SizeBytes   int
	ExpiresAt   time.Time
	CreatedAt   time.Time
	HitCount    int64
	LastAccess  time.Time
	ContentHash string
	Tags        []string
}

// Meta carries read-path metadata alongside a cache hit.
type Meta struct {
	AgeSeconds     float64
	TTLRemainingS  float64
	Stale          bool
}

// Stats mirrors the counters a stats() call needs to report.
type Stats struct {
	Hits         int64
	Misses       int64
	StaleServed  int64
	Sets         int64
	Deletes      int64
	SizeRejected int64
}

// Store implements the cache store contract.
type Store struct {
	pool  *pgxpool.Pool
	rdb   *redis.Client // may be nil: Redis mirror is optional
	log   *slog.Logger
	sf    singleflight.Group

	maxEntryBytes  int
	staleGrace     time.Duration
	invalidateCap  int

	stats Stats
}

// Config bundles the store's tunables.
type Config struct {
	MaxEntryBytes     int
	StaleGraceSeconds int
	InvalidateMaxKeys int
}

// New constructs a Store. rdb may be nil to disable the Redis hot-path
// mirror entirely (falls straight through to Postgres on every read).
func New(pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, cfg Config) *Store {
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 250 * 1024
	}
	if cfg.StaleGraceSeconds <= 0 {
		cfg.StaleGraceSeconds = 30
	}
	if cfg.InvalidateMaxKeys <= 0 {
		cfg.InvalidateMaxKeys = 10000
	}
	return &Store{
		pool:          pool,
		rdb:           rdb,
		log:           logger,
		maxEntryBytes: cfg.MaxEntryBytes,
		staleGrace:    time.Duration(cfg.StaleGraceSeconds) * time.Second,
		invalidateCap: cfg.InvalidateMaxKeys,
	}
}

// redisMirrorKey namespaces the Redis hot-path mirror so it can share a
// Redis instance with other subsystems (e.g. the OAuth alert channel).
func redisMirrorKey(key string) string {
	return "agentcore:cache:" + key
}

// Get returns the cached value for key. If the entry is expired but within
// the stale-if-error grace window and allowStale is set, it is still
// returned with Meta.Stale = true. Any storage error is swallowed: callers
// never fail because the cache failed — instead (Entry{}, Meta{}, false,
// nil) is returned as a miss.
func (s *Store) Get(ctx context.Context, key string, allowStale bool) (Entry, Meta, bool, error) {
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, redisMirrorKey(key)).Bytes(); err == nil {
			var mirrored mirroredEntry
			if jsonErr := json.Unmarshal(raw, &mirrored); jsonErr == nil {
				now := time.Now()
				if now.Before(mirrored.ExpiresAt) {
					s.stats.Hits++
					return mirrored.toEntry(key), Meta{
						AgeSeconds:    now.Sub(mirrored.CreatedAt).Seconds(),
						TTLRemainingS: mirrored.ExpiresAt.Sub(now).Seconds(),
					}, true, nil
				}
				// Mirror entry is expired; fall through to Postgres, which
				// is authoritative for stale-if-error serving.
			}
		} else if err != redis.Nil {
			s.log.Warn("cache: redis read failed, falling back to postgres", "error", err)
		}
	}

	entry, found, err := s.dbGet(ctx, key)
	if err != nil {
		s.log.Warn("cache: postgres read failed, treating as miss", "error", err)
		s.stats.Misses++
		return Entry{}, Meta{}, false, nil
	}
	if !found {
		s.stats.Misses++
		return Entry{}, Meta{}, false, nil
	}

	now := time.Now()
	if now.Before(entry.ExpiresAt) {
		s.stats.Hits++
		s.warmRedis(ctx, entry)
		return entry, Meta{
			AgeSeconds:    now.Sub(entry.CreatedAt).Seconds(),
			TTLRemainingS: entry.ExpiresAt.Sub(now).Seconds(),
		}, true, nil
	}

	if allowStale && now.Sub(entry.ExpiresAt) <= s.staleGrace {
		s.stats.StaleServed++
		return entry, Meta{
			AgeSeconds: now.Sub(entry.CreatedAt).Seconds(),
			Stale:      true,
		}, true, nil
	}

	s.stats.Misses++
	return Entry{}, Meta{}, false, nil
}

// Set writes value under key with the given TTL and tags, rejecting values
// larger than the configured size cap. Tags are replaced atomically with
// the write.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, tags []string) error {
	if len(value) > s.maxEntryBytes {
		s.stats.SizeRejected++
		return ErrRejected
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	hash := contentHash(value)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_cache (key, value, size_bytes, expires_at, created_at, hit_count, last_accessed, content_hash)
		VALUES ($1, $2, $3, $4, $5, 0, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			size_bytes = EXCLUDED.size_bytes,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			hit_count = 0,
			last_accessed = EXCLUDED.last_accessed,
			content_hash = EXCLUDED.content_hash
	`, key, []byte(value), len(value), expiresAt, now, hash)
	if err != nil {
		return fmt.Errorf("cache: upsert entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM agent_cache_tags WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache: clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.Exec(ctx, `INSERT INTO agent_cache_tags (key, tag) VALUES ($1, $2)`, key, tag); err != nil {
			return fmt.Errorf("cache: insert tag: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cache: commit: %w", err)
	}

	s.stats.Sets++
	s.warmRedis(ctx, Entry{Key: key, Value: value, ExpiresAt: expiresAt, CreatedAt: now, ContentHash: hash, Tags: tags})
	return nil
}

// Delete removes key from both Postgres and the Redis mirror.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache: delete entry: %w", err)
	}
	if s.rdb != nil {
		s.rdb.Del(ctx, redisMirrorKey(key))
	}
	s.stats.Deletes++
	return nil
}

// InvalidateByTags deletes every entry associated with any of tags, capped
// at invalidateCap keys per call as a safety measure against an
// over-broad tag invalidating the whole cache in one shot.
func (s *Store) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT key FROM agent_cache_tags WHERE tag = ANY($1) LIMIT $2
	`, tags, s.invalidateCap)
	if err != nil {
		return 0, fmt.Errorf("cache: selecting tagged keys: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cache: scanning tagged key: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cache: iterating tagged keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM agent_cache WHERE key = ANY($1)`, keys)
	if err != nil {
		return 0, fmt.Errorf("cache: deleting tagged entries: %w", err)
	}
	if s.rdb != nil {
		for _, k := range keys {
			s.rdb.Del(ctx, redisMirrorKey(k))
		}
	}
	s.stats.Deletes += tag.RowsAffected()
	return int(tag.RowsAffected()), nil
}

// FillFunc produces a value to cache on a miss: the value, its tags, and
// its TTL.
type FillFunc func(ctx context.Context) (value json.RawMessage, tags []string, ttl time.Duration, err error)

// WithFillLock implements the §4.2 fill-lock contract: it re-checks the
// cache, and only if still missing does it call fn to produce a value,
// storing the result before returning it. Concurrent callers for the same
// key within this process are deduplicated by an in-process singleflight
// group; concurrent callers across processes are serialized by a
// Postgres advisory transaction lock keyed on a 64-bit hash of key.
func (s *Store) WithFillLock(ctx context.Context, key string, allowStale bool, fn FillFunc) (json.RawMessage, bool, error) {
	if entry, _, ok, err := s.Get(ctx, key, allowStale); err == nil && ok {
		return entry.Value, true, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.fillUnderAdvisoryLock(ctx, key, fn)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}

func (s *Store) fillUnderAdvisoryLock(ctx context.Context, key string, fn FillFunc) (json.RawMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: begin fill-lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lockID := advisoryLockID(key)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID); err != nil {
		return nil, fmt.Errorf("cache: acquiring advisory lock: %w", err)
	}

	// Re-check under the lock: another process may have filled it while we
	// were waiting.
	var value []byte
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `SELECT value, expires_at FROM agent_cache WHERE key = $1`, key).Scan(&value, &expiresAt)
	if err == nil && time.Now().Before(expiresAt) {
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, fmt.Errorf("cache: commit re-check: %w", cerr)
		}
		return json.RawMessage(value), nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cache: re-check query: %w", err)
	}

	val, tags, ttl, fnErr := fn(ctx)
	if fnErr != nil {
		return nil, fnErr
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cache: commit before set: %w", err)
	}

	if err := s.Set(ctx, key, val, ttl, tags); err != nil && !errors.Is(err, ErrRejected) {
		s.log.Warn("cache: failed to persist fill-lock result", "error", err)
	}
	return val, nil
}

// CleanupExpired deletes up to batch expired rows and returns the count
// removed.
func (s *Store) CleanupExpired(ctx context.Context, batch int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM agent_cache WHERE key IN (
			SELECT key FROM agent_cache WHERE expires_at < now() - $1 LIMIT $2
		)
	`, s.staleGrace, batch)
	if err != nil {
		return 0, fmt.Errorf("cache: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns a snapshot of the running counters.
func (s *Store) Stats() Stats {
	return s.stats
}

func (s *Store) dbGet(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	e.Key = key
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value, size_bytes, expires_at, created_at, hit_count, last_accessed, content_hash
		FROM agent_cache WHERE key = $1
	`, key).Scan(&value, &e.SizeBytes, &e.ExpiresAt, &e.CreatedAt, &e.HitCount, &e.LastAccess, &e.ContentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Value = value

	// Non-expired reads atomically bump hit_count; reading extends nothing
	// but tracks how often a live entry is served.
	if time.Now().Before(e.ExpiresAt) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE agent_cache SET hit_count = hit_count + 1, last_accessed = now() WHERE key = $1
		`, key); err != nil {
			s.log.Warn("cache: failed to bump hit count", "error", err)
		}
	}

	return e, true, nil
}

func (s *Store) warmRedis(ctx context.Context, e Entry) {
	if s.rdb == nil {
		return
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return
	}
	blob, err := json.Marshal(mirroredEntry{
		Value:       e.Value,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
		ContentHash: e.ContentHash,
		Tags:        e.Tags,
	})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisMirrorKey(e.Key), blob, ttl).Err(); err != nil {
		s.log.Warn("cache: failed to warm redis mirror", "error", err)
	}
}

type mirroredEntry struct {
	Value       json.RawMessage `json:"value"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ContentHash string          `json:"content_hash"`
	Tags        []string        `json:"tags"`
}

func (m mirroredEntry) toEntry(key string) Entry {
	return Entry{
		Key:         key,
		Value:       m.Value,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		ContentHash: m.ContentHash,
		Tags:        m.Tags,
		SizeBytes:   len(m.Value),
	}
}

func contentHash(value json.RawMessage) string {
	h := fnv.New64a()
	h.Write(value)
	return fmt.Sprintf("%x", h.Sum64())
}

// advisoryLockID derives the 64-bit FNV hash of key used as the Postgres
// advisory lock id for the single-flight fill lock.
func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
