// Package llmcache implements the LLM Cache (C3): a persistent memoization
// table of fingerprint -> DetectionResult, so identical (prompt template,
// model, text) tuples never pay for a second LLM round trip.
//
// Grounded on the teacher's src/backend/pii/database.go for the
// single-writer sqlite connection pattern (reused here for a second table
// rather than copied verbatim), and on original_source/mapping.rs's
// llm_cache table / store_llm_cache / get_llm_cache contract. The
// fingerprint hash is blake3 (from bureau-foundation-bureau's go.mod),
// which satisfies spec §3's "blake/sha-256" choice directly.
package llmcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/gbrigandi/mcp-server-conceal/internal/detect"
)

// Config carries the subset of spec §6's [llm_cache] section the cache
// needs, plus the soft eviction caps SPEC_FULL.md §4.3 leaves to the
// implementer.
type Config struct {
	DatabasePath  string
	MaxTextLength int
	MaxRows       int
	MaxAge        time.Duration
}

// Cache is the LLM Cache. Like the Mapping Store, it owns its sqlite file
// exclusively.
type Cache struct {
	db  *sql.DB
	cfg Config
}

// Open opens (creating if necessary) the cache database at
// cfg.DatabasePath.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	dir := filepath.Dir(cfg.DatabasePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("llmcache: create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DatabasePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("llmcache: open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("llmcache: ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache (
			fingerprint BLOB PRIMARY KEY,
			result TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("llmcache: create cache table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_cache_created_at ON cache(created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("llmcache: create created_at index: %w", err)
	}

	return &Cache{db: db, cfg: cfg}, nil
}

// Fingerprint computes the cache key for (promptTemplateID, modelID, text)
// per spec §3's CacheEntry definition.
func Fingerprint(promptTemplateID, modelID, text string) []byte {
	h := blake3.New()
	h.Write([]byte(promptTemplateID))
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum(nil)
}

// ExceedsSizeGate reports whether text is long enough to bypass the LLM (and
// therefore the cache) entirely, per spec §4.3's size gate.
func (c *Cache) ExceedsSizeGate(text string) bool {
	return c.cfg.MaxTextLength > 0 && len(text) > c.cfg.MaxTextLength
}

// Count reports the current number of cache entries, for the Proxy Core's
// best-effort shutdown statistics (spec §2.3/§4.8).
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("llmcache: count: %w", err)
	}
	return n, nil
}

// Lookup returns the cached DetectionResult for fingerprint, if present.
func (c *Cache) Lookup(ctx context.Context, fingerprint []byte) (detect.Result, bool, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT result FROM cache WHERE fingerprint = ?`, fingerprint).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("llmcache: lookup: %w", err)
	}

	var result detect.Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("llmcache: decode cached result: %w", err)
	}
	return result, true, nil
}

// Insert stores result under fingerprint, overwriting any prior entry, then
// opportunistically evicts down to the configured caps. Eviction failure is
// logged, never returned: per spec §4.3, "eviction never affects
// correctness, only latency".
func (c *Cache) Insert(ctx context.Context, fingerprint []byte, result detect.Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("llmcache: encode result: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache (fingerprint, result, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET result = excluded.result, created_at = excluded.created_at
	`, fingerprint, string(encoded), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("llmcache: insert: %w", err)
	}

	if err := c.evict(ctx); err != nil {
		log.Printf("[LLMCache] Warning: eviction pass failed: %v", err)
	}
	return nil
}

func (c *Cache) evict(ctx context.Context) error {
	if c.cfg.MaxAge > 0 {
		cutoff := time.Now().Add(-c.cfg.MaxAge).Unix()
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("age eviction: %w", err)
		}
	}

	if c.cfg.MaxRows > 0 {
		var count int
		if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		if count > c.cfg.MaxRows {
			excess := count - c.cfg.MaxRows
			if _, err := c.db.ExecContext(ctx, `
				DELETE FROM cache WHERE fingerprint IN (
					SELECT fingerprint FROM cache ORDER BY created_at ASC LIMIT ?
				)
			`, excess); err != nil {
				return fmt.Errorf("row-count eviction: %w", err)
			}
		}
	}
	return nil
}

// Close closes the sqlite connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
