// Package mapping implements the persistent bijective PII mapping store
// (C1): the table of (kind, real_value) <-> fake_value pairs that makes a
// surrogate stable across restarts and across processes sharing the same
// database file.
//
// Grounded on the teacher's src/backend/pii/database.go (SQLitePIIMappingDB:
// single-writer WAL connection, ON CONFLICT DO UPDATE upserts, access-count
// bookkeeping) generalized from a one-directional original->dummy table to
// the bijective, per-kind schema original_source/mapping.rs describes, and
// on original_source's get_or_create/collision-retry/TTL-purge contract,
// which the teacher's generation does not implement at all.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	_ "modernc.org/sqlite"

	"github.com/gbrigandi/mcp-server-conceal/internal/faker"
)

// schemaVersion is the current on-disk schema revision. Schema migrations
// are forward-only: Open refuses to operate on a database stamped with a
// newer version than this binary understands.
const schemaVersion = 1

// maxCollisionAttempts bounds the generator-retry loop in GetOrCreate per
// spec §4.1.
const maxCollisionAttempts = 16

// ErrCollision is returned when maxCollisionAttempts fresh draws all land on
// a fake_value already bound to a different real_value under the same kind.
var ErrCollision = errors.New("mapping: exhausted collision retries")

// ErrSchemaTooNew is returned when the database file was written by a newer
// version of this program than the one opening it.
var ErrSchemaTooNew = errors.New("mapping: database schema is newer than this build supports")

// Config carries the subset of spec §6's [mapping] section the store needs.
type Config struct {
	DatabasePath   string
	RetentionDays  int
	Encryption     bool
	GlobalSeed     uint64
	Consistency    bool
}

// Store is the Mapping Store. It owns the sqlite connection exclusively;
// nothing else in the process may open the same file concurrently.
type Store struct {
	db       *sql.DB
	gen      *faker.Generator
	identity *age.X25519Identity
	cfg      Config
}

// Open opens (creating if necessary) the mapping database at cfg.DatabasePath,
// transparently decrypting it first if cfg.Encryption is set and an
// encrypted sidecar file is present.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var identity *age.X25519Identity
	if cfg.Encryption {
		var err error
		identity, err = loadOrCreateIdentity(cfg.DatabasePath + ".agekey")
		if err != nil {
			return nil, fmt.Errorf("mapping: prepare encryption identity: %w", err)
		}
		if err := decryptSidecarIfPresent(cfg.DatabasePath, identity); err != nil {
			return nil, fmt.Errorf("mapping: decrypt database: %w", err)
		}
	}

	dir := filepath.Dir(cfg.DatabasePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("mapping: create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.DatabasePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("mapping: open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mapping: ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		gen:      faker.New(cfg.GlobalSeed, cfg.Consistency),
		identity: identity,
		cfg:      cfg,
	}

	if err := s.Purge(ctx); err != nil {
		log.Printf("[MappingStore] Warning: startup purge failed: %v", err)
	}

	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("mapping: create schema_version table: %w", err)
	}

	var current int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("mapping: stamp schema version: %w", err)
		}
		current = schemaVersion
	} else if err != nil {
		return fmt.Errorf("mapping: read schema version: %w", err)
	}

	if current > schemaVersion {
		return ErrSchemaTooNew
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mappings (
			kind TEXT NOT NULL,
			real TEXT NOT NULL,
			fake TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL,
			PRIMARY KEY (kind, real),
			UNIQUE (kind, fake)
		)
	`)
	if err != nil {
		return fmt.Errorf("mapping: create mappings table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_mappings_last_used ON mappings(last_used_at)`); err != nil {
		return fmt.Errorf("mapping: create last_used index: %w", err)
	}
	return nil
}

// GetOrCreate returns the fake_value bound to (kind, real), creating the
// binding on first use. Concurrent callers serialize on sqlite's own
// single-writer connection; readers proceed without additional locking.
// Each call is bounded by a 2s deadline.
func (s *Store) GetOrCreate(ctx context.Context, kind faker.Kind, real string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	now := nowUnix()

	existing, found, err := s.lookupReal(ctx, kind, real)
	if err != nil {
		return "", fmt.Errorf("mapping: lookup: %w", err)
	}
	if found {
		if err := s.touch(ctx, kind, real, now); err != nil {
			log.Printf("[MappingStore] Warning: failed to update last_used_at: %v", err)
		}
		return existing, nil
	}

	for attempt := 0; attempt < maxCollisionAttempts; attempt++ {
		candidate := s.gen.Draw(kind, real, attempt)

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO mappings (kind, real, fake, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?)
		`, string(kind), real, candidate, now, now)
		if err == nil {
			return candidate, nil
		}
		if isUniqueViolation(err) {
			// Either another writer just created this (kind, real) row (re-read
			// and return it), or the fake value collided with a different
			// real_value under the same kind (retry with a fresh draw).
			if existing, found, lookupErr := s.lookupReal(ctx, kind, real); lookupErr == nil && found {
				return existing, nil
			}
			continue
		}
		return "", fmt.Errorf("mapping: insert mapping: %w", err)
	}
	return "", fmt.Errorf("%w: kind=%s real=%q", ErrCollision, kind, real)
}

func (s *Store) lookupReal(ctx context.Context, kind faker.Kind, real string) (string, bool, error) {
	var fake string
	err := s.db.QueryRowContext(ctx, `SELECT fake FROM mappings WHERE kind = ? AND real = ?`, string(kind), real).Scan(&fake)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fake, true, nil
}

func (s *Store) touch(ctx context.Context, kind faker.Kind, real string, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mappings SET last_used_at = ? WHERE kind = ? AND real = ?`, now, string(kind), real)
	return err
}

// Purge deletes rows whose last_used_at is older than the configured
// retention window. It is idempotent and safe to call repeatedly; callers
// run it at startup and on a coarse timer.
func (s *Store) Purge(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := nowUnix() - int64(s.cfg.RetentionDays)*24*60*60
	result, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("mapping: purge: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		log.Printf("[MappingStore] Purged %d expired mapping(s)", n)
	}
	return nil
}

// Stats summarizes store contents for the Proxy Core's shutdown log line.
type Stats struct {
	TotalMappings  int
	MappingsByKind map[string]int
	OldestMapping  time.Time
}

// Statistics gathers the Proxy Core's best-effort shutdown report.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	var stats Stats
	stats.MappingsByKind = map[string]int{}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM mappings GROUP BY kind`)
	if err != nil {
		return stats, fmt.Errorf("mapping: statistics by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, fmt.Errorf("mapping: scan statistics row: %w", err)
		}
		stats.MappingsByKind[kind] = count
		stats.TotalMappings += count
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM mappings`).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("mapping: oldest mapping: %w", err)
	}
	if oldest.Valid {
		stats.OldestMapping = time.Unix(oldest.Int64, 0)
	}
	return stats, nil
}

// Close closes the sqlite connection and, when encryption is enabled,
// encrypts the database file into its <path>.age sidecar and removes the
// plaintext copy.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("mapping: close database: %w", err)
	}
	if s.cfg.Encryption {
		if err := encryptSidecar(s.cfg.DatabasePath, s.identity.Recipient()); err != nil {
			return fmt.Errorf("mapping: encrypt database on close: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures as plain errors whose
	// message contains the sqlite3 error text; there is no typed sentinel to
	// match on, so a substring check is the idiomatic option here.
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func nowUnix() int64 {
	return time.Now().Unix()
}
