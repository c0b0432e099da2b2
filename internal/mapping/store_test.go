package mapping

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gbrigandi/mcp-server-conceal/internal/faker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{
		DatabasePath:  filepath.Join(dir, "mappings.db"),
		RetentionDays: 30,
		GlobalSeed:    1,
	})
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, faker.KindEmail, "sarah@acme.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.GetOrCreate(ctx, faker.KindEmail, "sarah@acme.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected the same fake value across calls, got %q then %q", first, second)
	}
}

func TestGetOrCreateIsBijectivePerKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.GetOrCreate(ctx, faker.KindEmail, "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := s.GetOrCreate(ctx, faker.KindEmail, "b@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Errorf("expected distinct real values to receive distinct fake values, both got %q", a)
	}
}

func TestGetOrCreatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DatabasePath: filepath.Join(dir, "mappings.db"), RetentionDays: 30, GlobalSeed: 5}
	ctx := context.Background()

	s1, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := s1.GetOrCreate(ctx, faker.KindSSN, "123-45-6789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("unexpected error closing store: %v", err)
	}

	s2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("unexpected error reopening store: %v", err)
	}
	defer s2.Close()
	second, err := s2.GetOrCreate(ctx, faker.KindSSN, "123-45-6789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected the mapping to survive a close/reopen cycle, got %q then %q", first, second)
	}
}

func TestPurgeRemovesExpiredMappings(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{DatabasePath: filepath.Join(dir, "mappings.db"), RetentionDays: 30, GlobalSeed: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.GetOrCreate(ctx, faker.KindEmail, "old@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE mappings SET last_used_at = 0 WHERE real = ?`, "old@example.com"); err != nil {
		t.Fatalf("unexpected error backdating row: %v", err)
	}

	if err := s.Purge(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalMappings != 0 {
		t.Errorf("expected the expired mapping to be purged, got %d remaining", stats.TotalMappings)
	}
}

func TestStatisticsCountsByKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreate(ctx, faker.KindEmail, "a@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetOrCreate(ctx, faker.KindPhone, "555-123-4567"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalMappings != 2 {
		t.Errorf("expected 2 total mappings, got %d", stats.TotalMappings)
	}
	if stats.MappingsByKind["email"] != 1 || stats.MappingsByKind["phone"] != 1 {
		t.Errorf("expected 1 email and 1 phone mapping, got %+v", stats.MappingsByKind)
	}
}

func TestEncryptionRoundTripsThroughCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DatabasePath: filepath.Join(dir, "mappings.db"), RetentionDays: 30, GlobalSeed: 9, Encryption: true}
	ctx := context.Background()

	s1, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("unexpected error opening encrypted store: %v", err)
	}
	want, err := s1.GetOrCreate(ctx, faker.KindEmail, "secret@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("unexpected error closing encrypted store: %v", err)
	}

	if _, err := os.Stat(cfg.DatabasePath); !os.IsNotExist(err) {
		t.Errorf("expected the plaintext database to be removed after close, stat err = %v", err)
	}
	if _, err := os.Stat(cfg.DatabasePath + ".age"); err != nil {
		t.Errorf("expected an encrypted sidecar to exist, got %v", err)
	}

	s2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("unexpected error reopening encrypted store: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetOrCreate(ctx, faker.KindEmail, "secret@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected the mapping to survive an encrypted close/reopen cycle, got %q want %q", got, want)
	}
}
