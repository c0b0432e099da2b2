package llmcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gbrigandi/mcp-server-conceal/internal/detect"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(t.TempDir(), "llmcache.db")
	}
	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error opening cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFingerprintIsDeterministicAndDistinguishesInputs(t *testing.T) {
	a := Fingerprint("default", "llama3.2:3b", "hello world")
	b := Fingerprint("default", "llama3.2:3b", "hello world")
	if string(a) != string(b) {
		t.Error("expected identical inputs to produce identical fingerprints")
	}
	c := Fingerprint("default", "llama3.2:3b", "goodbye world")
	if string(a) == string(c) {
		t.Error("expected different text to produce a different fingerprint")
	}
	d := Fingerprint("custom", "llama3.2:3b", "hello world")
	if string(a) == string(d) {
		t.Error("expected a different prompt template id to change the fingerprint")
	}
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	c := newTestCache(t, Config{})
	_, found, err := c.Lookup(context.Background(), Fingerprint("default", "m", "text"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected a cache miss for a never-inserted fingerprint")
	}
}

func TestInsertThenLookupRoundTrips(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()
	fp := Fingerprint("default", "m", "Sarah called")
	want := detect.Result{{Kind: "person_name", Value: "Sarah", Start: 0, End: 5, Confidence: 0.9}}

	if err := c.Insert(ctx, fp, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, found, err := c.Lookup(ctx, fp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected a cache hit after insert")
	}
	if len(got) != 1 || got[0].Value != "Sarah" {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestExceedsSizeGate(t *testing.T) {
	c := newTestCache(t, Config{MaxTextLength: 10})
	if c.ExceedsSizeGate("short") {
		t.Error("expected a short text to pass the size gate")
	}
	if !c.ExceedsSizeGate("this text is definitely too long") {
		t.Error("expected a long text to exceed the size gate")
	}
}

func TestEvictionCapsRowCount(t *testing.T) {
	c := newTestCache(t, Config{MaxRows: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fp := Fingerprint("default", "m", string(rune('a'+i)))
		if err := c.Insert(ctx, fp, detect.Result{}); err != nil {
			t.Fatalf("unexpected error inserting row %d: %v", i, err)
		}
	}

	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
		t.Fatalf("unexpected error counting rows: %v", err)
	}
	if count > 2 {
		t.Errorf("expected row count to be capped at 2, got %d", count)
	}
}

func TestEvictionRemovesAgedOutRows(t *testing.T) {
	c := newTestCache(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	fp := Fingerprint("default", "m", "old")
	if err := c.Insert(ctx, fp, detect.Result{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE cache SET created_at = 0`); err != nil {
		t.Fatalf("unexpected error backdating row: %v", err)
	}

	if err := c.evict(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, found, err := c.Lookup(ctx, fp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected the aged-out row to have been evicted")
	}
}
