package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSetGetRemove(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()

	if _, err := s.Get(ctx, KeyEnabled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, KeyEnabled, "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, KeyEnabled, "false"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}

	got, err := s.Get(ctx, KeyEnabled)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "false" {
		t.Fatalf("Get = %q, want %q", got, "false")
	}

	if err := s.Remove(ctx, KeyEnabled); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, KeyEnabled); err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
	if _, err := s.Get(ctx, KeyEnabled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove: got %v, want ErrNotFound", err)
	}
}

func TestSetManyIsSingleBatch(t *testing.T) {
	s := New(openTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := s.Subscribe(ctx)

	err := s.SetMany(ctx, map[string]string{
		KeyBlockedCountries: `["Germany"]`,
		KeyExcludeFollowing: "true",
	})
	if err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	batch := receiveBatch(t, changes)
	if len(batch) != 2 {
		t.Fatalf("expected 2 changes in one batch, got %d", len(batch))
	}
	if batch[0].Key != KeyBlockedCountries || batch[1].Key != KeyExcludeFollowing {
		t.Fatalf("unexpected batch order: %+v", batch)
	}

	if err := s.Remove(ctx, KeyExcludeFollowing); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	batch = receiveBatch(t, changes)
	if len(batch) != 1 || !batch[0].Removed || batch[0].Key != KeyExcludeFollowing {
		t.Fatalf("unexpected remove batch: %+v", batch)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[KeyBlockedCountries] != `["Germany"]` {
		t.Fatalf("unexpected settings: %v", all)
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := New(openTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	changes := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-changes:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}

	// Publishing after the subscriber left must not block or panic.
	if err := s.Set(context.Background(), KeyEnabled, "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestEnsureDefaultsKeepsExistingValues(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()

	if err := s.Set(ctx, KeyEnabled, "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := s.EnsureDefaults(ctx, map[string]string{
		KeyEnabled:          "true",
		KeyExcludeFollowing: "false",
	})
	if err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	if got, _ := s.Get(ctx, KeyEnabled); got != "false" {
		t.Fatalf("enabled = %q, want existing value kept", got)
	}
	if got, _ := s.Get(ctx, KeyExcludeFollowing); got != "false" {
		t.Fatalf("excludeFollowing = %q, want default written", got)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := SetValues(context.Background(), db, map[string]string{KeyStats: `{"filtered":1,"checked":2}`}); err != nil {
		t.Fatalf("SetValues: %v", err)
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init again: %v", err)
	}
	got, err := GetValue(context.Background(), db, KeyStats)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != `{"filtered":1,"checked":2}` {
		t.Fatalf("stats lost after re-init: %q", got)
	}
}

func receiveBatch(t *testing.T, ch <-chan []Change) []Change {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change batch")
		return nil
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Init(db); err != nil {
		_ = db.Close()
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
