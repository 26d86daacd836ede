package diagstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "diagnostics.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diagnostics.db")

	db1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open (re-running migrations): %v", err)
	}
	defer db2.Close()

	var version string
	if err := db2.QueryRow("SELECT version FROM schema_migrations WHERE version = ?", "0001_init").Scan(&version); err != nil {
		t.Fatalf("expected migration 0001_init recorded: %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, 100)
	ctx := context.Background()

	events := []Event{
		{Kind: EventXRun, Detail: "block overrun"},
		{Kind: EventNodeFailure, NodeID: 7, Detail: "panic: divide by zero"},
		{Kind: EventProgramSwap, Generation: 3},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%+v): %v", ev, err)
		}
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	// Recent orders newest first.
	if recent[0].Kind != EventProgramSwap || recent[0].Generation != 3 {
		t.Errorf("recent[0] = %+v, want the program_swap event", recent[0])
	}
	if recent[2].Kind != EventXRun {
		t.Errorf("recent[2].Kind = %q, want %q", recent[2].Kind, EventXRun)
	}
}

func TestRecordTrimsPastRetention(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Record(ctx, Event{Kind: EventXRun, Detail: "overrun"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("len(recent) = %d, want retention cap of 3", len(recent))
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Record(ctx, Event{Kind: EventNodeFailure, NodeID: int64(i)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("len(recent) = %d, want 2", len(recent))
	}
}
