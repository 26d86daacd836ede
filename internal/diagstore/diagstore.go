// Package diagstore persists a bounded diagnostic history beyond what the
// live executor keeps in memory: xrun, node-failure, and program-swap
// events, each with a wall-clock timestamp. Store.Recent reads it back;
// the control surface's dump() does not include it. Grounded on the
// teacher's internal/database package (modernc.org/sqlite, an embedded
// migration set applied once at Open, a single-writer-connection SQLite
// handle), trimmed to the one table this engine needs.
package diagstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a sql.DB connection holding the diagnostics schema.
type DB struct {
	*sql.DB
}

// Open creates or opens a SQLite database at path, enabling WAL mode and
// running any pending migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("diagstore: creating data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("diagstore: opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("diagstore: pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection; diagnostic
	// writes are infrequent and never on the audio thread.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("diagstore: running migrations: %w", err)
	}

	slog.Info("diagnostics store opened", "path", path)
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		slog.Info("diagstore migration applied", "version", version)
	}
	return nil
}

// EventKind classifies a persisted diagnostic event.
type EventKind string

const (
	EventXRun        EventKind = "xrun"
	EventNodeFailure EventKind = "node_failure"
	EventProgramSwap EventKind = "program_swap"
)

// Event is one row of diagnostic history.
type Event struct {
	ID        int64
	Kind      EventKind
	NodeID    int64 // 0 when not node-scoped (e.g. program_swap)
	Detail    string
	Generation int64
}

// Store persists diagnostic events, trimming old rows past a retention cap
// so the stored history never grows without bound.
type Store struct {
	db        *DB
	retention int
}

// NewStore wraps db with a retention cap on row count.
func NewStore(db *DB, retention int) *Store {
	if retention <= 0 {
		retention = 10000
	}
	return &Store{db: db, retention: retention}
}

// Record inserts one diagnostic event and trims the table back to the
// retention cap.
func (s *Store) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnostic_events (kind, node_id, detail, generation, recorded_at)
		 VALUES (?, ?, ?, ?, datetime('now'))`,
		string(ev.Kind), ev.NodeID, ev.Detail, ev.Generation,
	)
	if err != nil {
		return fmt.Errorf("diagstore: recording event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM diagnostic_events WHERE id NOT IN (
			SELECT id FROM diagnostic_events ORDER BY id DESC LIMIT ?
		)`, s.retention,
	)
	if err != nil {
		return fmt.Errorf("diagstore: trimming event history: %w", err)
	}
	return nil
}

// Recent returns the most recent limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, node_id, detail, generation FROM diagnostic_events
		 ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("diagstore: querying recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.NodeID, &ev.Detail, &ev.Generation); err != nil {
			return nil, fmt.Errorf("diagstore: scanning event row: %w", err)
		}
		ev.Kind = EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
