// Package ledger records every campaign attempt in a SQLite database under
// the workdir. The cache and archive namespaces are numbered independently,
// so the ledger is the durable record of which cache slot a given archive
// slot came from.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Entry is one campaign attempt.
type Entry struct {
	ID         int64
	RunID      string
	Fuzzer     string
	Target     string
	CacheID    int
	ArchiveID  int
	Cores      []int
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	ExitCode   int
	Outcome    string
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Fuzzer string
	Target string
	RunID  string
}

// Ledger is a campaign history store shared by sibling schedulers.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l := &Ledger{db: db, path: path}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return l, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) initSchema() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		fuzzer TEXT NOT NULL,
		target TEXT NOT NULL,
		cache_id INTEGER NOT NULL,
		archive_id INTEGER NOT NULL,
		cores TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		exit_code INTEGER,
		outcome TEXT NOT NULL DEFAULT 'running'
	);
	CREATE INDEX IF NOT EXISTS idx_campaigns_pair ON campaigns(fuzzer, target);
	CREATE INDEX IF NOT EXISTS idx_campaigns_run ON campaigns(run_id);
	`)
	return err
}

// Start records a campaign that has claimed its slots and returns its row id.
func (l *Ledger) Start(ctx context.Context, e Entry) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO campaigns (run_id, fuzzer, target, cache_id, archive_id, cores, started_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'running')`,
		e.RunID, e.Fuzzer, e.Target, e.CacheID, e.ArchiveID, formatCores(e.Cores), e.StartedAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to record campaign start: %w", err)
	}
	return res.LastInsertId()
}

// Finish records how a campaign ended.
func (l *Ledger) Finish(ctx context.Context, id int64, exitCode int, outcome string, finishedAt time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE campaigns SET finished_at = ?, exit_code = ?, outcome = ? WHERE id = ?`,
		finishedAt.UTC().Format(timeLayout), exitCode, outcome, id)
	if err != nil {
		return fmt.Errorf("failed to record campaign finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %d not found", id)
	}
	return nil
}

// List returns matching entries, oldest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, run_id, fuzzer, target, cache_id, archive_id, cores, started_at,
		COALESCE(finished_at, ''), COALESCE(exit_code, -1), outcome FROM campaigns`
	var where []string
	var args []interface{}
	if f.Fuzzer != "" {
		where = append(where, "fuzzer = ?")
		args = append(args, f.Fuzzer)
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var cores, started, finished string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Fuzzer, &e.Target, &e.CacheID, &e.ArchiveID,
			&cores, &started, &finished, &e.ExitCode, &e.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		e.Cores = parseCores(cores)
		e.StartedAt, _ = time.Parse(timeLayout, started)
		if finished != "" {
			e.FinishedAt, _ = time.Parse(timeLayout, finished)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func formatCores(cores []int) string {
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = strconv.Itoa(c)
	}
	return strings.Join(ids, ",")
}

func parseCores(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	cores := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			cores = append(cores, n)
		}
	}
	return cores
}
