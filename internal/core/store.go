package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// journalTime sorts lexically in chronological order.
const journalTime = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed dispatch journal. It only ever holds command
// outcomes; fleet membership always comes from the provider.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens the journal at path. Use ":memory:" for a throwaway journal.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Record writes run and its outcomes in one transaction.
func (s *Store) Record(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, operation, command, discipline, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Operation, run.Command, run.Discipline.String(),
		run.Started.UTC().Format(journalTime), run.Finished.UTC().Format(journalTime))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, o := range run.Outcomes {
		var exit sql.NullInt64
		if o.ExitStatus != nil {
			exit = sql.NullInt64{Int64: int64(*o.ExitStatus), Valid: true}
		}
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outcomes (run_id, seq, host, exit_status, stdout, error) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, o.Host, exit, strings.Join(o.Stdout, "\n"), errText)
		if err != nil {
			return fmt.Errorf("insert outcome for %s: %w", o.Host, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one journal row with its outcome counts.
type RunSummary struct {
	ID         string
	Operation  string
	Command    string
	Discipline string
	Started    time.Time
	Finished   time.Time
	Hosts      int
	Failed     int
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.operation, r.command, r.discipline, r.started_at, r.finished_at,
       COUNT(o.seq),
       COALESCE(SUM(CASE WHEN o.error != '' OR COALESCE(o.exit_status, 0) != 0 THEN 1 ELSE 0 END), 0)
FROM runs r LEFT JOIN outcomes o ON o.run_id = r.id
GROUP BY r.id
ORDER BY r.started_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var started, finished string
		if err := rows.Scan(&rs.ID, &rs.Operation, &rs.Command, &rs.Discipline, &started, &finished, &rs.Hosts, &rs.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rs.Started, _ = time.Parse(journalTime, started)
		rs.Finished, _ = time.Parse(journalTime, finished)
		out = append(out, rs)
	}
	return out, rows.Err()
}
