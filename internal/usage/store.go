// Package usage provides persistent accounting for orchestration runs.
// Records are append-only and indexed by timestamp and session for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is the accounting entry for one processed message.
type Record struct {
	ID           string
	Timestamp    time.Time
	RunID        string
	SessionID    string
	Model        string
	State        string // final loop state: FINALIZED or ABORTED
	Rounds       int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated run totals.
type Summary struct {
	TotalRuns         int
	TotalRounds       int64
	TotalToolCalls    int64
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Store is an append-only SQLite store for run records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		session_id    TEXT,
		model         TEXT NOT NULL,
		state         TEXT NOT NULL,
		rounds        INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_timestamp ON run_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_run_session ON run_records(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a run record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records
			(id, timestamp, run_id, session_id, model, state,
			 rounds, tool_calls, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RunID,
		rec.SessionID,
		rec.Model,
		rec.State,
		rec.Rounds,
		rec.ToolCalls,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(rounds), 0), COALESCE(SUM(tool_calls), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM run_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRuns, &sum.TotalRounds, &sum.TotalToolCalls,
		&sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records within
// [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByState returns per-final-state aggregated totals for records
// within [start, end). Useful for watching the ABORTED rate.
func (s *Store) SummaryByState(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("state", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(rounds), 0), COALESCE(SUM(tool_calls), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM run_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(input_tokens) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRuns, &sum.TotalRounds, &sum.TotalToolCalls,
			&sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
