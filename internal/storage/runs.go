package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatusPending is the status of a run that has not finished.
const RunStatusPending = "pending"

// Run is one pipeline execution as recorded in history.
type Run struct {
	ID              string
	Filename        string
	Status          string
	Score           int
	Iterations      int
	RejectionReason string
	Payload         string // JSON snapshot of the run context
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// StartRun records a new pending run with a fresh ID.
func (s *SQLiteStore) StartRun(ctx context.Context, filename string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &Run{
		ID:        uuid.New().String(),
		Filename:  filename,
		Status:    RunStatusPending,
		StartedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, filename, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Filename, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// FinishRun stores the final state of run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, score = ?, iterations = ?, rejection_reason = ?, payload = ?, finished_at = ?
		WHERE id = ?
	`, run.Status, run.Score, run.Iterations, nullString(run.RejectionReason), nullString(run.Payload), finished, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to finish run: run %s not found", run.ID)
	}

	run.FinishedAt = &finished
	return nil
}

// GetRun retrieves a run by ID. Returns nil, nil if not found.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, status, score, iterations, rejection_reason, payload, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, status, score, iterations, rejection_reason, payload, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var reason, payload sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.Filename, &run.Status, &run.Score, &run.Iterations,
		&reason, &payload, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.RejectionReason = reason.String
	run.Payload = payload.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
