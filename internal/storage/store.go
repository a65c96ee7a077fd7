package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/raine/product-gate/internal/vision"
	_ "modernc.org/sqlite"
)

// Store is the persistence used by the pipeline.
type Store interface {
	vision.Cache

	StartRun(ctx context.Context, filename string) (*Run, error)
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL and a busy timeout let batch runs write concurrently
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	// The file exists once the schema is written.
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	annotationCacheQuery := `
	CREATE TABLE IF NOT EXISTS annotation_cache (
		image_hash TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(annotationCacheQuery); err != nil {
		return fmt.Errorf("failed to create annotation_cache table: %w", err)
	}

	runsQuery := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		status TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		iterations INTEGER NOT NULL DEFAULT 0,
		rejection_reason TEXT,
		payload TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	`
	if _, err := s.db.Exec(runsQuery); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)"); err != nil {
		return fmt.Errorf("failed to create runs index: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetAnnotation retrieves a cached annotation by image hash.
// Returns nil, nil if not found.
func (s *SQLiteStore) GetAnnotation(ctx context.Context, imageHash string) (*vision.AnnotationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM annotation_cache WHERE image_hash = ?",
		imageHash,
	).Scan(&payload)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query annotation cache: %w", err)
	}

	var result vision.AnnotationResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached annotation: %w", err)
	}
	return &result, nil
}

// SetAnnotation stores an annotation, replacing any previous entry.
func (s *SQLiteStore) SetAnnotation(ctx context.Context, imageHash string, result *vision.AnnotationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode annotation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotation_cache (image_hash, payload)
		VALUES (?, ?)
		ON CONFLICT(image_hash) DO UPDATE SET
			payload = excluded.payload,
			created_at = CURRENT_TIMESTAMP
	`, imageHash, string(payload))
	if err != nil {
		return fmt.Errorf("failed to set annotation cache: %w", err)
	}
	return nil
}
