package processes

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Record is the persisted view of one agent process.
type Record struct {
	ProcessID string
	Name      string
	Command   string
	ParentID  string
	ProjectID string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists process records across controller restarts.
type Store interface {
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, processID string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, processID string) error
	Close() error
}

// MemoryStore keeps records in memory; the default when no database
// path is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.records[r.ProcessID] = &copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, processID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[processID]
	if !ok {
		return nil, nil
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, processID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open process db: %w", err)
	}
	// The driver serializes access; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processes (
			process_id TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			command    TEXT NOT NULL DEFAULT '',
			parent_id  TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate process db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (process_id, name, command, parent_id, project_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(process_id) DO UPDATE SET
			name = excluded.name,
			command = excluded.command,
			parent_id = excluded.parent_id,
			project_id = excluded.project_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		r.ProcessID, r.Name, r.Command, r.ParentID, r.ProjectID, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, processID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT process_id, name, command, parent_id, project_id, status, created_at, updated_at
		FROM processes WHERE process_id = ?`, processID)
	r := &Record{}
	err := row.Scan(&r.ProcessID, &r.Name, &r.Command, &r.ParentID, &r.ProjectID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_id, name, command, parent_id, project_id, status, created_at, updated_at
		FROM processes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ProcessID, &r.Name, &r.Command, &r.ParentID, &r.ProjectID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, processID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE process_id = ?`, processID)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
