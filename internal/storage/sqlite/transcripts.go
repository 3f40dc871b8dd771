// Package sqlite persists committed transcript entries so conversations
// survive server restarts and can be exported later.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/voicelink/pkg/logger"

	_ "modernc.org/sqlite"
)

// EntryRecord represents one stored transcript entry
type EntryRecord struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
}

// TranscriptStorage handles storage of transcript entries
type TranscriptStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTranscriptStorage opens the database at dbPath and prepares the schema
func NewTranscriptStorage(dbPath string, log *logger.Logger) (*TranscriptStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage", logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	storage := &TranscriptStorage{
		db:     db,
		logger: storageLogger,
	}
	if err := storage.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *TranscriptStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript_entries (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcript_entries table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_created_at ON transcript_entries(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_role ON transcript_entries(role)`)
	if err != nil {
		return fmt.Errorf("failed to create role index: %w", err)
	}

	return nil
}

// StoreEntry stores one committed transcript entry
func (s *TranscriptStorage) StoreEntry(record *EntryRecord) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO transcript_entries (id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		record.ID,
		record.Role,
		record.Content,
		record.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transcript entry: %w", err)
	}
	return nil
}

// GetEntries returns stored entries ordered oldest first
func (s *TranscriptStorage) GetEntries(limit, offset int) ([]*EntryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, created_at FROM transcript_entries
		ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetEntriesByTimeRange returns entries between startTime and endTime, oldest first
func (s *TranscriptStorage) GetEntriesByTimeRange(startTime, endTime time.Time, limit, offset int) ([]*EntryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, created_at FROM transcript_entries
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		startTime.Format(time.RFC3339Nano),
		endTime.Format(time.RFC3339Nano),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript entries by time range: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*EntryRecord, error) {
	var records []*EntryRecord
	for rows.Next() {
		var record EntryRecord
		var createdAt string
		if err := rows.Scan(&record.ID, &record.Role, &record.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse entry timestamp: %w", err)
		}
		record.CreatedAt = ts
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcript entries: %w", err)
	}
	return records, nil
}

// Count returns the number of stored entries
func (s *TranscriptStorage) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM transcript_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transcript entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database
func (s *TranscriptStorage) Close() error {
	return s.db.Close()
}
