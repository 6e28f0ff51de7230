package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/syncsession/internal/events"
)

// SQLiteStore journals to a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens or creates the journal at dbPath.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_journal"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        path TEXT PRIMARY KEY,
        session_id TEXT NOT NULL,
        server_url TEXT NOT NULL DEFAULT '',
        opened_at TIMESTAMP NOT NULL,
        closed_at TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS client_resets (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        path TEXT NOT NULL,
        session_id TEXT NOT NULL,
        backup_path TEXT NOT NULL,
        code TEXT NOT NULL,
        message TEXT NOT NULL DEFAULT '',
        at TIMESTAMP NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_client_resets_path ON client_resets(path);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RecordSession upserts the session row. Reopening a path clears its
// close time.
func (s *SQLiteStore) RecordSession(rec SessionRecord) error {
	s.logger.WithFields(map[string]interface{}{
		"path":       rec.Path,
		"session_id": rec.SessionID,
	}).Debug("Recording session")

	_, err := s.db.Exec(`
        INSERT INTO sessions (path, session_id, server_url, opened_at, closed_at)
        VALUES (?, ?, ?, ?, NULL)
        ON CONFLICT(path) DO UPDATE SET
            session_id = excluded.session_id,
            server_url = excluded.server_url,
            opened_at = excluded.opened_at,
            closed_at = NULL
    `, rec.Path, rec.SessionID, rec.ServerURL, rec.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// MarkClosed sets closed_at for path.
func (s *SQLiteStore) MarkClosed(path string, at time.Time) error {
	res, err := s.db.Exec("UPDATE sessions SET closed_at = ? WHERE path = ?", at.UTC(), path)
	if err != nil {
		return fmt.Errorf("mark session closed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark session closed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark %s closed: %w", path, ErrSessionNotRecorded)
	}
	return nil
}

// RecordClientReset appends a reset row.
func (s *SQLiteStore) RecordClientReset(rec ResetRecord) error {
	s.logger.WithFields(map[string]interface{}{
		"path":        rec.Path,
		"backup_path": rec.BackupPath,
	}).Info("Recording client reset")

	_, err := s.db.Exec(`
        INSERT INTO client_resets (path, session_id, backup_path, code, message, at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, rec.Path, rec.SessionID, rec.BackupPath, rec.Code, rec.Message, rec.At.UTC())
	if err != nil {
		return fmt.Errorf("insert client reset: %w", err)
	}
	return nil
}

// ListSessions returns all sessions ordered by path.
func (s *SQLiteStore) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
        SELECT path, session_id, server_url, opened_at, closed_at
        FROM sessions
        ORDER BY path
    `)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var closedAt sql.NullTime
		if err := rows.Scan(&rec.Path, &rec.SessionID, &rec.ServerURL, &rec.OpenedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if closedAt.Valid {
			t := closedAt.Time
			rec.ClosedAt = &t
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ListClientResets returns resets in insertion order.
func (s *SQLiteStore) ListClientResets(path string) ([]ResetRecord, error) {
	query := `
        SELECT path, session_id, backup_path, code, message, at
        FROM client_resets`
	var args []interface{}
	if path != "" {
		query += " WHERE path = ?"
		args = append(args, path)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query client resets: %w", err)
	}
	defer rows.Close()

	var records []ResetRecord
	for rows.Next() {
		var rec ResetRecord
		if err := rows.Scan(&rec.Path, &rec.SessionID, &rec.BackupPath, &rec.Code, &rec.Message, &rec.At); err != nil {
			return nil, fmt.Errorf("scan client reset row: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
