// Package state keeps a journal of opened sessions and client resets.
package state

import (
	"errors"
	"time"
)

// Store records session lifecycle and client-reset history.
type Store interface {
	// RecordSession inserts or refreshes the record for rec.Path.
	RecordSession(rec SessionRecord) error

	// MarkClosed stamps the close time of the session at path.
	MarkClosed(path string, at time.Time) error

	// RecordClientReset appends a client reset.
	RecordClientReset(rec ResetRecord) error

	// ListSessions returns every known session ordered by path.
	ListSessions() ([]SessionRecord, error)

	// ListClientResets returns resets for path, or all resets when path is
	// empty, oldest first.
	ListClientResets(path string) ([]ResetRecord, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrSessionNotRecorded = errors.New("session not recorded")
	ErrStoreClosed        = errors.New("store is closed")
)

// SessionRecord describes a session opened by the manager.
type SessionRecord struct {
	Path      string     `json:"path"`
	SessionID string     `json:"session_id"`
	ServerURL string     `json:"server_url"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// ResetRecord describes a client reset requested by the server.
type ResetRecord struct {
	Path       string    `json:"path"`
	SessionID  string    `json:"session_id"`
	BackupPath string    `json:"backup_path"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1
