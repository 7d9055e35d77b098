// Package registry persists session rows and transcript messages in an
// embedded SQLite store. The store survives orchestrator restarts; the
// worktree path is the restart-recovery pivot.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/ccm/internal/apperr"
)

// SchemaVersion tracks the current database schema version.
const SchemaVersion = 1

// maxMessageLen caps the persisted content of a single transcript message.
const maxMessageLen = 64 * 1024

// SessionRow is one persisted session.
type SessionRow struct {
	ID           string
	WorktreeID   string
	WorktreePath string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageRow is one transcript entry, ordered by timestamp within a session.
type MessageRow struct {
	ID        string
	SessionID string
	Role      string // user, assistant, system
	Type      string // text, tool_use, tool_result, thinking, error
	Content   string
	Timestamp time.Time
}

// Registry wraps the SQLite database. Thread-safe; writes are serialized by
// the driver, reads run concurrently under WAL.
type Registry struct {
	db   *sql.DB
	path string
}

// Open creates or opens the store at dbPath with WAL mode, busy timeout and
// foreign keys enabled, and runs migrations.
func Open(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: %s: %w", pragma, err)
		}
	}

	r := &Registry{db: db, path: dbPath}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close checkpoints WAL and closes the database.
func (r *Registry) Close() error {
	_, _ = r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return r.db.Close()
}

// Path returns the database file path.
func (r *Registry) Path() string { return r.path }

func (r *Registry) migrate() error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("registry: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("registry: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			worktree_id   TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL UNIQUE,
			status        TEXT NOT NULL DEFAULT 'starting',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("registry: create sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			type       TEXT NOT NULL DEFAULT 'text',
			content    TEXT NOT NULL,
			timestamp  INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("registry: create messages: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_worktree_path ON sessions(worktree_path)",
		"CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)",
	} {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("registry: create index: %w", err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("registry: set schema version: %w", err)
	}

	return tx.Commit()
}

// Create inserts a session row. A duplicate worktree path fails loudly with
// Conflict; the caller decides between UpdateStatus and a read-and-return.
func (r *Registry) Create(row *SessionRow) error {
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO sessions (id, worktree_id, worktree_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.ID, row.WorktreeID, row.WorktreePath, row.Status, row.CreatedAt.Unix(), row.UpdatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apperr.Wrap(apperr.KindConflict,
				fmt.Sprintf("a session already exists for %s", row.WorktreePath), err)
		}
		return fmt.Errorf("registry: create session: %w", err)
	}
	return nil
}

// GetByID returns the session row for id.
func (r *Registry) GetByID(id string) (*SessionRow, error) {
	return r.getOne("SELECT id, worktree_id, worktree_path, status, created_at, updated_at FROM sessions WHERE id = ?", id)
}

// GetByWorktreePath returns the session row bound to path.
func (r *Registry) GetByWorktreePath(path string) (*SessionRow, error) {
	return r.getOne("SELECT id, worktree_id, worktree_path, status, created_at, updated_at FROM sessions WHERE worktree_path = ?", path)
}

func (r *Registry) getOne(query string, arg any) (*SessionRow, error) {
	row := &SessionRow{}
	var createdUnix, updatedUnix int64
	err := r.db.QueryRow(query, arg).Scan(
		&row.ID, &row.WorktreeID, &row.WorktreePath, &row.Status, &createdUnix, &updatedUnix)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get session: %w", err)
	}
	row.CreatedAt = time.Unix(createdUnix, 0)
	row.UpdatedAt = time.Unix(updatedUnix, 0)
	return row, nil
}

// UpdateStatus sets the status for a session.
func (r *Registry) UpdateStatus(id, status string) error {
	res, err := r.db.Exec(
		"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("registry: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "session not found: %s", id)
	}
	return nil
}

// Delete removes the session row; messages cascade.
func (r *Registry) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("registry: delete session: %w", err)
	}
	return nil
}

// ListAll returns every session row ordered by creation time.
func (r *Registry) ListAll() ([]*SessionRow, error) {
	rows, err := r.db.Query(
		"SELECT id, worktree_id, worktree_path, status, created_at, updated_at FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("registry: list sessions: %w", err)
	}
	defer rows.Close()

	var result []*SessionRow
	for rows.Next() {
		row := &SessionRow{}
		var createdUnix, updatedUnix int64
		if err := rows.Scan(&row.ID, &row.WorktreeID, &row.WorktreePath, &row.Status,
			&createdUnix, &updatedUnix); err != nil {
			return nil, err
		}
		row.CreatedAt = time.Unix(createdUnix, 0)
		row.UpdatedAt = time.Unix(updatedUnix, 0)
		result = append(result, row)
	}
	return result, rows.Err()
}

// AddMessage appends a transcript entry. Content beyond the cap is truncated.
func (r *Registry) AddMessage(msg *MessageRow) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	content := msg.Content
	if len(content) > maxMessageLen {
		content = content[:maxMessageLen]
	}

	_, err := r.db.Exec(`
		INSERT INTO messages (id, session_id, role, type, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Type, content, msg.Timestamp.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return apperr.Wrap(apperr.KindNotFound,
				fmt.Sprintf("session not found: %s", msg.SessionID), err)
		}
		return fmt.Errorf("registry: add message: %w", err)
	}
	return nil
}

// MessagesOf returns the transcript for a session ordered by timestamp.
func (r *Registry) MessagesOf(sessionID string) ([]*MessageRow, error) {
	rows, err := r.db.Query(`
		SELECT id, session_id, role, type, content, timestamp
		FROM messages WHERE session_id = ? ORDER BY timestamp
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("registry: list messages: %w", err)
	}
	defer rows.Close()

	var result []*MessageRow
	for rows.Next() {
		msg := &MessageRow{}
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Type, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp = time.UnixMilli(ts)
		result = append(result, msg)
	}
	return result, rows.Err()
}

// ClearMessages drops the transcript for a session.
func (r *Registry) ClearMessages(sessionID string) error {
	_, err := r.db.Exec("DELETE FROM messages WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("registry: clear messages: %w", err)
	}
	return nil
}
