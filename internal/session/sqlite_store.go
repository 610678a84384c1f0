package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// AuditStore persists an append-only message trail to SQLite. It is an
// operator-facing audit log, not the coordination source of truth (the
// JSON store file is).
type AuditStore struct {
	db *sql.DB
}

// StoredMessage is one audit trail row.
type StoredMessage struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"sessionKey"`
	RunID      string    `json:"runId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"` // "user", "assistant", "system", "error"
	Content    string    `json:"content"`
	Channel    string    `json:"channel,omitempty"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, ts);
`

// OpenAuditStore opens (creating if needed) the audit database at path.
func OpenAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init audit schema: %w", err)
	}
	L_debug("session: audit store ready", "path", path)
	return &AuditStore{db: db}, nil
}

// Append writes one message row.
func (a *AuditStore) Append(ctx context.Context, msg *StoredMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO messages (session_key, run_id, ts, role, content, channel) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionKey, msg.RunID, msg.Timestamp.UnixMilli(), msg.Role, msg.Content, msg.Channel)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

// History returns the most recent limit messages for a session key,
// oldest-first.
func (a *AuditStore) History(ctx context.Context, sessionKey string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, session_key, run_id, ts, role, content, channel
		 FROM messages WHERE session_key = ?
		 ORDER BY ts DESC, id DESC LIMIT ?`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.RunID, &ts, &m.Role, &m.Content, &m.Channel); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the database.
func (a *AuditStore) Close() error {
	return a.db.Close()
}
