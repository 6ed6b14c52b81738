package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ---------------------------------------------------------------------------
// Chat history — sqlite-backed transcript + summary storage
// ---------------------------------------------------------------------------

// ChatMessage is one transcript entry: a user turn (the delivered
// prompt) or the bot's assistant reply.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore persists per-session transcripts and their rolling
// summaries in sqlite.
type HistoryStore struct {
	db *sql.DB
}

func OpenHistory(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	h := &HistoryStore{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *HistoryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS summaries (
		session_id  TEXT PRIMARY KEY,
		summary     TEXT NOT NULL,
		message_cnt INTEGER NOT NULL,
		updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

func (h *HistoryStore) Close() error { return h.db.Close() }

// Append records one transcript entry and returns it with its id.
func (h *HistoryStore) Append(sessionID, role, content string) (ChatMessage, error) {
	now := time.Now()
	res, err := h.db.Exec(
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now,
	)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	id, _ := res.LastInsertId()
	return ChatMessage{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}, nil
}

// Recent returns the last limit entries for a session, oldest first.
func (h *HistoryStore) Recent(sessionID string, limit int) ([]ChatMessage, error) {
	rows, err := h.db.Query(
		`SELECT id, session_id, role, content, created_at
		 FROM (SELECT * FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the transcript length for a session.
func (h *HistoryStore) Count(sessionID string) (int, error) {
	var n int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// LastUserMessage returns the newest user-role entry, for crash
// snapshots.
func (h *HistoryStore) LastUserMessage(sessionID string) (ChatMessage, bool) {
	var m ChatMessage
	err := h.db.QueryRow(
		`SELECT id, session_id, role, content, created_at FROM messages
		 WHERE session_id = ? AND role = 'user' ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		return ChatMessage{}, false
	}
	return m, true
}

// SaveSummary replaces the session's rolling summary and trims the
// transcript down to keepTail entries in one transaction.
func (h *HistoryStore) SaveSummary(sessionID, summary string, keepTail int) error {
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cnt int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&cnt); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO summaries (session_id, summary, message_cnt, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET summary=excluded.summary,
		   message_cnt=excluded.message_cnt, updated_at=excluded.updated_at`,
		sessionID, summary, cnt, time.Now(),
	); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM messages WHERE session_id = ? AND id NOT IN
		 (SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)`,
		sessionID, sessionID, keepTail,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit()
}

// Summary returns the session's rolling summary, if any.
func (h *HistoryStore) Summary(sessionID string) (string, bool) {
	var s string
	err := h.db.QueryRow(`SELECT summary FROM summaries WHERE session_id = ?`, sessionID).Scan(&s)
	if err != nil {
		return "", false
	}
	return s, true
}

// DeleteSession removes the transcript and summary for a session.
func (h *HistoryStore) DeleteSession(sessionID string) error {
	if _, err := h.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	_, err := h.db.Exec(`DELETE FROM summaries WHERE session_id = ?`, sessionID)
	return err
}
