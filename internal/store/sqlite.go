package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign_keys must be set per connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		model TEXT NOT NULL,
		screen_width INTEGER NOT NULL,
		screen_height INTEGER NOT NULL,
		system_prompt TEXT,
		port INTEGER,
		container_id TEXT,
		reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		origin TEXT NOT NULL,
		body TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (id, owner_id, status, model, screen_width, screen_height, system_prompt,
		port, container_id, reason, created_at, updated_at, last_activity, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.OwnerID, string(sess.Status),
		sess.Config.Model, sess.Config.ScreenWidth, sess.Config.ScreenHeight, nullString(sess.Config.SystemPrompt),
		nullInt(sess.Port), nullString(sess.Handle), nullString(sess.Reason),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), sess.LastActivity.UnixMilli(), nullTime(sess.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession mirrors a status transition onto a non-terminal row.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	UPDATE sessions SET status = ?, port = ?, container_id = ?, reason = ?,
		updated_at = ?, last_activity = MAX(last_activity, ?), ended_at = ?
	WHERE id = ? AND status NOT IN (?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		string(sess.Status), nullInt(sess.Port), nullString(sess.Handle), nullString(sess.Reason),
		sess.UpdatedAt.UnixMilli(), sess.LastActivity.UnixMilli(), nullTime(sess.EndedAt),
		sess.ID, string(domain.StatusEnded), string(domain.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", sess.ID, "status", sess.Status)
	}
	return nil
}

const sessionColumns = `id, owner_id, status, model, screen_width, screen_height, system_prompt,
	port, container_id, reason, created_at, updated_at, last_activity, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                           domain.Session
		status                         string
		systemPrompt, handle, reason   sql.NullString
		port, endedAt                  sql.NullInt64
		createdAt, updatedAt, activity int64
	)
	err := row.Scan(
		&sess.ID, &sess.OwnerID, &status, &sess.Config.Model, &sess.Config.ScreenWidth, &sess.Config.ScreenHeight,
		&systemPrompt, &port, &handle, &reason, &createdAt, &updatedAt, &activity, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.Status(status)
	sess.Config.SystemPrompt = systemPrompt.String
	sess.Port = int(port.Int64)
	sess.Handle = handle.String
	sess.Reason = reason.String
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	sess.LastActivity = time.UnixMilli(activity)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// GetSession returns the session, or nil if it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns one page of sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, int, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions` + clause + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// PurgeEndedSessions deletes terminal sessions ended before cutoff.
func (s *SQLiteStore) PurgeEndedSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status IN (?, ?) AND ended_at IS NOT NULL AND ended_at < ?`,
		string(domain.StatusEnded), string(domain.StatusFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge ended sessions: %w", err)
	}
	return result.RowsAffected()
}

// AppendMessage inserts a message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	var metadata any
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, origin, body, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Seq, string(m.Origin), m.Body, metadata, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m         domain.Message
		origin    string
		metadata  sql.NullString
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &origin, &m.Body, &metadata, &createdAt); err != nil {
		return nil, err
	}
	m.Origin = domain.Origin(origin)
	m.CreatedAt = time.UnixMilli(createdAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &m, nil
}

const messageColumns = `id, session_id, seq, origin, body, metadata, created_at`

// GetMessage returns one message.
func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND id = ?`, sessionID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return m, nil
}

// ListMessages returns messages in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, f MessageFilter) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? AND seq > ?`
	args := []any{f.SessionID, f.AfterSeq}
	if f.Origin != "" {
		query += ` AND origin = ?`
		args = append(args, string(f.Origin))
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CountMessages returns the number of stored messages for a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// DeleteMessages removes a session's messages, optionally only one origin.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string, origin domain.Origin) (int64, error) {
	query := `DELETE FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if origin != "" {
		query += ` AND origin = ?`
		args = append(args, string(origin))
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return result.RowsAffected()
}

// MaxMessageSeq returns the highest stored sequence for a session.
func (s *SQLiteStore) MaxMessageSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max message seq: %w", err)
	}
	return seq.Int64, nil
}
