// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides thread/message/blocklist persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The partial unique indexes on threads are the durable backstop for the
// at-most-one-open-thread invariants; the serial task queue remains the
// primary serialization mechanism.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at DATETIME NOT NULL,
			closed_at DATETIME,

			CHECK (status IN ('open', 'closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_open_user
			ON threads(user_id) WHERE status = 'open';

		CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_open_channel
			ON threads(channel_id) WHERE status = 'open';

		CREATE INDEX IF NOT EXISTS idx_threads_user_created
			ON threads(user_id, created_at);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			external_id TEXT,
			direction TEXT NOT NULL,
			author_id TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT,
			created_at DATETIME NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			anonymous INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (thread_id) REFERENCES threads(id),

			CHECK (direction IN ('to_user', 'from_user', 'staff_chat', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON chat_messages(thread_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_external
			ON chat_messages(external_id);

		CREATE TABLE IF NOT EXISTS blocked_users (
			user_id TEXT PRIMARY KEY,
			blocked_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('chat_messages') WHERE name = 'anonymous'`,
			apply:  `ALTER TABLE chat_messages ADD COLUMN anonymous INTEGER NOT NULL DEFAULT 0`,
			column: "anonymous",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('chat_messages') WHERE name = 'attachments'`,
			apply:  `ALTER TABLE chat_messages ADD COLUMN attachments TEXT`,
			column: "attachments",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to chat_messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "chat_messages")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateThread creates a new thread in the database.
// If the user or channel already has an open thread, the partial unique
// indexes reject the insert and ErrDuplicateThread is returned.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	status := thread.Status
	if status == "" {
		status = ThreadStatusOpen
	}

	query := `
		INSERT INTO threads (id, user_id, channel_id, status, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		thread.ID,
		thread.UserID,
		thread.ChannelID,
		status,
		thread.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(thread.ClosedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	s.logger.Debug("created thread", "id", thread.ID, "user_id", thread.UserID, "channel_id", thread.ChannelID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullTime returns nil for nil times, otherwise the RFC3339 string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// scanThread scans one thread row. The caller supplies the row's Scan
// destination wiring via the returned pointers.
func scanThread(scan func(dest ...any) error) (*Thread, error) {
	var thread Thread
	var createdAtStr string
	var closedAtStr sql.NullString

	err := scan(
		&thread.ID,
		&thread.UserID,
		&thread.ChannelID,
		&thread.Status,
		&createdAtStr,
		&closedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning thread: %w", err)
	}

	thread.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if closedAtStr.Valid {
		t, err := time.Parse(time.RFC3339, closedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		thread.ClosedAt = &t
	}

	return &thread, nil
}

const threadColumns = "id, user_id, channel_id, status, created_at, closed_at"

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanThread(row.Scan)
}

// GetOpenThreadByUser retrieves the user's open thread.
// Returns ErrNotFound if the user has no open thread.
func (s *SQLiteStore) GetOpenThreadByUser(ctx context.Context, userID string) (*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE user_id = ? AND status = 'open'`
	row := s.db.QueryRowContext(ctx, query, userID)
	return scanThread(row.Scan)
}

// GetOpenThreadByChannel retrieves the open thread bound to a channel.
// Returns ErrNotFound if no open thread uses the channel.
func (s *SQLiteStore) GetOpenThreadByChannel(ctx context.Context, channelID string) (*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE channel_id = ? AND status = 'open'`
	row := s.db.QueryRowContext(ctx, query, channelID)
	return scanThread(row.Scan)
}

// CloseThread marks an open thread closed and records the close time.
// Returns false with a nil error if the thread was already closed, so a
// second close is a no-op. Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) CloseThread(ctx context.Context, id string, closedAt time.Time) (bool, error) {
	query := `
		UPDATE threads
		SET status = 'closed', closed_at = ?
		WHERE id = ? AND status = 'open'
	`

	result, err := s.db.ExecContext(ctx, query, closedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("closing thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Either the thread doesn't exist or it is already closed
		if _, err := s.GetThread(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	s.logger.Debug("closed thread", "id", id)
	return true, nil
}

// ListClosedThreadsByUser returns the user's closed threads in creation
// order (oldest first). Callers reorder for display as needed.
func (s *SQLiteStore) ListClosedThreadsByUser(ctx context.Context, userID string) ([]*Thread, error) {
	query := `
		SELECT ` + threadColumns + `
		FROM threads
		WHERE user_id = ? AND status = 'closed'
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying closed threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		thread, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}

	return threads, nil
}

// SaveMessage saves a chat message to the database
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	var attachmentsJSON any
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments: %w", err)
		}
		attachmentsJSON = string(b)
	}

	query := `
		INSERT INTO chat_messages (id, thread_id, external_id, direction, author_id, content, attachments, created_at, deleted, anonymous)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ThreadID,
		nullString(msg.ExternalID),
		msg.Direction,
		msg.AuthorID,
		msg.Content,
		attachmentsJSON,
		msg.CreatedAt.UTC().Format(time.RFC3339),
		boolToInt(msg.Deleted),
		boolToInt(msg.Anonymous),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "thread_id", msg.ThreadID, "direction", msg.Direction)
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const messageColumns = "id, thread_id, external_id, direction, author_id, content, attachments, created_at, deleted, anonymous"

// scanMessage scans one chat_messages row.
func scanMessage(scan func(dest ...any) error) (*ChatMessage, error) {
	var msg ChatMessage
	var externalID, attachmentsJSON sql.NullString
	var createdAtStr string
	var deleted, anonymous int

	err := scan(
		&msg.ID,
		&msg.ThreadID,
		&externalID,
		&msg.Direction,
		&msg.AuthorID,
		&msg.Content,
		&attachmentsJSON,
		&createdAtStr,
		&deleted,
		&anonymous,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if externalID.Valid {
		msg.ExternalID = externalID.String
	}
	if attachmentsJSON.Valid {
		// Best effort: invalid JSON leaves attachments empty
		_ = json.Unmarshal([]byte(attachmentsJSON.String), &msg.Attachments)
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}

	msg.Deleted = deleted != 0
	msg.Anonymous = anonymous != 0

	return &msg, nil
}

// GetMessage retrieves a chat message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanMessage(row.Scan)
}

// GetMessageByExternalID retrieves a chat message by its external message ID.
// This uses the idx_messages_external index; edit and delete events carry
// only the external ID. Returns ErrNotFound if no message matches.
func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE external_id = ?`
	row := s.db.QueryRowContext(ctx, query, externalID)
	return scanMessage(row.Scan)
}

// UpdateMessageContent replaces a message's content in place.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("updating message content: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated message content", "id", id)
	return nil
}

// MarkMessageDeleted soft-deletes a message. Content is retained.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking message deleted: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("soft-deleted message", "id", id)
	return nil
}

// GetThreadMessages retrieves messages for a thread, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*ChatMessage, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT ` + messageColumns + `
			FROM (
				SELECT ` + messageColumns + `
				FROM chat_messages
				WHERE thread_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, id ASC
		`
		args = []any{threadID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM chat_messages
			WHERE thread_id = ?
			ORDER BY created_at ASC, id ASC
		`
		args = []any{threadID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// BlockUser adds a user to the blocklist. Blocking an already-blocked user
// is a no-op; the original blocked_at is kept.
func (s *SQLiteStore) BlockUser(ctx context.Context, userID string, blockedAt time.Time) error {
	query := `
		INSERT OR IGNORE INTO blocked_users (user_id, blocked_at)
		VALUES (?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, userID, blockedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("blocking user: %w", err)
	}

	s.logger.Debug("blocked user", "user_id", userID)
	return nil
}

// UnblockUser removes a user from the blocklist. Unblocking a user who
// isn't blocked is a no-op.
func (s *SQLiteStore) UnblockUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("unblocking user: %w", err)
	}

	s.logger.Debug("unblocked user", "user_id", userID)
	return nil
}

// ListBlockedUsers returns all blocklist entries.
func (s *SQLiteStore) ListBlockedUsers(ctx context.Context) ([]*BlockedUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, blocked_at FROM blocked_users ORDER BY blocked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying blocked users: %w", err)
	}
	defer rows.Close()

	var users []*BlockedUser
	for rows.Next() {
		var u BlockedUser
		var blockedAtStr string

		if err := rows.Scan(&u.UserID, &blockedAtStr); err != nil {
			return nil, fmt.Errorf("scanning blocked user: %w", err)
		}

		u.BlockedAt, err = time.Parse(time.RFC3339, blockedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing blocked_at: %w", err)
		}

		users = append(users, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocked user rows: %w", err)
	}

	return users, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
