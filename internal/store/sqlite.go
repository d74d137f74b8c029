// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Enforces open-conversation uniqueness with partial unique indexes

package store

import (
	"context"
	"database/sql"
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

	// Wait on locks instead of failing fast; concurrent StartOrJoin and
	// Append calls would otherwise surface SQLITE_BUSY to callers
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The two partial unique indexes on conversations carry the invariant that
// a customer has at most one open conversation per expert and at most one
// unassigned waiting conversation. StartOrJoin relies on them instead of a
// read-then-write check.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS experts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL,
			email           TEXT NOT NULL,
			password_hash   TEXT NOT NULL,
			specialization  TEXT NOT NULL,
			bio             TEXT NOT NULL DEFAULT '',
			avatar          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'offline',
			last_seen       DATETIME,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,

			CHECK (status IN ('active', 'busy', 'offline'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_experts_email ON experts(email);
		CREATE INDEX IF NOT EXISTS idx_experts_status ON experts(status);

		CREATE TABLE IF NOT EXISTS conversations (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id INTEGER NOT NULL,
			expert_id   INTEGER,
			status      TEXT NOT NULL DEFAULT 'waiting',
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL,

			CHECK (status IN ('waiting', 'active', 'closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_pair
			ON conversations(customer_id, expert_id)
			WHERE status IN ('waiting', 'active') AND expert_id IS NOT NULL;

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_queue
			ON conversations(customer_id)
			WHERE status = 'waiting' AND expert_id IS NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_id, updated_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_expert
			ON conversations(expert_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_type     TEXT NOT NULL,
			sender_id       INTEGER NOT NULL,
			message_text    TEXT NOT NULL,
			message_type    TEXT NOT NULL DEFAULT 'text',
			sent_at         DATETIME NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender_type IN ('customer', 'expert'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, id);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, sender_type, is_read);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
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

// CreateConversation inserts a new conversation and assigns its ID.
// Returns ErrDuplicateConversation if an open conversation for the same
// (customer, expert-or-queue) pair already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (customer_id, expert_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		conv.CustomerID, nullableID(conv.ExpertID), conv.Status, conv.CreatedAt, conv.UpdatedAt,
	).Scan(&conv.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, expert_id, status, created_at, updated_at
		FROM conversations
		WHERE id = ?`, id)
	return scanConversation(row)
}

// FindOpenConversation looks up the open conversation for a (customer, expert)
// pair, or the customer's unassigned waiting conversation when expertID is nil.
// Returns ErrNotFound if no such conversation exists.
func (s *SQLiteStore) FindOpenConversation(ctx context.Context, customerID int64, expertID *int64) (*Conversation, error) {
	var row *sql.Row
	if expertID != nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, customer_id, expert_id, status, created_at, updated_at
			FROM conversations
			WHERE customer_id = ? AND expert_id = ? AND status IN ('waiting', 'active')
			LIMIT 1`, customerID, *expertID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, customer_id, expert_id, status, created_at, updated_at
			FROM conversations
			WHERE customer_id = ? AND expert_id IS NULL AND status = 'waiting'
			LIMIT 1`, customerID)
	}
	return scanConversation(row)
}

// UpdateConversation sets the expert assignment and/or status of a
// conversation. Closed conversations are terminal: updating one returns
// ErrConversationClosed. Returns ErrNotFound if the conversation does not
// exist and ErrDuplicateConversation if the assignment would collide with
// another open conversation for the same pair.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id int64, expertID *int64, status *string) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if expertID != nil {
		sets = append(sets, "expert_id = ?")
		args = append(args, *expertID)
	}
	if status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *status)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status != 'closed'",
		args...)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		// Distinguish missing from closed
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
		return ErrConversationClosed
	}
	return nil
}

// ClaimConversation atomically assigns an expert to an unassigned waiting
// conversation and moves it to active. Returns false if the conversation was
// already claimed (or is not an unassigned waiting conversation), so that
// two experts racing for the same queued conversation cannot both win.
func (s *SQLiteStore) ClaimConversation(ctx context.Context, id, expertID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET expert_id = ?, status = 'active', updated_at = ?
		WHERE id = ? AND status = 'waiting' AND expert_id IS NULL`,
		expertID, time.Now().UTC(), id)
	if err != nil {
		if isConstraintViolation(err) {
			return false, ErrDuplicateConversation
		}
		return false, fmt.Errorf("claiming conversation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim result: %w", err)
	}
	return rows > 0, nil
}

// ListConversationsByCustomer returns the customer's conversations ordered by
// recency, each annotated with the count of unread expert-authored messages.
func (s *SQLiteStore) ListConversationsByCustomer(ctx context.Context, customerID int64) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.customer_id, c.expert_id, c.status, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender_type = 'expert' AND m.is_read = 0)
		FROM conversations c
		WHERE c.customer_id = ?
		ORDER BY c.updated_at DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing customer conversations: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// ListConversationsByExpert returns the expert's assigned conversations plus
// the open queue (waiting, unassigned), ordered by recency. Queued
// conversations are visible to every expert; first to claim wins.
func (s *SQLiteStore) ListConversationsByExpert(ctx context.Context, expertID int64) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.customer_id, c.expert_id, c.status, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender_type = 'customer' AND m.is_read = 0)
		FROM conversations c
		WHERE c.expert_id = ?
		   OR (c.status = 'waiting' AND c.expert_id IS NULL)
		ORDER BY c.updated_at DESC`, expertID)
	if err != nil {
		return nil, fmt.Errorf("listing expert conversations: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// AppendMessage inserts a message and advances the owning conversation's
// updated_at in a single transaction, so a conversation never looks fresh
// without its new message being visible (or vice versa).
// Returns ErrNotFound if the conversation does not exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM conversations WHERE id = ?", msg.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_type, sender_id, message_text, message_type, sent_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		RETURNING id`,
		msg.ConversationID, msg.SenderType, msg.SenderID, msg.Text, msg.Type, msg.SentAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		msg.SentAt, msg.ConversationID); err != nil {
		return fmt.Errorf("bumping conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.IsRead = false
	return nil
}

// ListMessagesSince returns all messages in a conversation with ID greater
// than afterID in ascending order. This is the polling cursor primitive:
// IDs are strictly increasing and immutable, so a well-behaved poller sees
// every message exactly once.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, conversationID, afterID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_type, sender_id, message_text, message_type, sent_at, is_read
		FROM messages
		WHERE conversation_id = ? AND id > ?
		ORDER BY id ASC`, conversationID, afterID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderType, &m.SenderID,
			&m.Text, &m.Type, &m.SentAt, &m.IsRead); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// MarkMessagesRead flags every message authored by the reader's counterpart
// as read. Idempotent: already-read messages are untouched. Returns the
// number of messages flipped.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID int64, readerType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_read = 1
		WHERE conversation_id = ? AND sender_type = ? AND is_read = 0`,
		conversationID, CounterpartOf(readerType))
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread returns the number of messages the reader has not acknowledged:
// counterpart-authored messages with is_read = 0.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID int64, readerType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_type = ? AND is_read = 0`,
		conversationID, CounterpartOf(readerType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// CreateExpert inserts a new expert record and assigns its ID.
// Returns ErrDuplicateEmail if the email is already taken.
func (s *SQLiteStore) CreateExpert(ctx context.Context, expert *Expert) error {
	now := time.Now().UTC()
	if expert.CreatedAt.IsZero() {
		expert.CreatedAt = now
	}
	if expert.UpdatedAt.IsZero() {
		expert.UpdatedAt = now
	}
	if expert.Status == "" {
		expert.Status = ExpertOffline
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO experts (name, email, password_hash, specialization, bio, avatar, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		expert.Name, expert.Email, expert.PasswordHash, expert.Specialization,
		expert.Bio, expert.Avatar, expert.Status, expert.CreatedAt, expert.UpdatedAt,
	).Scan(&expert.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting expert: %w", err)
	}
	return nil
}

// GetExpert retrieves an expert by ID
func (s *SQLiteStore) GetExpert(ctx context.Context, id int64) (*Expert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, specialization, bio, avatar, status, last_seen, created_at, updated_at
		FROM experts
		WHERE id = ?`, id)
	return scanExpert(row)
}

// GetExpertByEmail retrieves an expert by email address
func (s *SQLiteStore) GetExpertByEmail(ctx context.Context, email string) (*Expert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, specialization, bio, avatar, status, last_seen, created_at, updated_at
		FROM experts
		WHERE email = ?`, email)
	return scanExpert(row)
}

// UpdateExpert performs a full-field profile update.
// Returns ErrNotFound if the expert does not exist and ErrDuplicateEmail if
// the email belongs to a different expert.
func (s *SQLiteStore) UpdateExpert(ctx context.Context, expert *Expert) error {
	expert.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET name = ?, email = ?, specialization = ?, bio = ?, avatar = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		expert.Name, expert.Email, expert.Specialization, expert.Bio,
		expert.Avatar, expert.Status, expert.UpdatedAt, expert.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("updating expert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExpertStatus performs a direct presence transition and touches
// last_seen. Any state is reachable from any other.
func (s *SQLiteStore) SetExpertStatus(ctx context.Context, id int64, status string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET status = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`, status, now, now, id)
	if err != nil {
		return fmt.Errorf("setting expert status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking status result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAvailableExperts returns experts with status active or busy, active
// first, then by name. Offline experts are hidden from the directory.
func (s *SQLiteStore) ListAvailableExperts(ctx context.Context) ([]*Expert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, password_hash, specialization, bio, avatar, status, last_seen, created_at, updated_at
		FROM experts
		WHERE status IN ('active', 'busy')
		ORDER BY CASE status WHEN 'active' THEN 0 ELSE 1 END, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing experts: %w", err)
	}
	defer rows.Close()

	var experts []*Expert
	for rows.Next() {
		e, err := scanExpertRows(rows)
		if err != nil {
			return nil, err
		}
		experts = append(experts, e)
	}
	return experts, rows.Err()
}

// MarkIdleExpertsOffline transitions experts whose last_seen predates the
// cutoff to offline. Used by the presence sweeper to clean up after missed
// offline beacons. Returns the number of experts transitioned.
func (s *SQLiteStore) MarkIdleExpertsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET status = 'offline', updated_at = ?
		WHERE status IN ('active', 'busy')
		  AND (last_seen IS NULL OR last_seen < ?)`,
		time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("marking idle experts offline: %w", err)
	}
	return res.RowsAffected()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var expertID sql.NullInt64
	err := row.Scan(&c.ID, &c.CustomerID, &expertID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if expertID.Valid {
		c.ExpertID = &expertID.Int64
	}
	return &c, nil
}

func scanSummaries(rows *sql.Rows) ([]*ConversationSummary, error) {
	var summaries []*ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		var expertID sql.NullInt64
		if err := rows.Scan(&s.ID, &s.CustomerID, &expertID, &s.Status,
			&s.CreatedAt, &s.UpdatedAt, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("scanning conversation summary: %w", err)
		}
		if expertID.Valid {
			s.ExpertID = &expertID.Int64
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

func scanExpertFrom(sc scanner) (*Expert, error) {
	var e Expert
	var lastSeen sql.NullTime
	err := sc.Scan(&e.ID, &e.Name, &e.Email, &e.PasswordHash, &e.Specialization,
		&e.Bio, &e.Avatar, &e.Status, &lastSeen, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		e.LastSeen = &lastSeen.Time
	}
	return &e, nil
}

func scanExpert(row *sql.Row) (*Expert, error) {
	e, err := scanExpertFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning expert: %w", err)
	}
	return e, nil
}

func scanExpertRows(rows *sql.Rows) (*Expert, error) {
	e, err := scanExpertFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning expert: %w", err)
	}
	return e, nil
}

// nullableID converts an optional int64 into a driver-friendly value
func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
