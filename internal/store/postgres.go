// ABOUTME: PostgreSQL implementation of the Store interface using lib/pq
// ABOUTME: Mirrors the SQLite schema with partial unique indexes on conversations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to PostgreSQL with the given DSN and creates the
// schema if it doesn't exist.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS experts (
			id              BIGSERIAL PRIMARY KEY,
			name            TEXT NOT NULL,
			email           TEXT NOT NULL,
			password_hash   TEXT NOT NULL,
			specialization  TEXT NOT NULL,
			bio             TEXT NOT NULL DEFAULT '',
			avatar          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'offline',
			last_seen       TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,

			CHECK (status IN ('active', 'busy', 'offline'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_experts_email ON experts(email);
		CREATE INDEX IF NOT EXISTS idx_experts_status ON experts(status);

		CREATE TABLE IF NOT EXISTS conversations (
			id          BIGSERIAL PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			expert_id   BIGINT,
			status      TEXT NOT NULL DEFAULT 'waiting',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,

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
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			sender_type     TEXT NOT NULL,
			sender_id       BIGINT NOT NULL,
			message_text    TEXT NOT NULL,
			message_type    TEXT NOT NULL DEFAULT 'text',
			sent_at         TIMESTAMPTZ NOT NULL,
			is_read         BOOLEAN NOT NULL DEFAULT FALSE,

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

// isPQUniqueViolation checks for the PostgreSQL unique_violation error code
func isPQUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateConversation inserts a new conversation and assigns its ID.
// Returns ErrDuplicateConversation on a unique-constraint collision.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (customer_id, expert_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		conv.CustomerID, nullableID(conv.ExpertID), conv.Status, conv.CreatedAt, conv.UpdatedAt,
	).Scan(&conv.ID)
	if err != nil {
		if isPQUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, expert_id, status, created_at, updated_at
		FROM conversations
		WHERE id = $1`, id)
	return scanConversation(row)
}

// FindOpenConversation looks up the open conversation for a (customer, expert)
// pair, or the customer's unassigned waiting conversation when expertID is nil.
func (s *PostgresStore) FindOpenConversation(ctx context.Context, customerID int64, expertID *int64) (*Conversation, error) {
	var row *sql.Row
	if expertID != nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, customer_id, expert_id, status, created_at, updated_at
			FROM conversations
			WHERE customer_id = $1 AND expert_id = $2 AND status IN ('waiting', 'active')
			LIMIT 1`, customerID, *expertID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, customer_id, expert_id, status, created_at, updated_at
			FROM conversations
			WHERE customer_id = $1 AND expert_id IS NULL AND status = 'waiting'
			LIMIT 1`, customerID)
	}
	return scanConversation(row)
}

// UpdateConversation sets the expert assignment and/or status of a
// conversation, refusing updates to closed conversations.
func (s *PostgresStore) UpdateConversation(ctx context.Context, id int64, expertID *int64, status *string) error {
	sets := "updated_at = $1"
	args := []any{time.Now().UTC()}
	if expertID != nil {
		args = append(args, *expertID)
		sets += fmt.Sprintf(", expert_id = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		sets += fmt.Sprintf(", status = $%d", len(args))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE conversations SET %s WHERE id = $%d AND status != 'closed'", sets, len(args)),
		args...)
	if err != nil {
		if isPQUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
		return ErrConversationClosed
	}
	return nil
}

// ClaimConversation atomically assigns an expert to an unassigned waiting
// conversation. Returns false if the claim was lost.
func (s *PostgresStore) ClaimConversation(ctx context.Context, id, expertID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET expert_id = $1, status = 'active', updated_at = $2
		WHERE id = $3 AND status = 'waiting' AND expert_id IS NULL`,
		expertID, time.Now().UTC(), id)
	if err != nil {
		if isPQUniqueViolation(err) {
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

// ListConversationsByCustomer returns the customer's conversations with
// unread counts, newest activity first.
func (s *PostgresStore) ListConversationsByCustomer(ctx context.Context, customerID int64) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.customer_id, c.expert_id, c.status, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender_type = 'expert' AND NOT m.is_read)
		FROM conversations c
		WHERE c.customer_id = $1
		ORDER BY c.updated_at DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing customer conversations: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// ListConversationsByExpert returns the expert's assigned conversations plus
// the open queue, newest activity first.
func (s *PostgresStore) ListConversationsByExpert(ctx context.Context, expertID int64) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.customer_id, c.expert_id, c.status, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender_type = 'customer' AND NOT m.is_read)
		FROM conversations c
		WHERE c.expert_id = $1
		   OR (c.status = 'waiting' AND c.expert_id IS NULL)
		ORDER BY c.updated_at DESC`, expertID)
	if err != nil {
		return nil, fmt.Errorf("listing expert conversations: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// AppendMessage inserts a message and bumps the conversation's updated_at in
// one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
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
		"SELECT 1 FROM conversations WHERE id = $1", msg.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_type, sender_id, message_text, message_type, sent_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING id`,
		msg.ConversationID, msg.SenderType, msg.SenderID, msg.Text, msg.Type, msg.SentAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = $1 WHERE id = $2",
		msg.SentAt, msg.ConversationID); err != nil {
		return fmt.Errorf("bumping conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.IsRead = false
	return nil
}

// ListMessagesSince returns messages with ID greater than afterID, ascending.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, conversationID, afterID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_type, sender_id, message_text, message_type, sent_at, is_read
		FROM messages
		WHERE conversation_id = $1 AND id > $2
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

// MarkMessagesRead flags counterpart-authored messages as read. Idempotent.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID int64, readerType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_type = $2 AND NOT is_read`,
		conversationID, CounterpartOf(readerType))
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread returns the reader's unread count for a conversation.
func (s *PostgresStore) CountUnread(ctx context.Context, conversationID int64, readerType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_type = $2 AND NOT is_read`,
		conversationID, CounterpartOf(readerType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// CreateExpert inserts a new expert record.
func (s *PostgresStore) CreateExpert(ctx context.Context, expert *Expert) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		expert.Name, expert.Email, expert.PasswordHash, expert.Specialization,
		expert.Bio, expert.Avatar, expert.Status, expert.CreatedAt, expert.UpdatedAt,
	).Scan(&expert.ID)
	if err != nil {
		if isPQUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting expert: %w", err)
	}
	return nil
}

// GetExpert retrieves an expert by ID
func (s *PostgresStore) GetExpert(ctx context.Context, id int64) (*Expert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, specialization, bio, avatar, status, last_seen, created_at, updated_at
		FROM experts
		WHERE id = $1`, id)
	return scanExpert(row)
}

// GetExpertByEmail retrieves an expert by email address
func (s *PostgresStore) GetExpertByEmail(ctx context.Context, email string) (*Expert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, specialization, bio, avatar, status, last_seen, created_at, updated_at
		FROM experts
		WHERE email = $1`, email)
	return scanExpert(row)
}

// UpdateExpert performs a full-field profile update.
func (s *PostgresStore) UpdateExpert(ctx context.Context, expert *Expert) error {
	expert.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET name = $1, email = $2, specialization = $3, bio = $4, avatar = $5, status = $6, updated_at = $7
		WHERE id = $8`,
		expert.Name, expert.Email, expert.Specialization, expert.Bio,
		expert.Avatar, expert.Status, expert.UpdatedAt, expert.ID)
	if err != nil {
		if isPQUniqueViolation(err) {
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

// SetExpertStatus performs a direct presence transition and touches last_seen.
func (s *PostgresStore) SetExpertStatus(ctx context.Context, id int64, status string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET status = $1, last_seen = $2, updated_at = $3
		WHERE id = $4`, status, now, now, id)
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
// first, then by name.
func (s *PostgresStore) ListAvailableExperts(ctx context.Context) ([]*Expert, error) {
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

// MarkIdleExpertsOffline transitions experts idle since before the cutoff to offline.
func (s *PostgresStore) MarkIdleExpertsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET status = 'offline', updated_at = $1
		WHERE status IN ('active', 'busy')
		  AND (last_seen IS NULL OR last_seen < $2)`,
		time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("marking idle experts offline: %w", err)
	}
	return res.RowsAffected()
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
