// ABOUTME: Manager is the central layer for conversation lifecycle and messaging
// ABOUTME: Owns matching, assignment, unread counts and the polling primitives

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/consultly/consult-gateway/internal/store"
)

// Manager errors
var (
	// ErrInvalidInput is wrapped by all validation failures
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyClaimed means another expert won the claim on a queued conversation
	ErrAlreadyClaimed = errors.New("conversation already claimed")
)

// ConversationStore defines what the manager needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	FindOpenConversation(ctx context.Context, customerID int64, expertID *int64) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, id int64, expertID *int64, status *string) error
	ClaimConversation(ctx context.Context, id, expertID int64) (bool, error)
	ListConversationsByCustomer(ctx context.Context, customerID int64) ([]*store.ConversationSummary, error)
	ListConversationsByExpert(ctx context.Context, expertID int64) ([]*store.ConversationSummary, error)

	AppendMessage(ctx context.Context, msg *store.Message) error
	ListMessagesSince(ctx context.Context, conversationID, afterID int64) ([]*store.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID int64, readerType string) (int64, error)
}

// Manager owns conversation lifecycle: creation, matching, expert assignment,
// status transitions, and message flow. All consistency comes from the store;
// the manager holds no mutable state and is safe for concurrent use.
type Manager struct {
	store  ConversationStore
	logger *slog.Logger
}

// New creates a conversation Manager
func New(st ConversationStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		logger: logger.With("component", "conversation"),
	}
}

// StartOrJoin returns the customer's open conversation for the given expert
// (or the general queue when expertID is nil), creating one if none exists.
//
// This is a check-then-create: two concurrent calls for the same pair can
// both observe "no existing conversation". The store's uniqueness constraint
// catches the loser, and the duplicate is recovered by re-lookup — the caller
// always joins the conversation the winner created.
func (m *Manager) StartOrJoin(ctx context.Context, customerID int64, expertID *int64) (*store.Conversation, error) {
	if customerID == 0 {
		return nil, fmt.Errorf("%w: customer_id is required", ErrInvalidInput)
	}

	existing, err := m.store.FindOpenConversation(ctx, customerID, expertID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up open conversation: %w", err)
	}

	conv := &store.Conversation{
		CustomerID: customerID,
		ExpertID:   expertID,
		Status:     store.ConversationWaiting,
	}
	if expertID != nil {
		// Expert chosen up front: the conversation starts active
		conv.Status = store.ConversationActive
	}

	if err := m.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			// Someone else created it between our lookup and insert — join theirs
			m.logger.Debug("conversation creation hit duplicate, retrying lookup",
				"customer_id", customerID)
			winner, lookupErr := m.store.FindOpenConversation(ctx, customerID, expertID)
			if lookupErr == nil {
				return winner, nil
			}
			m.logger.Error("retry lookup failed after duplicate error",
				"customer_id", customerID,
				"lookup_error", lookupErr)
			return nil, lookupErr
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	m.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"customer_id", customerID,
		"status", conv.Status)
	return conv, nil
}

// Update changes the expert assignment and/or status of a conversation.
// At least one field must be supplied. Assigning an expert to an unassigned
// waiting conversation is a guarded claim: if another expert got there first,
// ErrAlreadyClaimed is returned instead of silently reassigning.
func (m *Manager) Update(ctx context.Context, conversationID int64, expertID *int64, status *string) (*store.Conversation, error) {
	if expertID == nil && status == nil {
		return nil, fmt.Errorf("%w: expert_id or status is required", ErrInvalidInput)
	}
	if status != nil && !store.ValidConversationStatus(*status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *status)
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Once an expert holds the conversation, a different expert cannot take
	// it over by assignment.
	if expertID != nil && conv.ExpertID != nil && *conv.ExpertID != *expertID {
		return nil, ErrAlreadyClaimed
	}

	// A conversation cannot go active with nobody on the expert side.
	if status != nil && *status == store.ConversationActive &&
		expertID == nil && conv.ExpertID == nil {
		return nil, fmt.Errorf("%w: cannot activate a conversation with no expert assigned", ErrInvalidInput)
	}

	// Every assignment to an unassigned waiting conversation goes through
	// the atomic waiting→active claim, whether or not a status accompanies
	// it. Two racing claimants must never both win.
	if expertID != nil &&
		conv.Status == store.ConversationWaiting && conv.ExpertID == nil {
		claimed, err := m.store.ClaimConversation(ctx, conversationID, *expertID)
		if err != nil {
			return nil, fmt.Errorf("claiming conversation: %w", err)
		}
		if !claimed {
			return nil, ErrAlreadyClaimed
		}
		m.logger.Info("conversation claimed",
			"conversation_id", conversationID,
			"expert_id", *expertID)
		// The claim already moved the conversation to active; any other
		// requested status is applied on top.
		if status != nil && *status != store.ConversationActive {
			if err := m.store.UpdateConversation(ctx, conversationID, nil, status); err != nil {
				return nil, err
			}
		}
		return m.store.GetConversation(ctx, conversationID)
	}

	if err := m.store.UpdateConversation(ctx, conversationID, expertID, status); err != nil {
		return nil, err
	}
	return m.store.GetConversation(ctx, conversationID)
}

// ListForCustomer returns the customer's conversations newest-activity-first,
// each annotated with the count of unread expert messages.
func (m *Manager) ListForCustomer(ctx context.Context, customerID int64) ([]*store.ConversationSummary, error) {
	if customerID == 0 {
		return nil, fmt.Errorf("%w: customer_id is required", ErrInvalidInput)
	}
	return m.store.ListConversationsByCustomer(ctx, customerID)
}

// ListForExpert returns the expert's assigned conversations plus the open
// queue, newest-activity-first, annotated with unread customer messages.
func (m *Manager) ListForExpert(ctx context.Context, expertID int64) ([]*store.ConversationSummary, error) {
	if expertID == 0 {
		return nil, fmt.Errorf("%w: expert_id is required", ErrInvalidInput)
	}
	return m.store.ListConversationsByExpert(ctx, expertID)
}

// SendRequest contains everything needed to append a message
type SendRequest struct {
	ConversationID int64
	SenderType     string
	SenderID       int64
	Text           string
	Type           string // defaults to "text"
}

// Send validates and appends a message. The store makes the insert and the
// conversation's recency bump atomic, so either both are visible or neither.
func (m *Manager) Send(ctx context.Context, req *SendRequest) (*store.Message, error) {
	if req.ConversationID == 0 {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}
	if !store.ValidSenderType(req.SenderType) {
		return nil, fmt.Errorf("%w: sender_type must be customer or expert", ErrInvalidInput)
	}
	if req.SenderID == 0 {
		return nil, fmt.Errorf("%w: sender_id is required", ErrInvalidInput)
	}
	if req.Text == "" {
		return nil, fmt.Errorf("%w: message_text is required", ErrInvalidInput)
	}

	msg := &store.Message{
		ConversationID: req.ConversationID,
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		Text:           req.Text,
		Type:           req.Type,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	m.logger.Debug("message appended",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_type", msg.SenderType)
	return msg, nil
}

// FetchSince returns all messages with ID greater than afterID in ascending
// order. Clients poll with the highest ID they have seen; the sequence is
// restartable and never skips a message.
func (m *Manager) FetchSince(ctx context.Context, conversationID, afterID int64) ([]*store.Message, error) {
	if conversationID == 0 {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}
	if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return m.store.ListMessagesSince(ctx, conversationID, afterID)
}

// MarkRead acknowledges every message authored by the reader's counterpart.
// Idempotent. Returns the number of messages newly marked.
func (m *Manager) MarkRead(ctx context.Context, conversationID int64, readerType string) (int64, error) {
	if !store.ValidSenderType(readerType) {
		return 0, fmt.Errorf("%w: sender_type must be customer or expert", ErrInvalidInput)
	}
	if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	return m.store.MarkMessagesRead(ctx, conversationID, readerType)
}
