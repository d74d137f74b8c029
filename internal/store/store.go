// ABOUTME: Store interface and data types for consult-gateway persistence
// ABOUTME: Defines Conversation, Message, Expert structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when an insert collides with the
// open-conversation uniqueness constraint. Callers treat it as "someone else
// created the conversation concurrently" and retry as a lookup.
var ErrDuplicateConversation = errors.New("open conversation already exists")

// ErrDuplicateEmail is returned when an expert email is already taken
var ErrDuplicateEmail = errors.New("email already in use")

// ErrConversationClosed is returned when updating a closed conversation.
// Closed is terminal: a new StartOrJoin creates a fresh conversation instead.
var ErrConversationClosed = errors.New("conversation is closed")

// Conversation status constants
const (
	ConversationWaiting = "waiting" // no expert assigned yet, visible in the open queue
	ConversationActive  = "active"
	ConversationClosed  = "closed" // terminal
)

// Sender type constants for messages
const (
	SenderCustomer = "customer"
	SenderExpert   = "expert"
)

// MessageTypeText is the default message type
const MessageTypeText = "text"

// Expert presence status constants
const (
	ExpertActive  = "active"
	ExpertBusy    = "busy"
	ExpertOffline = "offline"
)

// Conversation is the thread binding one customer to (eventually) one expert.
// ExpertID is nil while the conversation sits unassigned in the waiting queue.
type Conversation struct {
	ID         int64
	CustomerID int64
	ExpertID   *int64
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConversationSummary is a conversation annotated with the unread count for
// the side that requested the listing.
type ConversationSummary struct {
	Conversation
	UnreadCount int
}

// Message is a single entry in a conversation's append-only log.
// IDs are assigned by the store as a strictly increasing sequence, which
// defines the total order clients poll against.
type Message struct {
	ID             int64
	ConversationID int64
	SenderType     string // "customer" or "expert"
	SenderID       int64
	Text           string
	Type           string // defaults to "text"
	SentAt         time.Time
	IsRead         bool
}

// Expert is a consultant record with presence status.
// PasswordHash never leaves the store layer except for login verification.
type Expert struct {
	ID             int64
	Name           string
	Email          string
	PasswordHash   string
	Specialization string
	Bio            string
	Avatar         string
	Status         string
	LastSeen       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store defines the interface for conversation, message and expert persistence.
// Concurrency safety is enforced here (constraints and transactions), not via
// in-memory locks: handlers share no mutable state beyond the store.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	FindOpenConversation(ctx context.Context, customerID int64, expertID *int64) (*Conversation, error)
	UpdateConversation(ctx context.Context, id int64, expertID *int64, status *string) error
	ClaimConversation(ctx context.Context, id, expertID int64) (bool, error)
	ListConversationsByCustomer(ctx context.Context, customerID int64) ([]*ConversationSummary, error)
	ListConversationsByExpert(ctx context.Context, expertID int64) ([]*ConversationSummary, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessagesSince(ctx context.Context, conversationID, afterID int64) ([]*Message, error)
	MarkMessagesRead(ctx context.Context, conversationID int64, readerType string) (int64, error)
	CountUnread(ctx context.Context, conversationID int64, readerType string) (int, error)

	// Experts
	CreateExpert(ctx context.Context, expert *Expert) error
	GetExpert(ctx context.Context, id int64) (*Expert, error)
	GetExpertByEmail(ctx context.Context, email string) (*Expert, error)
	UpdateExpert(ctx context.Context, expert *Expert) error
	SetExpertStatus(ctx context.Context, id int64, status string) error
	ListAvailableExperts(ctx context.Context) ([]*Expert, error)
	MarkIdleExpertsOffline(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies the underlying database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// CounterpartOf returns the other side of a conversation: the sender type
// whose messages a reader of the given type acknowledges.
func CounterpartOf(readerType string) string {
	if readerType == SenderCustomer {
		return SenderExpert
	}
	return SenderCustomer
}

// ValidConversationStatus reports whether s is a known conversation status.
func ValidConversationStatus(s string) bool {
	switch s {
	case ConversationWaiting, ConversationActive, ConversationClosed:
		return true
	}
	return false
}

// ValidExpertStatus reports whether s is a known presence status.
func ValidExpertStatus(s string) bool {
	switch s {
	case ExpertActive, ExpertBusy, ExpertOffline:
		return true
	}
	return false
}

// ValidSenderType reports whether s is a known sender type.
func ValidSenderType(s string) bool {
	return s == SenderCustomer || s == SenderExpert
}
