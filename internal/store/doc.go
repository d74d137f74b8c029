// Package store provides persistent storage for the consultation chat
// subsystem over SQLite or PostgreSQL.
//
// # Architecture
//
// The Store interface covers three record families:
//
//   - Conversation: the thread binding one customer to (eventually) one expert
//   - Message: the append-only per-conversation log with read flags
//   - Expert: consultant profiles with presence status
//
// SQLiteStore is the default implementation (modernc.org/sqlite, pure Go);
// PostgresStore (lib/pq) serves deployments that already run PostgreSQL.
// Both create their schema on startup.
//
// # Consistency
//
// Handlers share no in-process mutable state, so every invariant lives here:
//
//   - Two partial unique indexes guarantee at most one open conversation per
//     (customer, expert) pair and at most one unassigned waiting conversation
//     per customer. Concurrent creators get ErrDuplicateConversation and
//     retry as a lookup.
//   - AppendMessage inserts the message and advances the conversation's
//     updated_at in one transaction.
//   - ClaimConversation is a guarded single-row UPDATE so two experts cannot
//     both claim the same queued conversation.
//   - Message IDs come from the row sequence and are strictly increasing,
//     which is what the polling cursor in ListMessagesSince relies on.
//
// # Error Handling
//
// Sentinel errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: open-conversation uniqueness collision
//   - ErrDuplicateEmail: expert email already taken
//   - ErrConversationClosed: update attempted on a terminal conversation
//
// All methods accept context.Context for cancellation support.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for tests.
package store
