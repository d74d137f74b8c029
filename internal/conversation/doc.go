// Package conversation owns the consultation lifecycle between customers
// and experts.
//
// # Manager
//
// The Manager sits between the HTTP handlers and the store:
//
//	mgr := conversation.New(st, logger)
//
// Key operations:
//
//   - StartOrJoin(ctx, customerID, expertID): match to an open conversation
//     or create one; expertID nil means the general waiting queue
//   - Update(ctx, id, expertID, status): assignment and status transitions
//   - ListForCustomer / ListForExpert: recency-ordered lists with unread counts
//   - Send / FetchSince / MarkRead: the message log and polling primitives
//
// # Matching
//
// A customer has at most one open conversation per expert, and at most one
// unassigned waiting conversation. StartOrJoin re-issues the lookup when the
// store reports a uniqueness collision, so concurrent callers converge on a
// single conversation.
//
// # Claiming
//
// Waiting, unassigned conversations are visible to every expert. Assigning
// an expert to one goes through an atomic waiting→active claim; the loser of
// a claim race receives ErrAlreadyClaimed rather than overwriting the winner.
//
// # Live updates
//
// There is no server push. Clients poll FetchSince with the highest message
// ID they have seen and the list endpoints at a fixed interval; freshness is
// bounded by the poll interval.
package conversation
