// ABOUTME: Package documentation for the HTTP gateway
// ABOUTME: Describes the API surface, polling model, and error contract

// Package gateway exposes the consultation service over HTTP.
//
// # API surface
//
// Conversations:
//
//	GET    /api/conversations?customer_id=N     customer's conversations with unread counts
//	GET    /api/conversations?expert_id=N       expert's conversations plus the open queue
//	POST   /api/conversations                   start or rejoin a conversation
//	PATCH  /api/conversations/{id}              assign an expert or change status
//	GET    /api/conversations/{id}/messages     fetch messages after a cursor (?after=N)
//	POST   /api/conversations/{id}/messages     append a message
//	POST   /api/conversations/{id}/read         mark the counterpart's messages read
//
// Experts:
//
//	GET    /api/experts                         available experts, active first
//	POST   /api/experts                         register
//	POST   /api/experts/login                   verify credentials, go active, mint token
//	GET    /api/experts/{id}                    profile
//	PUT    /api/experts/{id}                    update profile
//	GET    /api/experts/{id}/status             presence
//	PUT    /api/experts/{id}/status             presence transition
//	POST   /api/experts/{id}/offline            best-effort offline beacon (202)
//
// Plus /health (liveness) and /health/ready (store ping).
//
// # Polling
//
// Clients poll GET .../messages with the highest message ID they have seen as
// the "after" cursor. Message IDs are strictly increasing within the store,
// so a client that always advances its cursor sees every message exactly
// once, in order.
//
// # Errors
//
// Error responses are JSON: {"error": ..., "code": ...} where code is one of
// validation, not_found, conflict, auth_failed, or store_error. Internal
// errors additionally carry a correlation_id that also appears in the server
// log.
//
// # Send deduplication
//
// POST .../messages honors an optional X-Request-ID header. A retry carrying
// an ID seen within the dedupe TTL returns the originally created message
// with status 200 instead of appending again.
package gateway
