// ABOUTME: Package documentation for the send deduplication cache
// ABOUTME: Explains the idempotent-retry model for message sends

// Package dedupe makes message sends idempotent across client retries. A
// client may attach a request ID to a send; the gateway remembers which
// message that ID produced and replays the same message for any retry inside
// the TTL window, instead of appending a second copy to the conversation.
package dedupe
