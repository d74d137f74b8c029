// ABOUTME: Package documentation for the expert directory and presence layer
// ABOUTME: Describes registration, authentication, and status lifecycle

// Package expert manages the roster of consultants: registration with
// bcrypt-hashed credentials, login, profile updates, and presence.
//
// # Directory
//
// Directory is the service layer in front of the expert tables. It validates
// input before it reaches storage and maps storage errors to the sentinels
// callers branch on (ErrInvalidCredentials, ErrEmailTaken). Login verifies
// the password hash and flips the expert to active in one step, so a
// successful login always leaves the expert visible to waiting customers.
//
// # Presence
//
// An expert is active, busy, or offline. Status changes go through
// SetStatus, which also refreshes last_seen. Clients that close abruptly
// send a best-effort offline beacon (BeaconOffline); because the beacon can
// be lost, Sweeper runs in the background and marks experts offline once
// last_seen falls behind the configured idle timeout. New registrations
// start offline until the expert logs in.
package expert
