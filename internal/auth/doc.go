// ABOUTME: Package documentation for expert session authentication
// ABOUTME: Describes the JWT token format and verification flow

// Package auth issues and verifies the session tokens experts present on
// mutation endpoints.
//
// Tokens are HS256-signed JWTs. The "sub" claim carries the expert ID as a
// decimal string, and "exp" bounds the session to the configured TTL. The
// gateway mints a token on successful login and verifies it before any
// request that writes on an expert's behalf; customer endpoints are
// unauthenticated by design of the surrounding product.
//
// Authentication is optional: when no signing secret is configured the
// gateway skips verification entirely, which keeps local development and
// tests friction-free.
package auth
