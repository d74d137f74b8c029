// ABOUTME: HTTP helpers for extracting bearer tokens from API requests
// ABOUTME: Used by the gateway to guard expert mutation endpoints

package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts a bearer token from the request's Authorization
// header. Returns the token and an error message (empty if successful).
func BearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
