// ABOUTME: HTTP API handlers for the conversation and expert endpoints
// ABOUTME: JSON request/response types, path dispatch, and error mapping

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/consultly/consult-gateway/internal/auth"
	"github.com/consultly/consult-gateway/internal/conversation"
	"github.com/consultly/consult-gateway/internal/expert"
	"github.com/consultly/consult-gateway/internal/store"
)

// Machine-readable error codes returned in JSON error bodies.
const (
	codeValidation = "validation"
	codeNotFound   = "not_found"
	codeConflict   = "conflict"
	codeAuthFailed = "auth_failed"
	codeStoreError = "store_error"
)

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StartConversationRequest is the JSON request body for POST /api/conversations.
type StartConversationRequest struct {
	CustomerID int64  `json:"customer_id"`
	ExpertID   *int64 `json:"expert_id,omitempty"`
}

// UpdateConversationRequest is the JSON request body for PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	ExpertID *int64  `json:"expert_id,omitempty"`
	Status   *string `json:"status,omitempty"`
}

// ConversationResponse is the JSON representation of a conversation.
type ConversationResponse struct {
	ID          int64  `json:"id"`
	CustomerID  int64  `json:"customer_id"`
	ExpertID    *int64 `json:"expert_id"`
	Status      string `json:"status"`
	UnreadCount *int   `json:"unread_count,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	SenderType string `json:"sender_type"`
	SenderID   int64  `json:"sender_id"`
	Text       string `json:"text"`
	Type       string `json:"type,omitempty"`
}

// MessageResponse is the JSON representation of a message.
type MessageResponse struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderType     string `json:"sender_type"`
	SenderID       int64  `json:"sender_id"`
	Text           string `json:"text"`
	Type           string `json:"type"`
	SentAt         string `json:"sent_at"`
	IsRead         bool   `json:"is_read"`
}

// MarkReadRequest is the JSON request body for POST /api/conversations/{id}/read.
type MarkReadRequest struct {
	ReaderType string `json:"reader_type"`
}

// MarkReadResponse reports how many messages a read receipt covered.
type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}

// RegisterExpertRequest is the JSON request body for POST /api/experts.
type RegisterExpertRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	Specialization string `json:"specialization"`
	Bio            string `json:"bio,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
}

// LoginRequest is the JSON request body for POST /api/experts/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the expert profile and, when auth is enabled, a
// session token for subsequent mutation requests.
type LoginResponse struct {
	Expert ExpertResponse `json:"expert"`
	Token  string         `json:"token,omitempty"`
}

// UpdateExpertRequest is the JSON request body for PUT /api/experts/{id}.
type UpdateExpertRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Specialization string `json:"specialization"`
	Bio            string `json:"bio,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	Status         string `json:"status,omitempty"`
}

// SetStatusRequest is the JSON request body for PUT /api/experts/{id}/status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// StatusResponse is the JSON response for GET /api/experts/{id}/status.
type StatusResponse struct {
	Status string `json:"status"`
}

// ExpertResponse is the JSON representation of an expert profile.
// The password hash never appears here.
type ExpertResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Specialization string `json:"specialization"`
	Bio            string `json:"bio,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	Status         string `json:"status"`
	LastSeen       string `json:"last_seen,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func conversationToResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:         c.ID,
		CustomerID: c.CustomerID,
		ExpertID:   c.ExpertID,
		Status:     c.Status,
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  c.UpdatedAt.Format(time.RFC3339),
	}
}

func summaryToResponse(s *store.ConversationSummary) ConversationResponse {
	resp := conversationToResponse(&s.Conversation)
	unread := s.UnreadCount
	resp.UnreadCount = &unread
	return resp
}

func messageToResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderType:     m.SenderType,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Type:           m.Type,
		SentAt:         m.SentAt.Format(time.RFC3339),
		IsRead:         m.IsRead,
	}
}

func expertToResponse(e *store.Expert) ExpertResponse {
	resp := ExpertResponse{
		ID:             e.ID,
		Name:           e.Name,
		Email:          e.Email,
		Specialization: e.Specialization,
		Bio:            e.Bio,
		Avatar:         e.Avatar,
		Status:         e.Status,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
	if e.LastSeen != nil {
		resp.LastSeen = e.LastSeen.Format(time.RFC3339)
	}
	return resp
}

// writeJSON writes a JSON response with the given status code.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// writeJSONError writes a JSON error response with a machine-readable code.
func (g *Gateway) writeJSONError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeInternalError logs the error under a correlation ID and returns a 500
// carrying the same ID, so a client report can be matched to the log line.
func (g *Gateway) writeInternalError(w http.ResponseWriter, op string, err error) {
	correlationID := uuid.NewString()
	g.logger.Error("internal error", "op", op, "correlation_id", correlationID, "error", err)
	g.writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:         "internal server error",
		Code:          codeStoreError,
		CorrelationID: correlationID,
	})
}

// writeServiceError maps service-layer sentinel errors onto HTTP statuses.
func (g *Gateway) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidInput) || errors.Is(err, expert.ErrInvalidInput):
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.writeJSONError(w, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, conversation.ErrAlreadyClaimed):
		g.writeJSONError(w, http.StatusConflict, codeConflict, "conversation already claimed by another expert")
	case errors.Is(err, store.ErrConversationClosed):
		g.writeJSONError(w, http.StatusConflict, codeConflict, "conversation is closed")
	case errors.Is(err, expert.ErrEmailTaken):
		g.writeJSONError(w, http.StatusConflict, codeConflict, "email already in use")
	case errors.Is(err, expert.ErrInvalidCredentials):
		g.writeJSONError(w, http.StatusUnauthorized, codeAuthFailed, "invalid credentials")
	default:
		g.writeInternalError(w, op, err)
	}
}

// requireExpert enforces the bearer token on expert mutation endpoints when
// auth is enabled. The token's subject must match the expert being modified.
// Returns false if the response has already been written.
func (g *Gateway) requireExpert(w http.ResponseWriter, r *http.Request, expertID int64) bool {
	if g.verifier == nil {
		return true
	}

	token, errMsg := auth.BearerToken(r)
	if errMsg != "" {
		g.writeJSONError(w, http.StatusUnauthorized, codeAuthFailed, errMsg)
		return false
	}

	tokenExpertID, err := g.verifier.Verify(token)
	if err != nil {
		g.writeJSONError(w, http.StatusUnauthorized, codeAuthFailed, "invalid token")
		return false
	}
	if tokenExpertID != expertID {
		g.writeJSONError(w, http.StatusForbidden, codeAuthFailed, "token does not match expert")
		return false
	}
	return true
}

// parseID parses a decimal ID path segment.
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// handleConversations handles /api/conversations.
// GET lists conversations for a customer or expert; POST starts or rejoins one.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleStartConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListConversations handles GET /api/conversations?customer_id=N or ?expert_id=N.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var summaries []*store.ConversationSummary
	var err error

	customerParam := r.URL.Query().Get("customer_id")
	expertParam := r.URL.Query().Get("expert_id")

	switch {
	case customerParam != "":
		id, ok := parseID(customerParam)
		if !ok {
			g.writeJSONError(w, http.StatusBadRequest, codeValidation, "customer_id must be a positive integer")
			return
		}
		summaries, err = g.conversations.ListForCustomer(r.Context(), id)
	case expertParam != "":
		id, ok := parseID(expertParam)
		if !ok {
			g.writeJSONError(w, http.StatusBadRequest, codeValidation, "expert_id must be a positive integer")
			return
		}
		summaries, err = g.conversations.ListForExpert(r.Context(), id)
	default:
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "customer_id or expert_id is required")
		return
	}

	if err != nil {
		g.writeServiceError(w, "list conversations", err)
		return
	}

	response := make([]ConversationResponse, 0, len(summaries))
	for _, s := range summaries {
		response = append(response, summaryToResponse(s))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleStartConversation handles POST /api/conversations.
// Starting a conversation is idempotent per open customer/expert pairing:
// rejoining an open conversation returns the existing record.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	conv, err := g.conversations.StartOrJoin(r.Context(), req.CustomerID, req.ExpertID)
	if err != nil {
		g.writeServiceError(w, "start conversation", err)
		return
	}
	g.writeJSON(w, http.StatusOK, conversationToResponse(conv))
}

// handleConversationRoutes dispatches /api/conversations/{id}[...] paths.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(rest, "/")

	id, ok := parseID(parts[0])
	if !ok {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "conversation id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleUpdateConversation(w, r, id)
	case len(parts) == 2 && parts[1] == "messages":
		switch r.Method {
		case http.MethodGet:
			g.handleFetchMessages(w, r, id)
		case http.MethodPost:
			g.handleSendMessage(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "read":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleMarkRead(w, r, id)
	default:
		g.writeJSONError(w, http.StatusNotFound, codeNotFound, "unknown route")
	}
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
// Assigning an expert to a waiting conversation goes through the atomic claim,
// so the second of two racing experts gets a conflict.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id int64) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	conv, err := g.conversations.Update(r.Context(), id, req.ExpertID, req.Status)
	if err != nil {
		g.writeServiceError(w, "update conversation", err)
		return
	}
	g.writeJSON(w, http.StatusOK, conversationToResponse(conv))
}

// handleFetchMessages handles GET /api/conversations/{id}/messages?after=N.
// The after cursor is the highest message ID the client has already seen.
func (g *Gateway) handleFetchMessages(w http.ResponseWriter, r *http.Request, id int64) {
	var afterID int64
	if afterParam := r.URL.Query().Get("after"); afterParam != "" {
		parsed, err := strconv.ParseInt(afterParam, 10, 64)
		if err != nil || parsed < 0 {
			g.writeJSONError(w, http.StatusBadRequest, codeValidation, "after must be a non-negative integer")
			return
		}
		afterID = parsed
	}

	messages, err := g.conversations.FetchSince(r.Context(), id, afterID)
	if err != nil {
		g.writeServiceError(w, "fetch messages", err)
		return
	}

	response := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		response = append(response, messageToResponse(m))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// A client may attach an X-Request-ID header; retries carrying the same ID
// get the originally created message back instead of appending a duplicate.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request, id int64) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID != "" {
		// Replay only within the same conversation; a reused request ID
		// against another conversation is a fresh send.
		if msg, ok := g.dedupe.Lookup(requestID); ok && msg.ConversationID == id {
			g.writeJSON(w, http.StatusOK, messageToResponse(msg))
			return
		}
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	msg, err := g.conversations.Send(r.Context(), &conversation.SendRequest{
		ConversationID: id,
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		Text:           req.Text,
		Type:           req.Type,
	})
	if err != nil {
		g.writeServiceError(w, "send message", err)
		return
	}

	if requestID != "" {
		g.dedupe.Remember(requestID, msg)
	}
	g.writeJSON(w, http.StatusCreated, messageToResponse(msg))
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request, id int64) {
	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	marked, err := g.conversations.MarkRead(r.Context(), id, req.ReaderType)
	if err != nil {
		g.writeServiceError(w, "mark read", err)
		return
	}
	g.writeJSON(w, http.StatusOK, MarkReadResponse{Marked: marked})
}

// handleExperts handles /api/experts.
// GET lists available experts; POST registers a new one.
func (g *Gateway) handleExperts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListExperts(w, r)
	case http.MethodPost:
		g.handleRegisterExpert(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListExperts handles GET /api/experts.
// Only active and busy experts appear, active first.
func (g *Gateway) handleListExperts(w http.ResponseWriter, r *http.Request) {
	experts, err := g.experts.ListAvailable(r.Context())
	if err != nil {
		g.writeServiceError(w, "list experts", err)
		return
	}

	response := make([]ExpertResponse, 0, len(experts))
	for _, e := range experts {
		response = append(response, expertToResponse(e))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleRegisterExpert handles POST /api/experts.
func (g *Gateway) handleRegisterExpert(w http.ResponseWriter, r *http.Request) {
	var req RegisterExpertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	exp, err := g.experts.Register(r.Context(), req.Name, req.Email, req.Password, req.Specialization, req.Bio, req.Avatar)
	if err != nil {
		g.writeServiceError(w, "register expert", err)
		return
	}
	g.writeJSON(w, http.StatusCreated, expertToResponse(exp))
}

// handleExpertLogin handles POST /api/experts/login.
func (g *Gateway) handleExpertLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	exp, err := g.experts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		g.writeServiceError(w, "expert login", err)
		return
	}

	response := LoginResponse{Expert: expertToResponse(exp)}
	if g.verifier != nil {
		token, err := g.verifier.Generate(exp.ID, g.tokenTTL)
		if err != nil {
			g.writeInternalError(w, "generate token", err)
			return
		}
		response.Token = token
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleExpertRoutes dispatches /api/experts/{id}[...] paths.
func (g *Gateway) handleExpertRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/experts/")
	parts := strings.Split(rest, "/")

	id, ok := parseID(parts[0])
	if !ok {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "expert id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			g.handleGetExpert(w, r, id)
		case http.MethodPut:
			g.handleUpdateExpert(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "status":
		switch r.Method {
		case http.MethodGet:
			g.handleGetExpertStatus(w, r, id)
		case http.MethodPut:
			g.handleSetExpertStatus(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "offline":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleExpertOffline(w, r, id)
	default:
		g.writeJSONError(w, http.StatusNotFound, codeNotFound, "unknown route")
	}
}

// handleGetExpert handles GET /api/experts/{id}.
func (g *Gateway) handleGetExpert(w http.ResponseWriter, r *http.Request, id int64) {
	exp, err := g.experts.Get(r.Context(), id)
	if err != nil {
		g.writeServiceError(w, "get expert", err)
		return
	}
	g.writeJSON(w, http.StatusOK, expertToResponse(exp))
}

// handleUpdateExpert handles PUT /api/experts/{id}.
func (g *Gateway) handleUpdateExpert(w http.ResponseWriter, r *http.Request, id int64) {
	if !g.requireExpert(w, r, id) {
		return
	}

	var req UpdateExpertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	exp, err := g.experts.UpdateProfile(r.Context(), id, &expert.ProfileUpdate{
		Name:           req.Name,
		Email:          req.Email,
		Specialization: req.Specialization,
		Bio:            req.Bio,
		Avatar:         req.Avatar,
		Status:         req.Status,
	})
	if err != nil {
		g.writeServiceError(w, "update expert", err)
		return
	}
	g.writeJSON(w, http.StatusOK, expertToResponse(exp))
}

// handleGetExpertStatus handles GET /api/experts/{id}/status.
func (g *Gateway) handleGetExpertStatus(w http.ResponseWriter, r *http.Request, id int64) {
	status, err := g.experts.GetStatus(r.Context(), id)
	if err != nil {
		g.writeServiceError(w, "get expert status", err)
		return
	}
	g.writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// handleSetExpertStatus handles PUT /api/experts/{id}/status.
func (g *Gateway) handleSetExpertStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if !g.requireExpert(w, r, id) {
		return
	}

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	if err := g.experts.SetStatus(r.Context(), id, req.Status); err != nil {
		g.writeServiceError(w, "set expert status", err)
		return
	}
	g.writeJSON(w, http.StatusOK, StatusResponse{Status: req.Status})
}

// handleExpertOffline handles POST /api/experts/{id}/offline.
// This is the beacon a closing client fires. Beacon requests cannot carry
// headers, so no token is required; the write happens in the background and
// the response is 202 regardless of outcome.
func (g *Gateway) handleExpertOffline(w http.ResponseWriter, r *http.Request, id int64) {
	g.experts.BeaconOffline(id)
	w.WriteHeader(http.StatusAccepted)
}
