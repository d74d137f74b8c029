// ABOUTME: HTTP API tests exercising the gateway end to end over httptest
// ABOUTME: Covers the consultation flow, claim conflicts, dedupe, and auth

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultly/consult-gateway/internal/config"
	"github.com/consultly/consult-gateway/internal/store"
)

func newTestGateway(t *testing.T, jwtSecret string) *Gateway {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Auth.TokenTTL = time.Hour
	cfg.Presence.SweepInterval = time.Minute
	cfg.Dedupe.TTL = time.Minute
	cfg.Dedupe.MaxEntries = 100

	g, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		g.store.Close()
		g.dedupe.Close()
	})
	return g
}

// doJSON performs a request against the gateway's handler and decodes the
// JSON response into out (when out is non-nil).
func doJSON(t *testing.T, g *Gateway, method, path string, body any, headers map[string]string, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func registerExpert(t *testing.T, g *Gateway, name, email string) ExpertResponse {
	t.Helper()
	var exp ExpertResponse
	rec := doJSON(t, g, http.MethodPost, "/api/experts", RegisterExpertRequest{
		Name:           name,
		Email:          email,
		Password:       "s3cret-pw",
		Specialization: "tax law",
	}, nil, &exp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return exp
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, "")

	rec := doJSON(t, g, http.MethodGet, "/health", nil, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/health/ready", nil, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartConversation(t *testing.T) {
	g := newTestGateway(t, "")

	var conv ConversationResponse
	rec := doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 10}, nil, &conv)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, store.ConversationWaiting, conv.Status)
	assert.Nil(t, conv.ExpertID)

	// Starting again while the first is open rejoins it.
	var again ConversationResponse
	rec = doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 10}, nil, &again)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conv.ID, again.ID)
}

func TestStartConversation_Validation(t *testing.T) {
	g := newTestGateway(t, "")

	rec := doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 0}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, codeValidation, errResp.Code)
}

func TestConsultationFlowOverHTTP(t *testing.T) {
	g := newTestGateway(t, "")
	expert := registerExpert(t, g, "Dana", "dana@example.com")

	// Customer opens a conversation with no expert chosen.
	var conv ConversationResponse
	rec := doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 10}, nil, &conv)
	require.Equal(t, http.StatusOK, rec.Code)

	// Expert claims it from the queue.
	var claimed ConversationResponse
	rec = doJSON(t, g, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", conv.ID),
		UpdateConversationRequest{ExpertID: &expert.ID}, nil, &claimed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, store.ConversationActive, claimed.Status)
	require.NotNil(t, claimed.ExpertID)
	assert.Equal(t, expert.ID, *claimed.ExpertID)

	// Expert greets the customer.
	var msg MessageResponse
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", conv.ID),
		SendMessageRequest{SenderType: store.SenderExpert, SenderID: expert.ID, Text: "Hello"}, nil, &msg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, "text", msg.Type)

	// Customer polls from the beginning and sees the greeting.
	var messages []MessageResponse
	rec = doJSON(t, g, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?after=0", conv.ID), nil, nil, &messages)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)
	assert.False(t, messages[0].IsRead)

	// Customer listing shows one unread message.
	var summaries []ConversationResponse
	rec = doJSON(t, g, http.MethodGet, "/api/conversations?customer_id=10", nil, nil, &summaries)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, summaries, 1)
	require.NotNil(t, summaries[0].UnreadCount)
	assert.Equal(t, 1, *summaries[0].UnreadCount)

	// Customer acknowledges it.
	var marked MarkReadResponse
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conv.ID),
		MarkReadRequest{ReaderType: store.SenderCustomer}, nil, &marked)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), marked.Marked)

	// Polling past the cursor returns nothing new.
	rec = doJSON(t, g, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?after=%d", conv.ID, msg.ID), nil, nil, &messages)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, messages)

	// Expert closes the conversation.
	closed := store.ConversationClosed
	var final ConversationResponse
	rec = doJSON(t, g, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", conv.ID),
		UpdateConversationRequest{Status: &closed}, nil, &final)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.ConversationClosed, final.Status)
}

func TestClaimConflict(t *testing.T) {
	g := newTestGateway(t, "")
	first := registerExpert(t, g, "Dana", "dana@example.com")
	second := registerExpert(t, g, "Amy", "amy@example.com")

	var conv ConversationResponse
	rec := doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 10}, nil, &conv)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, g, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", conv.ID),
		UpdateConversationRequest{ExpertID: &first.ID}, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, g, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", conv.ID),
		UpdateConversationRequest{ExpertID: &second.ID}, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, codeConflict, errResp.Code)
}

func TestSendMessage_Dedupe(t *testing.T) {
	g := newTestGateway(t, "")

	var conv ConversationResponse
	rec := doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 10}, nil, &conv)
	require.Equal(t, http.StatusOK, rec.Code)

	headers := map[string]string{"X-Request-ID": "retry-me-1"}
	body := SendMessageRequest{SenderType: store.SenderCustomer, SenderID: 10, Text: "only once"}

	var firstMsg MessageResponse
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), body, headers, &firstMsg)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The retry replays the original message instead of appending again.
	var retryMsg MessageResponse
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), body, headers, &retryMsg)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, firstMsg.ID, retryMsg.ID)

	var messages []MessageResponse
	rec = doJSON(t, g, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), nil, nil, &messages)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, messages, 1)
}

func TestSendMessage_DedupeScopedToConversation(t *testing.T) {
	g := newTestGateway(t, "")

	var convA, convB ConversationResponse
	rec := doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 10}, nil, &convA)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, g, http.MethodPost, "/api/conversations", StartConversationRequest{CustomerID: 11}, nil, &convB)
	require.Equal(t, http.StatusOK, rec.Code)

	headers := map[string]string{"X-Request-ID": "shared-id"}

	var msgA MessageResponse
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convA.ID),
		SendMessageRequest{SenderType: store.SenderCustomer, SenderID: 10, Text: "to A"}, headers, &msgA)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The same request ID against another conversation must not replay A's
	// message; it is a fresh send.
	var msgB MessageResponse
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convB.ID),
		SendMessageRequest{SenderType: store.SenderCustomer, SenderID: 11, Text: "to B"}, headers, &msgB)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEqual(t, msgA.ID, msgB.ID)
	assert.Equal(t, convB.ID, msgB.ConversationID)
	assert.Equal(t, "to B", msgB.Text)
}

func TestFetchMessages_MissingConversation(t *testing.T) {
	g := newTestGateway(t, "")

	rec := doJSON(t, g, http.MethodGet, "/api/conversations/404/messages", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, codeNotFound, errResp.Code)
}

func TestListExperts(t *testing.T) {
	g := newTestGateway(t, "")
	exp := registerExpert(t, g, "Dana", "dana@example.com")

	// Offline experts are hidden.
	var experts []ExpertResponse
	rec := doJSON(t, g, http.MethodGet, "/api/experts", nil, nil, &experts)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, experts)

	rec = doJSON(t, g, http.MethodPut, fmt.Sprintf("/api/experts/%d/status", exp.ID),
		SetStatusRequest{Status: store.ExpertActive}, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/api/experts", nil, nil, &experts)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, experts, 1)
	assert.Equal(t, exp.ID, experts[0].ID)
	assert.Equal(t, store.ExpertActive, experts[0].Status)
}

func TestExpertLogin_BadPassword(t *testing.T) {
	g := newTestGateway(t, "")
	registerExpert(t, g, "Dana", "dana@example.com")

	rec := doJSON(t, g, http.MethodPost, "/api/experts/login",
		LoginRequest{Email: "dana@example.com", Password: "wrong"}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, codeAuthFailed, errResp.Code)
}

func TestExpertOfflineBeacon(t *testing.T) {
	g := newTestGateway(t, "")
	exp := registerExpert(t, g, "Dana", "dana@example.com")

	rec := doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/experts/%d/offline", exp.ID), nil, nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestExpertOfflineBeacon_NoTokenRequired(t *testing.T) {
	g := newTestGateway(t, "test-jwt-secret")
	exp := registerExpert(t, g, "Dana", "dana@example.com")

	var login LoginResponse
	rec := doJSON(t, g, http.MethodPost, "/api/experts/login",
		LoginRequest{Email: "dana@example.com", Password: "s3cret-pw"}, nil, &login)
	require.Equal(t, http.StatusOK, rec.Code)

	// Browser beacons cannot attach headers, so the offline signal is
	// accepted without a bearer token even when auth is on.
	rec = doJSON(t, g, http.MethodPost, fmt.Sprintf("/api/experts/%d/offline", exp.ID), nil, nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var status StatusResponse
		rec = doJSON(t, g, http.MethodGet, fmt.Sprintf("/api/experts/%d/status", exp.ID), nil, nil, &status)
		require.Equal(t, http.StatusOK, rec.Code)
		if status.Status == store.ExpertOffline {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expert never went offline after the beacon")
}

func TestExpertAuth_Enforced(t *testing.T) {
	g := newTestGateway(t, "test-jwt-secret")
	exp := registerExpert(t, g, "Dana", "dana@example.com")

	// Mutation without a token is rejected.
	rec := doJSON(t, g, http.MethodPut, fmt.Sprintf("/api/experts/%d/status", exp.ID),
		SetStatusRequest{Status: store.ExpertActive}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Login mints a token.
	var login LoginResponse
	rec = doJSON(t, g, http.MethodPost, "/api/experts/login",
		LoginRequest{Email: "dana@example.com", Password: "s3cret-pw"}, nil, &login)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, login.Token)

	headers := map[string]string{"Authorization": "Bearer " + login.Token}
	rec = doJSON(t, g, http.MethodPut, fmt.Sprintf("/api/experts/%d/status", exp.ID),
		SetStatusRequest{Status: store.ExpertBusy}, headers, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A token for a different expert is forbidden.
	other := registerExpert(t, g, "Amy", "amy@example.com")
	rec = doJSON(t, g, http.MethodPut, fmt.Sprintf("/api/experts/%d/status", other.ID),
		SetStatusRequest{Status: store.ExpertActive}, headers, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Reads stay open.
	rec = doJSON(t, g, http.MethodGet, fmt.Sprintf("/api/experts/%d/status", exp.ID), nil, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteErrors(t *testing.T) {
	g := newTestGateway(t, "")

	rec := doJSON(t, g, http.MethodGet, "/api/conversations/abc/messages", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, g, http.MethodDelete, "/api/conversations", nil, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/api/conversations/1/unknown", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/api/conversations", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
