package agentlink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
)

// MockSessionServer provides an HTTP mock of the session endpoints for unit
// testing and local demos
type MockSessionServer struct {
	server *httptest.Server

	mu         sync.Mutex
	sessions   map[string]Identity
	requests   []MockRequest
	expiresIn  int64
	createFail int
	validFail  int
	endFail    int

	counter atomic.Uint64
}

// MockRequest tracks incoming requests for verification
type MockRequest struct {
	Path  string
	Token string
	Body  map[string]any
}

// NewMockSessionServer creates a mock server issuing one hour sessions
func NewMockSessionServer() *MockSessionServer {
	mock := &MockSessionServer{
		sessions:  make(map[string]Identity),
		expiresIn: 3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(createSessionPath, mock.handleCreate)
	mux.HandleFunc(validateSessionPath, mock.handleValidate)
	mux.HandleFunc(endSessionPath, mock.handleEnd)

	mock.server = httptest.NewServer(mux)
	return mock
}

// Close shuts down the mock server
func (m *MockSessionServer) Close() {
	m.server.Close()
}

// GetBaseURL returns the mock server base URL
func (m *MockSessionServer) GetBaseURL() string {
	return m.server.URL
}

// SetExpiresIn changes the lifetime (seconds) of sessions created afterwards
func (m *MockSessionServer) SetExpiresIn(seconds int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiresIn = seconds
}

// SetCreateStatus makes create answer with status (0 restores normal behaviour)
func (m *MockSessionServer) SetCreateStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createFail = status
}

// SetValidateStatus forces every validate call to answer with status
func (m *MockSessionServer) SetValidateStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validFail = status
}

// SetEndStatus forces every end call to answer with status
func (m *MockSessionServer) SetEndStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endFail = status
}

// Revoke invalidates token server-side
func (m *MockSessionServer) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// IsActive reports whether token is a live session
func (m *MockSessionServer) IsActive(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[token]
	return ok
}

// GetRequests returns all captured requests for verification
func (m *MockSessionServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockSessionServer) record(r *http.Request) map[string]any {
	body := map[string]any{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	token, _ := body["session_token"].(string)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{Path: r.URL.Path, Token: token, Body: body})
	m.mu.Unlock()
	return body
}

func (m *MockSessionServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := m.record(r)

	m.mu.Lock()
	fail, expiresIn := m.createFail, m.expiresIn
	m.mu.Unlock()
	if fail != 0 {
		writeJSON(w, fail, map[string]string{"detail": "session service unavailable"})
		return
	}

	userID, _ := body["user_id"].(string)
	wallet, _ := body["wallet_address"].(string)
	token := fmt.Sprintf("sess-%s-%d", userID, m.counter.Add(1))

	m.mu.Lock()
	m.sessions[token] = Identity{UserID: userID, WalletAddress: wallet}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": token,
		"expires_in":    expiresIn,
	})
}

func (m *MockSessionServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	body := m.record(r)
	token, _ := body["session_token"].(string)

	m.mu.Lock()
	fail := m.validFail
	_, ok := m.sessions[token]
	m.mu.Unlock()

	switch {
	case fail != 0:
		writeJSON(w, fail, map[string]string{"detail": "forced failure"})
	case ok:
		writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid session"})
	}
}

func (m *MockSessionServer) handleEnd(w http.ResponseWriter, r *http.Request) {
	body := m.record(r)
	token, _ := body["session_token"].(string)

	m.mu.Lock()
	fail := m.endFail
	if fail == 0 {
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	if fail != 0 {
		writeJSON(w, fail, map[string]string{"detail": "forced failure"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
