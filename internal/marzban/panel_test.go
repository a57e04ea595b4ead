package marzban

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakePanel is an in-memory stand-in for the panel REST API.
type fakePanel struct {
	t *testing.T

	mu       sync.Mutex
	users    map[string]*User
	calls    map[string]int
	requests []*recordedRequest

	// loginFn answers POST /api/admin/token. Defaults to a JSON token.
	loginFn func(r *http.Request, body []byte) (int, string)
	// userFn, when set, overrides handling of /api/user routes.
	userFn func(r *http.Request, body []byte) (int, string)
	// patchStatus, when non-zero, is returned for every PATCH.
	patchStatus int
}

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

func newFakePanel(t *testing.T) (*fakePanel, *httptest.Server) {
	t.Helper()

	panel := &fakePanel{
		t:     t,
		users: make(map[string]*User),
		calls: make(map[string]int),
	}
	server := httptest.NewServer(panel)
	t.Cleanup(server.Close)
	return panel, server
}

func (p *fakePanel) count(method, path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method+" "+path]
}

func (p *fakePanel) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakePanel) last(method, path string) *recordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.requests) - 1; i >= 0; i-- {
		if p.requests[i].Method == method && p.requests[i].Path == path {
			return p.requests[i]
		}
	}
	return nil
}

func (p *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.calls[r.Method+" "+r.URL.Path]++
	p.requests = append(p.requests, &recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	p.mu.Unlock()

	if r.URL.Path == tokenPath {
		status, payload := http.StatusOK, `{"access_token":"tok-1","token_type":"bearer"}`
		if p.loginFn != nil {
			status, payload = p.loginFn(r, body)
		}
		writeRaw(w, status, payload)
		return
	}

	if p.userFn != nil {
		status, payload := p.userFn(r, body)
		writeRaw(w, status, payload)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := strings.TrimPrefix(r.URL.Path, "/api/user/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/user":
		var req createUserRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeRaw(w, http.StatusUnprocessableEntity, `{"detail":"bad body"}`)
			return
		}
		if _, ok := p.users[req.Username]; ok {
			writeRaw(w, http.StatusConflict, `{"detail":"User already exists"}`)
			return
		}
		p.users[req.Username] = &User{Username: req.Username, Status: "active", DataLimit: req.DataLimit, Expire: req.Expire}
		writeJSONBody(w, http.StatusOK, p.users[req.Username])
	case r.Method == http.MethodGet:
		user, ok := p.users[name]
		if !ok {
			writeRaw(w, http.StatusNotFound, `{"detail":"User not found"}`)
			return
		}
		writeJSONBody(w, http.StatusOK, user)
	case r.Method == http.MethodPatch && p.patchStatus != 0:
		writeRaw(w, p.patchStatus, `{"detail":"patch not allowed"}`)
	case r.Method == http.MethodPatch || r.Method == http.MethodPut:
		user, ok := p.users[name]
		if !ok {
			writeRaw(w, http.StatusNotFound, `{"detail":"User not found"}`)
			return
		}
		var req modifyUserRequest
		_ = json.Unmarshal(body, &req)
		if req.DataLimit != nil {
			user.DataLimit = req.DataLimit
		}
		if req.Expire != nil {
			user.Expire = req.Expire
		}
		writeJSONBody(w, http.StatusOK, user)
	case r.Method == http.MethodDelete:
		if _, ok := p.users[name]; !ok {
			writeRaw(w, http.StatusNotFound, `{"detail":"User not found"}`)
			return
		}
		delete(p.users, name)
		writeRaw(w, http.StatusOK, `{}`)
	default:
		writeRaw(w, http.StatusMethodNotAllowed, `{}`)
	}
}

func writeRaw(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, payload)
}

func writeJSONBody(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func int64Ptr(v int64) *int64 {
	return &v
}
