// Copyright 2025 Certen Protocol

package wire

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/expiry"
	"github.com/certen/hedera-multisig-coordinator/pkg/session"
	"github.com/certen/hedera-multisig-coordinator/pkg/store"
)

func newTestSessionHandler(t *testing.T) *SessionHandler {
	t.Helper()
	st := store.NewMemoryStore(5 * time.Minute)
	t.Cleanup(st.Close)
	manager := session.New(session.Config{
		Store:     st,
		Scheduler: expiry.New(nil),
	})
	return NewSessionHandler(manager, "localhost:3000", 0, nil, nil)
}

func TestCreateSessionEndpoint(t *testing.T) {
	h := newTestSessionHandler(t)

	body := `{"threshold": 2, "eligible_keys": ["0xAABB", "ccdd", "eeff"]}`
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.SessionID) != 32 {
		t.Fatalf("expected 128-bit hex session ID, got %q", resp.SessionID)
	}
	if len(resp.Token) != 8 {
		t.Fatalf("expected 8-character token, got %q", resp.Token)
	}
	if resp.Status != string(store.StatusWaiting) {
		t.Fatalf("expected waiting pre-session, got %s", resp.Status)
	}
	if !strings.HasPrefix(resp.URL, "multisig://localhost:3000?") {
		t.Fatalf("unexpected credential URL %q", resp.URL)
	}
	if !strings.Contains(resp.URL, "s="+resp.SessionID) || !strings.Contains(resp.URL, "p="+resp.Token) {
		t.Fatalf("credential URL missing session/token: %q", resp.URL)
	}
}

func TestCreateSessionRejectsBadThreshold(t *testing.T) {
	h := newTestSessionHandler(t)

	for _, body := range []string{
		`{"threshold": 0, "eligible_keys": ["aabb"]}`,
		`{"threshold": 3, "eligible_keys": ["aabb", "ccdd"]}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
}

func TestListSessionsOmitsToken(t *testing.T) {
	h := newTestSessionHandler(t)

	create := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"threshold": 1, "eligible_keys": ["aabb"]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, create)
	var created createSessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	list := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, list)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != created.SessionID {
		t.Fatalf("expected the created session in the listing, got %+v", sessions)
	}
	if strings.Contains(rec.Body.String(), created.Token) {
		t.Fatal("session token must never appear in the listing")
	}
}
