// Copyright 2025 Certen Protocol
//
// HTTP session management surface for the coordinator operator. The wire
// protocol itself only authenticates against an existing session; the
// session (and its shareable credential triple) is created here, then
// handed to participants out of band.

package wire

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/metrics"
	"github.com/certen/hedera-multisig-coordinator/pkg/session"
	"github.com/certen/hedera-multisig-coordinator/pkg/store"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

// CredentialURL renders the compact shareable credential form,
// multisig://<host>:<port>?s=<session_id>&p=<token>.
func CredentialURL(hostPort, sessionID, token string) string {
	q := url.Values{}
	q.Set("s", sessionID)
	q.Set("p", token)
	return fmt.Sprintf("multisig://%s?%s", hostPort, q.Encode())
}

type createSessionRequest struct {
	Threshold            int              `json:"threshold"`
	EligibleKeys         []string         `json:"eligible_keys"`
	ExpectedParticipants int              `json:"expected_participants,omitempty"`
	FrozenTransaction    string           `json:"frozen_transaction,omitempty"` // base64, optional pre-frozen tx
	FrozenAt             time.Time        `json:"frozen_at,omitempty"`
	TxDetails            json.RawMessage  `json:"tx_details,omitempty"`
	Metadata             *MetadataPayload `json:"metadata,omitempty"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionHandler serves POST (create a session) and GET (list active
// sessions) on the coordinator's session management endpoint.
type SessionHandler struct {
	manager   *session.Manager
	advertise string // host:port participants should dial
	window    time.Duration
	metrics   *metrics.Collectors
	logger    *log.Logger
}

// NewSessionHandler constructs the handler. advertise is the host:port
// baked into returned credential URLs; window is the effective signing
// window for pre-frozen transactions (zero means txfreeze.SigningWindow).
func NewSessionHandler(manager *session.Manager, advertise string, window time.Duration, collectors *metrics.Collectors, logger *log.Logger) *SessionHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SessionAPI] ", log.LstdFlags)
	}
	if window <= 0 {
		window = txfreeze.SigningWindow
	}
	return &SessionHandler{manager: manager, advertise: advertise, window: window, metrics: collectors, logger: logger}
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Threshold < 1 || len(req.EligibleKeys) < req.Threshold {
		http.Error(w, "threshold must satisfy 1 <= M <= N", http.StatusBadRequest)
		return
	}

	cfg := store.CreateConfig{
		Threshold:            req.Threshold,
		EligibleKeys:         req.EligibleKeys,
		ExpectedParticipants: req.ExpectedParticipants,
		TxDetails:            req.TxDetails,
	}
	if req.Metadata != nil {
		cfg.CoordinatorMetadata = &store.Metadata{
			Description: req.Metadata.Description,
			Amount:      req.Metadata.Amount,
			Recipient:   req.Metadata.Recipient,
		}
	}
	if req.FrozenTransaction != "" {
		frozenAt := req.FrozenAt
		if frozenAt.IsZero() {
			frozenAt = time.Now()
		}
		frozen, err := txfreeze.FromBytesWithWindow(req.FrozenTransaction, frozenAt, h.window)
		if err != nil {
			http.Error(w, "malformed frozen_transaction: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := frozen.ValidateNotExpired(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg.FrozenTx = frozen
	}

	s, err := h.manager.CreateSession(r.Context(), cfg)
	if err != nil {
		h.logger.Printf("create session failed: %v", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsCreatedTotal.Inc()
		h.metrics.ActiveSessions.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createSessionResponse{
		SessionID: s.ID,
		Token:     s.Token,
		URL:       CredentialURL(h.advertise, s.ID, s.Token),
		Status:    string(s.Status),
		ExpiresAt: s.ExpiresAt,
	})
}

type sessionSummary struct {
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Threshold int         `json:"threshold"`
	Stats     store.Stats `json:"stats"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.ListActive(r.Context())
	if err != nil {
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			SessionID: s.ID,
			Status:    string(s.Status),
			Threshold: s.Threshold,
			Stats:     s.Stats,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
