// Copyright 2025 Certen Protocol
//
// Session store data model. The store holds Session, Participant, and
// Signature records; FrozenTransaction and crypto key material are
// opaque payloads it persists but never interprets.

package store

import (
	"crypto/subtle"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/crypto"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

// constantTimeEqual compares session tokens without leaking timing
// information about where they first differ.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	StatusWaiting             SessionStatus = "waiting"
	StatusTransactionReceived SessionStatus = "transaction_received"
	StatusSigning             SessionStatus = "signing"
	StatusExecuting           SessionStatus = "executing"
	StatusCompleted           SessionStatus = "completed"
	StatusCancelled           SessionStatus = "cancelled"
	StatusExpired             SessionStatus = "expired"
	StatusTransactionExpired  SessionStatus = "transaction_expired"
)

// IsTerminal reports whether a session in this status can never
// transition again.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// ParticipantStatus is a participant's progress through a session.
type ParticipantStatus string

const (
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantReady        ParticipantStatus = "ready"
	ParticipantReviewing    ParticipantStatus = "reviewing"
	ParticipantSigned       ParticipantStatus = "signed"
	ParticipantRejected     ParticipantStatus = "rejected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is one remote party admitted into a session.
type Participant struct {
	ID          string            `json:"participant_id"`
	Status      ParticipantStatus `json:"status"`
	PublicKey   string            `json:"public_key,omitempty"` // normalized; known once a signature (or advertised at auth) arrives
	Label       string            `json:"label,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	ReadyAt     *time.Time        `json:"ready_at,omitempty"`
}

// Signature is one signer's contribution, bound to the participant that
// submitted it. Material is a nonempty sequence because some ledger
// forms require one signature per node-specific address form;
// single-element is the common case.
type Signature struct {
	PublicKey     string    `json:"public_key"`
	Material      [][]byte  `json:"signature_material"`
	ParticipantID string    `json:"participant_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Metadata is coordinator-supplied, advisory descriptive data. It is
// never derived from the frozen transaction bytes and must never be
// confused with verified content by a consumer of this API.
type Metadata struct {
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Unverified  bool   `json:"unverified"`
	Flagged     bool   `json:"flagged"`
}

// Stats are derived counters, recomputed on every mutation: they must
// never be allowed to drift from the underlying maps.
type Stats struct {
	ParticipantsConnected int `json:"participants_connected"`
	ParticipantsReady     int `json:"participants_ready"`
	SignaturesCollected   int `json:"signatures_collected"`
	SignaturesRequired    int `json:"signatures_required"`
}

// Session is the primary aggregate: one coordinator, N eligible keys,
// M-of-N threshold, and the signatures collected so far against at most
// one frozen transaction at a time.
type Session struct {
	ID                   string                      `json:"session_id"`
	Token                string                      `json:"token"`
	Threshold            int                         `json:"threshold"`
	EligibleKeys         map[string]struct{}         `json:"eligible_keys"`
	ExpectedParticipants int                         `json:"expected_participants"`
	FrozenTx             *txfreeze.FrozenTransaction `json:"frozen_transaction,omitempty"`
	TxDetails            interface{}                 `json:"tx_details,omitempty"`
	CoordinatorMetadata  *Metadata                   `json:"coordinator_metadata,omitempty"`
	Status               SessionStatus               `json:"status"`
	CreatedAt            time.Time                   `json:"created_at"`
	ExpiresAt            time.Time                   `json:"expires_at"`
	TransactionExpiresAt time.Time                   `json:"transaction_expires_at,omitempty"`
	// TerminatedAt is set when Status first becomes terminal; retention
	// is measured from here, not from ExpiresAt.
	TerminatedAt time.Time               `json:"terminated_at,omitempty"`
	Participants map[string]*Participant `json:"participants"`
	Signatures   map[string]*Signature   `json:"signatures"` // keyed by normalized public key
	Stats        Stats                   `json:"stats"`
}

// Clone deep-copies a session snapshot so callers can mutate it without
// racing the store's own copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.EligibleKeys = make(map[string]struct{}, len(s.EligibleKeys))
	for k := range s.EligibleKeys {
		out.EligibleKeys[k] = struct{}{}
	}
	out.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		cp := *p
		out.Participants[id] = &cp
	}
	out.Signatures = make(map[string]*Signature, len(s.Signatures))
	for k, sig := range s.Signatures {
		cp := *sig
		out.Signatures[k] = &cp
	}
	if s.FrozenTx != nil {
		ft := *s.FrozenTx
		out.FrozenTx = &ft
	}
	return &out
}

// recomputeStats keeps Stats in lockstep with the underlying maps.
// Called by the store after every mutation.
func (s *Session) recomputeStats() {
	s.Stats.ParticipantsConnected = len(s.Participants)
	ready := 0
	for _, p := range s.Participants {
		if p.Status == ParticipantReady || p.Status == ParticipantSigned {
			ready++
		}
	}
	s.Stats.ParticipantsReady = ready
	s.Stats.SignaturesCollected = len(s.Signatures)
	s.Stats.SignaturesRequired = s.Threshold
}

// CreateConfig describes a new session. If FrozenTx is nil, this is a
// pre-session: EligibleKeys and Threshold are mandatory inputs.
type CreateConfig struct {
	Threshold            int
	EligibleKeys         []string
	ExpectedParticipants int
	FrozenTx             *txfreeze.FrozenTransaction
	TxDetails            interface{}
	CoordinatorMetadata  *Metadata
	SessionTTL           time.Duration
}

// newSession builds a fresh Session record from a CreateConfig, shared
// by every backend so lifecycle defaults stay in one place.
func newSession(cfg CreateConfig) *Session {
	now := time.Now()
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	s := &Session{
		ID:                   NewSessionID(),
		Token:                NewToken(),
		Threshold:            cfg.Threshold,
		EligibleKeys:         normalizeKeySet(cfg.EligibleKeys),
		ExpectedParticipants: cfg.ExpectedParticipants,
		FrozenTx:             cfg.FrozenTx,
		TxDetails:            cfg.TxDetails,
		CoordinatorMetadata:  cfg.CoordinatorMetadata,
		Status:               StatusWaiting,
		CreatedAt:            now,
		ExpiresAt:            now.Add(ttl),
		Participants:         make(map[string]*Participant),
		Signatures:           make(map[string]*Signature),
	}
	if s.FrozenTx != nil {
		s.Status = StatusTransactionReceived
		s.TransactionExpiresAt = s.FrozenTx.ExpiresAt
	}
	s.recomputeStats()
	return s
}

func normalizeKeySet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[crypto.NormalizePublicKey(k)] = struct{}{}
	}
	return out
}
