// Copyright 2025 Certen Protocol
//
// Session Manager - the only component that mutates session state. It
// composes the session store, the crypto primitives, and the expiry
// scheduler. Mutating operations acquire a per-session exclusive lock
// for their duration; session snapshot reads do not need one since the
// store already returns a defensive copy.

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/audit"
	"github.com/certen/hedera-multisig-coordinator/pkg/crypto"
	"github.com/certen/hedera-multisig-coordinator/pkg/expiry"
	"github.com/certen/hedera-multisig-coordinator/pkg/store"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

// Sentinel errors surfaced to wire-server callers.
var (
	ErrInvalidState       = errors.New("session: operation not valid in current status")
	ErrNotEligible        = errors.New("session: public key not eligible")
	ErrDuplicateSignature = errors.New("session: signature already recorded for this key")
	ErrVerificationFailed = errors.New("session: signature verification failed")
	ErrThresholdNotMet    = errors.New("session: signature threshold not met")
	ErrTransactionExpired = errors.New("session: transaction has expired")
	ErrNoExecutor         = errors.New("session: no transaction executor configured")
)

// TransactionExecutor submits the frozen transaction, aggregated with
// every collected signature, to the ledger. The ledger-specific "add
// signatures and submit" operation is an injected dependency; this
// package never builds or broadcasts ledger transactions itself.
type TransactionExecutor func(ctx context.Context, frozen *txfreeze.FrozenTransaction, signatures map[string]*store.Signature) error

// urgencyPatterns flags advisory metadata containing pressure language.
var urgencyPatterns = regexp.MustCompile(`(?i)urgent|immediately|asap|hurry|quickly|emergency|critical`)

const maxDescriptionLen = 500

// Manager owns the session lifecycle state machine.
type Manager struct {
	store     store.Store
	scheduler *expiry.Scheduler
	executor  TransactionExecutor
	audit     audit.Sink
	logger    *log.Logger

	sessionTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   []EventHandler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Config configures a Manager.
type Config struct {
	Store          store.Store
	Scheduler      *expiry.Scheduler
	Executor       TransactionExecutor
	Audit          audit.Sink
	SessionTimeout time.Duration
	Logger         *log.Logger
}

// New constructs a Manager. Store and Scheduler are required; Executor
// may be nil until a ledger submission path is wired in (Execute then
// fails with ErrNoExecutor).
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[SessionManager] ", log.LstdFlags)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	return &Manager{
		store:          cfg.Store,
		scheduler:      cfg.Scheduler,
		executor:       cfg.Executor,
		audit:          cfg.Audit,
		logger:         cfg.Logger,
		sessionTimeout: cfg.SessionTimeout,
		locks:          make(map[string]*sync.Mutex),
	}
}

// auditSignerFingerprints returns the sanitized per-signer fingerprints
// an audit entry records — never the full public key or signature.
func auditSignerFingerprints(sigs map[string]*store.Signature) []string {
	keys := make([]string, 0, len(sigs))
	for k := range sigs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return audit.Fingerprints(keys)
}

// OnEvent registers a handler invoked for every emitted Event. Intended
// for the wire server to subscribe broadcast behavior.
func (m *Manager) OnEvent(h EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) emit(evt Event) {
	m.handlersMu.RLock()
	handlers := append([]EventHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

// flushEvents emits every queued event, in order. Mutating operations
// register it with defer BEFORE deferring the per-session unlock, so it
// runs after the lock is released: receivers always observe state
// consistent with the broadcast, and a handler can safely call back
// into the Manager.
func (m *Manager) flushEvents(queued *[]Event) {
	for _, evt := range *queued {
		m.emit(evt)
	}
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// dropLock removes a session's lock entry once it reaches a terminal
// state, so the lock map does not grow unboundedly across long-running
// coordinator processes.
func (m *Manager) dropLock(sessionID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, sessionID)
}

// CreateSession creates a new session and arms its TTL timer. If a
// frozen transaction is supplied in cfg, the session starts in
// transaction_received and a transaction-expiry timer is also armed.
func (m *Manager) CreateSession(ctx context.Context, cfg store.CreateConfig) (*store.Session, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = m.sessionTimeout
	}
	cfg.CoordinatorMetadata = m.SanitizeMetadata(cfg.CoordinatorMetadata)

	s, err := m.store.CreateSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	m.scheduler.Schedule(expiry.Key{SessionID: s.ID, Kind: expiry.KindSession}, s.ExpiresAt, m.onSessionExpire)
	if s.FrozenTx != nil {
		m.scheduler.Schedule(expiry.Key{SessionID: s.ID, Kind: expiry.KindTransaction}, s.TransactionExpiresAt, m.onTransactionExpire)
	}
	return s, nil
}

// GetSession returns a session snapshot, or (nil, nil) if absent.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Authenticate verifies a session credential pair.
func (m *Manager) Authenticate(ctx context.Context, sessionID, token string) (bool, error) {
	return m.store.Authenticate(ctx, sessionID, token)
}

// AddParticipant admits a new participant into a session and emits
// ParticipantConnected. Used by the wire server's AUTH handler.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, label string) (string, *store.Session, error) {
	pid, err := m.store.AddParticipant(ctx, sessionID, label)
	if err != nil {
		return "", nil, fmt.Errorf("session: add participant: %w", err)
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return "", nil, fmt.Errorf("session: add participant: reload: %w", err)
	}
	m.emit(Event{Type: EventParticipantConnected, Session: s, Detail: pid})
	return pid, s, nil
}

// InjectTransaction attaches a frozen transaction to a waiting session,
// along with optional coordinator metadata (sanitized before storage).
func (m *Manager) InjectTransaction(ctx context.Context, sessionID string, frozen *txfreeze.FrozenTransaction, details interface{}, md *store.Metadata) (*store.Session, error) {
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	err := m.store.InjectTransaction(ctx, sessionID, store.InjectConfig{FrozenTx: frozen, TxDetails: details})
	if err != nil {
		if errors.Is(err, store.ErrNotInjectable) {
			s, _ := m.store.GetSession(ctx, sessionID)
			queued = append(queued, Event{Type: EventInjectionFailed, Session: s, Detail: err.Error()})
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("session: inject transaction: %w", err)
	}
	if md != nil {
		if err := m.store.SetCoordinatorMetadata(ctx, sessionID, m.SanitizeMetadata(md)); err != nil {
			return nil, fmt.Errorf("session: inject transaction: metadata: %w", err)
		}
	}

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, fmt.Errorf("session: inject transaction: reload: %w", err)
	}

	m.scheduler.Schedule(expiry.Key{SessionID: sessionID, Kind: expiry.KindTransaction}, s.TransactionExpiresAt, m.onTransactionExpire)
	queued = append(queued, Event{Type: EventTransactionInjected, Session: s})
	return s, nil
}

// SubmitSignature validates and records one participant's signature:
// state check, eligibility, per-key uniqueness, cryptographic
// verification, then atomic insert.
func (m *Manager) SubmitSignature(ctx context.Context, sessionID, participantID, publicKey string, signature []byte) (*store.Session, error) {
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: submit signature: %w", err)
	}
	if s == nil {
		return nil, store.ErrSessionNotFound
	}
	if s.Status != store.StatusTransactionReceived && s.Status != store.StatusSigning {
		return nil, ErrInvalidState
	}
	if s.FrozenTx == nil {
		return nil, ErrInvalidState
	}
	if err := s.FrozenTx.ValidateNotExpired(); err != nil {
		return nil, ErrTransactionExpired
	}

	normalized := crypto.NormalizePublicKey(publicKey)
	if _, eligible := s.EligibleKeys[normalized]; !eligible {
		queued = append(queued, Event{Type: EventSignatureRejected, Session: s, Detail: "not eligible"})
		return nil, ErrNotEligible
	}
	if _, exists := s.Signatures[normalized]; exists {
		queued = append(queued, Event{Type: EventSignatureRejected, Session: s, Detail: "duplicate"})
		return nil, ErrDuplicateSignature
	}

	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		queued = append(queued, Event{Type: EventSignatureRejected, Session: s, Detail: "invalid public key"})
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !crypto.Verify(key, s.FrozenTx.Bytes, signature) {
		queued = append(queued, Event{Type: EventSignatureRejected, Session: s, Detail: "signature did not verify"})
		return nil, ErrVerificationFailed
	}

	sig := store.Signature{
		PublicKey:     normalized,
		Material:      [][]byte{signature},
		ParticipantID: participantID,
		SubmittedAt:   time.Now(),
	}
	if err := m.store.AddSignature(ctx, sessionID, participantID, sig); err != nil {
		return nil, fmt.Errorf("session: submit signature: %w", err)
	}

	s, err = m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, fmt.Errorf("session: submit signature: reload: %w", err)
	}

	queued = append(queued, Event{Type: EventSignatureReceived, Session: s, Detail: normalized})
	// Exactly once per transaction: only the signature that crosses the
	// threshold triggers the broadcast, later ones do not re-fire it.
	if s.Stats.SignaturesCollected == s.Threshold {
		queued = append(queued, Event{Type: EventThresholdMet, Session: s})
	}
	return s, nil
}

// Execute aggregates all collected signatures onto the frozen
// transaction and submits it. On submission failure the session
// reverts to signing and ExecutionFailed is emitted; on success it
// becomes completed.
func (m *Manager) Execute(ctx context.Context, sessionID string) (*store.Session, error) {
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: execute: %w", err)
	}
	if s == nil {
		return nil, store.ErrSessionNotFound
	}
	if s.Status != store.StatusSigning {
		return nil, ErrInvalidState
	}
	if s.Stats.SignaturesCollected < s.Threshold {
		return nil, ErrThresholdNotMet
	}
	if s.FrozenTx == nil || s.FrozenTx.ValidateNotExpired() != nil {
		return nil, ErrTransactionExpired
	}
	if m.executor == nil {
		return nil, ErrNoExecutor
	}

	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusExecuting); err != nil {
		return nil, fmt.Errorf("session: execute: %w", err)
	}

	signatures := make(map[string]*store.Signature, len(s.Signatures))
	for k, v := range s.Signatures {
		signatures[k] = v
	}

	frozen := s.FrozenTx
	if err := m.executor(ctx, frozen, signatures); err != nil {
		if revertErr := m.store.UpdateStatus(ctx, sessionID, store.StatusSigning); revertErr != nil {
			m.logger.Printf("session %s: failed to revert after execution failure: %v", sessionID, revertErr)
		}
		m.recordAudit(ctx, frozen, signatures, audit.StatusFailure, err.Error())
		s, _ = m.store.GetSession(ctx, sessionID)
		queued = append(queued, Event{Type: EventExecutionFailed, Session: s, Detail: err.Error()})
		return nil, fmt.Errorf("session: execution failed: %w", err)
	}

	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusCompleted); err != nil {
		return nil, fmt.Errorf("session: execute: mark completed: %w", err)
	}
	m.scheduler.CancelSession(sessionID)
	m.dropLock(sessionID)
	m.recordAudit(ctx, frozen, signatures, audit.StatusSuccess, "")

	s, err = m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, fmt.Errorf("session: execute: reload: %w", err)
	}
	queued = append(queued, Event{Type: EventTransactionExecuted, Session: s})
	return s, nil
}

// recordAudit appends one terminal-outcome entry. It is
// fire-and-forget: a failure to write the audit log must never cause
// Execute itself to fail or be retried, so errors are only logged.
func (m *Manager) recordAudit(ctx context.Context, frozen *txfreeze.FrozenTransaction, sigs map[string]*store.Signature, status audit.Status, errMsg string) {
	if m.audit == nil || frozen == nil {
		return
	}
	entry := audit.Entry{
		Timestamp:          time.Now(),
		TransactionHash:    audit.HashHex(frozen.Hash),
		FrozenAt:           frozen.FrozenAt,
		ExpiresAt:          frozen.ExpiresAt,
		Status:             status,
		SignerFingerprints: auditSignerFingerprints(sigs),
		Error:              errMsg,
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		m.logger.Printf("audit: failed to record entry: %v", err)
	}
}

// SetParticipantReady marks a connected participant ready to review.
func (m *Manager) SetParticipantReady(ctx context.Context, sessionID, participantID string) (*store.Session, error) {
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.SetParticipantReady(ctx, sessionID, participantID); err != nil {
		return nil, fmt.Errorf("session: set participant ready: %w", err)
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, fmt.Errorf("session: set participant ready: reload: %w", err)
	}
	queued = append(queued, Event{Type: EventParticipantReady, Session: s, Detail: participantID})
	return s, nil
}

// SetParticipantStatus applies a participant-reported status update.
// Only the review-progress statuses a participant reports about itself
// are accepted; connected/ready/signed/disconnected are derived by the
// server from protocol actions and cannot be set this way.
func (m *Manager) SetParticipantStatus(ctx context.Context, sessionID, participantID string, status store.ParticipantStatus) (*store.Session, error) {
	if status != store.ParticipantReviewing && status != store.ParticipantRejected {
		return nil, ErrInvalidState
	}

	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.SetParticipantStatus(ctx, sessionID, participantID, status); err != nil {
		return nil, fmt.Errorf("session: set participant status: %w", err)
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, fmt.Errorf("session: set participant status: reload: %w", err)
	}
	queued = append(queued, Event{Type: EventParticipantStatusUpdate, Session: s, Detail: map[string]string{
		"participant_id": participantID,
		"status":         string(status),
	}})
	return s, nil
}

// RemoveParticipant removes a participant, preserving the record (as
// disconnected) when it has contributed a signature.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, participantID string) (*store.Session, error) {
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.RemoveParticipant(ctx, sessionID, participantID); err != nil {
		return nil, fmt.Errorf("session: remove participant: %w", err)
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, fmt.Errorf("session: remove participant: reload: %w", err)
	}
	queued = append(queued, Event{Type: EventParticipantRemoved, Session: s, Detail: participantID})
	return s, nil
}

// CancelSession transitions a non-terminal session to cancelled.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusCancelled); err != nil {
		return nil, fmt.Errorf("session: cancel: %w", err)
	}
	m.scheduler.CancelSession(sessionID)
	m.dropLock(sessionID)

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: cancel: reload: %w", err)
	}
	queued = append(queued, Event{Type: EventSessionCancelled, Session: s})
	return s, nil
}

// ListActive returns snapshots of every non-terminal session.
func (m *Manager) ListActive(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListActive(ctx)
}

// SanitizeMetadata marks coordinator-supplied fields unverified,
// truncates the description, and flags pressure language. A nil input
// returns nil. Fields derived from the transaction bytes are never
// touched here.
func (m *Manager) SanitizeMetadata(md *store.Metadata) *store.Metadata {
	if md == nil {
		return nil
	}
	out := *md
	out.Unverified = true

	if len(out.Description) > maxDescriptionLen {
		out.Description = out.Description[:maxDescriptionLen]
	}
	if urgencyPatterns.MatchString(out.Description) ||
		urgencyPatterns.MatchString(out.Amount) ||
		urgencyPatterns.MatchString(out.Recipient) {
		out.Flagged = true
	}
	return &out
}

// onSessionExpire is the expiry scheduler callback for a session TTL deadline.
func (m *Manager) onSessionExpire(key expiry.Key, deadline time.Time) {
	ctx := context.Background()
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(key.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.GetSession(ctx, key.SessionID)
	if err != nil || s == nil || s.Status.IsTerminal() {
		return
	}
	if err := m.store.UpdateStatus(ctx, key.SessionID, store.StatusExpired); err != nil {
		m.logger.Printf("session %s: expiry transition failed: %v", key.SessionID, err)
		return
	}
	m.dropLock(key.SessionID)
	s, _ = m.store.GetSession(ctx, key.SessionID)
	queued = append(queued, Event{Type: EventSessionExpired, Session: s})
}

// onTransactionExpire is the expiry scheduler callback for a transaction TTL
// deadline: signatures are discarded and the session reverts to
// waiting for a fresh injection.
func (m *Manager) onTransactionExpire(key expiry.Key, deadline time.Time) {
	ctx := context.Background()
	var queued []Event
	defer m.flushEvents(&queued)
	lock := m.lockFor(key.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.GetSession(ctx, key.SessionID)
	if err != nil || s == nil {
		return
	}
	if s.Status != store.StatusTransactionReceived && s.Status != store.StatusSigning {
		return
	}
	if err := m.store.ExpireTransaction(ctx, key.SessionID); err != nil {
		m.logger.Printf("session %s: transaction expiry cleanup: %v", key.SessionID, err)
	}
	s, _ = m.store.GetSession(ctx, key.SessionID)
	queued = append(queued, Event{Type: EventTransactionExpired, Session: s})
}
