// Copyright 2025 Certen Protocol
//
// MemoryStore is the default session store backend: a map guarded by a
// single reader/writer lock (per-session locking would need a lock per
// key that can itself be deleted mid-hold; a single RWMutex is simpler
// and the critical sections here are all sub-microsecond map work).
//
// Proactive TTL expiry (transitioning a live session to expired, or a
// live transaction back to waiting) is pkg/expiry's job: the Session
// Manager arms a Scheduler timer at session-create/inject time and
// that callback is what performs the transition and emits the
// SESSION_EXPIRED/TRANSACTION_EXPIRED notification. This store only
// (a) lazily expires a session on read as a backstop in case a
// deadline is ever observed before its timer fires — no operation may
// succeed on a session past its TTL — and (b) sweeps terminal sessions
// off the map once their retention window has elapsed. An optional
// embedded snapshot tier (pkg/kvdb) gives crash recovery without
// standing up the replicated backend.

package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/kvdb"
)

const sweepInterval = 1 * time.Second

// MemoryStore is an in-process Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	retentionAfterTerminal time.Duration
	snapshot               kvdb.KV // optional; nil disables crash-recovery snapshotting
	logger                 *log.Logger

	stopSweep chan struct{}
}

// MemoryStoreOption configures optional MemoryStore behavior.
type MemoryStoreOption func(*MemoryStore)

// WithSnapshot enables an embedded-disk crash-recovery tier.
func WithSnapshot(kv kvdb.KV) MemoryStoreOption {
	return func(m *MemoryStore) { m.snapshot = kv }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) MemoryStoreOption {
	return func(m *MemoryStore) { m.logger = logger }
}

// NewMemoryStore constructs a MemoryStore and starts its sweep goroutine.
// retentionAfterTerminal controls how long a terminal session's record
// is kept (for late reads) before delete_session is implied.
func NewMemoryStore(retentionAfterTerminal time.Duration, opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		sessions:               make(map[string]*Session),
		retentionAfterTerminal: retentionAfterTerminal,
		stopSweep:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.New(log.Writer(), "[SessionStore] ", log.LstdFlags)
	}
	m.restoreFromSnapshot()
	go m.sweepLoop()
	return m
}

// Close stops the sweep goroutine.
func (m *MemoryStore) Close() {
	close(m.stopSweep)
}

func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// sweep deletes terminal sessions past their retention window. Called
// under its own lock; never blocks on caller operations. It does not
// itself transition live sessions to expired — that belongs to
// pkg/expiry's Scheduler callback, which alone is responsible for the
// SESSION_EXPIRED/TRANSACTION_EXPIRED notification, so there is a
// single authoritative path instead of two racing ones.
func (m *MemoryStore) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if !s.Status.IsTerminal() || s.TerminatedAt.IsZero() {
			continue
		}
		if now.Sub(s.TerminatedAt) > m.retentionAfterTerminal {
			delete(m.sessions, id)
			m.snapshotDelete(id)
		}
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, cfg CreateConfig) (*Session, error) {
	s := newSession(cfg)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.snapshotPut(s)

	return s.Clone(), nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	if !s.Status.IsTerminal() && time.Now().After(s.ExpiresAt) {
		s.Status = StatusExpired
		s.TerminatedAt = time.Now()
		m.snapshotPut(s)
	}
	snapshot := s.Clone()
	m.mu.Unlock()
	return snapshot, nil
}

func (m *MemoryStore) Authenticate(ctx context.Context, id, token string) (bool, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if s.Status.IsTerminal() || time.Now().After(s.ExpiresAt) {
		return false, nil
	}
	return constantTimeEqual(s.Token, token), nil
}

func (m *MemoryStore) AddParticipant(ctx context.Context, id, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		return "", ErrSessionTerminal
	}

	pid := NewParticipantID()
	s.Participants[pid] = &Participant{
		ID:          pid,
		Status:      ParticipantConnected,
		Label:       label,
		ConnectedAt: time.Now(),
	}
	s.recomputeStats()
	m.snapshotPut(s)
	return pid, nil
}

func (m *MemoryStore) SetParticipantReady(ctx context.Context, id, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	if p.Status == ParticipantConnected {
		p.Status = ParticipantReady
		now := time.Now()
		p.ReadyAt = &now
	}
	s.recomputeStats()
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) SetParticipantStatus(ctx context.Context, id, participantID string, status ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.Status = status
	s.recomputeStats()
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) RemoveParticipant(ctx context.Context, id, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return nil
	}
	// A participant that has already signed is retained (disconnected)
	// so the signature bookkeeping in Signatures stays attributable;
	// otherwise the record is dropped entirely.
	if p.Status == ParticipantSigned {
		p.Status = ParticipantDisconnected
	} else {
		delete(s.Participants, participantID)
	}
	s.recomputeStats()
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) AddSignature(ctx context.Context, id, participantID string, sig Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if _, eligible := s.EligibleKeys[sig.PublicKey]; !eligible {
		return ErrNotEligible
	}
	if _, exists := s.Signatures[sig.PublicKey]; exists {
		return ErrDuplicateSignature
	}

	s.Signatures[sig.PublicKey] = &sig
	if p, ok := s.Participants[participantID]; ok {
		p.Status = ParticipantSigned
		p.PublicKey = sig.PublicKey
	}
	if s.Status == StatusTransactionReceived {
		s.Status = StatusSigning
	}
	s.recomputeStats()
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) InjectTransaction(ctx context.Context, id string, cfg InjectConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusWaiting {
		return ErrNotInjectable
	}

	s.FrozenTx = cfg.FrozenTx
	s.TxDetails = cfg.TxDetails
	s.TransactionExpiresAt = cfg.FrozenTx.ExpiresAt
	s.Signatures = make(map[string]*Signature)
	s.Status = StatusTransactionReceived
	s.recomputeStats()
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) ExpireTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusTransactionReceived && s.Status != StatusSigning {
		return nil
	}
	s.Status = StatusWaiting
	s.FrozenTx = nil
	s.TxDetails = nil
	s.Signatures = make(map[string]*Signature)
	s.TransactionExpiresAt = time.Time{}
	s.recomputeStats()
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) SetCoordinatorMetadata(ctx context.Context, id string, md *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.CoordinatorMetadata = md
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !CanTransition(s.Status, status) {
		return ErrInvalidTransition
	}
	s.Status = status
	if status.IsTerminal() {
		s.TerminatedAt = time.Now()
	}
	m.snapshotPut(s)
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.snapshotDelete(id)
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// --- embedded snapshot tier -------------------------------------------------

func snapshotKey(id string) []byte {
	return []byte("sessions:" + id)
}

func (m *MemoryStore) snapshotPut(s *Session) {
	if m.snapshot == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		m.logger.Printf("snapshot marshal failed for session %s: %v", s.ID, err)
		return
	}
	if err := m.snapshot.Set(snapshotKey(s.ID), data); err != nil {
		m.logger.Printf("snapshot write failed for session %s: %v", s.ID, err)
	}
}

func (m *MemoryStore) snapshotDelete(id string) {
	if m.snapshot == nil {
		return
	}
	if err := m.snapshot.Delete(snapshotKey(id)); err != nil {
		m.logger.Printf("snapshot delete failed for session %s: %v", id, err)
	}
}

// restoreFromSnapshot reloads session records from the embedded disk
// tier at startup, if one is configured.
func (m *MemoryStore) restoreFromSnapshot() {
	if m.snapshot == nil {
		return
	}
	count := 0
	err := m.snapshot.Iterate([]byte("sessions:"), func(key, value []byte) error {
		var s Session
		if err := json.Unmarshal(value, &s); err != nil {
			m.logger.Printf("snapshot record %s unreadable, skipping: %v", key, err)
			return nil
		}
		m.sessions[s.ID] = &s
		count++
		return nil
	})
	if err != nil {
		m.logger.Printf("snapshot restore failed: %v", err)
		return
	}
	if count > 0 {
		m.logger.Printf("restored %d sessions from snapshot", count)
	}
}
