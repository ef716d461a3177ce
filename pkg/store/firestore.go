// Copyright 2025 Certen Protocol
//
// FirestoreStore is the replicated_kv session store backend: session
// records serialized as a single JSON blob per document, keyed
// sessions:<session_id>, under a top-level collection. Connection
// handles cannot be serialized to Firestore, so participant transport
// channels are kept in a process-local side map (see pkg/wire) and
// never written here. If Firestore is unreachable at construction time
// or any call fails, the store logs a warning and degrades to an
// embedded MemoryStore for the remainder of the process lifetime.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "multisig_sessions"

// FirestoreConfig configures a FirestoreStore.
type FirestoreConfig struct {
	ProjectID              string
	CredentialsFile        string
	Collection             string
	RetentionAfterTerminal time.Duration
	Logger                 *log.Logger
}

// FirestoreStore implements Store against Google Cloud Firestore, with
// degrade-to-memory fallback on any connectivity failure.
type FirestoreStore struct {
	app        *firebase.App
	client     *gcpfirestore.Client
	collection string
	logger     *log.Logger

	retentionAfterTerminal time.Duration

	degraded bool
	fallback *MemoryStore
}

// NewFirestoreStore connects to Firestore. On any failure to reach it,
// a degraded in-memory store is returned instead of an error, since a
// coordinator should stay usable even if the replicated backend is
// momentarily unreachable.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[FirestoreStore] ", log.LstdFlags)
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	fs := &FirestoreStore{
		collection:             cfg.Collection,
		logger:                 cfg.Logger,
		retentionAfterTerminal: cfg.RetentionAfterTerminal,
	}

	if cfg.ProjectID == "" {
		cfg.Logger.Println("firestore project ID not set, degrading to in-memory store")
		fs.degraded = true
		fs.fallback = NewMemoryStore(cfg.RetentionAfterTerminal)
		return fs, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		cfg.Logger.Printf("firestore app init failed, degrading to in-memory store: %v", err)
		fs.degraded = true
		fs.fallback = NewMemoryStore(cfg.RetentionAfterTerminal)
		return fs, nil
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		cfg.Logger.Printf("firestore client init failed, degrading to in-memory store: %v", err)
		fs.degraded = true
		fs.fallback = NewMemoryStore(cfg.RetentionAfterTerminal)
		return fs, nil
	}

	fs.app = app
	fs.client = client
	cfg.Logger.Printf("firestore store connected, project=%s collection=%s", cfg.ProjectID, cfg.Collection)
	return fs, nil
}

// IsDegraded reports whether the store fell back to in-memory mode.
func (f *FirestoreStore) IsDegraded() bool {
	return f.degraded
}

func (f *FirestoreStore) docID(sessionID string) string {
	return "sessions:" + sessionID
}

func (f *FirestoreStore) doc(sessionID string) *gcpfirestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(f.docID(sessionID))
}

// degrade drops into in-memory mode for the remainder of the process
// lifetime after an unrecoverable Firestore error. An operator restart
// is the recovery path once connectivity returns.
func (f *FirestoreStore) degrade(reason error) {
	if f.degraded {
		return
	}
	f.logger.Printf("firestore unreachable, degrading to in-memory store: %v", reason)
	f.degraded = true
	f.fallback = NewMemoryStore(f.retentionAfterTerminal)
}

func (f *FirestoreStore) CreateSession(ctx context.Context, cfg CreateConfig) (*Session, error) {
	if f.degraded {
		return f.fallback.CreateSession(ctx, cfg)
	}
	s := newSession(cfg)
	if err := f.save(ctx, s); err != nil {
		f.degrade(err)
		return f.fallback.CreateSession(ctx, cfg)
	}
	return s.Clone(), nil
}

// sessionDoc is the Firestore document shape: the session record as a
// single JSON blob (connection handles are never part of it), plus the
// TTL boundary (expires_at + retention) a store-side TTL policy can key
// on.
type sessionDoc struct {
	Data      []byte    `firestore:"data"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func (f *FirestoreStore) load(ctx context.Context, id string) (*Session, error) {
	snap, err := f.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore: decode session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(doc.Data, &s); err != nil {
		return nil, fmt.Errorf("firestore: decode session %s: %w", id, err)
	}
	return &s, nil
}

func (f *FirestoreStore) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("firestore: encode session %s: %w", s.ID, err)
	}
	_, err = f.doc(s.ID).Set(ctx, sessionDoc{
		Data:      data,
		ExpiresAt: s.ExpiresAt.Add(f.retentionAfterTerminal),
	})
	return err
}

func (f *FirestoreStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if f.degraded {
		return f.fallback.GetSession(ctx, id)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.GetSession(ctx, id)
	}
	if s == nil {
		return nil, nil
	}
	if !s.Status.IsTerminal() && time.Now().After(s.ExpiresAt) {
		s.Status = StatusExpired
		s.TerminatedAt = time.Now()
		if err := f.save(ctx, s); err != nil {
			f.logger.Printf("firestore: failed to persist lazy expiry for %s: %v", id, err)
		}
	}
	return s.Clone(), nil
}

func (f *FirestoreStore) Authenticate(ctx context.Context, id, token string) (bool, error) {
	if f.degraded {
		return f.fallback.Authenticate(ctx, id, token)
	}
	s, err := f.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if s == nil || s.Status.IsTerminal() {
		return false, nil
	}
	return constantTimeEqual(s.Token, token), nil
}

func (f *FirestoreStore) AddParticipant(ctx context.Context, id, label string) (string, error) {
	if f.degraded {
		return f.fallback.AddParticipant(ctx, id, label)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.AddParticipant(ctx, id, label)
	}
	if s == nil {
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
	if err := f.save(ctx, s); err != nil {
		f.degrade(err)
		return f.fallback.AddParticipant(ctx, id, label)
	}
	return pid, nil
}

func (f *FirestoreStore) SetParticipantReady(ctx context.Context, id, participantID string) error {
	if f.degraded {
		return f.fallback.SetParticipantReady(ctx, id, participantID)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.SetParticipantReady(ctx, id, participantID)
	}
	if s == nil {
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
	return f.save(ctx, s)
}

func (f *FirestoreStore) SetParticipantStatus(ctx context.Context, id, participantID string, status ParticipantStatus) error {
	if f.degraded {
		return f.fallback.SetParticipantStatus(ctx, id, participantID, status)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.SetParticipantStatus(ctx, id, participantID, status)
	}
	if s == nil {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.Status = status
	s.recomputeStats()
	return f.save(ctx, s)
}

func (f *FirestoreStore) RemoveParticipant(ctx context.Context, id, participantID string) error {
	if f.degraded {
		return f.fallback.RemoveParticipant(ctx, id, participantID)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.RemoveParticipant(ctx, id, participantID)
	}
	if s == nil {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return nil
	}
	if p.Status == ParticipantSigned {
		p.Status = ParticipantDisconnected
	} else {
		delete(s.Participants, participantID)
	}
	s.recomputeStats()
	return f.save(ctx, s)
}

func (f *FirestoreStore) AddSignature(ctx context.Context, id, participantID string, sig Signature) error {
	if f.degraded {
		return f.fallback.AddSignature(ctx, id, participantID, sig)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.AddSignature(ctx, id, participantID, sig)
	}
	if s == nil {
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
	return f.save(ctx, s)
}

func (f *FirestoreStore) InjectTransaction(ctx context.Context, id string, cfg InjectConfig) error {
	if f.degraded {
		return f.fallback.InjectTransaction(ctx, id, cfg)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.InjectTransaction(ctx, id, cfg)
	}
	if s == nil {
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
	return f.save(ctx, s)
}

func (f *FirestoreStore) ExpireTransaction(ctx context.Context, id string) error {
	if f.degraded {
		return f.fallback.ExpireTransaction(ctx, id)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.ExpireTransaction(ctx, id)
	}
	if s == nil {
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
	return f.save(ctx, s)
}

func (f *FirestoreStore) SetCoordinatorMetadata(ctx context.Context, id string, md *Metadata) error {
	if f.degraded {
		return f.fallback.SetCoordinatorMetadata(ctx, id, md)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.SetCoordinatorMetadata(ctx, id, md)
	}
	if s == nil {
		return ErrSessionNotFound
	}
	s.CoordinatorMetadata = md
	return f.save(ctx, s)
}

func (f *FirestoreStore) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	if f.degraded {
		return f.fallback.UpdateStatus(ctx, id, status)
	}
	s, err := f.load(ctx, id)
	if err != nil {
		f.degrade(err)
		return f.fallback.UpdateStatus(ctx, id, status)
	}
	if s == nil {
		return ErrSessionNotFound
	}
	if !CanTransition(s.Status, status) {
		return ErrInvalidTransition
	}
	s.Status = status
	if status.IsTerminal() {
		s.TerminatedAt = time.Now()
	}
	return f.save(ctx, s)
}

func (f *FirestoreStore) DeleteSession(ctx context.Context, id string) error {
	if f.degraded {
		return f.fallback.DeleteSession(ctx, id)
	}
	_, err := f.doc(id).Delete(ctx)
	if err != nil {
		f.degrade(err)
		return f.fallback.DeleteSession(ctx, id)
	}
	return nil
}

func (f *FirestoreStore) ListActive(ctx context.Context) ([]*Session, error) {
	if f.degraded {
		return f.fallback.ListActive(ctx)
	}
	iter := f.client.Collection(f.collection).Documents(ctx)
	defer iter.Stop()

	var out []*Session
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			f.degrade(err)
			return f.fallback.ListActive(ctx)
		}
		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			f.logger.Printf("firestore: skipping undecodable session document %s: %v", snap.Ref.ID, err)
			continue
		}
		var s Session
		if err := json.Unmarshal(doc.Data, &s); err != nil {
			f.logger.Printf("firestore: skipping undecodable session document %s: %v", snap.Ref.ID, err)
			continue
		}
		if !s.Status.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// Close releases the underlying Firestore client, if one was opened.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}
