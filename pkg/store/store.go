// Copyright 2025 Certen Protocol
//
// Store defines the session persistence contract. Every operation is
// atomic with respect to concurrent callers on the same session ID; two
// backends satisfy it (see memory.go and firestore.go).

package store

import (
	"context"
	"errors"

	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

// Sentinel errors surfaced by every backend.
var (
	ErrSessionNotFound     = errors.New("store: session not found")
	ErrSessionTerminal     = errors.New("store: session is in a terminal state")
	ErrInvalidTransition   = errors.New("store: invalid status transition")
	ErrParticipantNotFound = errors.New("store: participant not found")
	ErrDuplicateSignature  = errors.New("store: signature already recorded for this key")
	ErrNotEligible         = errors.New("store: public key not eligible for this session")
	ErrNotInjectable       = errors.New("store: transaction injection only valid while waiting")
)

// Store is the session persistence interface. Implementations must
// serialize mutations to a given session ID (a per-session lock, or
// equivalent atomicity from the backing store).
type Store interface {
	CreateSession(ctx context.Context, cfg CreateConfig) (*Session, error)

	// GetSession returns a snapshot, or (nil, nil) if absent. A session
	// whose TTL has passed is lazily transitioned to StatusExpired on
	// read before the snapshot is returned.
	GetSession(ctx context.Context, id string) (*Session, error)

	// Authenticate performs a constant-time token comparison and only
	// succeeds for sessions in a non-terminal status.
	Authenticate(ctx context.Context, id, token string) (bool, error)

	AddParticipant(ctx context.Context, id, label string) (participantID string, err error)
	SetParticipantReady(ctx context.Context, id, participantID string) error
	SetParticipantStatus(ctx context.Context, id, participantID string, status ParticipantStatus) error
	RemoveParticipant(ctx context.Context, id, participantID string) error

	AddSignature(ctx context.Context, id, participantID string, sig Signature) error

	InjectTransaction(ctx context.Context, id string, cfg InjectConfig) error

	// ExpireTransaction discards the frozen transaction and any collected
	// signatures and reverts the session to waiting. It is a no-op if the
	// session is not in transaction_received or signing.
	ExpireTransaction(ctx context.Context, id string) error

	// SetCoordinatorMetadata replaces a session's advisory metadata.
	// Callers are expected to have already run it through sanitization.
	SetCoordinatorMetadata(ctx context.Context, id string, md *Metadata) error

	UpdateStatus(ctx context.Context, id string, status SessionStatus) error

	DeleteSession(ctx context.Context, id string) error

	ListActive(ctx context.Context) ([]*Session, error)
}

// InjectConfig carries the parameters of a transaction injection.
type InjectConfig struct {
	FrozenTx  *txfreeze.FrozenTransaction
	TxDetails interface{}
}

// legalTransitions is the session lifecycle transition table. Any
// unlisted transition is an error.
var legalTransitions = map[SessionStatus]map[SessionStatus]bool{
	StatusWaiting: {
		StatusTransactionReceived: true,
		StatusCancelled:           true,
		StatusExpired:             true,
	},
	StatusTransactionReceived: {
		StatusSigning:            true,
		StatusTransactionExpired: true,
		StatusCancelled:          true,
		StatusExpired:            true,
	},
	StatusSigning: {
		StatusExecuting:          true,
		StatusTransactionExpired: true,
		StatusCancelled:          true,
		StatusExpired:            true,
	},
	StatusExecuting: {
		StatusCompleted: true,
		StatusSigning:   true, // submission failure reverts
	},
	StatusTransactionExpired: {
		StatusWaiting: true,
	},
}

// CanTransition reports whether from -> to is a legal transition per the
// table above.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return false
	}
	allowed, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
