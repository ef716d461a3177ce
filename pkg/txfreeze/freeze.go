// Copyright 2025 Certen Protocol
//
// Transaction freezer. Wraps an opaque transaction byte string (we never
// parse or construct ledger transactions here) with the canonical hash
// signers authorize against and the safety-margined expiry deadline.

package txfreeze

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/crypto"
)

const (
	// LedgerValidityWindow is Hedera's hard transaction validity limit.
	LedgerValidityWindow = 120 * time.Second

	// DefaultSafetyMargin is subtracted from the ledger window to absorb
	// network latency and coordinator submission time. Do not shrink this
	// without re-evaluating end-to-end timing against the ledger's actual
	// window.
	DefaultSafetyMargin = 10 * time.Second

	// SigningWindow is the effective window signers operate against.
	SigningWindow = LedgerValidityWindow - DefaultSafetyMargin

	// NearExpiryThreshold is how far out IsNearExpiry starts returning true.
	NearExpiryThreshold = 20 * time.Second
)

// SigningWindowFor derives the effective signing window from a
// configured safety margin. Non-positive margins fall back to the
// default.
func SigningWindowFor(safetyMargin time.Duration) time.Duration {
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMargin
	}
	return LedgerValidityWindow - safetyMargin
}

// ErrTransactionExpired is returned once now is past a transaction's
// expires_at.
var ErrTransactionExpired = errors.New("txfreeze: transaction expired")

// FrozenTransaction is the canonical, hash-addressed view of a
// coordinator-supplied transaction that participants sign against.
type FrozenTransaction struct {
	Bytes     []byte
	Hash      [32]byte
	FrozenAt  time.Time
	ExpiresAt time.Time
}

// Freeze captures tx bytes at the current wall-clock time and computes
// the hash and safety-margined expiry.
func Freeze(txBytes []byte) *FrozenTransaction {
	return FreezeWithWindow(txBytes, SigningWindow)
}

// FreezeWithWindow is Freeze with an explicit signing window, for
// deployments that configure a non-default safety margin.
func FreezeWithWindow(txBytes []byte, window time.Duration) *FrozenTransaction {
	now := time.Now()
	return &FrozenTransaction{
		Bytes:     txBytes,
		Hash:      crypto.SHA256(txBytes),
		FrozenAt:  now,
		ExpiresAt: now.Add(window),
	}
}

// FromBytes reconstructs a FrozenTransaction on a remote host (typically
// a participant) from the base64-encoded wire form and the coordinator-
// reported freeze time. Only the exact bytes are needed to verify
// signatures; the original in-process transaction object is not required.
func FromBytes(b64 string, frozenAt time.Time) (*FrozenTransaction, error) {
	return FromBytesWithWindow(b64, frozenAt, SigningWindow)
}

// FromBytesWithWindow is FromBytes with an explicit signing window.
func FromBytesWithWindow(b64 string, frozenAt time.Time, window time.Duration) (*FrozenTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return &FrozenTransaction{
		Bytes:     raw,
		Hash:      crypto.SHA256(raw),
		FrozenAt:  frozenAt,
		ExpiresAt: frozenAt.Add(window),
	}, nil
}

// ToBase64 returns the wire form of the transaction bytes.
func (f *FrozenTransaction) ToBase64() string {
	return base64.StdEncoding.EncodeToString(f.Bytes)
}

// TimeRemaining returns how long until the transaction expires, measured
// from now. Negative once expired.
func (f *FrozenTransaction) TimeRemaining() time.Duration {
	return time.Until(f.ExpiresAt)
}

// IsNearExpiry reports whether fewer than NearExpiryThreshold remain.
func (f *FrozenTransaction) IsNearExpiry() bool {
	return f.TimeRemaining() < NearExpiryThreshold
}

// ValidateNotExpired returns ErrTransactionExpired once now is past
// ExpiresAt.
func (f *FrozenTransaction) ValidateNotExpired() error {
	if time.Now().After(f.ExpiresAt) {
		return ErrTransactionExpired
	}
	return nil
}
