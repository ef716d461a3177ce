// Copyright 2025 Certen Protocol
//
// Key material for the participant side. A Signer holds private key
// bytes only in process memory — they are never serialized, logged, or
// sent over the wire. Two concrete signers match the two algorithms
// pkg/crypto verifies: Ed25519 and ECDSA/secp256k1.

package signer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces a signature over exact message bytes under a key held
// only in this process. It never exposes the private key.
type Signer interface {
	// Sign returns the raw signature bytes over message.
	Sign(message []byte) ([]byte, error)
	// PublicKeyHex returns the canonical (normalized) hex public key.
	PublicKeyHex() string
}

// Ed25519Signer wraps an in-memory Ed25519 private key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewEd25519Signer constructs a signer from a raw 64-byte private key.
func NewEd25519Signer(privateKey ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: invalid ed25519 private key size: expected %d, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
	return &Ed25519Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// NewEd25519SignerFromHex constructs a signer from a hex-encoded
// private key, as loaded from a local key file.
func NewEd25519SignerFromHex(hexKey string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid ed25519 private key hex: %w", err)
	}
	return NewEd25519Signer(raw)
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, message), nil
}

func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.publicKey)
}

// Secp256k1Signer wraps an in-memory ECDSA/secp256k1 private key, for
// Hedera ECDSA account keys. Signatures are produced over the SHA-256
// digest of the message, matching pkg/crypto.Verify's secp256k1 path.
type Secp256k1Signer struct {
	privateKey *ecdsa.PrivateKey
}

// NewSecp256k1Signer constructs a signer from a hex-encoded private key.
func NewSecp256k1Signer(hexKey string) (*Secp256k1Signer, error) {
	key, err := gethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid secp256k1 private key: %w", err)
	}
	return &Secp256k1Signer{privateKey: key}, nil
}

func (s *Secp256k1Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := gethcrypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signer: sign: %w", err)
	}
	// Drop the recovery ID byte: pkg/crypto.Verify accepts the 64-byte
	// r||s form (it also accepts 65 bytes, but eligible keys are
	// compared by value, not recovered, so the extra byte is noise).
	return sig[:64], nil
}

func (s *Secp256k1Signer) PublicKeyHex() string {
	return hex.EncodeToString(gethcrypto.FromECDSAPub(&s.privateKey.PublicKey))
}
