// Copyright 2025 Certen Protocol
//
// Crypto primitives for signer key/signature parsing and verification.
// Two algorithms are supported, matching what Hedera's SDK accepts for
// account keys: Ed25519 and ECDSA over secp256k1. Every function here is
// pure and lock-free; no private key material is ever accepted or held.

package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Sentinel errors. Any malformed input returns one of these; no panic
// may cross this boundary.
var (
	ErrInvalidKeyFormat       = errors.New("crypto: invalid key format")
	ErrInvalidSignatureFormat = errors.New("crypto: invalid signature format")
)

// KeyAlgorithm identifies which scheme a parsed public key belongs to.
type KeyAlgorithm int

const (
	AlgorithmUnknown KeyAlgorithm = iota
	AlgorithmEd25519
	AlgorithmECDSASecp256k1
)

func (a KeyAlgorithm) String() string {
	switch a {
	case AlgorithmEd25519:
		return "ed25519"
	case AlgorithmECDSASecp256k1:
		return "ecdsa-secp256k1"
	default:
		return "unknown"
	}
}

// PublicKey is a parsed, algorithm-tagged signer key.
type PublicKey struct {
	Algorithm KeyAlgorithm
	Raw       []byte // 32-byte Ed25519 point, or uncompressed 65-byte secp256k1 point
}

// ed25519OID and ecPublicKeyOID/secp256k1OID are the ASN.1 object
// identifiers this package recognizes inside a DER SubjectPublicKeyInfo.
// crypto/x509 cannot parse secp256k1 keys (it only knows the NIST P-
// curves), so SubjectPublicKeyInfo is decoded by hand here.
var (
	oidEd25519     = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ParsePublicKey accepts a 64-hex-character raw Ed25519 key, a raw
// 33/65-byte (66/130 hex char) secp256k1 point, or a DER-encoded
// SubjectPublicKeyInfo (hex) wrapping either.
func ParsePublicKey(s string) (*PublicKey, error) {
	raw, err := decodeHexFlexible(NormalizePublicKey(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	switch len(raw) {
	case ed25519.PublicKeySize: // 32
		return &PublicKey{Algorithm: AlgorithmEd25519, Raw: raw}, nil
	case 33, 65: // compressed / uncompressed secp256k1 point
		pub, err := parseSecp256k1Point(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
		}
		return pub, nil
	}

	// Fall back to DER SubjectPublicKeyInfo.
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(raw, &spki); err != nil {
		return nil, fmt.Errorf("%w: not raw or DER", ErrInvalidKeyFormat)
	}
	keyBytes := spki.PublicKey.RightAlign()

	switch {
	case spki.Algorithm.Algorithm.Equal(oidEd25519):
		if len(keyBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: bad ed25519 DER key length", ErrInvalidKeyFormat)
		}
		return &PublicKey{Algorithm: AlgorithmEd25519, Raw: keyBytes}, nil
	case spki.Algorithm.Algorithm.Equal(oidECPublicKey):
		pub, err := parseSecp256k1Point(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm OID %v", ErrInvalidKeyFormat, spki.Algorithm.Algorithm)
	}
}

func parseSecp256k1Point(point []byte) (*PublicKey, error) {
	var pub *ecdsa.PublicKey
	var err error
	switch len(point) {
	case 33:
		pub, err = gethcrypto.DecompressPubkey(point)
	case 65:
		pub, err = gethcrypto.UnmarshalPubkey(point)
	default:
		return nil, fmt.Errorf("bad secp256k1 point length %d", len(point))
	}
	if err != nil {
		return nil, err
	}
	return &PublicKey{Algorithm: AlgorithmECDSASecp256k1, Raw: gethcrypto.FromECDSAPub(pub)}, nil
}

// ParseSignature accepts a hex (with optional 0x prefix) or base64
// encoded signature and returns its raw bytes.
func ParseSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty signature", ErrInvalidSignatureFormat)
	}

	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if raw, err := hex.DecodeString(trimmed); err == nil && isLikelyHex(trimmed) {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: not hex or base64", ErrInvalidSignatureFormat)
}

func isLikelyHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		isHexDigit := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHexDigit {
			return false
		}
	}
	return true
}

// Verify returns true iff signature is a valid signature over message
// under public key, dispatching on the key's algorithm tag.
func Verify(key *PublicKey, message, signature []byte) bool {
	if key == nil {
		return false
	}
	switch key.Algorithm {
	case AlgorithmEd25519:
		if len(key.Raw) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(key.Raw), message, signature)
	case AlgorithmECDSASecp256k1:
		return verifySecp256k1(key.Raw, message, signature)
	default:
		return false
	}
}

// verifySecp256k1 accepts either a 64-byte (r||s) or 65-byte
// (r||s||v recovery id) signature over the SHA-256 digest of message,
// matching how Hedera ECDSA account keys are verified.
func verifySecp256k1(pubKeyBytes, message, signature []byte) bool {
	if len(signature) != 64 && len(signature) != 65 {
		return false
	}
	digest := sha256.Sum256(message)
	rs := signature[:64]
	return gethcrypto.VerifySignature(pubKeyBytes, digest[:], rs)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Checksum16 returns the first 8 bytes (16 hex chars) of the SHA-256
// digest of data, for human cross-checking of a displayed transaction.
func Checksum16(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:8])
}

// NormalizePublicKey lowercases and strips a leading 0x/0X so that two
// textually different encodings of the same key compare equal.
func NormalizePublicKey(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strings.ToLower(s)
}

func decodeHexFlexible(s string) ([]byte, error) {
	if !isLikelyHex(s) {
		return nil, fmt.Errorf("not hex-encoded")
	}
	return hex.DecodeString(s)
}
