// Copyright 2025 Certen Protocol

package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func TestParsePublicKey_RawEd25519(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := hex.EncodeToString(pub)

	parsed, err := ParsePublicKey(hexKey)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed.Algorithm != AlgorithmEd25519 {
		t.Fatalf("expected ed25519, got %v", parsed.Algorithm)
	}
	if hex.EncodeToString(parsed.Raw) != hexKey {
		t.Fatalf("raw key mismatch")
	}
}

func TestParsePublicKey_0xPrefixAccepted(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	hexKey := "0x" + hex.EncodeToString(pub)

	parsed, err := ParsePublicKey(hexKey)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed.Algorithm != AlgorithmEd25519 {
		t.Fatalf("expected ed25519, got %v", parsed.Algorithm)
	}
}

func TestParsePublicKey_InvalidFormat(t *testing.T) {
	if _, err := ParsePublicKey("not-a-key"); err == nil {
		t.Fatal("expected error for malformed key")
	}
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Fatal("expected error for too-short key")
	}
}

func TestVerify_Ed25519RoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	msg := []byte("frozen transaction bytes")
	sig := ed25519.Sign(priv, msg)

	key := &PublicKey{Algorithm: AlgorithmEd25519, Raw: pub}
	if !Verify(key, msg, sig) {
		t.Fatal("expected valid signature to verify")
	}
	if Verify(key, []byte("different bytes"), sig) {
		t.Fatal("signature must not verify against different bytes")
	}
}

func TestParseSignature_HexAndBase64(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}

	hexSig, err := ParseSignature("0xdeadbeef")
	if err != nil {
		t.Fatalf("hex parse: %v", err)
	}
	if string(hexSig) != string(raw) {
		t.Fatalf("hex mismatch")
	}

	b64Sig, err := ParseSignature("3q2+7w==")
	if err != nil {
		t.Fatalf("base64 parse: %v", err)
	}
	if string(b64Sig) != string(raw) {
		t.Fatalf("base64 mismatch")
	}
}

func TestParseSignature_Invalid(t *testing.T) {
	if _, err := ParseSignature(""); err == nil {
		t.Fatal("expected error for empty signature")
	}
}

func TestNormalizePublicKey_Idempotent(t *testing.T) {
	inputs := []string{"0xABCDEF", "abcdef", "ABCDEF"}
	for _, in := range inputs {
		once := NormalizePublicKey(in)
		twice := NormalizePublicKey(once)
		if once != twice {
			t.Fatalf("normalization not idempotent for %q: %q != %q", in, once, twice)
		}
	}
	if NormalizePublicKey("0xABCD") != NormalizePublicKey("ABCD") {
		t.Fatal("0x-prefixed and bare form must normalize equal")
	}
}

func TestChecksum16_Deterministic(t *testing.T) {
	data := []byte("some transaction bytes")
	a := Checksum16(data)
	b := Checksum16(data)
	if a != b {
		t.Fatal("checksum must be deterministic")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}
