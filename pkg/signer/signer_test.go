// Copyright 2025 Certen Protocol

package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/certen/hedera-multisig-coordinator/pkg/crypto"
)

func TestEd25519Signer_SignatureVerifiesUnderPkgCrypto(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := NewEd25519Signer(priv)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}

	message := []byte("a frozen transaction, byte for byte")
	sig, err := s.Sign(message)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	key, err := crypto.ParsePublicKey(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !crypto.Verify(key, message, sig) {
		t.Fatal("signature produced by signer.Ed25519Signer did not verify under pkg/crypto")
	}
}

func TestEd25519Signer_RejectsWrongKeySize(t *testing.T) {
	_, err := NewEd25519Signer(make([]byte, 10))
	if err == nil {
		t.Fatal("expected an error for a malformed private key")
	}
}

func TestEd25519Signer_TamperedMessageFailsVerification(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s, _ := NewEd25519Signer(priv)

	sig, _ := s.Sign([]byte("original bytes"))
	key, _ := crypto.ParsePublicKey(s.PublicKeyHex())
	if crypto.Verify(key, []byte("tampered bytes"), sig) {
		t.Fatal("signature must not verify against a different message")
	}
}
