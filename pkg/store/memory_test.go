// Copyright 2025 Certen Protocol

package store

import (
	"context"
	"testing"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

func TestCreateAndGetSession(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, err := s.CreateSession(ctx, CreateConfig{
		Threshold:    2,
		EligibleKeys: []string{"AABB", "ccdd"},
		SessionTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %s", created.Status)
	}
	if _, ok := created.EligibleKeys["aabb"]; !ok {
		t.Fatal("expected normalized key aabb in eligible set")
	}

	got, err := s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Fatal("GetSession did not return the created session")
	}
}

func TestGetSessionMissingReturnsNilNil(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()

	got, err := s.GetSession(context.Background(), "does-not-exist")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}
}

func TestAuthenticateConstantTime(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, _ := s.CreateSession(ctx, CreateConfig{Threshold: 1, EligibleKeys: []string{"k"}, SessionTTL: time.Hour})

	ok, err := s.Authenticate(ctx, created.ID, created.Token)
	if err != nil || !ok {
		t.Fatalf("expected authentication to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Authenticate(ctx, created.ID, "wrong-token")
	if err != nil || ok {
		t.Fatalf("expected authentication to fail for wrong token, got ok=%v err=%v", ok, err)
	}
}

func TestInjectTransactionOnlyFromWaiting(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, _ := s.CreateSession(ctx, CreateConfig{Threshold: 1, EligibleKeys: []string{"k"}, SessionTTL: time.Hour})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))

	if err := s.InjectTransaction(ctx, created.ID, InjectConfig{FrozenTx: frozen}); err != nil {
		t.Fatalf("InjectTransaction: %v", err)
	}

	got, _ := s.GetSession(ctx, created.ID)
	if got.Status != StatusTransactionReceived {
		t.Fatalf("expected transaction_received, got %s", got.Status)
	}

	if err := s.InjectTransaction(ctx, created.ID, InjectConfig{FrozenTx: frozen}); err != ErrNotInjectable {
		t.Fatalf("expected ErrNotInjectable on re-injection, got %v", err)
	}
}

func TestAddSignatureEligibilityAndDuplicate(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, _ := s.CreateSession(ctx, CreateConfig{Threshold: 2, EligibleKeys: []string{"aabb", "ccdd"}, SessionTTL: time.Hour})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_ = s.InjectTransaction(ctx, created.ID, InjectConfig{FrozenTx: frozen})

	pid, _ := s.AddParticipant(ctx, created.ID, "alice")

	if err := s.AddSignature(ctx, created.ID, pid, Signature{PublicKey: "eeff"}); err != ErrNotEligible {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}

	if err := s.AddSignature(ctx, created.ID, pid, Signature{PublicKey: "aabb"}); err != nil {
		t.Fatalf("AddSignature: %v", err)
	}

	got, _ := s.GetSession(ctx, created.ID)
	if got.Status != StatusSigning {
		t.Fatalf("expected signing after first signature, got %s", got.Status)
	}
	if got.Stats.SignaturesCollected != 1 {
		t.Fatalf("expected 1 signature collected, got %d", got.Stats.SignaturesCollected)
	}

	if err := s.AddSignature(ctx, created.ID, pid, Signature{PublicKey: "aabb"}); err != ErrDuplicateSignature {
		t.Fatalf("expected ErrDuplicateSignature, got %v", err)
	}
}

func TestUpdateStatusEnforcesTransitionTable(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, _ := s.CreateSession(ctx, CreateConfig{Threshold: 1, EligibleKeys: []string{"k"}, SessionTTL: time.Hour})

	if err := s.UpdateStatus(ctx, created.ID, StatusSigning); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition from waiting->signing, got %v", err)
	}
	if err := s.UpdateStatus(ctx, created.ID, StatusCancelled); err != nil {
		t.Fatalf("UpdateStatus waiting->cancelled: %v", err)
	}
	if err := s.UpdateStatus(ctx, created.ID, StatusWaiting); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition out of terminal cancelled, got %v", err)
	}
}

func TestRemoveParticipantPreservesSigner(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, _ := s.CreateSession(ctx, CreateConfig{Threshold: 1, EligibleKeys: []string{"aabb"}, SessionTTL: time.Hour})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_ = s.InjectTransaction(ctx, created.ID, InjectConfig{FrozenTx: frozen})

	pid, _ := s.AddParticipant(ctx, created.ID, "alice")
	_ = s.AddSignature(ctx, created.ID, pid, Signature{PublicKey: "aabb"})

	if err := s.RemoveParticipant(ctx, created.ID, pid); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}

	got, _ := s.GetSession(ctx, created.ID)
	p, ok := got.Participants[pid]
	if !ok {
		t.Fatal("expected signer's participant record to be preserved")
	}
	if p.Status != ParticipantDisconnected {
		t.Fatalf("expected disconnected status for a signer, got %s", p.Status)
	}
	if _, signed := got.Signatures["aabb"]; !signed {
		t.Fatal("expected signature to survive participant removal")
	}
}

func TestExpireTransactionRevertsToWaiting(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	created, _ := s.CreateSession(ctx, CreateConfig{Threshold: 1, EligibleKeys: []string{"aabb"}, SessionTTL: time.Hour})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_ = s.InjectTransaction(ctx, created.ID, InjectConfig{FrozenTx: frozen})
	pid, _ := s.AddParticipant(ctx, created.ID, "alice")
	_ = s.AddSignature(ctx, created.ID, pid, Signature{PublicKey: "aabb"})

	if err := s.ExpireTransaction(ctx, created.ID); err != nil {
		t.Fatalf("ExpireTransaction: %v", err)
	}

	got, _ := s.GetSession(ctx, created.ID)
	if got.Status != StatusWaiting {
		t.Fatalf("expected waiting after transaction expiry, got %s", got.Status)
	}
	if got.FrozenTx != nil || len(got.Signatures) != 0 {
		t.Fatal("expected frozen transaction and signatures cleared")
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusWaiting, StatusTransactionReceived, true},
		{StatusTransactionReceived, StatusSigning, true},
		{StatusSigning, StatusExecuting, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusSigning, true},
		{StatusTransactionExpired, StatusWaiting, true},
		{StatusCompleted, StatusWaiting, false},
		{StatusWaiting, StatusWaiting, false},
		{StatusWaiting, StatusExecuting, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
