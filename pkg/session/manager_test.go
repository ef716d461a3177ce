// Copyright 2025 Certen Protocol

package session

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/expiry"
	"github.com/certen/hedera-multisig-coordinator/pkg/store"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

func newTestManager(t *testing.T) (*Manager, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	st := store.NewMemoryStore(5 * time.Minute)
	t.Cleanup(st.Close)

	m := New(Config{
		Store:     st,
		Scheduler: expiry.New(nil),
	})
	return m, pub, priv
}

func TestSubmitSignatureHappyPath(t *testing.T) {
	m, pub, priv := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	s, err := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	if _, err := m.InjectTransaction(ctx, s.ID, frozen, nil, nil); err != nil {
		t.Fatalf("InjectTransaction: %v", err)
	}

	sig := ed25519.Sign(priv, frozen.Bytes)

	updated, err := m.SubmitSignature(ctx, s.ID, "participant-1", pubHex, sig)
	if err != nil {
		t.Fatalf("SubmitSignature: %v", err)
	}
	if updated.Status != store.StatusSigning {
		t.Fatalf("expected signing, got %s", updated.Status)
	}
	if updated.Stats.SignaturesCollected != 1 {
		t.Fatalf("expected 1 signature, got %d", updated.Stats.SignaturesCollected)
	}
}

func TestSubmitSignatureRejectsIneligibleKey(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	other, otherPriv, _ := ed25519.GenerateKey(nil)
	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{"deadbeef"},
		SessionTTL:   time.Hour,
	})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_, _ = m.InjectTransaction(ctx, s.ID, frozen, nil, nil)

	sig := ed25519.Sign(otherPriv, frozen.Bytes)
	_, err := m.SubmitSignature(ctx, s.ID, "p1", hex.EncodeToString(other), sig)
	if err != ErrNotEligible {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestSubmitSignatureRejectsBadVerification(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_, _ = m.InjectTransaction(ctx, s.ID, frozen, nil, nil)

	garbage := make([]byte, ed25519.SignatureSize)
	_, err := m.SubmitSignature(ctx, s.ID, "p1", pubHex, garbage)
	if err != ErrVerificationFailed {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestExecuteRequiresThreshold(t *testing.T) {
	m, pub, priv := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    2,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_, _ = m.InjectTransaction(ctx, s.ID, frozen, nil, nil)

	sig := ed25519.Sign(priv, frozen.Bytes)
	_, _ = m.SubmitSignature(ctx, s.ID, "p1", pubHex, sig)

	if _, err := m.Execute(ctx, s.ID); err != ErrThresholdNotMet {
		t.Fatalf("expected ErrThresholdNotMet, got %v", err)
	}
}

func TestExecuteRevertsOnSubmissionFailure(t *testing.T) {
	m, pub, priv := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	m.executor = func(ctx context.Context, frozen *txfreeze.FrozenTransaction, sigs map[string]*store.Signature) error {
		return errBoom
	}

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_, _ = m.InjectTransaction(ctx, s.ID, frozen, nil, nil)
	sig := ed25519.Sign(priv, frozen.Bytes)
	_, _ = m.SubmitSignature(ctx, s.ID, "p1", pubHex, sig)

	if _, err := m.Execute(ctx, s.ID); err == nil {
		t.Fatal("expected execution error to propagate")
	}

	got, _ := m.store.GetSession(ctx, s.ID)
	if got.Status != store.StatusSigning {
		t.Fatalf("expected revert to signing after failed execution, got %s", got.Status)
	}
}

func TestSanitizeMetadataFlagsUrgency(t *testing.T) {
	m, _, _ := newTestManager(t)
	md := &store.Metadata{Description: "Please approve ASAP, this is urgent!"}
	out := m.SanitizeMetadata(md)
	if !out.Unverified {
		t.Fatal("expected sanitized metadata to be marked unverified")
	}
	if !out.Flagged {
		t.Fatal("expected urgency keyword to set flagged")
	}
}

func TestSanitizeMetadataTruncatesDescription(t *testing.T) {
	m, _, _ := newTestManager(t)
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	out := m.SanitizeMetadata(&store.Metadata{Description: string(long)})
	if len(out.Description) != maxDescriptionLen {
		t.Fatalf("expected description truncated to %d, got %d", maxDescriptionLen, len(out.Description))
	}
}

func TestSessionExpiryTransitionsAndEmitsEvent(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	events := make(chan Event, 1)
	m.OnEvent(func(evt Event) {
		if evt.Type == EventSessionExpired {
			events <- evt
		}
	})

	s, err := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Session.ID != s.ID {
			t.Fatalf("expected expiry event for %s, got %s", s.ID, evt.Session.ID)
		}
		if evt.Session.Status != store.StatusExpired {
			t.Fatalf("expected status expired, got %s", evt.Session.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("SESSION_EXPIRED was never emitted")
	}

	got, _ := m.store.GetSession(ctx, s.ID)
	if got.Status != store.StatusExpired {
		t.Fatalf("expected persisted status expired, got %s", got.Status)
	}
	if got.TerminatedAt.IsZero() {
		t.Fatal("expected TerminatedAt to be stamped on expiry")
	}
}

func TestTransactionExpiryRevertsToWaitingAndEmitsEvent(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	events := make(chan Event, 1)
	m.OnEvent(func(evt Event) {
		if evt.Type == EventTransactionExpired {
			events <- evt
		}
	})

	s, err := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	frozen.ExpiresAt = frozen.FrozenAt.Add(30 * time.Millisecond)
	if _, err := m.InjectTransaction(ctx, s.ID, frozen, nil, nil); err != nil {
		t.Fatalf("InjectTransaction: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Session.Status != store.StatusWaiting {
			t.Fatalf("expected status waiting after transaction expiry, got %s", evt.Session.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("TRANSACTION_EXPIRED was never emitted")
	}

	got, _ := m.store.GetSession(ctx, s.ID)
	if got.Status != store.StatusWaiting {
		t.Fatalf("expected persisted status waiting, got %s", got.Status)
	}
	if got.FrozenTx != nil {
		t.Fatal("expected frozen transaction to be cleared on revert")
	}
}

func TestInjectTransactionSanitizesMetadata(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})

	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	md := &store.Metadata{Description: "send funds IMMEDIATELY"}
	updated, err := m.InjectTransaction(ctx, s.ID, frozen, nil, md)
	if err != nil {
		t.Fatalf("InjectTransaction: %v", err)
	}
	if updated.CoordinatorMetadata == nil {
		t.Fatal("expected metadata stored alongside injection")
	}
	if !updated.CoordinatorMetadata.Unverified || !updated.CoordinatorMetadata.Flagged {
		t.Fatalf("expected sanitized metadata (unverified + flagged), got %+v", updated.CoordinatorMetadata)
	}
}

func TestDuplicateSignatureLeavesStateUnchanged(t *testing.T) {
	m, pub, priv := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    2,
		EligibleKeys: []string{pubHex, "deadbeef"},
		SessionTTL:   time.Hour,
	})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_, _ = m.InjectTransaction(ctx, s.ID, frozen, nil, nil)
	sig := ed25519.Sign(priv, frozen.Bytes)

	first, err := m.SubmitSignature(ctx, s.ID, "p1", pubHex, sig)
	if err != nil {
		t.Fatalf("first SubmitSignature: %v", err)
	}
	if _, err := m.SubmitSignature(ctx, s.ID, "p1", pubHex, sig); err != ErrDuplicateSignature {
		t.Fatalf("expected ErrDuplicateSignature, got %v", err)
	}

	after, _ := m.GetSession(ctx, s.ID)
	if after.Stats.SignaturesCollected != first.Stats.SignaturesCollected {
		t.Fatalf("duplicate submission changed state: %d -> %d", first.Stats.SignaturesCollected, after.Stats.SignaturesCollected)
	}
}

func TestSetParticipantStatusRestrictedToReviewStates(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex},
		SessionTTL:   time.Hour,
	})
	pid, _, err := m.AddParticipant(ctx, s.ID, "alice")
	if err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	if _, err := m.SetParticipantStatus(ctx, s.ID, pid, store.ParticipantSigned); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState for server-derived status, got %v", err)
	}

	updated, err := m.SetParticipantStatus(ctx, s.ID, pid, store.ParticipantReviewing)
	if err != nil {
		t.Fatalf("SetParticipantStatus: %v", err)
	}
	if updated.Participants[pid].Status != store.ParticipantReviewing {
		t.Fatalf("expected reviewing, got %s", updated.Participants[pid].Status)
	}
}

func TestThresholdMetEmittedExactlyOnce(t *testing.T) {
	m, pub, priv := newTestManager(t)
	ctx := context.Background()
	pubHex := hex.EncodeToString(pub)

	pub2, priv2, _ := ed25519.GenerateKey(nil)
	pub2Hex := hex.EncodeToString(pub2)

	count := 0
	m.OnEvent(func(evt Event) {
		if evt.Type == EventThresholdMet {
			count++
		}
	})

	s, _ := m.CreateSession(ctx, store.CreateConfig{
		Threshold:    1,
		EligibleKeys: []string{pubHex, pub2Hex},
		SessionTTL:   time.Hour,
	})
	frozen := txfreeze.Freeze([]byte("tx-bytes"))
	_, _ = m.InjectTransaction(ctx, s.ID, frozen, nil, nil)

	if _, err := m.SubmitSignature(ctx, s.ID, "p1", pubHex, ed25519.Sign(priv, frozen.Bytes)); err != nil {
		t.Fatalf("first SubmitSignature: %v", err)
	}
	if _, err := m.SubmitSignature(ctx, s.ID, "p2", pub2Hex, ed25519.Sign(priv2, frozen.Bytes)); err != nil {
		t.Fatalf("second SubmitSignature: %v", err)
	}

	if count != 1 {
		t.Fatalf("expected THRESHOLD_MET exactly once, got %d", count)
	}
}

var errBoom = errBoomType("boom")

type errBoomType string

func (e errBoomType) Error() string { return string(e) }
