// Copyright 2025 Certen Protocol

package audit

import (
	"context"
	"testing"
	"time"
)

func TestFingerprint_NeverExposesFullKey(t *testing.T) {
	key := "ab54a98ceebc93dd767ea42d55fe69b1b9ea61a4e24bb38de3a7a60f6a27b2f9"
	fp := Fingerprint(key)
	if fp == key {
		t.Fatal("fingerprint must not equal the full key")
	}
	if len(fp) >= len(key) {
		t.Fatalf("fingerprint %q should be shorter than the source key", fp)
	}
	if fp[:6] != key[:6] {
		t.Fatalf("expected fingerprint to start with first 6 chars, got %q", fp)
	}
}

func TestMemorySink_RecordAndReadRecent(t *testing.T) {
	sink := NewMemorySink(nil)
	ctx := context.Background()

	now := time.Now()
	entry := Entry{
		Timestamp:          now,
		TransactionHash:    "deadbeef",
		FrozenAt:           now.Add(-5 * time.Second),
		ExpiresAt:          now.Add(105 * time.Second),
		Status:             StatusSuccess,
		SignerFingerprints: []string{"abcdef...1234"},
	}
	if err := sink.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := sink.ReadRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(got) != 1 || got[0].TransactionHash != "deadbeef" {
		t.Fatalf("expected one entry with hash deadbeef, got %+v", got)
	}
}

func TestMemorySink_ClosedRejectsWrites(t *testing.T) {
	sink := NewMemorySink(nil)
	sink.Close()

	err := sink.Record(context.Background(), Entry{Timestamp: time.Now(), Status: StatusSuccess})
	if err == nil {
		t.Fatal("expected write to a closed sink to fail")
	}
}
