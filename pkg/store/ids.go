// Copyright 2025 Certen Protocol

package store

import (
	"crypto/rand"
	"encoding/hex"
)

// tokenAlphabet is A-Z minus the visually ambiguous {I,L,O}, union 2-9.
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewSessionID returns a 128-bit random, hex-encoded session identifier.
func NewSessionID() string {
	return randomHex(16)
}

// NewParticipantID returns a 64-bit random, hex-encoded participant
// identifier.
func NewParticipantID() string {
	return randomHex(8)
}

// NewToken returns an 8-character token drawn from tokenAlphabet
// (32 symbols, so 8 chars carries log2(32^8) = 40 bits of entropy).
func NewToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic("store: failed to read random bytes: " + err.Error())
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("store: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
