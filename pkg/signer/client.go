// Copyright 2025 Certen Protocol
//
// Signing client: the participant-side counterpart to the wire
// server. Holds key material only in this process (see signer.go),
// authenticates, reconstructs and displays the frozen transaction it is
// asked to sign, and submits a signature or rejection on the embedding
// UI's decision. Not required on the server host — a thin reference
// driver stands in for the explicitly out-of-scope CLI/GUI.

package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/certen/hedera-multisig-coordinator/pkg/crypto"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
	"github.com/certen/hedera-multisig-coordinator/pkg/wire"
)

// TransactionView is the decoded, checksum-bearing view of a frozen
// transaction presented to the embedding UI for approval, alongside any
// advisory coordinator metadata, clearly labeled as such.
type TransactionView struct {
	Frozen           *txfreeze.FrozenTransaction
	Checksum         string
	AdvisoryMetadata json.RawMessage // coordinator-supplied, unverified
	TxDetails        json.RawMessage
}

// Decision is the embedding UI's verdict on a TransactionView.
type Decision struct {
	Approve bool
	Reason  string // populated when Approve is false
}

// Approver is called once per TRANSACTION_RECEIVED. It must not block
// indefinitely: the countdown to transaction_expires_at keeps running
// while it does.
type Approver func(view TransactionView) Decision

// Config configures a Client.
type Config struct {
	ServerURL string // ws://host:port path
	SessionID string
	Token     string
	Label     string
	Signer    Signer
	Approve   Approver
	Logger    *log.Logger
}

// Client is one participant's connection to a session.
type Client struct {
	cfg Config
	ws  *websocket.Conn

	mu                   sync.Mutex
	transactionExpiresAt time.Time
	closed               bool
}

// Dial connects, authenticates as a participant, and starts servicing
// server messages in a background goroutine. The public key is
// advertised at auth time so an ineligible key is rejected immediately
// rather than at signature submission.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[SigningClient] ", log.LstdFlags)
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer: Config.Signer is required")
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("signer: dial %s: %w", cfg.ServerURL, err)
	}

	c := &Client{cfg: cfg, ws: ws}

	auth := wire.AuthPayload{
		SessionID: cfg.SessionID,
		Token:     cfg.Token,
		Role:      wire.RoleParticipant,
		Label:     cfg.Label,
		PublicKey: cfg.Signer.PublicKeyHex(),
	}
	if err := c.sendRaw(wireTypeEnvelope(wire.TypeAuth, auth)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("signer: send auth: %w", err)
	}

	var env wire.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		ws.Close()
		return nil, fmt.Errorf("signer: read auth response: %w", err)
	}
	if env.Type != wire.TypeAuthSuccess {
		ws.Close()
		return nil, fmt.Errorf("signer: authentication rejected: %s", env.Type)
	}

	go c.readLoop()
	return c, nil
}

// wireTypeEnvelope mirrors wire's unexported newEnvelope helper: the
// signer package sends frames from outside pkg/wire, so it builds its
// own envelopes from exported fields.
func wireTypeEnvelope(t wire.MessageType, payload interface{}) wire.Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("signer: failed to marshal payload: " + err.Error())
	}
	return wire.Envelope{Type: t, Payload: data}
}

func (c *Client) sendRaw(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("signer: connection closed")
	}
	return c.ws.WriteJSON(env)
}

// MarkReady announces the participant has loaded their key and is ready
// to review a transaction.
func (c *Client) MarkReady() error {
	return c.sendRaw(wire.Envelope{Type: wire.TypeParticipantReady})
}

// Ping sends a keepalive frame.
func (c *Client) Ping() error {
	return c.sendRaw(wire.Envelope{Type: wire.TypePing})
}

// Close shuts down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// readLoop processes server-pushed frames until the connection drops.
func (c *Client) readLoop() {
	for {
		var env wire.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.Close()
			return
		}
		c.handle(env)
	}
}

func (c *Client) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeTransactionReceived:
		c.handleTransactionReceived(env)
	case wire.TypePong, wire.TypeParticipantConnected, wire.TypeParticipantDisconnected,
		wire.TypeSignatureReceived, wire.TypeThresholdMet, wire.TypeTransactionExecuted,
		wire.TypeExecutionFailed, wire.TypeSessionExpired:
		// Informational; the embedding UI may subscribe separately if
		// it needs these. No action required from this reference client.
	case wire.TypeTransactionExpired:
		c.mu.Lock()
		c.transactionExpiresAt = time.Time{}
		c.mu.Unlock()
	}
}

type transactionReceivedPayload struct {
	FrozenTransaction    string          `json:"frozen_transaction"`
	FrozenAt             time.Time       `json:"frozen_at"`
	TransactionExpiresAt time.Time       `json:"transaction_expires_at"`
	TxDetails            json.RawMessage `json:"tx_details"`
	CoordinatorMetadata  json.RawMessage `json:"coordinator_metadata"`
}

func (c *Client) handleTransactionReceived(env wire.Envelope) {
	var payload transactionReceivedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.cfg.Logger.Printf("malformed TRANSACTION_RECEIVED payload: %v", err)
		return
	}
	if payload.FrozenTransaction == "" {
		return
	}
	frozenAt := payload.FrozenAt
	if frozenAt.IsZero() {
		frozenAt = time.Now()
	}
	frozen, err := txfreeze.FromBytes(payload.FrozenTransaction, frozenAt)
	if err != nil {
		c.cfg.Logger.Printf("failed to reconstruct frozen transaction: %v", err)
		return
	}
	// The server's deadline is authoritative; the local reconstruction
	// only backstops an older server that does not report one.
	if !payload.TransactionExpiresAt.IsZero() {
		frozen.ExpiresAt = payload.TransactionExpiresAt
	}

	c.mu.Lock()
	c.transactionExpiresAt = frozen.ExpiresAt
	c.mu.Unlock()

	view := TransactionView{
		Frozen:           frozen,
		Checksum:         crypto.Checksum16(frozen.Bytes),
		TxDetails:        payload.TxDetails,
		AdvisoryMetadata: payload.CoordinatorMetadata,
	}

	if c.cfg.Approve == nil {
		return
	}
	decision := c.cfg.Approve(view)
	if decision.Approve {
		c.submitSignature(view.Frozen)
	} else {
		c.reject(decision.Reason)
	}
}

// submitSignature signs the exact transaction bytes and submits, unless
// the validity window has already closed.
func (c *Client) submitSignature(frozen *txfreeze.FrozenTransaction) {
	c.mu.Lock()
	expired := time.Now().After(c.transactionExpiresAt)
	c.mu.Unlock()
	if expired {
		c.cfg.Logger.Printf("refusing to submit signature: transaction validity window has closed")
		return
	}

	sig, err := c.cfg.Signer.Sign(frozen.Bytes)
	if err != nil {
		c.cfg.Logger.Printf("signing failed: %v", err)
		return
	}

	payload := wire.SignatureSubmitPayload{
		PublicKey: c.cfg.Signer.PublicKeyHex(),
		Signature: fmt.Sprintf("%x", sig),
	}
	if err := c.sendRaw(wireTypeEnvelope(wire.TypeSignatureSubmit, payload)); err != nil {
		c.cfg.Logger.Printf("failed to submit signature: %v", err)
	}
}

func (c *Client) reject(reason string) {
	payload := wire.TransactionRejectedPayload{Reason: reason}
	if err := c.sendRaw(wireTypeEnvelope(wire.TypeTransactionRejected, payload)); err != nil {
		c.cfg.Logger.Printf("failed to submit rejection: %v", err)
	}
}

// TimeRemaining reports how long until the currently displayed
// transaction's validity window closes. Zero if none is loaded.
func (c *Client) TimeRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transactionExpiresAt.IsZero() {
		return 0
	}
	return time.Until(c.transactionExpiresAt)
}
