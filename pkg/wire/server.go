// Copyright 2025 Certen Protocol
//
// Wire server: a single HTTP endpoint upgraded to a persistent
// bidirectional websocket per client, framed JSON per protocol.go. The
// Session Manager owns all session state; this package owns the
// transport-channel bookkeeping, which cannot be serialized into the
// store and so lives only in this process.

package wire

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/certen/hedera-multisig-coordinator/pkg/crypto"
	"github.com/certen/hedera-multisig-coordinator/pkg/metrics"
	"github.com/certen/hedera-multisig-coordinator/pkg/session"
	"github.com/certen/hedera-multisig-coordinator/pkg/store"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
)

const sendQueueDepth = 32

// Conn wraps one client's websocket with its own send queue, so a slow
// or dead reader never blocks another client's broadcast.
type Conn struct {
	ws     *websocket.Conn
	send   chan Envelope
	done   chan struct{}
	closed sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:   ws,
		send: make(chan Envelope, sendQueueDepth),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send enqueues env for delivery; if the queue is full the connection
// is treated as dead and dropped, matching the broadcast semantics'
// "dead or closed channels are dropped silently" rule.
func (c *Conn) Send(env Envelope) {
	select {
	case c.send <- env:
	default:
		c.Close()
	}
}

// Close shuts down the connection exactly once.
func (c *Conn) Close() {
	c.closed.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// sessionChannels tracks the transport handles for one session: at
// most one coordinator channel, and one channel per participant ID.
type sessionChannels struct {
	mu           sync.RWMutex
	coordinator  *Conn
	participants map[string]*Conn
}

func newSessionChannels() *sessionChannels {
	return &sessionChannels{participants: make(map[string]*Conn)}
}

// Server is the wire-protocol endpoint.
type Server struct {
	manager  *session.Manager
	limiter  *RateLimiter
	metrics  *metrics.Collectors
	logger   *log.Logger
	upgrader websocket.Upgrader
	txWindow time.Duration

	channelsMu sync.RWMutex
	channels   map[string]*sessionChannels
}

// Config configures a Server.
type Config struct {
	Manager *session.Manager
	Limiter *RateLimitConfig
	Metrics *metrics.Collectors
	Logger  *log.Logger
	// TransactionWindow is the effective signing window applied to
	// injected transactions; zero means txfreeze.SigningWindow.
	TransactionWindow time.Duration
}

// NewServer constructs a Server and subscribes to Manager events so
// threshold/execution/expiry notifications get broadcast automatically.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[WireServer] ", log.LstdFlags)
	}
	rlCfg := DefaultRateLimitConfig()
	if cfg.Limiter != nil {
		rlCfg = *cfg.Limiter
	}
	if cfg.TransactionWindow <= 0 {
		cfg.TransactionWindow = txfreeze.SigningWindow
	}

	s := &Server{
		manager:  cfg.Manager,
		limiter:  NewRateLimiter(rlCfg),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		txWindow: cfg.TransactionWindow,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		channels: make(map[string]*sessionChannels),
	}
	cfg.Manager.OnEvent(s.onManagerEvent)
	return s
}

func (s *Server) channelsFor(sessionID string) *sessionChannels {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	c, ok := s.channels[sessionID]
	if !ok {
		c = newSessionChannels()
		s.channels[sessionID] = c
	}
	return c
}

// ServeHTTP upgrades the request to a websocket and services it until
// the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}
	conn := newConn(ws)
	addr := r.RemoteAddr
	s.serve(conn, addr)
}

func (s *Server) serve(conn *Conn, addr string) {
	ctx := context.Background()
	var sessionID, participantID string
	var role Role
	authenticated := false

	defer func() {
		conn.Close()
		if authenticated {
			s.handleDisconnect(ctx, sessionID, participantID, role)
		}
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.Send(newEnvelope(TypeError, ErrorPayload{Message: "malformed frame"}))
			continue
		}

		if !authenticated {
			if env.Type != TypeAuth {
				conn.Send(newEnvelope(TypeError, ErrorPayload{Message: "AUTH required"}))
				continue
			}
			sid, pid, r, ok := s.handleAuth(ctx, conn, addr, env)
			if !ok {
				continue
			}
			sessionID, participantID, role, authenticated = sid, pid, r, true
			continue
		}

		s.dispatch(ctx, conn, sessionID, participantID, role, env)
	}
}

func (s *Server) handleAuth(ctx context.Context, conn *Conn, addr string, env Envelope) (sessionID, participantID string, role Role, ok bool) {
	if s.limiter.Blocked(addr) {
		if s.metrics != nil {
			s.metrics.RateLimitBlocksTotal.Inc()
		}
		s.recordAuthFailure("rate_limited")
		conn.Send(newEnvelope(TypeAuthFailed, AuthFailedPayload{RateLimited: true}))
		return "", "", "", false
	}

	var payload AuthPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.limiter.RecordFailure(addr)
		conn.Send(newEnvelope(TypeAuthFailed, AuthFailedPayload{Reason: "malformed auth payload"}))
		return "", "", "", false
	}

	authed, err := s.manager.Authenticate(ctx, payload.SessionID, payload.Token)
	if err != nil || !authed {
		s.limiter.RecordFailure(addr)
		s.recordAuthFailure("invalid_token")
		conn.Send(newEnvelope(TypeAuthFailed, AuthFailedPayload{Reason: "invalid session or token"}))
		return "", "", "", false
	}

	sess, err := s.manager.GetSession(ctx, payload.SessionID)
	if err != nil || sess == nil {
		s.limiter.RecordFailure(addr)
		conn.Send(newEnvelope(TypeAuthFailed, AuthFailedPayload{Reason: "session not found"}))
		return "", "", "", false
	}

	if payload.Role == RoleParticipant && payload.PublicKey != "" {
		normalized := crypto.NormalizePublicKey(payload.PublicKey)
		if _, eligible := sess.EligibleKeys[normalized]; !eligible {
			s.limiter.RecordFailure(addr)
			s.recordAuthFailure("public_key_rejected")
			conn.Send(newEnvelope(TypeAuthFailed, AuthFailedPayload{PublicKeyRejected: true}))
			return "", "", "", false
		}
	}

	s.limiter.Reset(addr)
	channels := s.channelsFor(payload.SessionID)

	var pid string
	if payload.Role == RoleCoordinator {
		channels.mu.Lock()
		channels.coordinator = conn
		channels.mu.Unlock()
	} else {
		newPid, updated, err := s.manager.AddParticipant(ctx, payload.SessionID, payload.Label)
		if err != nil {
			conn.Send(newEnvelope(TypeAuthFailed, AuthFailedPayload{Reason: err.Error()}))
			return "", "", "", false
		}
		pid = newPid
		sess = updated
		channels.mu.Lock()
		channels.participants[pid] = conn
		channels.mu.Unlock()
	}

	success := sessionSnapshotPayload(sess)
	if pid != "" {
		success["participant_id"] = pid
	}
	conn.Send(newEnvelope(TypeAuthSuccess, success))
	if payload.Role == RoleParticipant {
		s.broadcastToSession(payload.SessionID, newEnvelope(TypeParticipantConnected, map[string]string{"participant_id": pid}), conn)
	}
	return payload.SessionID, pid, payload.Role, true
}

func (s *Server) recordAuthFailure(reason string) {
	if s.metrics != nil {
		s.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, sessionID, participantID string, role Role, env Envelope) {
	switch env.Type {
	case TypePing:
		conn.Send(newEnvelope(TypePong, nil))

	case TypeParticipantReady:
		if role != RoleParticipant {
			return
		}
		if _, err := s.manager.SetParticipantReady(ctx, sessionID, participantID); err != nil {
			conn.Send(newEnvelope(TypeError, ErrorPayload{Message: err.Error()}))
			return
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeParticipantReadyAck, map[string]string{"participant_id": participantID}), nil)

	case TypeStatusUpdate:
		if role != RoleParticipant {
			return
		}
		var payload StatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			conn.Send(newEnvelope(TypeError, ErrorPayload{Message: "malformed status payload"}))
			return
		}
		if _, err := s.manager.SetParticipantStatus(ctx, sessionID, participantID, store.ParticipantStatus(payload.Status)); err != nil {
			conn.Send(newEnvelope(TypeError, ErrorPayload{Message: err.Error()}))
			return
		}

	case TypeSignatureSubmit:
		var payload SignatureSubmitPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			conn.Send(newEnvelope(TypeError, ErrorPayload{Message: "malformed signature payload"}))
			return
		}
		sig, err := crypto.ParseSignature(payload.Signature)
		if err != nil {
			conn.Send(newEnvelope(TypeSignatureRejected, ErrorPayload{Message: err.Error()}))
			return
		}
		if _, err := s.manager.SubmitSignature(ctx, sessionID, participantID, payload.PublicKey, sig); err != nil {
			conn.Send(newEnvelope(TypeSignatureRejected, ErrorPayload{Message: err.Error()}))
			return
		}
		conn.Send(newEnvelope(TypeSignatureAccepted, nil))

	case TypeTransactionInject:
		if role != RoleCoordinator {
			return
		}
		var payload TransactionInjectPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			conn.Send(newEnvelope(TypeInjectionFailed, ErrorPayload{Message: "malformed injection payload"}))
			return
		}
		frozenAt := payload.FrozenAt
		if frozenAt.IsZero() {
			frozenAt = time.Now()
		}
		frozen, err := txfreeze.FromBytesWithWindow(payload.FrozenTransaction, frozenAt, s.txWindow)
		if err != nil {
			conn.Send(newEnvelope(TypeInjectionFailed, ErrorPayload{Message: err.Error()}))
			return
		}
		if err := frozen.ValidateNotExpired(); err != nil {
			conn.Send(newEnvelope(TypeInjectionFailed, ErrorPayload{Message: err.Error()}))
			return
		}
		var md *store.Metadata
		if payload.Metadata != nil {
			md = &store.Metadata{
				Description: payload.Metadata.Description,
				Amount:      payload.Metadata.Amount,
				Recipient:   payload.Metadata.Recipient,
			}
		}
		if _, err := s.manager.InjectTransaction(ctx, sessionID, frozen, payload.TxDetails, md); err != nil {
			conn.Send(newEnvelope(TypeInjectionFailed, ErrorPayload{Message: err.Error()}))
			return
		}

	case TypeTransactionRejected:
		if role != RoleParticipant {
			return
		}
		var payload TransactionRejectedPayload
		_ = json.Unmarshal(env.Payload, &payload)
		if _, err := s.manager.SetParticipantStatus(ctx, sessionID, participantID, store.ParticipantRejected); err != nil {
			s.logger.Printf("session %s: mark participant %s rejected: %v", sessionID, participantID, err)
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeTransactionRejected, map[string]string{
			"participant_id": participantID,
			"reason":         payload.Reason,
		}), nil)

	case TypeExecuteTransaction:
		if role != RoleCoordinator {
			return
		}
		if _, err := s.manager.Execute(ctx, sessionID); err != nil {
			conn.Send(newEnvelope(TypeExecutionFailed, ErrorPayload{Message: err.Error()}))
		}

	default:
		conn.Send(newEnvelope(TypeError, ErrorPayload{Message: "unknown message type"}))
	}
}

func (s *Server) handleDisconnect(ctx context.Context, sessionID, participantID string, role Role) {
	channels := s.channelsFor(sessionID)
	channels.mu.Lock()
	if role == RoleCoordinator {
		channels.coordinator = nil
	} else {
		delete(channels.participants, participantID)
	}
	channels.mu.Unlock()

	if role == RoleParticipant && participantID != "" {
		if _, err := s.manager.RemoveParticipant(ctx, sessionID, participantID); err != nil {
			s.logger.Printf("session %s: remove participant %s on disconnect: %v", sessionID, participantID, err)
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeParticipantDisconnected, map[string]string{"participant_id": participantID}), nil)
	}
}

// broadcastToSession sends env to every live channel in a session,
// skipping exclude if non-nil. Order across recipients is not
// guaranteed; per-recipient order is, since each Conn has its own
// queue.
func (s *Server) broadcastToSession(sessionID string, env Envelope, exclude *Conn) {
	channels := s.channelsFor(sessionID)
	channels.mu.RLock()
	defer channels.mu.RUnlock()

	if channels.coordinator != nil && channels.coordinator != exclude {
		channels.coordinator.Send(env)
	}
	for _, c := range channels.participants {
		if c != exclude {
			c.Send(env)
		}
	}
}

// onManagerEvent is registered with the Session Manager and turns its
// internal events into wire broadcasts.
func (s *Server) onManagerEvent(evt session.Event) {
	if evt.Session == nil {
		return
	}
	sessionID := evt.Session.ID

	switch evt.Type {
	case session.EventTransactionInjected:
		s.broadcastToSession(sessionID, newEnvelope(TypeTransactionReceived, sessionSnapshotPayload(evt.Session)), nil)
	case session.EventSignatureReceived:
		if s.metrics != nil {
			s.metrics.SignaturesCollectedTotal.Inc()
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeSignatureReceived, map[string]interface{}{"public_key": evt.Detail, "stats": evt.Session.Stats}), nil)
	case session.EventThresholdMet:
		if s.metrics != nil {
			s.metrics.ThresholdMetTotal.Inc()
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeThresholdMet, nil), nil)
	case session.EventParticipantStatusUpdate:
		s.broadcastToSession(sessionID, newEnvelope(TypeParticipantStatusUpdate, evt.Detail), nil)
	case session.EventTransactionExecuted:
		if s.metrics != nil {
			s.metrics.ExecutionsTotal.WithLabelValues("success").Inc()
			s.metrics.ActiveSessions.Dec()
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeTransactionExecuted, nil), nil)
	case session.EventExecutionFailed:
		if s.metrics != nil {
			s.metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeExecutionFailed, map[string]interface{}{"reason": evt.Detail}), nil)
	case session.EventTransactionExpired:
		if s.metrics != nil {
			s.metrics.TransactionExpirationsTotal.Inc()
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeTransactionExpired, nil), nil)
	case session.EventSessionExpired:
		if s.metrics != nil {
			s.metrics.SessionExpirationsTotal.Inc()
			s.metrics.ActiveSessions.Dec()
		}
		s.broadcastToSession(sessionID, newEnvelope(TypeSessionExpired, nil), nil)
	case session.EventSessionCancelled:
		// No dedicated wire frame: a cancelled session simply stops
		// authenticating. Metrics bookkeeping only.
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	case session.EventInjectionFailed:
		s.broadcastToSession(sessionID, newEnvelope(TypeInjectionFailed, map[string]interface{}{"reason": evt.Detail}), nil)
	}
}

func sessionSnapshotPayload(s *store.Session) map[string]interface{} {
	payload := map[string]interface{}{
		"session_id": s.ID,
		"threshold":  s.Threshold,
		"status":     s.Status,
		"stats":      s.Stats,
	}
	keys := make([]string, 0, len(s.EligibleKeys))
	for k := range s.EligibleKeys {
		keys = append(keys, k)
	}
	payload["eligible_keys"] = keys
	if s.FrozenTx != nil {
		payload["frozen_transaction"] = s.FrozenTx.ToBase64()
		payload["frozen_at"] = s.FrozenTx.FrozenAt
		payload["transaction_expires_at"] = s.TransactionExpiresAt
	}
	if s.TxDetails != nil {
		payload["tx_details"] = s.TxDetails
	}
	if s.CoordinatorMetadata != nil {
		payload["coordinator_metadata"] = s.CoordinatorMetadata
	}
	return payload
}
