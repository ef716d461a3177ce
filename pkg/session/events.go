// Copyright 2025 Certen Protocol

package session

import "github.com/certen/hedera-multisig-coordinator/pkg/store"

// EventType names a notification the Manager emits for the wire server
// (or any other subscriber) to broadcast or act on.
type EventType string

const (
	EventTransactionInjected     EventType = "TRANSACTION_INJECTED"
	EventSignatureReceived       EventType = "SIGNATURE_RECEIVED"
	EventSignatureRejected       EventType = "SIGNATURE_REJECTED"
	EventThresholdMet            EventType = "THRESHOLD_MET"
	EventTransactionExecuted     EventType = "TRANSACTION_EXECUTED"
	EventExecutionFailed         EventType = "EXECUTION_FAILED"
	EventParticipantConnected    EventType = "PARTICIPANT_CONNECTED"
	EventParticipantReady        EventType = "PARTICIPANT_READY"
	EventParticipantRemoved      EventType = "PARTICIPANT_DISCONNECTED"
	EventParticipantStatusUpdate EventType = "PARTICIPANT_STATUS_UPDATE"
	EventTransactionExpired      EventType = "TRANSACTION_EXPIRED"
	EventSessionExpired          EventType = "SESSION_EXPIRED"
	EventSessionCancelled        EventType = "SESSION_CANCELLED"
	EventInjectionFailed         EventType = "INJECTION_FAILED"
)

// Event is one notification raised by the Manager. Session carries the
// post-mutation snapshot; Detail is event-specific (e.g. a rejection
// reason, a participant ID, an error message) and may be nil.
type Event struct {
	Type    EventType
	Session *store.Session
	Detail  interface{}
}

// EventHandler receives Manager-emitted events. Handlers run
// synchronously after the triggering operation's session lock has been
// released (queued during the mutation, flushed on return), so the
// snapshot they receive is the state a recipient of the broadcast will
// observe. They must not block for long.
type EventHandler func(Event)
