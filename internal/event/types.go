// Package event defines event types for decoupling sidecar components.
// The supervisor, handshake and task bridge publish what happened; the
// dashboard and the log subscriber consume it.
package event

import (
	"time"

	apperrors "github.com/Iron-Ham/optsidecar/internal/errors"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "supervisor.state").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeSupervisorState   = "supervisor.state"
	TypeHandshakeComplete = "handshake.completed"
	TypeBatchSubmitted    = "batch.submitted"
	TypeBatchCompleted    = "batch.completed"
)

// SupervisorStateEvent is emitted on every supervisor state transition.
type SupervisorStateEvent struct {
	baseEvent
	Phase        string        // Phase entered
	Attempt      int           // Attempt number, 0 before the first launch
	ConfigDigest string        // Short digest of the configuration in use
	RetryElapsed time.Duration // Time since the first failure of the episode, 0 if none
	Err          string        // Terminal error text for the fatal phase
	ErrKind      string        // Class of Err, see errors.Kind
	Severity     string        // Severity of Err
}

// NewSupervisorStateEvent creates a SupervisorStateEvent.
func NewSupervisorStateEvent(phase string, attempt int, configDigest string, retryElapsed time.Duration, err error) SupervisorStateEvent {
	e := SupervisorStateEvent{
		baseEvent:    newBaseEvent(TypeSupervisorState),
		Phase:        phase,
		Attempt:      attempt,
		ConfigDigest: configDigest,
		RetryElapsed: retryElapsed,
	}
	if err != nil {
		e.Err = err.Error()
		e.ErrKind = apperrors.Kind(err)
		e.Severity = apperrors.GetSeverity(err).String()
	}
	return e
}

// HandshakeCompletedEvent is emitted when a peer has been discovered.
type HandshakeCompletedEvent struct {
	baseEvent
	Peer   string // Which peer: "caller" or "evaluator"
	PeerID string
	Role   string // Our role in the exchange
}

// NewHandshakeCompletedEvent creates a HandshakeCompletedEvent.
func NewHandshakeCompletedEvent(peer, peerID, role string) HandshakeCompletedEvent {
	return HandshakeCompletedEvent{
		baseEvent: newBaseEvent(TypeHandshakeComplete),
		Peer:      peer,
		PeerID:    peerID,
		Role:      role,
	}
}

// BatchSubmittedEvent is emitted when an evaluation request file is written.
type BatchSubmittedEvent struct {
	baseEvent
	BatchID string
	Tasks   int
}

// NewBatchSubmittedEvent creates a BatchSubmittedEvent.
func NewBatchSubmittedEvent(batchID string, tasks int) BatchSubmittedEvent {
	return BatchSubmittedEvent{
		baseEvent: newBaseEvent(TypeBatchSubmitted),
		BatchID:   batchID,
		Tasks:     tasks,
	}
}

// BatchCompletedEvent is emitted when the matching response has been decoded.
type BatchCompletedEvent struct {
	baseEvent
	BatchID  string
	Tasks    int
	Duration time.Duration
}

// NewBatchCompletedEvent creates a BatchCompletedEvent.
func NewBatchCompletedEvent(batchID string, tasks int, d time.Duration) BatchCompletedEvent {
	return BatchCompletedEvent{
		baseEvent: newBaseEvent(TypeBatchCompleted),
		BatchID:   batchID,
		Tasks:     tasks,
		Duration:  d,
	}
}
