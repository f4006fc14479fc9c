// Package signal defines the lifecycle signals agents emit and the bus
// that fans them out.
//
// A signal arrives as a JSON envelope {kind, payload, timestamp}. The
// payload shape depends on the kind, but the bus never strips fields it
// doesn't know: the raw payload travels to subscribers verbatim so
// newer agents can ship richer payloads through an older core.
package signal

import (
	"encoding/json"
	"time"

	"github.com/squadhq/squad/internal/fault"
)

// Kind is a signal type.
type Kind string

const (
	KindStarting   Kind = "starting"
	KindWorking    Kind = "working"
	KindReview     Kind = "review"
	KindReply      Kind = "reply"
	KindCompleting Kind = "completing"
	KindComplete   Kind = "complete"
	KindPaused     Kind = "paused"
	KindDead       Kind = "dead"
)

// ValidKind reports whether k is a known signal kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindStarting, KindWorking, KindReview, KindReply,
		KindCompleting, KindComplete, KindPaused, KindDead:
		return true
	}
	return false
}

// Signal is one lifecycle event from an agent session.
type Signal struct {
	// Seq is the bus-assigned sequence number, unique and increasing
	// across all sessions. Zero until published.
	Seq uint64 `json:"seq"`

	Session string `json:"session"`
	Kind    Kind   `json:"kind"`
	Task    string `json:"task,omitempty"`

	// Payload is the kind-specific record, preserved verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ReceivedAt is server-assigned on publish.
	ReceivedAt time.Time `json:"received_at"`
}

// Decode unmarshals the payload into a typed record.
func (s *Signal) Decode(v interface{}) error {
	if len(s.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fault.Wrap(fault.Validation, err, "decoding "+string(s.Kind)+" payload")
	}
	return nil
}

// Envelope is the wire format for incoming signals.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// payloadMeta is the part of every payload the core itself needs. The
// complete payload names its task "taskId"; everything else uses "task".
type payloadMeta struct {
	Session string `json:"session"`
	Task    string `json:"task"`
	TaskID  string `json:"taskId"`
}

// Signal extracts the session and task from the payload and builds the
// bus-ready signal. The session is how the agent identifies itself and
// is required.
func (e *Envelope) Signal() (*Signal, error) {
	var meta payloadMeta
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &meta); err != nil {
			return nil, fault.Wrap(fault.Validation, err, "malformed signal payload")
		}
	}
	if meta.Session == "" {
		return nil, fault.Errorf(fault.Validation, "%s signal has no session", e.Kind)
	}
	task := meta.Task
	if task == "" {
		task = meta.TaskID
	}
	return &Signal{
		Session: meta.Session,
		Kind:    e.Kind,
		Task:    task,
		Payload: e.Payload,
	}, nil
}
