package events

import "encoding/json"

// Event name constants
const (
	SessionStarted  = "session.started"
	SessionFinished = "session.finished"
	StepCompleted   = "step.completed"
	StepFailed      = "step.failed"
)

// Event is a generic SSE event from the bench.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// SessionEvent is the typed payload for session.started and
// session.finished.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Ts        int64  `json:"ts"`
}

// StepEvent is the typed payload for step.completed and step.failed.
type StepEvent struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Pass      bool   `json:"pass"`
	Reason    string `json:"reason,omitempty"`
	Ts        int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.StepEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.SessionID, payload.Kind)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
