// Package progress persists per-session step state so an interrupted run
// resumes without redoing completed work. Stores hold serialized
// snapshots only, never live session references, and are the sole source
// of truth for resume.
package progress

import (
	"errors"
	"time"

	"github.com/enermet/metercal/pkg/session"
)

// ErrPersistence marks a failed checkpoint write. It is fatal for the
// affected session: calibration must not proceed without a durable
// checkpoint.
var ErrPersistence = errors.New("progress checkpoint failed")

// StepRecord is the durable state of one step.
type StepRecord struct {
	Index   int               `json:"index"`
	Kind    session.StepKind  `json:"kind"`
	State   session.StepState `json:"state"`
	Outcome *session.Outcome  `json:"outcome,omitempty"`
	SavedAt time.Time         `json:"savedAt"`
}

// Record is the durable snapshot of one session, keyed by session id.
// A step is only ever recorded Completed after the exchange that
// produced its outcome was fully acknowledged.
type Record struct {
	SessionID string       `json:"sessionId"`
	Steps     []StepRecord `json:"steps"`
}

// Completed reports whether the record marks the given step index
// Completed, returning its stored outcome.
func (r *Record) Completed(index int) (*session.Outcome, bool) {
	if r == nil {
		return nil, false
	}
	for _, s := range r.Steps {
		if s.Index == index && s.State == session.StepCompleted {
			return s.Outcome, true
		}
	}
	return nil, false
}

// Store is the persistence contract. Save is synchronous: it must be
// durable before it returns, so the engine's write-then-advance ordering
// holds. Each session writes only its own key, so implementations need
// no cross-session locking beyond single-write durability.
type Store interface {
	// Load returns the stored record, or (nil, nil) when the session
	// has none.
	Load(sessionID string) (*Record, error)
	// Save upserts one step's state. Failures surface ErrPersistence.
	Save(sessionID string, step StepRecord) error
	// Archive removes a session's record after its report is emitted.
	Archive(sessionID string) error
	Close() error
}
