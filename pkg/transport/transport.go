// Package transport owns the link to one meter: the Conn capability
// contract shared with the simulator, and the TCP Session implementing
// it with timeout and retry policy.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/enermet/metercal/pkg/frame"
)

var (
	// ErrConnection means the transport could not be established.
	ErrConnection = errors.New("cannot establish connection")
	// ErrTimeout means no matching response arrived within the retry
	// budget.
	ErrTimeout = errors.New("exchange timed out")
	// ErrConnectionLost means the link dropped mid-session.
	ErrConnectionLost = errors.New("connection lost")
)

// Conn is the capability every meter link provides. The calibration
// engine depends only on this interface; Session (TCP) and the simulated
// device both satisfy it. One Conn serves one meter for its lifetime.
type Conn interface {
	Open() error
	// Exchange sends one request and blocks until exactly one response
	// with the same device id and the expected command arrives, or the
	// timeout/retry budget is exhausted.
	Exchange(ctx context.Context, req frame.Frame) (frame.Frame, error)
	Close() error
}

// Policy bounds a session's exchange behavior.
type Policy struct {
	// Timeout is the per-attempt wait for a complete response.
	Timeout time.Duration
	// Retries is how many additional attempts follow a timed-out or
	// corrupted exchange before ErrTimeout surfaces. Never infinite.
	Retries int
}

// DefaultPolicy mirrors the bench's field defaults.
func DefaultPolicy() Policy {
	return Policy{Timeout: 2 * time.Second, Retries: 3}
}
