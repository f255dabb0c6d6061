package engine

import (
	"context"

	"github.com/enermet/metercal/pkg/session"
)

// Operator is the interaction boundary with the person at the bench.
// Confirm blocks until the operator answers; it guards destructive steps
// and steps that need a human at the meter (key test). Notify is
// informational and must not block.
type Operator interface {
	Confirm(ctx context.Context, sessionID, prompt string) (bool, error)
	Notify(sessionID string, kind session.StepKind, outcome session.Outcome)
}

// AutoOperator answers yes to everything and discards notifications.
// Used in simulation mode and tests.
type AutoOperator struct{}

func (AutoOperator) Confirm(context.Context, string, string) (bool, error) { return true, nil }

func (AutoOperator) Notify(string, session.StepKind, session.Outcome) {}
