package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/enermet/metercal/pkg/engine"
	"github.com/enermet/metercal/pkg/session"
)

// consoleOperator prompts on the terminal. One prompt at a time; in
// parallel runs sessions queue for the operator's attention.
type consoleOperator struct {
	mu sync.Mutex
	in *bufio.Reader
}

var _ engine.Operator = (*consoleOperator)(nil)

func newConsoleOperator() *consoleOperator {
	return &consoleOperator{in: bufio.NewReader(os.Stdin)}
}

func (o *consoleOperator) Confirm(ctx context.Context, sessionID, prompt string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	color.New(color.Bold).Printf("[%s] %s [y/N]: ", sessionID, prompt)
	line, err := o.in.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read operator answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func (o *consoleOperator) Notify(sessionID string, kind session.StepKind, outcome session.Outcome) {
	if outcome.Pass {
		return
	}
	color.New(color.FgYellow).Printf("[%s] %s: %s\n", sessionID, kind, outcome.Reason)
}
