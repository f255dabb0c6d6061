// Package orchestrator fans a calibration run out over many meters,
// either strictly sequentially or concurrently up to a configured limit,
// and aggregates per-meter reports. One meter's failure never halts
// another's session.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enermet/metercal/pkg/engine"
	"github.com/enermet/metercal/pkg/events"
	"github.com/enermet/metercal/pkg/monitor"
	"github.com/enermet/metercal/pkg/progress"
	"github.com/enermet/metercal/pkg/session"
	"github.com/enermet/metercal/pkg/transport"
)

var (
	// ErrNoTargets means the run had nothing to do; fatal at start.
	ErrNoTargets = errors.New("no meter targets configured")
	// ErrNoStore means resume correctness cannot be guaranteed; fatal
	// at start.
	ErrNoStore = errors.New("progress store unavailable")
)

// Mode selects how sessions are scheduled.
type Mode string

const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

// ConnFactory builds the link for one target. The default dials TCP; a
// simulation factory substitutes simulated devices with no other code
// change.
type ConnFactory func(t session.Target) transport.Conn

// Options configure one run.
type Options struct {
	Mode Mode
	// MaxConcurrency bounds simultaneously active sessions in Parallel
	// mode. Ignored in Sequential mode.
	MaxConcurrency int
	Engine         engine.Config
	Policy         transport.Policy
	Operator       engine.Operator
	Conns          ConnFactory
	// Events receives session and step lifecycle notifications. May be
	// nil.
	Events *events.Hub
}

// RunReport aggregates the outcome of one run.
type RunReport struct {
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Reports    []session.Report `json:"reports"`
	Completed  []string         `json:"completed"`
	Failed     []string         `json:"failed"`
	// Canceled lists targets never started because the run was
	// stopped.
	Canceled []string `json:"canceled,omitempty"`
}

// Orchestrator owns the set of live meter sessions for one run.
type Orchestrator struct {
	opts  Options
	store progress.Store
	log   *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.MeterSession
	reports  []session.Report
}

// New validates the run prerequisites.
func New(opts Options, store progress.Store) (*Orchestrator, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if opts.Conns == nil {
		opts.Conns = func(t session.Target) transport.Conn {
			return transport.NewSession(t.Addr, t.DeviceID, opts.Policy)
		}
	}
	if opts.Operator == nil {
		opts.Operator = engine.AutoOperator{}
	}
	if opts.Events != nil {
		opts.Operator = eventingOperator{inner: opts.Operator, hub: opts.Events}
	}
	if opts.Mode == "" {
		opts.Mode = Sequential
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Orchestrator{
		opts:     opts,
		store:    store,
		log:      logrus.WithField("component", "orchestrator"),
		sessions: make(map[string]*session.MeterSession),
	}, nil
}

// Run drives every target to a terminal state. Cancellation stops new
// sessions from launching and lets in-flight sessions finish their
// current step; sessions never started are reported as canceled. The
// only fatal error is an empty target list.
func (o *Orchestrator) Run(ctx context.Context, targets []session.Target) (*RunReport, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	report := &RunReport{StartedAt: time.Now()}
	o.log.Infof("run started: %d meters, mode %s, fan-out %d",
		len(targets), o.opts.Mode, o.opts.MaxConcurrency)

	limit := 1
	if o.opts.Mode == Parallel {
		limit = o.opts.MaxConcurrency
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, t := range targets {
		if ctx.Err() != nil {
			o.mu.Lock()
			report.Canceled = append(report.Canceled, t.ID)
			o.mu.Unlock()
			continue
		}
		sem <- struct{}{}
		// Re-check after waiting on a slot: cancellation must stop new
		// launches even when the semaphore was contended.
		if ctx.Err() != nil {
			<-sem
			o.mu.Lock()
			report.Canceled = append(report.Canceled, t.ID)
			o.mu.Unlock()
			continue
		}

		ms := session.New(t)
		o.mu.Lock()
		o.sessions[t.ID] = ms
		o.mu.Unlock()

		wg.Add(1)
		go func(t session.Target, ms *session.MeterSession) {
			defer wg.Done()
			defer func() { <-sem }()
			o.runOne(ctx, t, ms)
		}(t, ms)
	}

	// Wait for all in-flight sessions to reach a terminal per-step
	// boundary; links are never torn down mid-exchange.
	wg.Wait()

	o.mu.Lock()
	report.Reports = append(report.Reports, o.reports...)
	o.mu.Unlock()
	for _, r := range report.Reports {
		if r.State == session.StateCompleted {
			report.Completed = append(report.Completed, r.Target.ID)
		} else {
			report.Failed = append(report.Failed, r.Target.ID)
		}
	}
	report.FinishedAt = time.Now()
	o.log.Infof("run finished: %d completed, %d failed, %d canceled",
		len(report.Completed), len(report.Failed), len(report.Canceled))
	return report, nil
}

func (o *Orchestrator) runOne(ctx context.Context, t session.Target, ms *session.MeterSession) {
	monitor.ActiveSessions.Inc()
	defer monitor.ActiveSessions.Dec()
	o.opts.Events.PublishSession(events.SessionStarted, t.ID, string(session.StateRunning), "")

	conn := o.opts.Conns(t)
	eng := engine.New(o.opts.Engine, conn, o.store, o.opts.Operator, ms)
	rep := eng.Run(ctx)
	monitor.SessionsTotal.WithLabelValues(string(rep.State)).Inc()
	o.opts.Events.PublishSession(events.SessionFinished, t.ID, string(rep.State), rep.Reason)

	// A finished session is archived from the store so a future
	// enrollment of the same id starts clean; failed sessions keep
	// their record so re-enrolling skips completed steps.
	if rep.State == session.StateCompleted {
		if err := o.store.Archive(t.ID); err != nil {
			o.log.WithError(err).Warnf("could not archive progress for %s", t.ID)
		}
	}

	o.mu.Lock()
	o.reports = append(o.reports, rep)
	delete(o.sessions, t.ID)
	o.mu.Unlock()
}

// eventingOperator forwards prompts to the configured operator and
// mirrors step notifications onto the event hub.
type eventingOperator struct {
	inner engine.Operator
	hub   *events.Hub
}

func (e eventingOperator) Confirm(ctx context.Context, sessionID, prompt string) (bool, error) {
	return e.inner.Confirm(ctx, sessionID, prompt)
}

func (e eventingOperator) Notify(sessionID string, kind session.StepKind, outcome session.Outcome) {
	name := events.StepCompleted
	if !outcome.Pass {
		name = events.StepFailed
	}
	e.hub.PublishStep(name, sessionID, string(kind), outcome.Pass, outcome.Reason)
	e.inner.Notify(sessionID, kind, outcome)
}

// Snapshot returns the ids of sessions still running plus the reports
// collected so far, for the status API. Live session internals belong
// exclusively to their engines and are not exposed mid-run.
func (o *Orchestrator) Snapshot() ([]string, []session.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	running := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		running = append(running, id)
	}
	reports := append([]session.Report(nil), o.reports...)
	return running, reports
}
