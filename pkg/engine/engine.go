// Package engine drives the ordered calibration steps for one meter
// session against a transport-capable link, checkpointing every step
// transition through the progress store so interrupted runs resume
// without redoing completed work.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enermet/metercal/pkg/frame"
	"github.com/enermet/metercal/pkg/monitor"
	"github.com/enermet/metercal/pkg/progress"
	"github.com/enermet/metercal/pkg/registers"
	"github.com/enermet/metercal/pkg/session"
	"github.com/enermet/metercal/pkg/transport"
)

// ErrToleranceExceeded is the calibration-domain failure: the measured
// error stayed above tolerance after the adjustment budget.
var ErrToleranceExceeded = errors.New("error exceeds tolerance")

// ErrDeclined is returned when the operator refuses a confirmation.
var ErrDeclined = errors.New("operator declined")

// Config bounds one session's calibration behavior. Immutable after
// construction; the engine never mutates it.
type Config struct {
	// Tolerance is the maximum acceptable |error| in percent. Equality
	// at the threshold passes.
	Tolerance float64
	// MaxAdjustAttempts bounds the ApplyCorrection/Verify loop.
	MaxAdjustAttempts int
	// References gives the bench's true value per calibrated parameter
	// name. Parameters without a reference are read but not corrected.
	References map[string]float64
	// ModelCodes resolves the programmed model code during
	// ProgramIdentity.
	ModelCodes registers.ModelCodes
}

// DefaultConfig mirrors the bench's field defaults.
func DefaultConfig() Config {
	return Config{
		Tolerance:         1.0,
		MaxAdjustAttempts: 3,
		References: map[string]float64{
			"voltage": 230.0, "voltage_L1": 230.0, "voltage_L2": 230.0, "voltage_L3": 230.0,
			"current": 5.0, "current_L1": 5.0, "current_L2": 5.0, "current_L3": 5.0,
		},
		ModelCodes: registers.DefaultModelCodes,
	}
}

// Engine executes one MeterSession. It exclusively owns the session's
// mutable state for the duration of Run.
type Engine struct {
	cfg      Config
	conn     transport.Conn
	store    progress.Store
	operator Operator
	ms       *session.MeterSession
	log      *logrus.Entry

	// lastReadings carries measurements between dependent steps.
	lastReadings []session.Reading
	// lastError carries the computed deviation per calibrated
	// parameter into the correction step.
	lastError map[string]float64
}

// New builds an engine for one enrolled meter.
func New(cfg Config, conn transport.Conn, store progress.Store, op Operator, ms *session.MeterSession) *Engine {
	if cfg.MaxAdjustAttempts <= 0 {
		cfg.MaxAdjustAttempts = DefaultConfig().MaxAdjustAttempts
	}
	if op == nil {
		op = AutoOperator{}
	}
	return &Engine{
		cfg:      cfg,
		conn:     conn,
		store:    store,
		operator: op,
		ms:       ms,
		log:      logrus.WithField("meter", ms.Target.ID),
	}
}

// Run drives the session to a terminal state and returns its report.
// Errors never escape as Go errors: every failure mode is folded into
// the report so one meter's failure cannot disturb another's run.
func (e *Engine) Run(ctx context.Context) session.Report {
	e.ms.StartedAt = time.Now()
	defer func() {
		e.ms.EndedAt = time.Now()
	}()

	if err := e.recover(); err != nil {
		return e.fail(-1, err)
	}

	if err := e.conn.Open(); err != nil {
		return e.fail(-1, err)
	}
	defer e.conn.Close()

	e.ms.State = session.StateRunning
	e.log.WithField("wiring", e.ms.Target.Wiring).Info("session running")

	for i := range e.ms.Steps {
		step := &e.ms.Steps[i]
		if step.State == session.StepCompleted {
			// Replayed from the store; already done.
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.fail(i, err)
		}

		if err := e.checkpoint(step, session.StepInProgress, nil); err != nil {
			return e.fail(i, err)
		}
		step.State = session.StepInProgress

		outcome, err := e.execute(ctx, step)
		if err != nil {
			step.State = session.StepFailed
			if outcome == nil {
				outcome = &session.Outcome{Reason: failureReason(err)}
			}
			step.Outcome = outcome
			// Best effort: the session is failing regardless, but the
			// stored record should say where.
			_ = e.checkpoint(step, session.StepFailed, outcome)
			monitor.StepsFailed.WithLabelValues(string(step.Kind)).Inc()
			e.operator.Notify(e.ms.Target.ID, step.Kind, *outcome)
			return e.fail(i, err)
		}

		if err := e.checkpoint(step, session.StepCompleted, outcome); err != nil {
			return e.fail(i, err)
		}
		step.State = session.StepCompleted
		step.Outcome = outcome
		monitor.StepsCompleted.WithLabelValues(string(step.Kind)).Inc()
		e.operator.Notify(e.ms.Target.ID, step.Kind, *outcome)
		e.log.WithField("step", step.Kind).Info("step completed")
	}

	e.ms.State = session.StateCompleted
	e.log.Info("session completed")
	return e.ms.Summarize()
}

// recover replays completed steps from the progress store. Load errors
// are persistence failures, fatal for this session.
func (e *Engine) recover() error {
	rec, err := e.store.Load(e.ms.Target.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	replayed := 0
	for i := range e.ms.Steps {
		if outcome, ok := rec.Completed(e.ms.Steps[i].Index); ok {
			e.ms.Steps[i].State = session.StepCompleted
			e.ms.Steps[i].Outcome = outcome
			e.replayOutcome(outcome)
			replayed++
		}
	}
	if replayed > 0 {
		e.ms.State = session.StateRecovered
		e.ms.Resumed = true
		e.log.Infof("recovered %d completed steps from progress store", replayed)
	}
	return nil
}

// replayOutcome rebuilds inter-step context from stored outcomes so the
// next pending step sees the same inputs it would have uninterrupted.
func (e *Engine) replayOutcome(o *session.Outcome) {
	if o == nil {
		return
	}
	if len(o.Readings) > 0 {
		e.lastReadings = o.Readings
	}
	if len(o.ErrorPercent) > 0 {
		e.lastError = o.ErrorPercent
	}
}

func (e *Engine) checkpoint(step *session.Step, state session.StepState, outcome *session.Outcome) error {
	return e.store.Save(e.ms.Target.ID, progress.StepRecord{
		Index:   step.Index,
		Kind:    step.Kind,
		State:   state,
		Outcome: outcome,
		SavedAt: time.Now(),
	})
}

func (e *Engine) fail(stepIndex int, err error) session.Report {
	e.ms.State = session.StateFailed
	e.ms.Reason = failureReason(err)
	if stepIndex >= 0 && stepIndex < len(e.ms.Steps) {
		e.ms.FailedStep = e.ms.Steps[stepIndex].Kind
	}
	e.log.WithError(err).Warnf("session failed: %s", e.ms.Reason)
	return e.ms.Summarize()
}

// failureReason folds the error taxonomy into the short reasons reports
// carry.
func failureReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return "Timeout"
	case errors.Is(err, frame.ErrChecksumMismatch):
		return "ChecksumMismatch"
	case errors.Is(err, frame.ErrMalformedFrame):
		return "MalformedFrame"
	case errors.Is(err, transport.ErrConnectionLost):
		return "ConnectionLost"
	case errors.Is(err, transport.ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrToleranceExceeded):
		return "ToleranceExceeded"
	case errors.Is(err, progress.ErrPersistence):
		return "PersistenceError"
	case errors.Is(err, ErrDeclined):
		return "OperatorDeclined"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	}
	return err.Error()
}
