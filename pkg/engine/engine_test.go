package engine

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/enermet/metercal/pkg/progress"
	"github.com/enermet/metercal/pkg/registers"
	"github.com/enermet/metercal/pkg/session"
	"github.com/enermet/metercal/pkg/simulator"
)

func singlePhaseTarget() session.Target {
	return session.Target{
		ID:       "meter-1",
		DeviceID: 1,
		Wiring:   registers.Wiring4WS1,
		Serial:   "2400123",
		Model:    "100A",
		Type:     "2TS",
	}
}

// benchDevice preloads a single-phase meter reading slightly high on
// voltage and current, with working keys.
func benchDevice() *simulator.Device {
	d := simulator.New(1)
	d.Preload(0x0000, 230.5) // voltage, 0.22% high against 230.0
	d.Preload(0x0006, 5.02)  // current, 0.4% high against 5.0
	d.Preload(0x000C, 1157)  // watt
	d.Preload(0x0012, 50.0)  // frequency
	d.PreloadKeyTest()
	return d
}

func fileStore(t *testing.T) *progress.FileStore {
	t.Helper()
	store, err := progress.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestRunCompletesWithinTolerance(t *testing.T) {
	dev := benchDevice()
	store := fileStore(t)
	ms := session.New(singlePhaseTarget())

	report := New(DefaultConfig(), dev, store, nil, ms).Run(context.Background())

	if report.State != session.StateCompleted {
		t.Fatalf("state = %s (step %s, reason %s)", report.State, report.FailedStep, report.Reason)
	}
	for _, step := range report.Steps {
		if step.State != session.StepCompleted {
			t.Errorf("step %s = %s", step.Kind, step.State)
		}
	}

	var verify *session.Step
	for i := range report.Steps {
		if report.Steps[i].Kind == session.StepVerifyTolerance {
			verify = &report.Steps[i]
		}
	}
	if verify == nil || verify.Outcome == nil {
		t.Fatal("no verify outcome")
	}
	if !verify.Outcome.Pass {
		t.Errorf("verify failed: %+v", verify.Outcome)
	}
	// The applied correction pulled the 0.22% deviation to ~0.
	for name, pct := range verify.Outcome.ErrorPercent {
		if pct > 0.01 || pct < -0.01 {
			t.Errorf("residual error %s = %.4f%%", name, pct)
		}
	}

	// Identity was programmed through the unlocked block.
	if got := dev.FloatAt(registers.SerialNum); got != 2400123 {
		t.Errorf("programmed serial = %v", got)
	}
	if got := dev.FloatAt(registers.ModelCode); got != 1200094 {
		t.Errorf("programmed model code = %v", got)
	}
	if got := dev.FloatAt(registers.CalDone); got != 1.0 {
		t.Errorf("cal-done marker = %v", got)
	}
}

func TestToleranceEqualityPasses(t *testing.T) {
	dev := simulator.New(1)
	dev.Preload(0x0000, 230.5)
	dev.Preload(0x0006, 5.0)
	if err := dev.Open(); err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	cfg := DefaultConfig()
	// Pin the tolerance to the exact deviation the voltage reading
	// produces, so the check runs at |error| == tolerance.
	cfg.Tolerance = (230.5 - 230.0) / 230.0 * 100
	ms := session.New(singlePhaseTarget())
	e := New(cfg, dev, fileStore(t), nil, ms)
	if _, err := e.readBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}
	outcome, err := e.verifyTolerance(context.Background())
	if err != nil {
		t.Fatalf("verify at exact tolerance: %v", err)
	}
	if !outcome.Pass {
		t.Errorf("outcome = %+v, want pass at |error| == tolerance", outcome)
	}
	if outcome.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", outcome.Attempts)
	}
}

func TestBaselineTimeoutFailsSession(t *testing.T) {
	dev := benchDevice()
	dev.TimeoutNext(10) // outlasts the retry budget
	store := fileStore(t)
	ms := session.New(singlePhaseTarget())

	report := New(DefaultConfig(), dev, store, nil, ms).Run(context.Background())

	if report.State != session.StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.FailedStep != session.StepReadBaseline {
		t.Errorf("failed step = %s", report.FailedStep)
	}
	if report.Reason != "Timeout" {
		t.Errorf("reason = %q", report.Reason)
	}

	// The store keeps the failed record for a later resume.
	rec, err := store.Load("meter-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("no stored record after failure")
	}
	if _, done := rec.Completed(0); done {
		t.Error("failed step recorded as completed")
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := fileStore(t)
	target := singlePhaseTarget()

	// First run: connection drops after the first two steps' exchanges
	// complete (baseline read is one exchange; compute has none; the
	// first correction read hits the dead link).
	dev := benchDevice()
	dev.DropAfter(1)
	report := New(DefaultConfig(), dev, store, nil, session.New(target)).Run(context.Background())
	if report.State != session.StateFailed {
		t.Fatalf("first run state = %s", report.State)
	}
	if report.Reason != "ConnectionLost" {
		t.Errorf("first run reason = %q", report.Reason)
	}
	if report.FailedStep != session.StepApplyCorrection {
		t.Errorf("first run failed step = %s", report.FailedStep)
	}

	// Second run against a fresh device resumes past the completed
	// steps and reuses the stored error percentages.
	dev2 := benchDevice()
	report2 := New(DefaultConfig(), dev2, store, nil, session.New(target)).Run(context.Background())
	if report2.State != session.StateCompleted {
		t.Fatalf("resumed state = %s (step %s, reason %s)", report2.State, report2.FailedStep, report2.Reason)
	}
	if !report2.Resumed {
		t.Error("resumed run not marked Resumed")
	}
	// The replayed ComputeError outcome fed the correction: the gain
	// moved off unity.
	if got := dev2.FloatAt(registers.GainBase); got == 1.0 {
		t.Error("correction not applied on resume")
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	store := fileStore(t)
	target := singlePhaseTarget()

	dev := benchDevice()
	report := New(DefaultConfig(), dev, store, nil, session.New(target)).Run(context.Background())
	if report.State != session.StateCompleted {
		t.Fatalf("state = %s", report.State)
	}

	// Completed sessions are archived by the orchestrator; without the
	// archive a rerun replays every step and touches the device only
	// through Open.
	dev2 := simulator.New(1)
	report2 := New(DefaultConfig(), dev2, store, nil, session.New(target)).Run(context.Background())
	if report2.State != session.StateCompleted {
		t.Fatalf("replayed state = %s", report2.State)
	}
	if !report2.Resumed {
		t.Error("full replay not marked Resumed")
	}
	// No step ran again, so the blank device was never written.
	if got := dev2.FloatAt(registers.CalDone); got != 0 {
		t.Errorf("replay wrote the device: cal-done = %v", got)
	}
}

func TestUncorrectableParameterExhaustsAdjustBudget(t *testing.T) {
	dev := benchDevice()
	dev.Preload(0x0012, 60.0) // frequency 20% off; it has no gain to trim
	store := fileStore(t)

	cfg := DefaultConfig()
	cfg.References["frequency"] = 50.0
	ms := session.New(singlePhaseTarget())

	report := New(cfg, dev, store, nil, ms).Run(context.Background())

	if report.State != session.StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.FailedStep != session.StepVerifyTolerance {
		t.Errorf("failed step = %s", report.FailedStep)
	}
	if report.Reason != "ToleranceExceeded" {
		t.Errorf("reason = %q", report.Reason)
	}
	var verify *session.Step
	for i := range report.Steps {
		if report.Steps[i].Kind == session.StepVerifyTolerance {
			verify = &report.Steps[i]
		}
	}
	if verify == nil || verify.Outcome == nil {
		t.Fatal("no verify outcome")
	}
	if verify.Outcome.Attempts != cfg.MaxAdjustAttempts {
		t.Errorf("attempts = %d, want %d", verify.Outcome.Attempts, cfg.MaxAdjustAttempts)
	}
}

type decliningOperator struct{ AutoOperator }

func (decliningOperator) Confirm(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestOperatorDeclineFailsStep(t *testing.T) {
	dev := benchDevice()
	ms := session.New(singlePhaseTarget())

	report := New(DefaultConfig(), dev, fileStore(t), decliningOperator{}, ms).Run(context.Background())

	if report.State != session.StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.FailedStep != session.StepKeyTest {
		t.Errorf("failed step = %s", report.FailedStep)
	}
	if report.Reason != "OperatorDeclined" {
		t.Errorf("reason = %q", report.Reason)
	}
}

func TestCancellationBetweenSteps(t *testing.T) {
	dev := benchDevice()
	ms := session.New(singlePhaseTarget())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := New(DefaultConfig(), dev, fileStore(t), nil, ms).Run(ctx)

	if report.State != session.StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.Reason != "Canceled" {
		t.Errorf("reason = %q", report.Reason)
	}
}

type brokenStore struct{}

func (brokenStore) Load(string) (*progress.Record, error) { return nil, nil }
func (brokenStore) Save(string, progress.StepRecord) error {
	return errors.Wrap(progress.ErrPersistence, "disk full")
}
func (brokenStore) Archive(string) error { return nil }
func (brokenStore) Close() error         { return nil }

func TestPersistenceFailureIsFatal(t *testing.T) {
	dev := benchDevice()
	ms := session.New(singlePhaseTarget())

	report := New(DefaultConfig(), dev, brokenStore{}, nil, ms).Run(context.Background())

	if report.State != session.StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.Reason != "PersistenceError" {
		t.Errorf("reason = %q", report.Reason)
	}
	// The failure surfaced before the first exchange.
	if got := dev.FloatAt(registers.GainBase); got != 1.0 {
		t.Errorf("gain touched despite checkpoint failure: %v", got)
	}
}

// completionRejectingStore lets in-progress checkpoints through and
// rejects completed ones.
type completionRejectingStore struct {
	progress.Store
}

func (s completionRejectingStore) Save(id string, rec progress.StepRecord) error {
	if rec.State == session.StepCompleted {
		return errors.Wrap(progress.ErrPersistence, "disk full")
	}
	return s.Store.Save(id, rec)
}

func TestStepInProgressWhileExecuting(t *testing.T) {
	dev := benchDevice()
	ms := session.New(singlePhaseTarget())

	report := New(DefaultConfig(), dev, completionRejectingStore{fileStore(t)}, nil, ms).Run(context.Background())

	if report.State != session.StateFailed || report.Reason != "PersistenceError" {
		t.Fatalf("state = %s reason = %q", report.State, report.Reason)
	}
	// The session died between executing step 0 and recording its
	// completion; the step snapshot must say InProgress, not Pending.
	if got := report.Steps[0].State; got != session.StepInProgress {
		t.Errorf("step 0 state = %s, want InProgress", got)
	}
}

func TestUnknownModelCodeFailsIdentity(t *testing.T) {
	dev := benchDevice()
	target := singlePhaseTarget()
	target.Model = "9000A"
	ms := session.New(target)

	report := New(DefaultConfig(), dev, fileStore(t), nil, ms).Run(context.Background())

	if report.State != session.StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.FailedStep != session.StepProgramIdentity {
		t.Errorf("failed step = %s", report.FailedStep)
	}
}
