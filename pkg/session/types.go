package session

import (
	"time"

	"github.com/enermet/metercal/pkg/registers"
)

// StepKind identifies one unit of calibration work. The set is closed;
// PlanFor enumerates every kind for a wiring configuration.
type StepKind string

const (
	StepReadBaseline    StepKind = "ReadBaseline"
	StepComputeError    StepKind = "ComputeError"
	StepApplyCorrection StepKind = "ApplyCorrection"
	StepVerifyTolerance StepKind = "VerifyWithinTolerance"
	StepKeyTest         StepKind = "KeyTest"
	StepProgramIdentity StepKind = "ProgramIdentity"
)

// StepState is the lifecycle of one step.
type StepState string

const (
	StepPending    StepState = "Pending"
	StepInProgress StepState = "InProgress"
	StepCompleted  StepState = "Completed"
	StepFailed     StepState = "Failed"
)

// State is the lifecycle of one meter session.
type State string

const (
	StateNotStarted State = "NotStarted"
	StateRunning    State = "Running"
	StateRecovered  State = "Recovered"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// Terminal reports whether the session can make no further progress.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Reading is one decoded parameter value produced by a verified frame.
type Reading struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Address   uint16    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	// Warning is set when the value falls outside the catalog's
	// plausibility window. It does not fail the step.
	Warning string `json:"warning,omitempty"`
}

// Outcome is the result payload attached to a completed or failed step.
type Outcome struct {
	Readings []Reading `json:"readings,omitempty"`
	// ErrorPercent holds the computed deviation per calibrated
	// parameter, keyed by parameter name.
	ErrorPercent map[string]float64 `json:"errorPercent,omitempty"`
	Pass         bool               `json:"pass"`
	Reason       string             `json:"reason,omitempty"`
	// Attempts counts adjustment rounds for the correction/verify loop.
	Attempts int `json:"attempts,omitempty"`
}

// Step is one ordered node of a session's plan.
type Step struct {
	Index   int       `json:"index"`
	Kind    StepKind  `json:"kind"`
	State   StepState `json:"state"`
	Outcome *Outcome  `json:"outcome,omitempty"`
}

// Target addresses one meter under test.
type Target struct {
	// ID is the stable session identity; re-enrolling the same ID
	// resumes from the progress store.
	ID       string           `json:"id"`
	Addr     string           `json:"addr"`
	DeviceID byte             `json:"deviceId"`
	Wiring   registers.Wiring `json:"wiring"`
	// Serial is programmed during ProgramIdentity.
	Serial string `json:"serial,omitempty"`
	Model  string `json:"model,omitempty"`
	Type   string `json:"type,omitempty"`
}

// MeterSession is one meter's calibration run from enrollment to final
// report. The driving engine exclusively owns its mutable state.
type MeterSession struct {
	Target Target `json:"target"`
	State  State  `json:"state"`
	Steps  []Step `json:"steps"`
	// FailedStep and Reason describe the terminal failure, if any.
	FailedStep StepKind  `json:"failedStep,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	// Resumed marks sessions that replayed completed steps from the
	// progress store before running.
	Resumed bool `json:"resumed,omitempty"`
}

// Report is the terminal per-meter summary handed to the reporting
// collaborator.
type Report struct {
	Target     Target        `json:"target"`
	State      State         `json:"state"`
	FailedStep StepKind      `json:"failedStep,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Resumed    bool          `json:"resumed"`
	Duration   time.Duration `json:"duration"`
	Steps      []Step        `json:"steps"`
}

// Summarize archives a finished session into its report.
func (ms *MeterSession) Summarize() Report {
	ended := ms.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	return Report{
		Target:     ms.Target,
		State:      ms.State,
		FailedStep: ms.FailedStep,
		Reason:     ms.Reason,
		Resumed:    ms.Resumed,
		Duration:   ended.Sub(ms.StartedAt),
		Steps:      append([]Step(nil), ms.Steps...),
	}
}

// PlanFor builds the ordered step list for a wiring configuration. All
// wirings run the full sequence; the wiring tag selects which parameters
// each step touches (see the register catalog).
func PlanFor(w registers.Wiring) []Step {
	kinds := []StepKind{
		StepReadBaseline,
		StepComputeError,
		StepApplyCorrection,
		StepVerifyTolerance,
		StepKeyTest,
		StepProgramIdentity,
	}
	steps := make([]Step, len(kinds))
	for i, k := range kinds {
		steps[i] = Step{Index: i, Kind: k, State: StepPending}
	}
	return steps
}

// New enrolls a meter into a run.
func New(t Target) *MeterSession {
	return &MeterSession{
		Target: t,
		State:  StateNotStarted,
		Steps:  PlanFor(t.Wiring),
	}
}
