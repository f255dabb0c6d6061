package session

import (
	"testing"
	"time"

	"github.com/enermet/metercal/pkg/registers"
)

func TestPlanOrder(t *testing.T) {
	want := []StepKind{
		StepReadBaseline,
		StepComputeError,
		StepApplyCorrection,
		StepVerifyTolerance,
		StepKeyTest,
		StepProgramIdentity,
	}
	for _, w := range []registers.Wiring{registers.Wiring3P3W, registers.Wiring3P4W, registers.Wiring4WS1, registers.Wiring4WS2} {
		steps := PlanFor(w)
		if len(steps) != len(want) {
			t.Fatalf("%s: %d steps", w, len(steps))
		}
		for i, s := range steps {
			if s.Kind != want[i] {
				t.Errorf("%s step %d = %s, want %s", w, i, s.Kind, want[i])
			}
			if s.Index != i {
				t.Errorf("%s step %d has index %d", w, i, s.Index)
			}
			if s.State != StepPending {
				t.Errorf("%s step %d starts %s", w, i, s.State)
			}
		}
	}
}

func TestNewSessionStartsClean(t *testing.T) {
	ms := New(Target{ID: "m1", Wiring: registers.Wiring3P4W})
	if ms.State != StateNotStarted {
		t.Errorf("state = %s", ms.State)
	}
	if ms.Resumed {
		t.Error("fresh session marked resumed")
	}
}

func TestTerminalStates(t *testing.T) {
	for s, terminal := range map[State]bool{
		StateNotStarted: false,
		StateRunning:    false,
		StateRecovered:  false,
		StateCompleted:  true,
		StateFailed:     true,
	} {
		if s.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
}

func TestSummarizeSnapshotsSteps(t *testing.T) {
	ms := New(Target{ID: "m1", Wiring: registers.Wiring4WS1})
	ms.State = StateCompleted
	ms.StartedAt = time.Now().Add(-time.Minute)
	ms.EndedAt = time.Now()

	rep := ms.Summarize()
	if rep.Duration <= 0 {
		t.Errorf("duration = %v", rep.Duration)
	}
	// The report owns its own copy of the steps.
	rep.Steps[0].State = StepFailed
	if ms.Steps[0].State != StepPending {
		t.Error("report mutation reached the session")
	}
}
