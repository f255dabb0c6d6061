package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/enermet/metercal/pkg/frame"
	"github.com/enermet/metercal/pkg/registers"
	"github.com/enermet/metercal/pkg/session"
)

func (e *Engine) execute(ctx context.Context, step *session.Step) (*session.Outcome, error) {
	switch step.Kind {
	case session.StepReadBaseline:
		return e.readBaseline(ctx)
	case session.StepComputeError:
		return e.computeError()
	case session.StepApplyCorrection:
		return e.applyCorrection(ctx)
	case session.StepVerifyTolerance:
		return e.verifyTolerance(ctx)
	case session.StepKeyTest:
		return e.keyTest(ctx)
	case session.StepProgramIdentity:
		return e.programIdentity(ctx)
	}
	return nil, fmt.Errorf("unknown step kind %q", step.Kind)
}

// readBaseline reads the full parameter block for the session's wiring
// configuration in one exchange and decodes every parameter. Values
// outside the catalog's plausibility window carry a warning but do not
// fail the step.
func (e *Engine) readBaseline(ctx context.Context) (*session.Outcome, error) {
	readings, err := e.readParameters(ctx)
	if err != nil {
		return nil, err
	}
	e.lastReadings = readings
	return &session.Outcome{Readings: readings, Pass: true}, nil
}

// computeError derives the deviation percentage per calibrated
// parameter from the baseline readings. Pure computation; no exchange.
func (e *Engine) computeError() (*session.Outcome, error) {
	if len(e.lastReadings) == 0 {
		return nil, errors.New("no baseline readings to compute error from")
	}
	errs := make(map[string]float64)
	for _, r := range e.lastReadings {
		ref, ok := e.cfg.References[r.Name]
		if !ok || ref == 0 {
			continue
		}
		errs[r.Name] = (r.Value - ref) / ref * 100
	}
	if len(errs) == 0 {
		return nil, errors.New("no calibrated parameter has a reference value")
	}
	e.lastError = errs
	return &session.Outcome{ErrorPercent: errs, Pass: true}, nil
}

// applyCorrection writes updated gains for every calibrated parameter
// whose deviation is known.
func (e *Engine) applyCorrection(ctx context.Context) (*session.Outcome, error) {
	if err := e.writeCorrections(ctx); err != nil {
		return nil, err
	}
	return &session.Outcome{ErrorPercent: e.lastError, Pass: true}, nil
}

// verifyTolerance re-reads the parameters and checks every calibrated
// deviation against the tolerance. A failed check re-applies corrections
// and retries, bounded by the adjustment budget; equality at the
// threshold passes.
func (e *Engine) verifyTolerance(ctx context.Context) (*session.Outcome, error) {
	var outcome *session.Outcome
	for attempt := 1; attempt <= e.cfg.MaxAdjustAttempts; attempt++ {
		readings, err := e.readParameters(ctx)
		if err != nil {
			return nil, err
		}
		e.lastReadings = readings

		errs := make(map[string]float64)
		worst := 0.0
		for _, r := range readings {
			ref, ok := e.cfg.References[r.Name]
			if !ok || ref == 0 {
				continue
			}
			pct := (r.Value - ref) / ref * 100
			errs[r.Name] = pct
			if math.Abs(pct) > worst {
				worst = math.Abs(pct)
			}
		}
		e.lastError = errs

		outcome = &session.Outcome{
			Readings:     readings,
			ErrorPercent: errs,
			Attempts:     attempt,
			Pass:         worst <= e.cfg.Tolerance,
		}
		if outcome.Pass {
			return outcome, nil
		}
		e.log.Debugf("verify attempt %d/%d: worst error %.3f%% over tolerance %.3f%%",
			attempt, e.cfg.MaxAdjustAttempts, worst, e.cfg.Tolerance)
		if attempt < e.cfg.MaxAdjustAttempts {
			if err := e.writeCorrections(ctx); err != nil {
				return nil, err
			}
		}
	}
	outcome.Reason = "ToleranceExceeded"
	return outcome, errors.Wrapf(ErrToleranceExceeded,
		"after %d adjustment attempts", e.cfg.MaxAdjustAttempts)
}

// keyTest asks the operator to exercise the meter keys, then reads the
// key status registers. Each must report a valid key code.
func (e *Engine) keyTest(ctx context.Context) (*session.Outcome, error) {
	ok, err := e.operator.Confirm(ctx, e.ms.Target.ID,
		"press UP, DOWN and ENTER on the meter, then confirm")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrDeclined, "key test")
	}

	keys := []struct {
		name string
		addr uint16
	}{
		{"UP", registers.KeyUp},
		{"DOWN", registers.KeyDown},
		{"ENTER", registers.KeyEnter},
	}
	readings := make([]session.Reading, 0, len(keys))
	for _, k := range keys {
		v, err := e.readFloat(ctx, k.addr)
		if err != nil {
			return nil, err
		}
		r := session.Reading{
			Name:      "key_" + k.name,
			Value:     v,
			Address:   k.addr,
			Timestamp: time.Now(),
		}
		// Valid key codes are small positive integers; zero means the
		// key never registered.
		if v < 1 || v > 10 || v != math.Trunc(v) {
			r.Warning = "invalid key code"
		}
		readings = append(readings, r)
	}
	for _, r := range readings {
		if r.Warning != "" {
			return &session.Outcome{Readings: readings, Reason: "KeyTestFailed"},
				fmt.Errorf("%s reported no valid key code", r.Name)
		}
	}
	return &session.Outcome{Readings: readings, Pass: true}, nil
}

// programIdentity imprints serial number, date code, model code and the
// cal-done marker. Destructive, so it is gated on operator confirmation,
// and the identity block must be unlocked first.
func (e *Engine) programIdentity(ctx context.Context) (*session.Outcome, error) {
	t := e.ms.Target
	ok, err := e.operator.Confirm(ctx, t.ID,
		fmt.Sprintf("program identity (serial %s, model %s %s)? This cannot be undone", t.Serial, t.Model, t.Type))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrDeclined, "identity programming")
	}

	serial, err := strconv.ParseFloat(t.Serial, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "serial number %q is not numeric", t.Serial)
	}
	modelCode, ok := e.cfg.ModelCodes.Lookup(t.Model, t.Type)
	if !ok {
		return nil, fmt.Errorf("no model code for %s/%s", t.Model, t.Type)
	}

	writes := []struct {
		addr  uint16
		value float64
	}{
		{registers.Unlock, registers.UnlockCode},
		{registers.SerialNum, serial},
		{registers.DateCode, float64(currentDateCode())},
		{registers.ModelCode, modelCode},
		{registers.CalDone, 1.0},
	}
	for _, w := range writes {
		if err := e.writeFloat(ctx, w.addr, w.value); err != nil {
			return nil, err
		}
	}
	return &session.Outcome{Pass: true}, nil
}

// currentDateCode returns the manufacturing date as YYMM.
func currentDateCode() int {
	now := time.Now()
	return (now.Year()%100)*100 + int(now.Month())
}

// --- exchange helpers -------------------------------------------------

func (e *Engine) readParameters(ctx context.Context) ([]session.Reading, error) {
	params := registers.Parameters(e.ms.Target.Wiring)
	base, count := registers.Span(params)
	data, err := e.readBlock(ctx, base, count)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	readings := make([]session.Reading, 0, len(params))
	for _, p := range params {
		off := int(p.Addr.Offset-base) * 2
		if off+4 > len(data) {
			return nil, errors.Wrapf(frame.ErrMalformedFrame, "parameter %s beyond response", p.Name)
		}
		v, err := frame.GetFloat(data[off:off+4], registers.SwapWords)
		if err != nil {
			return nil, err
		}
		r := session.Reading{
			Name:      p.Name,
			Value:     v,
			Unit:      p.Unit,
			Address:   p.Addr.Offset,
			Timestamp: now,
		}
		if !p.InRange(v) {
			r.Warning = "out_of_range"
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// writeCorrections nudges each calibrated parameter's gain by the
// inverse of its measured deviation.
func (e *Engine) writeCorrections(ctx context.Context) error {
	if len(e.lastError) == 0 {
		return errors.New("no computed error to correct")
	}
	params := registers.Parameters(e.ms.Target.Wiring)
	for _, p := range params {
		if !p.Calibrated {
			continue
		}
		pct, ok := e.lastError[p.Name]
		if !ok {
			continue
		}
		gainAddr := registers.GainFor(p).Offset
		current, err := e.readFloat(ctx, gainAddr)
		if err != nil {
			return err
		}
		corrected := current / (1 + pct/100)
		if err := e.writeFloat(ctx, gainAddr, corrected); err != nil {
			return err
		}
		e.log.Debugf("gain[%s] %.6f -> %.6f (error %.3f%%)", p.Name, current, corrected, pct)
	}
	return nil
}

func (e *Engine) readBlock(ctx context.Context, addr, count uint16) ([]byte, error) {
	req := frame.Frame{
		DeviceID: e.ms.Target.DeviceID,
		Command:  frame.CmdReadRegisters,
		Payload:  frame.ReadPayload(addr, count),
	}
	resp, err := e.conn.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.IsException() {
		return nil, fmt.Errorf("device exception 0x%02X reading 0x%04X", exceptionCode(resp), addr)
	}
	if len(resp.Payload) != int(count)*2 {
		return nil, errors.Wrapf(frame.ErrMalformedFrame,
			"read 0x%04X: expected %d data bytes, got %d", addr, count*2, len(resp.Payload))
	}
	return resp.Payload, nil
}

func (e *Engine) readFloat(ctx context.Context, addr uint16) (float64, error) {
	data, err := e.readBlock(ctx, addr, 2)
	if err != nil {
		return 0, err
	}
	return frame.GetFloat(data, registers.SwapWords)
}

func (e *Engine) writeFloat(ctx context.Context, addr uint16, v float64) error {
	req := frame.Frame{
		DeviceID: e.ms.Target.DeviceID,
		Command:  frame.CmdWriteRegisters,
		Payload:  frame.WritePayload(addr, frame.PutFloat(nil, v, registers.SwapWords)),
	}
	resp, err := e.conn.Exchange(ctx, req)
	if err != nil {
		return err
	}
	if resp.IsException() {
		return fmt.Errorf("device exception 0x%02X writing 0x%04X", exceptionCode(resp), addr)
	}
	return nil
}

func exceptionCode(f frame.Frame) byte {
	if len(f.Payload) > 0 {
		return f.Payload[0]
	}
	return 0
}
