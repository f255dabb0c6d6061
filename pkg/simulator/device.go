// Package simulator provides an in-process stand-in for a physical
// meter. It answers register reads and writes using the exact wire
// encoding real meters produce, so the calibration engine runs unchanged
// against it. Fault injection knobs cover every transport error for
// tests.
package simulator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/enermet/metercal/pkg/frame"
	"github.com/enermet/metercal/pkg/registers"
	"github.com/enermet/metercal/pkg/transport"
)

// Device emulates one meter's register map and command behavior.
// Implements transport.Conn.
type Device struct {
	mu       sync.Mutex
	deviceID byte
	policy   transport.Policy
	store    map[uint16]uint16
	open     bool
	log      *logrus.Entry

	// Reference values per measurement register block; gain writes pull
	// subsequent reads toward these, so the correction loop converges.
	truth map[uint16]float64

	// Fault injection.
	failOpen    bool
	timeoutLeft int
	corruptLeft int
	dropAfter   int
	exchanges   int
}

var _ transport.Conn = (*Device)(nil)

// New creates a device with all registers zeroed and unit gains.
func New(deviceID byte) *Device {
	d := &Device{
		deviceID:  deviceID,
		policy:    transport.DefaultPolicy(),
		store:     make(map[uint16]uint16),
		truth:     make(map[uint16]float64),
		dropAfter: -1,
		log:       logrus.WithField("sim", deviceID),
	}
	for i := 0; i < 16; i++ {
		d.setFloat(registers.GainBase+uint16(i)*2, 1.0)
	}
	return d
}

// SetPolicy overrides the retry budget applied to injected faults.
func (d *Device) SetPolicy(p transport.Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = p
}

// Preload sets a measurement register's true value; reads report
// truth scaled by the current gain for that slot.
func (d *Device) Preload(addr uint16, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.truth[addr] = value
	d.setFloat(addr, value)
}

// PreloadKeyTest makes the key registers report pressed key codes.
func (d *Device) PreloadKeyTest() {
	d.Preload(registers.KeyUp, 1)
	d.Preload(registers.KeyDown, 3)
	d.Preload(registers.KeyEnter, 4)
}

// FloatAt reads back a float register, for test assertions.
func (d *Device) FloatAt(addr uint16) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getFloat(addr)
}

// FailOpen makes Open return ErrConnection.
func (d *Device) FailOpen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpen = true
}

// TimeoutNext makes the next n exchanges time out.
func (d *Device) TimeoutNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeoutLeft = n
}

// CorruptNext makes the next n replies fail their checksum.
func (d *Device) CorruptNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corruptLeft = n
}

// DropAfter severs the link after n more exchanges.
func (d *Device) DropAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropAfter = n
}

// Open implements transport.Conn.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen {
		return errors.Wrap(transport.ErrConnection, "simulated open failure")
	}
	d.open = true
	return nil
}

// Close implements transport.Conn.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Exchange implements transport.Conn. Injected timeouts and corrupted
// replies consume the same retry budget a real session applies; the
// request itself travels through the frame codec rather than being
// short-circuited, so codec regressions surface in engine tests too.
func (d *Device) Exchange(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	d.mu.Lock()
	open := d.open
	attempts := d.policy.Retries + 1
	d.mu.Unlock()
	if !open {
		return frame.Frame{}, transport.ErrConnection
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		resp, err := d.once(req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, transport.ErrConnectionLost) {
			return frame.Frame{}, err
		}
		lastErr = err
	}
	return frame.Frame{}, errors.Wrapf(transport.ErrTimeout, "after %d attempts: %v", attempts, lastErr)
}

func (d *Device) once(req frame.Frame) (frame.Frame, error) {
	d.mu.Lock()
	if d.dropAfter == 0 {
		d.open = false
		d.mu.Unlock()
		return frame.Frame{}, errors.Wrap(transport.ErrConnectionLost, "simulated drop")
	}
	if d.dropAfter > 0 {
		d.dropAfter--
	}
	if d.timeoutLeft > 0 {
		d.timeoutLeft--
		d.mu.Unlock()
		return frame.Frame{}, errors.Wrap(transport.ErrTimeout, "simulated timeout")
	}
	corrupt := d.corruptLeft > 0
	if corrupt {
		d.corruptLeft--
	}
	d.exchanges++
	d.mu.Unlock()

	wire, err := frame.EncodeFrame(req)
	if err != nil {
		return frame.Frame{}, err
	}
	parsed, err := frame.Decode(wire)
	if err != nil {
		return frame.Frame{}, err
	}
	if parsed.DeviceID != d.deviceID {
		return frame.Frame{}, errors.Wrapf(transport.ErrTimeout, "no device %d on link", parsed.DeviceID)
	}

	resp := d.handle(parsed)
	raw, err := frame.EncodeFrame(resp)
	if err != nil {
		return frame.Frame{}, err
	}
	if corrupt && len(resp.Payload) > 0 {
		raw[4] ^= 0xFF
	}
	return frame.Decode(raw)
}

func (d *Device) handle(req frame.Frame) frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Command {
	case frame.CmdReadRegisters:
		addr, count, err := frame.ParseReadPayload(req.Payload)
		if err != nil || count == 0 || count > frame.MaxPayload/2 {
			return d.exception(req, 0x03)
		}
		data := make([]byte, 0, count*2)
		for i := uint16(0); i < count; i++ {
			v := d.store[addr+i]
			data = append(data, byte(v>>8), byte(v))
		}
		return frame.Frame{DeviceID: d.deviceID, Command: req.Command, Payload: data}

	case frame.CmdWriteRegisters:
		addr, data, err := frame.ParseWritePayload(req.Payload)
		if err != nil {
			return d.exception(req, 0x03)
		}
		if d.identityLocked(addr) {
			d.log.Debugf("write to locked identity register 0x%04X rejected", addr)
			return d.exception(req, 0x02)
		}
		for i := 0; i+1 < len(data); i += 2 {
			d.store[addr+uint16(i/2)] = uint16(data[i])<<8 | uint16(data[i+1])
		}
		d.applyGains(addr, uint16(len(data)/2))
		return frame.Frame{DeviceID: d.deviceID, Command: req.Command, Payload: frame.WriteAck(addr, uint16(len(data)/2))}

	default:
		return d.exception(req, 0x01)
	}
}

func (d *Device) exception(req frame.Frame, code byte) frame.Frame {
	return frame.Frame{
		DeviceID: d.deviceID,
		Command:  req.Command | frame.ExceptionFlag,
		Payload:  []byte{code},
	}
}

// identityLocked rejects identity-block writes until the unlock code has
// been written, mirroring real meter behavior.
func (d *Device) identityLocked(addr uint16) bool {
	if addr == registers.Unlock {
		return false
	}
	if addr < registers.SerialNum || addr > registers.CalDone {
		return false
	}
	return d.getFloat(registers.Unlock) != registers.UnlockCode
}

// applyGains refreshes measurement registers after a gain write:
// reported value = truth * gain for the matching slot.
func (d *Device) applyGains(addr, count uint16) {
	if addr+count <= registers.GainBase || addr >= registers.GainBase+32 {
		return
	}
	for slot := 0; slot < 16; slot++ {
		gain := d.getFloat(registers.GainBase + uint16(slot)*2)
		measured := registers.MeasurementBase + uint16(slot)*2
		if truth, ok := d.truth[measured]; ok {
			d.setFloat(measured, truth*gain)
		}
	}
}

func (d *Device) setFloat(addr uint16, v float64) {
	b := frame.PutFloat(nil, v, registers.SwapWords)
	d.store[addr] = uint16(b[0])<<8 | uint16(b[1])
	d.store[addr+1] = uint16(b[2])<<8 | uint16(b[3])
}

func (d *Device) getFloat(addr uint16) float64 {
	b := []byte{
		byte(d.store[addr] >> 8), byte(d.store[addr]),
		byte(d.store[addr+1] >> 8), byte(d.store[addr+1]),
	}
	v, _ := frame.GetFloat(b, registers.SwapWords)
	return v
}
