// Package frame implements the wire codec for the meter link protocol.
//
// A frame on the wire looks like:
//
//	[0x68][device id][command][length][payload...][crc lo][crc hi][0x16]
//
// The checksum is CRC16 (reflected 0xA001 polynomial, init 0xFFFF) over
// device id, command, length and payload, appended little-endian. The
// start/end markers and the CRC algorithm are protocol constants shared
// with the simulated device.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	StartMarker byte = 0x68
	EndMarker   byte = 0x16

	// MaxPayload is the largest payload the link accepts in one frame.
	MaxPayload = 250

	// Overhead is the number of non-payload bytes in an encoded frame.
	Overhead = 7
)

// Command codes understood by the meters.
const (
	CmdReadRegisters  byte = 0x03
	CmdWriteRegisters byte = 0x10

	// ExceptionFlag is set on the command byte of an error reply.
	ExceptionFlag byte = 0x80
)

var (
	ErrPayloadTooLarge  = errors.New("payload exceeds protocol maximum")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// Frame is one complete protocol message.
type Frame struct {
	DeviceID byte
	Command  byte
	Payload  []byte
}

// IsException reports whether the frame is a device error reply.
func (f Frame) IsException() bool {
	return f.Command&ExceptionFlag != 0
}

func (f Frame) String() string {
	return fmt.Sprintf("dev=%d cmd=0x%02X len=%d", f.DeviceID, f.Command, len(f.Payload))
}

// CRC16 computes the reflected-0xA001 checksum used by the link.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Encode serializes a frame for the wire.
func Encode(cmd, deviceID byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, len(payload)+Overhead)
	buf = append(buf, StartMarker, deviceID, cmd, byte(len(payload)))
	buf = append(buf, payload...)
	crc := CRC16(buf[1:])
	buf = append(buf, byte(crc&0xFF), byte(crc>>8), EndMarker)
	return buf, nil
}

// EncodeFrame is Encode for a constructed Frame value.
func EncodeFrame(f Frame) ([]byte, error) {
	return Encode(f.Command, f.DeviceID, f.Payload)
}

// Decode parses one complete frame. Structural damage yields
// ErrMalformedFrame, an integrity failure ErrChecksumMismatch. Both are
// recoverable decode errors.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < Overhead {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(raw))
	}
	if raw[0] != StartMarker || raw[len(raw)-1] != EndMarker {
		return Frame{}, fmt.Errorf("%w: missing markers", ErrMalformedFrame)
	}
	length := int(raw[3])
	if len(raw) != length+Overhead {
		return Frame{}, fmt.Errorf("%w: length byte %d does not match frame size %d", ErrMalformedFrame, length, len(raw))
	}
	body := raw[1 : len(raw)-3]
	got := binary.LittleEndian.Uint16(raw[len(raw)-3 : len(raw)-1])
	if want := CRC16(body); got != want {
		return Frame{}, fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrChecksumMismatch, got, want)
	}
	f := Frame{DeviceID: raw[1], Command: raw[2]}
	if length > 0 {
		f.Payload = append([]byte(nil), raw[4:4+length]...)
	}
	return f, nil
}

// FrameLength inspects a partially received buffer and returns the total
// length of the frame it starts with, or 0 if more bytes are needed.
// Buffers not starting with the start marker are malformed immediately.
func FrameLength(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != StartMarker {
		return 0, fmt.Errorf("%w: bad start marker 0x%02X", ErrMalformedFrame, buf[0])
	}
	if len(buf) < 4 {
		return 0, nil
	}
	return int(buf[3]) + Overhead, nil
}

// Equal reports payload-exact equality of two frames.
func Equal(a, b Frame) bool {
	return a.DeviceID == b.DeviceID && a.Command == b.Command && bytes.Equal(a.Payload, b.Payload)
}

// Register value helpers. Floats occupy two consecutive 16-bit registers,
// IEEE 754 big-endian; some meter models store the two words swapped.

// PutFloat appends a float value as two registers.
func PutFloat(dst []byte, v float64, swapWords bool) []byte {
	bits := math.Float32bits(float32(v))
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)
	if swapWords {
		hi, lo = lo, hi
	}
	dst = binary.BigEndian.AppendUint16(dst, hi)
	dst = binary.BigEndian.AppendUint16(dst, lo)
	return dst
}

// GetFloat reads a float value from two registers.
func GetFloat(src []byte, swapWords bool) (float64, error) {
	if len(src) < 4 {
		return 0, fmt.Errorf("%w: float needs 4 bytes, have %d", ErrMalformedFrame, len(src))
	}
	hi := binary.BigEndian.Uint16(src[0:2])
	lo := binary.BigEndian.Uint16(src[2:4])
	if swapWords {
		hi, lo = lo, hi
	}
	return float64(math.Float32frombits(uint32(hi)<<16 | uint32(lo))), nil
}

// Read/write PDU builders. Addresses and counts are big-endian 16-bit,
// matching the meters' register addressing.

// ReadPayload builds the payload of a register read request.
func ReadPayload(addr, count uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], count)
	return p
}

// WritePayload builds the payload of a multi-register write request.
func WritePayload(addr uint16, data []byte) []byte {
	count := uint16(len(data) / 2)
	p := make([]byte, 5, 5+len(data))
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], count)
	p[4] = byte(len(data))
	return append(p, data...)
}

// ParseReadPayload splits a read request payload.
func ParseReadPayload(p []byte) (addr, count uint16, err error) {
	if len(p) != 4 {
		return 0, 0, fmt.Errorf("%w: read payload is %d bytes", ErrMalformedFrame, len(p))
	}
	return binary.BigEndian.Uint16(p[0:2]), binary.BigEndian.Uint16(p[2:4]), nil
}

// ParseWritePayload splits a write request payload.
func ParseWritePayload(p []byte) (addr uint16, data []byte, err error) {
	if len(p) < 5 {
		return 0, nil, fmt.Errorf("%w: write payload is %d bytes", ErrMalformedFrame, len(p))
	}
	byteCount := int(p[4])
	if len(p) != 5+byteCount {
		return 0, nil, fmt.Errorf("%w: write byte count %d does not match payload", ErrMalformedFrame, byteCount)
	}
	return binary.BigEndian.Uint16(p[0:2]), p[5:], nil
}

// WriteAck builds the payload echoed back by a successful register write.
func WriteAck(addr, count uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], count)
	return p
}
