package frame

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{DeviceID: 1, Command: CmdReadRegisters, Payload: ReadPayload(0x2580, 2)},
		{DeviceID: 7, Command: CmdWriteRegisters, Payload: WritePayload(0x17A6, []byte{0x44, 0xFC, 0xE0, 0x00})},
		{DeviceID: 20, Command: CmdReadRegisters},
		{DeviceID: 0, Command: CmdReadRegisters | ExceptionFlag, Payload: []byte{0x01}},
	}
	for _, want := range cases {
		raw, err := EncodeFrame(want)
		if err != nil {
			t.Fatalf("encode %v: %v", want, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %v: %v", want, err)
		}
		if !Equal(got, want) {
			t.Fatalf("round trip mismatch: got %v want %v", got, want)
		}
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(CmdWriteRegisters, 1, make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Encode(CmdWriteRegisters, 1, make([]byte, MaxPayload)); err != nil {
		t.Fatalf("payload at the limit must encode, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	raw, _ := Encode(CmdReadRegisters, 3, ReadPayload(0, 9))

	short := raw[:5]
	if _, err := Decode(short); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("short frame: expected ErrMalformedFrame, got %v", err)
	}

	noStart := append([]byte(nil), raw...)
	noStart[0] = 0x00
	if _, err := Decode(noStart); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("bad start marker: expected ErrMalformedFrame, got %v", err)
	}

	noEnd := append([]byte(nil), raw...)
	noEnd[len(noEnd)-1] = 0x00
	if _, err := Decode(noEnd); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("bad end marker: expected ErrMalformedFrame, got %v", err)
	}

	badLen := append([]byte(nil), raw...)
	badLen[3]++
	if _, err := Decode(badLen); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("bad length byte: expected ErrMalformedFrame, got %v", err)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	raw, err := Encode(CmdWriteRegisters, 5, WritePayload(0x2580, []byte{0x44, 0xFC, 0xE0, 0x00}))
	if err != nil {
		t.Fatal(err)
	}
	// Flip every payload byte in turn; each flip must be rejected.
	for i := 4; i < len(raw)-3; i++ {
		mut := append([]byte(nil), raw...)
		mut[i] ^= 0xFF
		if _, err := Decode(mut); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("flipped byte %d: expected ErrChecksumMismatch, got %v", i, err)
		}
	}
}

func TestCRC16KnownValue(t *testing.T) {
	// Reference vector for the reflected-0xA001 check: standard Modbus
	// read request 01 03 00 00 00 0A has CRC 0xCDC5.
	got := CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	if got != 0xCDC5 {
		t.Fatalf("CRC16 = 0x%04X, want 0xCDC5", got)
	}
}

func TestFrameLength(t *testing.T) {
	raw, _ := Encode(CmdReadRegisters, 2, ReadPayload(0x0000, 18))
	if n, err := FrameLength(raw[:2]); err != nil || n != 0 {
		t.Fatalf("incomplete header: got (%d, %v), want (0, nil)", n, err)
	}
	if n, err := FrameLength(raw); err != nil || n != len(raw) {
		t.Fatalf("complete frame: got (%d, %v), want (%d, nil)", n, err, len(raw))
	}
	if _, err := FrameLength([]byte{0x55}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("garbage lead byte: expected ErrMalformedFrame, got %v", err)
	}
}

func TestFloatWords(t *testing.T) {
	for _, swap := range []bool{false, true} {
		b := PutFloat(nil, 230.5, swap)
		if len(b) != 4 {
			t.Fatalf("float must occupy 4 bytes, got %d", len(b))
		}
		v, err := GetFloat(b, swap)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(v-230.5) > 1e-6 {
			t.Fatalf("swap=%v: got %v want 230.5", swap, v)
		}
	}

	// Swapped words decode differently from straight words.
	straight := PutFloat(nil, 230.5, false)
	swapped := PutFloat(nil, 230.5, true)
	if bytes.Equal(straight, swapped) {
		t.Fatal("word swap must change the encoding")
	}
}

func TestWritePayloadRoundTrip(t *testing.T) {
	data := PutFloat(nil, 1200126, false)
	p := WritePayload(0x17AE, data)
	addr, got, err := ParseWritePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x17AE || !bytes.Equal(got, data) {
		t.Fatalf("write payload round trip: addr=0x%04X data=%X", addr, got)
	}

	if _, _, err := ParseWritePayload(p[:3]); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("truncated write payload: expected ErrMalformedFrame, got %v", err)
	}
}
