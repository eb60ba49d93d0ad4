package settings

import (
	"encoding/binary"
	"testing"
)

// fakeArea is a minimal areaReader backed by a flat byte slice, used to
// drive frame/scan logic without pulling in the nvm package.
type fakeArea struct {
	data []byte
}

func newFakeArea(size int64) *fakeArea {
	a := &fakeArea{data: make([]byte, size)}
	for i := range a.data {
		a.data[i] = 0xFF
	}
	return a
}

func (a *fakeArea) Read(part int, offset int64, buf []byte) error {
	copy(buf, a.data[offset:offset+int64(len(buf))])
	return nil
}

func (a *fakeArea) writeFrame(offset int64, f Frame) {
	raw, err := f.marshal()
	if err != nil {
		panic(err)
	}
	copy(a.data[offset:], raw)
}

func TestDefaultFrameRoundTrips(t *testing.T) {
	area := newFakeArea(4096)
	f := DefaultFrame(DefaultRecord())
	area.writeFrame(0, f)

	got, onDiskLen, status, err := readFrame(area, 0, 0)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if status != StatusValid {
		t.Fatalf("status = %v, want VALID", status)
	}
	if onDiskLen != frameSize {
		t.Fatalf("onDiskLen = %d, want %d", onDiskLen, frameSize)
	}
	if got.Payload != DefaultRecord() {
		t.Fatalf("payload mismatch: got %+v, want %+v", got.Payload, DefaultRecord())
	}
}

func TestReadFrameCorruptMagic(t *testing.T) {
	area := newFakeArea(4096)
	f := DefaultFrame(DefaultRecord())
	area.writeFrame(0, f)
	binary.LittleEndian.PutUint32(area.data[0:4], 0xDEADBEEF)

	_, _, status, err := readFrame(area, 0, 0)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if status != StatusCorrupt {
		t.Fatalf("status = %v, want CORRUPT", status)
	}
}

func TestReadFrameBadCRC(t *testing.T) {
	area := newFakeArea(4096)
	f := DefaultFrame(DefaultRecord())
	area.writeFrame(0, f)
	area.data[frameSize-1] ^= 0xFF // flip a CRC byte

	_, _, status, err := readFrame(area, 0, 0)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if status != StatusCorrupt {
		t.Fatalf("status = %v, want CORRUPT", status)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	area := newFakeArea(4096)
	f := DefaultFrame(DefaultRecord())
	f.Length = uint16(frameSize + 8)
	area.writeFrame(0, f)
	binary.LittleEndian.PutUint16(area.data[4:6], f.Length)

	_, _, _, err := readFrame(area, 0, 0)
	if err != ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestReadFrameStaleFillsDefaults(t *testing.T) {
	area := newFakeArea(4096)

	// Build a frame 8 bytes shorter than current, as an older firmware
	// version would have (spec.md §8 Scenario E).
	rec := DefaultRecord()
	rec.SetCallsign("W1AW")
	full := DefaultFrame(rec)
	raw, err := full.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	staleLen := frameSize - 8
	stale := make([]byte, staleLen)
	copy(stale, raw[:staleLen-2])
	binary.LittleEndian.PutUint16(stale[4:6], uint16(staleLen))
	crc := crc16CCITT(stale[:staleLen-2])
	binary.LittleEndian.PutUint16(stale[staleLen-2:staleLen], crc)
	copy(area.data, stale)

	got, onDiskLen, status, err := readFrame(area, 0, 0)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if status != StatusStale {
		t.Fatalf("status = %v, want STALE", status)
	}
	if onDiskLen != staleLen {
		t.Fatalf("onDiskLen = %d, want %d", onDiskLen, staleLen)
	}
	if got.Payload.CallsignString() != "W1AW" {
		t.Fatalf("callsign = %q, want W1AW (bytes present on disk)", got.Payload.CallsignString())
	}
	if got.Payload.RFPower != RFPowerMid || got.Payload.Flags != FlagBeepEnabled {
		t.Fatalf("fields past the stale cut should default, got RFPower=%v Flags=%v",
			got.Payload.RFPower, got.Payload.Flags)
	}
}
