package settings

import (
	"encoding/binary"
	"testing"
)

func TestParsePartitionEmpty(t *testing.T) {
	area := newFakeArea(1024)
	_, outcome, err := parsePartition(area, 0, 1024)
	if err != nil {
		t.Fatalf("parsePartition: %v", err)
	}
	if outcome != scanEmptyPartition {
		t.Fatalf("outcome = %v, want scanEmptyPartition", outcome)
	}
}

func TestParsePartitionFindsNewestHeader(t *testing.T) {
	area := newFakeArea(1024)
	f0 := DefaultFrame(DefaultRecord())
	area.writeFrame(0, f0)
	f1 := f0
	f1.Counter = 1
	f1.CRC = f1.computeCRC()
	area.writeFrame(int64(frameSize), f1)

	h, outcome, err := parsePartition(area, 0, 1024)
	if err != nil {
		t.Fatalf("parsePartition: %v", err)
	}
	if outcome != scanFound {
		t.Fatalf("outcome = %v, want scanFound", outcome)
	}
	if h != int64(frameSize) {
		t.Fatalf("h = %d, want %d", h, frameSize)
	}
}

func TestParsePartitionMalformedChain(t *testing.T) {
	area := newFakeArea(1024)
	f0 := DefaultFrame(DefaultRecord())
	area.writeFrame(0, f0)
	// Garbage magic where the next header (or free slot) should be.
	binary.LittleEndian.PutUint32(area.data[frameSize:frameSize+4], 0x12345678)

	_, outcome, err := parsePartition(area, 0, 1024)
	if err != nil {
		t.Fatalf("parsePartition: %v", err)
	}
	if outcome != scanMalformed {
		t.Fatalf("outcome = %v, want scanMalformed", outcome)
	}
}

func TestFindLatestValidStoreBacksOffCorruptTail(t *testing.T) {
	area := newFakeArea(1024)
	good := DefaultFrame(DefaultRecord())
	good.Counter = 4
	good.CRC = good.computeCRC()
	area.writeFrame(0, good)

	bad := good
	bad.Counter = 5
	bad.CRC = bad.computeCRC()
	area.writeFrame(int64(frameSize), bad)
	// Corrupt the second frame's CRC so it looks like a torn write.
	area.data[2*frameSize-1] ^= 0xFF

	status, frame, freeOffset, err := findLatestValidStore(area, 0, 1024)
	if err != nil {
		t.Fatalf("findLatestValidStore: %v", err)
	}
	if status != StatusValid {
		t.Fatalf("status = %v, want VALID", status)
	}
	if frame.Counter != 4 {
		t.Fatalf("counter = %d, want 4 (older valid frame)", frame.Counter)
	}
	// The free-offset pointer stays past the corrupt tail, per spec.md §4.5:
	// the next save detects no room before it and erases.
	if freeOffset != int64(2*frameSize) {
		t.Fatalf("freeOffset = %d, want %d", freeOffset, 2*frameSize)
	}
}
