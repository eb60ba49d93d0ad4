package settings

import (
	"testing"

	"openenterprise/bindicator/nvm"
	"openenterprise/bindicator/nvm/backend/memory"
)

// newTestStore builds a registry with one area of two equally-sized
// partitions (indices 1 and 2) over an in-memory backend, and a Handle
// bound to it, for exercising the save/load protocol end to end.
func newTestStore(t *testing.T) (*Handle, *memory.Backend, *nvm.Area) {
	t.Helper()
	const partSize = int64(4 * 64) // room for several frames per partition
	backend := memory.New(2 * partSize)
	dev, err := nvm.NewDevice("test-flash", backend, 2, partSize, 2*partSize)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	area := &nvm.Area{
		Name:     "settings",
		Device:   dev,
		BaseAddr: 0,
		Size:     2 * partSize,
		Partitions: []nvm.Partition{
			{Offset: 0, Size: partSize},
			{Offset: partSize, Size: partSize},
		},
	}
	registry := nvm.NewRegistry(area)

	h := NewHandle()
	if err := h.Init(registry, 0, 1, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h, backend, area
}

func sampleRecord(callsign string) Record {
	r := DefaultRecord()
	r.SetCallsign(callsign)
	return r
}

func TestRoundTrip(t *testing.T) {
	h, _, area := newTestStore(t)
	want := sampleRecord("N0CALL")
	if err := h.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := NewHandle()
	registry := nvm.NewRegistry(area)
	if err := fresh.Init(registry, 0, 1, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got Record
	if err := fresh.Load(&got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestIdempotentSave(t *testing.T) {
	h, backend, _ := newTestStore(t)
	rec := sampleRecord("K1ABC")

	if err := h.Save(rec); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	countAfterFirst := backend.WriteCount

	if err := h.Save(rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if backend.WriteCount != countAfterFirst {
		t.Fatalf("second identical Save performed a physical write: %d -> %d writes",
			countAfterFirst, backend.WriteCount)
	}
}

func TestAlternation(t *testing.T) {
	h, _, _ := newTestStore(t)
	var lastCounter uint16
	for i := 0; i < 6; i++ {
		rec := sampleRecord(string(rune('A' + i)))
		if err := h.Save(rec); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		if h.latest.Counter == lastCounter {
			t.Fatalf("save %d: counter did not advance", i)
		}
		lastCounter = h.latest.Counter
		if lastCounter%2 == 1 && h.partBStatus != StatusValid {
			t.Fatalf("save %d: counter %d odd but B not marked valid", i, lastCounter)
		}
		if lastCounter%2 == 0 && h.partAStatus != StatusValid {
			t.Fatalf("save %d: counter %d even but A not marked valid", i, lastCounter)
		}
	}
}

func TestFirstBootCounterOneGoesToB(t *testing.T) {
	// Open question in spec.md §9: counter starts at 0 (even, maps to A),
	// but the first real save increments to 1 (odd) before selecting a
	// partition, so the first physical write lands in B.
	h, _, _ := newTestStore(t)
	if err := h.Save(sampleRecord("FIRST")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if h.latest.Counter != 1 {
		t.Fatalf("counter after first save = %d, want 1", h.latest.Counter)
	}
	if h.partBStatus != StatusValid || h.partAStatus == StatusValid {
		t.Fatalf("first save should land in B only: partA=%v partB=%v", h.partAStatus, h.partBStatus)
	}
}

func TestLoadTieBreaksToA(t *testing.T) {
	h, _, area := newTestStore(t)

	fA := DefaultFrame(sampleRecord("AAAAA"))
	fA.Counter = 7
	fA.CRC = fA.computeCRC()
	rawA, _ := fA.marshal()
	if err := area.Write(1, 0, rawA); err != nil {
		t.Fatalf("seed A: %v", err)
	}

	fB := DefaultFrame(sampleRecord("BBBBB"))
	fB.Counter = 7
	fB.CRC = fB.computeCRC()
	rawB, _ := fB.marshal()
	if err := area.Write(2, 0, rawB); err != nil {
		t.Fatalf("seed B: %v", err)
	}

	var got Record
	if err := h.Load(&got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CallsignString() != "AAAAA" {
		t.Fatalf("Load() callsign = %q, want AAAAA (tie breaks to A)", got.CallsignString())
	}
}

func TestLoadTornWriteFallsBackToOlderFrame(t *testing.T) {
	h, _, area := newTestStore(t)

	fA := DefaultFrame(sampleRecord("GOODA"))
	fA.Counter = 10
	fA.CRC = fA.computeCRC()
	rawA, _ := fA.marshal()
	if err := area.Write(1, 0, rawA); err != nil {
		t.Fatalf("seed A: %v", err)
	}

	fB := DefaultFrame(sampleRecord("TORNB"))
	fB.Counter = 11
	fB.CRC = fB.computeCRC()
	rawB, _ := fB.marshal()
	if err := area.Write(2, 0, rawB); err != nil {
		t.Fatalf("seed B: %v", err)
	}
	// Corrupt B's CRC byte to simulate a torn write.
	if err := area.Write(2, int64(frameSize-1), []byte{0x00}); err != nil {
		t.Fatalf("corrupt B: %v", err)
	}

	var got Record
	if err := h.Load(&got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CallsignString() != "GOODA" {
		t.Fatalf("Load() callsign = %q, want GOODA (B's last frame is torn)", got.CallsignString())
	}
	if !h.writeNeeded {
		t.Fatalf("writeNeeded should be set after falling back from a torn B")
	}
}

func TestPowerLossDurability(t *testing.T) {
	h, backend, area := newTestStore(t)
	partSize := backend.Len() / 2

	var last, secondLast Record
	var lastOffset int64
	for i := 0; i < 5; i++ {
		rec := sampleRecord(string(rune('V' + i)))
		if err := h.Save(rec); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		secondLast = last
		last = rec
		if h.latest.Counter%2 == 1 {
			lastOffset = partSize + h.partBOffset - int64(frameSize)
		} else {
			lastOffset = h.partAOffset - int64(frameSize)
		}
	}

	// Simulate power loss partway through the last physical write: the
	// header (magic/length/counter) survives, the tail does not, so the
	// frame's CRC no longer matches and the scan treats it as corrupt.
	backend.Truncate(lastOffset + 10)

	fresh := NewHandle()
	reg := nvm.NewRegistry(area)
	if err := fresh.Init(reg, 0, 1, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var got Record
	if err := fresh.Load(&got); err != nil {
		t.Fatalf("Load after truncation: %v", err)
	}
	if got != last && got != secondLast {
		t.Fatalf("Load() after power loss = %+v, want last (%+v) or second-last (%+v)", got, last, secondLast)
	}
}

func TestSaveFallsBackToManualEraseWhenUnsupported(t *testing.T) {
	const partSize = int64(2 * 64)
	backend := memory.New(2 * partSize)
	noErase := memory.NoErase{B: backend}
	dev, err := nvm.NewDevice("posix-like", noErase, 2, 0, 2*partSize)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	area := &nvm.Area{
		Name:     "settings",
		Device:   dev,
		BaseAddr: 0,
		Size:     2 * partSize,
		Partitions: []nvm.Partition{
			{Offset: 0, Size: partSize},
			{Offset: partSize, Size: partSize},
		},
	}
	registry := nvm.NewRegistry(area)
	h := NewHandle()
	if err := h.Init(registry, 0, 1, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Fill partition A until it can no longer hold another frame, forcing
	// the manual 0xFF-fill fallback path on the next save that lands there.
	framesPerPart := int(partSize / int64(frameSize))
	for i := 0; i < framesPerPart*2+2; i++ {
		if err := h.Save(sampleRecord(string(rune('a' + i%20)))); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	var got Record
	if err := h.Load(&got); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
