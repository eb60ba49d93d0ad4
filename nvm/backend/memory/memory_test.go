package memory

import "testing"

func TestNewFillsErasedState(t *testing.T) {
	b := New(16)
	buf := make([]byte, 16)
	if err := b.Read(0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, v := range buf {
		if v != 0xFF {
			t.Fatalf("byte %d = %#02x, want 0xff", i, v)
		}
	}
}

func TestWriteOnlyClearsBits(t *testing.T) {
	b := New(4)
	if err := b.Write(0, []byte{0x0F}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Writing 0xF0 after 0x0F is already programmed should leave 0x00:
	// AND-ed bit-by-bit, no bit that's already 0 can be set back to 1.
	if err := b.Write(0, []byte{0xF0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 1)
	b.Read(0, got)
	if got[0] != 0x00 {
		t.Fatalf("got %#02x, want 0x00 (bits can only clear, never set)", got[0])
	}
}

func TestEraseResetsToErasedState(t *testing.T) {
	b := New(8)
	b.Write(0, []byte{0x00, 0x00})
	if err := b.Erase(0, 8); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got := b.Snapshot()
	for i, v := range got {
		if v != 0xFF {
			t.Fatalf("byte %d = %#02x after erase, want 0xff", i, v)
		}
	}
	if b.EraseCount != 1 {
		t.Fatalf("EraseCount = %d, want 1", b.EraseCount)
	}
}

func TestTruncateSimulatesPowerLoss(t *testing.T) {
	b := New(8)
	b.Write(0, []byte{0x00, 0x00, 0x00, 0x00})
	b.Truncate(2)
	got := b.Snapshot()
	want := []byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#02x, want %#02x", i, got[i], want[i])
		}
	}
}

// TestCapabilityWrappersHideHooks verifies the wrapper types expose only
// their intended method subset — NOT via embedding, which would promote
// every method of *Backend regardless of which wrapper is used.
func TestCapabilityWrappersHideHooks(t *testing.T) {
	b := New(16)

	var noWrite interface{} = NoWrite{B: b}
	if _, ok := noWrite.(interface{ Write(int64, []byte) error }); ok {
		t.Fatal("NoWrite should not expose Write")
	}

	var noErase interface{} = NoErase{B: b}
	if _, ok := noErase.(interface{ Erase(int64, int64) error }); ok {
		t.Fatal("NoErase should not expose Erase")
	}

	var noSync interface{} = NoSync{B: b}
	if _, ok := noSync.(interface{ Sync() error }); ok {
		t.Fatal("NoSync should not expose Sync")
	}
}
