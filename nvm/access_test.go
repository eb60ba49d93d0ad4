package nvm

import "testing"

func testArea(t *testing.T) *Area {
	t.Helper()
	b := &fakeBackend{}
	d, err := NewDevice("dev", b, 1, 64, 4096)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return &Area{
		Name:     "area",
		Device:   d,
		BaseAddr: 128,
		Size:     2048,
		Partitions: []Partition{
			{Offset: 0, Size: 1024},
			{Offset: 1024, Size: 1024},
		},
	}
}

func TestPartitionZeroSynthesizesWholeArea(t *testing.T) {
	a := testArea(t)
	p, err := a.Partition(0)
	if err != nil {
		t.Fatalf("Partition(0): %v", err)
	}
	if p.Offset != 0 || p.Size != a.Size {
		t.Fatalf("Partition(0) = %+v, want {0, %d}", p, a.Size)
	}
}

func TestPartitionLookupBounds(t *testing.T) {
	a := testArea(t)
	if _, err := a.Partition(1); err != nil {
		t.Fatalf("Partition(1): %v", err)
	}
	if _, err := a.Partition(2); err != nil {
		t.Fatalf("Partition(2): %v", err)
	}
	if _, err := a.Partition(3); err != ErrInvalid {
		t.Fatalf("Partition(3) = %v, want ErrInvalid", err)
	}
	if _, err := a.Partition(-1); err != ErrInvalid {
		t.Fatalf("Partition(-1) = %v, want ErrInvalid", err)
	}
}

// TestAccessBoundsEnforced is invariant 6 (spec.md §8): offset+len beyond
// partition size fails with ErrInvalid.
func TestAccessBoundsEnforced(t *testing.T) {
	a := testArea(t)

	if err := a.Read(1, 1000, make([]byte, 25)); err != ErrInvalid {
		t.Fatalf("Read over partition end = %v, want ErrInvalid", err)
	}
	if err := a.Read(1, 0, make([]byte, 1024)); err != nil {
		t.Fatalf("Read exactly to partition end = %v, want nil", err)
	}
	if err := a.Write(2, 1020, make([]byte, 5)); err != ErrInvalid {
		t.Fatalf("Write over partition end = %v, want ErrInvalid", err)
	}
	if err := a.Erase(2, 0, 2000); err != ErrInvalid {
		t.Fatalf("Erase over partition end = %v, want ErrInvalid", err)
	}
}

func TestAccessRejectsOverflowingLength(t *testing.T) {
	a := testArea(t)
	const maxInt64 = 1<<63 - 1
	if err := a.Read(1, 10, make([]byte, 0)); err != nil {
		t.Fatalf("zero-length read should succeed: %v", err)
	}
	_, err := a.resolve(1, maxInt64-5, 10)
	if err != ErrInvalid {
		t.Fatalf("resolve with overflowing offset+length = %v, want ErrInvalid", err)
	}
}

func TestAreaAppliesBaseAddr(t *testing.T) {
	a := testArea(t)
	addr, err := a.resolve(2, 10, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := a.BaseAddr + a.Partitions[1].Offset + 10
	if addr != want {
		t.Fatalf("resolve() = %d, want %d", addr, want)
	}
}

func TestRegistryLookup(t *testing.T) {
	a1, a2 := testArea(t), testArea(t)
	r := NewRegistry(a1, a2)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if r.Area(0) != a1 || r.Area(1) != a2 {
		t.Fatal("Area(idx) did not return the expected descriptor")
	}
	if r.Area(2) != nil || r.Area(-1) != nil {
		t.Fatal("out-of-range Area(idx) should return nil")
	}
}
