package posixfile

import (
	"path/filepath"
	"testing"
)

func TestOpenGrowsErased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	b, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	got := make([]byte, 64)
	if err := b.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, v := range got {
		if v != 0xFF {
			t.Fatalf("byte %d = %#02x, want 0xff", i, v)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	b, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	want := []byte("hello flash")
	if err := b.Write(8, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := b.Read(8, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read() = %q, want %q", got, want)
	}
}

func TestReopenPreservesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	b1, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b1.Write(0, []byte("persisted")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b1.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := Open(path, 64)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	got := make([]byte, len("persisted"))
	if err := b2.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("Read() = %q, want %q", got, "persisted")
	}
}

func TestBackendDoesNotImplementEraser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	b, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if _, ok := interface{}(b).(interface{ Erase(int64, int64) error }); ok {
		t.Fatal("posixfile.Backend should not implement Erase")
	}
}
