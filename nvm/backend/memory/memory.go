// Package memory provides an in-memory nvm.Backend for tests: a plain byte
// slice standing in for flash, with erase filling 0xFF and wrapper types
// that expose only a subset of capabilities so tests can exercise
// ErrNotSupported paths, in the same reset-able, fully inspectable
// in-process stand-in style as telemetry/stub_test.go's ResetState.
package memory

import "errors"

// Backend is a []byte-backed nvm.Backend implementing Read, Write, Erase
// and Sync. The zero value is not usable; build one with New.
type Backend struct {
	data []byte

	WriteCount int
	EraseCount int
	SyncCount  int
}

// New returns a Backend of the given size, initialized to the erased state
// (0xFF).
func New(size int64) *Backend {
	b := &Backend{data: make([]byte, size)}
	for i := range b.data {
		b.data[i] = 0xFF
	}
	return b
}

// Read copies len(buf) bytes starting at address into buf.
func (b *Backend) Read(address int64, buf []byte) error {
	if address < 0 || address+int64(len(buf)) > int64(len(b.data)) {
		return errors.New("memory: read out of range")
	}
	copy(buf, b.data[address:address+int64(len(buf))])
	return nil
}

// Write implements nvm.Writer. Flash semantics: a write can only clear
// bits, never set them, so it's ANDed into the backing array rather than
// copied, to surface bugs where a caller forgets to erase first.
func (b *Backend) Write(address int64, buf []byte) error {
	if address < 0 || address+int64(len(buf)) > int64(len(b.data)) {
		return errors.New("memory: write out of range")
	}
	for i, v := range buf {
		b.data[address+int64(i)] &= v
	}
	b.WriteCount++
	return nil
}

// Erase implements nvm.Eraser, filling size bytes at address with 0xFF.
func (b *Backend) Erase(address int64, size int64) error {
	if address < 0 || address+size > int64(len(b.data)) {
		return errors.New("memory: erase out of range")
	}
	for i := int64(0); i < size; i++ {
		b.data[address+i] = 0xFF
	}
	b.EraseCount++
	return nil
}

// Sync implements nvm.Syncer as a no-op counter increment.
func (b *Backend) Sync() error {
	b.SyncCount++
	return nil
}

// Truncate simulates a power loss mid-write by resetting every byte from
// offset to the end of the device back to the erased state (0xFF). Used by
// the power-loss durability property test (spec.md §8, invariant 4).
func (b *Backend) Truncate(offset int64) {
	for i := offset; i < int64(len(b.data)); i++ {
		b.data[i] = 0xFF
	}
}

// Len returns the backing size.
func (b *Backend) Len() int64 { return int64(len(b.data)) }

// Snapshot returns a copy of the raw bytes, for assertions in tests.
func (b *Backend) Snapshot() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// NoWrite wraps a Backend exposing only Read and Erase, for tests that
// simulate a backend whose write hook is absent (nvm.Device.CanWrite()
// false, every Write returns nvm.ErrNotSupported).
type NoWrite struct{ B *Backend }

func (n NoWrite) Read(address int64, buf []byte) error  { return n.B.Read(address, buf) }
func (n NoWrite) Erase(address int64, size int64) error { return n.B.Erase(address, size) }

// NoErase wraps a Backend exposing only Read and Write, simulating a
// backend whose erase hook is absent — exactly the POSIX-file emulation
// case spec.md §4.8 describes, where write_store must fall back to
// manually overwriting with 0xFF.
type NoErase struct{ B *Backend }

func (n NoErase) Read(address int64, buf []byte) error  { return n.B.Read(address, buf) }
func (n NoErase) Write(address int64, buf []byte) error { return n.B.Write(address, buf) }

// NoSync wraps a Backend exposing only Read, Write and Erase.
type NoSync struct{ B *Backend }

func (n NoSync) Read(address int64, buf []byte) error  { return n.B.Read(address, buf) }
func (n NoSync) Write(address int64, buf []byte) error { return n.B.Write(address, buf) }
func (n NoSync) Erase(address int64, size int64) error { return n.B.Erase(address, size) }
