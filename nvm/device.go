// Package nvm provides a uniform device/partition model over non-volatile
// memory backends: internal flash, external flash, or a POSIX file
// emulation. It enforces alignment and bounds at the device boundary, the
// way the ota package enforces sector/page alignment before any ROM flash
// call.
package nvm

import "errors"

var (
	// ErrInvalid is returned for bad arguments, misaligned addresses, or
	// out-of-bounds access.
	ErrInvalid = errors.New("nvm: invalid argument")
	// ErrNotSupported is returned when the backend lacks the requested
	// capability (write, erase, or sync).
	ErrNotSupported = errors.New("nvm: operation not supported")
	// ErrOutOfRange reports an area index with no registered area; the
	// settings store's Handle.Init returns it when Registry.Area yields nil.
	ErrOutOfRange = errors.New("nvm: index out of range")
)

// Backend is the capability set a concrete storage medium implements.
// Read is mandatory; Write, Erase and Sync are optional and detected via
// the Writer, Eraser and Syncer interfaces below. This replaces the
// teacher's C vtable of four possibly-nil function pointers with ordinary
// Go interface satisfaction, checked once at Device construction.
type Backend interface {
	// Read reads len(buf) bytes starting at the device-absolute address.
	Read(address int64, buf []byte) error
}

// Writer is implemented by backends that support writes.
type Writer interface {
	// Write writes buf at the device-absolute address. On flash, writes may
	// only clear bits (1->0); the caller is responsible for ensuring the
	// target region is erased for the bits being set.
	Write(address int64, buf []byte) error
}

// Eraser is implemented by backends that support erase.
type Eraser interface {
	// Erase resets size bytes starting at address to the erased state.
	Erase(address int64, size int64) error
}

// Syncer is implemented by backends that buffer writes and need an explicit
// flush before a write is considered durable.
type Syncer interface {
	Sync() error
}

// Device is an immutable descriptor binding a name and geometry
// (WriteSize, EraseSize, Size) to a backend. Constructed once at platform
// init and never mutated, matching spec.md's device lifecycle.
type Device struct {
	Name      string
	WriteSize int64 // minimum write granularity in bytes, >=1
	EraseSize int64 // minimum erase granularity in bytes, 0 = erase unsupported
	Size      int64

	backend Backend
	writer  Writer // nil if backend doesn't implement Writer
	eraser  Eraser // nil if backend doesn't implement Eraser
	syncer  Syncer // nil if backend doesn't implement Syncer
}

// NewDevice builds a Device descriptor over backend. writeSize must be >=1.
// eraseSize of 0 means erase is unsupported regardless of whether backend
// implements Eraser.
func NewDevice(name string, backend Backend, writeSize, eraseSize, size int64) (*Device, error) {
	if backend == nil || writeSize < 1 || eraseSize < 0 || size < 0 {
		return nil, ErrInvalid
	}
	d := &Device{
		Name:      name,
		WriteSize: writeSize,
		EraseSize: eraseSize,
		Size:      size,
		backend:   backend,
	}
	if w, ok := backend.(Writer); ok {
		d.writer = w
	}
	if eraseSize > 0 {
		if e, ok := backend.(Eraser); ok {
			d.eraser = e
		}
	}
	if s, ok := backend.(Syncer); ok {
		d.syncer = s
	}
	return d, nil
}

// Read reads len(buf) bytes from the device-absolute address. No alignment
// restriction is enforced beyond the backend's own (typically none for
// reads).
func (d *Device) Read(address int64, buf []byte) error {
	if address < 0 || len(buf) == 0 {
		if len(buf) == 0 {
			return nil
		}
		return ErrInvalid
	}
	return d.backend.Read(address, buf)
}

// Write writes buf to the device-absolute address. Returns ErrNotSupported
// if the backend has no Writer, ErrInvalid if address or len(buf) is not a
// multiple of WriteSize.
func (d *Device) Write(address int64, buf []byte) error {
	if d.writer == nil {
		return ErrNotSupported
	}
	if len(buf) == 0 {
		return nil
	}
	if address%d.WriteSize != 0 || int64(len(buf))%d.WriteSize != 0 {
		return ErrInvalid
	}
	return d.writer.Write(address, buf)
}

// Erase resets size bytes at the device-absolute address to the erased
// state. Returns ErrNotSupported if the backend has no Eraser (or
// EraseSize is 0), ErrInvalid if address or size is not a multiple of
// EraseSize.
func (d *Device) Erase(address int64, size int64) error {
	if d.eraser == nil {
		return ErrNotSupported
	}
	if size == 0 {
		return nil
	}
	if address%d.EraseSize != 0 || size%d.EraseSize != 0 {
		return ErrInvalid
	}
	return d.eraser.Erase(address, size)
}

// Sync flushes any deferred backend state. Returns ErrNotSupported if the
// backend has no Syncer.
func (d *Device) Sync() error {
	if d.syncer == nil {
		return ErrNotSupported
	}
	return d.syncer.Sync()
}

// CanWrite reports whether the backend supports Write.
func (d *Device) CanWrite() bool { return d.writer != nil }

// CanErase reports whether the backend supports Erase.
func (d *Device) CanErase() bool { return d.eraser != nil }

// CanSync reports whether the backend supports Sync.
func (d *Device) CanSync() bool { return d.syncer != nil }
