//go:build tinygo

// Package internalflash adapts the board's internal flash ROM routines to
// nvm.Backend. It is a thin wrapper around the ota package's direct ROM
// flash primitives (ota_flash_write/ota_flash_erase, reached via the cgo
// block in ota/ota.go) — the settings store and OTA firmware updates share
// one real hardware path, with no duplicated ROM-lookup code.
package internalflash

import (
	"errors"

	"openenterprise/bindicator/ota"
)

// ErrOutOfRange is returned when an access would fall outside the
// described flash size.
var ErrOutOfRange = errors.New("internalflash: out of range")

// PageSize and SectorSize mirror ota.PageSize/ota.SectorSize: the minimum
// write and erase granularities of the RP2350's internal flash.
const (
	PageSize   = ota.PageSize
	SectorSize = ota.SectorSize
)

// Backend implements nvm.Backend/Writer/Eraser over the whole internal
// flash chip. address/offset are raw flash-relative byte offsets, the same
// convention ota.WriteChunk/ota.EraseSector use (not XIP addresses).
type Backend struct {
	size int64
}

// New returns a Backend describing size bytes of internal flash.
func New(size int64) *Backend {
	return &Backend{size: size}
}

// Read reads len(buf) bytes from flash starting at address.
func (b *Backend) Read(address int64, buf []byte) error {
	if address < 0 || address+int64(len(buf)) > b.size {
		return ErrOutOfRange
	}
	return ota.ReadFlash(uint32(address), buf)
}

// Write writes buf to flash starting at address, via the board's ROM
// flash-program routine.
func (b *Backend) Write(address int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if address < 0 || address+int64(len(buf)) > b.size {
		return ErrOutOfRange
	}
	return ota.WriteChunk(uint32(address), buf)
}

// Erase erases size bytes starting at address, in SectorSize chunks, via
// the board's ROM flash-erase routine.
func (b *Backend) Erase(address int64, size int64) error {
	if address < 0 || address+size > b.size {
		return ErrOutOfRange
	}
	for off := int64(0); off < size; off += SectorSize {
		if err := ota.EraseSector(uint32(address + off)); err != nil {
			return err
		}
	}
	return nil
}

// PageBuffered wraps a Backend to present a 1-byte write granularity to
// nvm.NewDevice, instead of the ROM routine's true PageSize page-program
// alignment. Every Write reads the containing page, copies the new bytes
// over that page image, and reprograms the whole page; the page program
// itself can only clear bits, so a bit already 0 on flash stays 0 without
// an erase. Consumers with small, unaligned records — like the settings
// store's append-only frame log — need this; OTA image writes go straight
// through Backend instead, since they're already page-sized and -aligned.
type PageBuffered struct {
	backend *Backend
}

// NewPageBuffered wraps backend for byte-granular writes.
func NewPageBuffered(backend *Backend) *PageBuffered {
	return &PageBuffered{backend: backend}
}

// Read reads len(buf) bytes starting at address.
func (p *PageBuffered) Read(address int64, buf []byte) error {
	return p.backend.Read(address, buf)
}

// Write programs buf at address, RMW-ing through whichever flash pages it
// overlaps.
func (p *PageBuffered) Write(address int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var page [PageSize]byte
	end := address + int64(len(buf))
	for pageStart := address - address%PageSize; pageStart < end; pageStart += PageSize {
		if err := p.backend.Read(pageStart, page[:]); err != nil {
			return err
		}
		// Overlap of [address, end) with this page, in page-local coords.
		loAddr := address
		if pageStart > loAddr {
			loAddr = pageStart
		}
		hiAddr := end
		if pageStart+PageSize < hiAddr {
			hiAddr = pageStart + PageSize
		}
		copy(page[loAddr-pageStart:hiAddr-pageStart], buf[loAddr-address:hiAddr-address])
		if err := p.backend.Write(pageStart, page[:]); err != nil {
			return err
		}
	}
	return nil
}

// Erase delegates straight to Backend.Erase.
func (p *PageBuffered) Erase(address int64, size int64) error {
	return p.backend.Erase(address, size)
}
