// Package settings implements the wear-aware, power-fail-safe persistent
// configuration store: an append-only A/B log over two nvm.Area partitions,
// with magic-number framing, CRC-16/CCITT integrity, a monotonic save
// counter, forward-compatible record length, and erase-on-full semantics.
//
// Frames are written back-to-back with no inter-frame padding, so the
// device backing a settings area must declare a write_size that evenly
// divides sizeof(Frame); internal/SPI flash backends typically use 1 or 2
// here rather than their bulk-transfer page size.
package settings

import (
	"errors"

	"openenterprise/bindicator/nvm"
)

var (
	// ErrNotFound names the empty-partition case. The scan reports an empty
	// partition through its own outcome value and Load maps it to defaults,
	// so no function in this package returns ErrNotFound.
	ErrNotFound = errors.New("settings: partition empty")
	// ErrIllSequence names a partition whose header chain is corrupt. The
	// scan reports that case through its own outcome value; no function in
	// this package returns ErrIllSequence.
	ErrIllSequence = errors.New("settings: corrupt partition chain")
)

// Handle is the single-owner, mutable state for one settings store: which
// area and partitions it lives in, the cached newest frame, and the two
// partitions' write cursors and states (spec.md §3 "Settings Storage
// Handle"). Zero value is usable once Init is called.
type Handle struct {
	area        *nvm.Area
	partA       int
	partB       int
	partAOffset int64
	partBOffset int64
	partAStatus Status
	partBStatus Status

	latest      Frame
	initialized bool
	writeNeeded bool
}

// NewHandle returns a zeroed, uninitialized Handle.
func NewHandle() *Handle {
	return &Handle{}
}

// Init binds h to the given area and its A/B partition indices. It performs
// no I/O; the first Load call scans both partitions and decides the
// starting state (spec.md §4.7).
func (h *Handle) Init(registry *nvm.Registry, areaIndex, partA, partB int) error {
	area := registry.Area(areaIndex)
	if area == nil {
		return nvm.ErrOutOfRange
	}
	*h = Handle{area: area, partA: partA, partB: partB}
	return nil
}

// Load copies the current settings record into out, scanning both
// partitions on the first call after Init and caching the result for every
// call after that (spec.md §4.7).
//
// When both partitions hold a usable frame, the one with the larger Counter
// wins and a tie goes to A. This is a plain integer comparison and is not
// wrap-safe: once the 16-bit counter wraps, an older frame can win over a
// newer one.
func (h *Handle) Load(out *Record) error {
	if !h.initialized {
		if err := h.firstLoad(); err != nil {
			return err
		}
	}
	*out = h.latest.Payload
	return nil
}

func (h *Handle) firstLoad() error {
	partAInfo, err := h.area.Partition(h.partA)
	if err != nil {
		return err
	}
	partBInfo, err := h.area.Partition(h.partB)
	if err != nil {
		return err
	}

	statusA, frameA, offA, err := findLatestValidStore(h.area, h.partA, partAInfo.Size)
	if err != nil {
		return err
	}
	statusB, frameB, offB, err := findLatestValidStore(h.area, h.partB, partBInfo.Size)
	if err != nil {
		return err
	}

	aUsable := statusA == StatusValid || statusA == StatusStale
	bUsable := statusB == StatusValid || statusB == StatusStale

	switch {
	case aUsable && bUsable:
		if frameB.Counter > frameA.Counter {
			h.latest = frameB
			h.writeNeeded = statusB == StatusStale
		} else {
			h.latest = frameA
			h.writeNeeded = statusA == StatusStale
		}
	case aUsable:
		h.latest = frameA
		h.writeNeeded = statusA == StatusStale || statusB == StatusCorrupt
	case bUsable:
		h.latest = frameB
		h.writeNeeded = statusB == StatusStale || statusA == StatusCorrupt
	default:
		h.latest = DefaultFrame(DefaultRecord())
		h.writeNeeded = true
	}

	h.partAOffset = offA
	h.partBOffset = offB
	h.partAStatus = toPartitionStatus(statusA)
	h.partBStatus = toPartitionStatus(statusB)
	h.initialized = true
	return nil
}

// toPartitionStatus collapses a find_latest_valid_store outcome to the
// partition-level CLEAN/EMPTY/CORRUPT state spec.md §3 tracks on the
// handle: a partition holding a usable (VALID or STALE) frame is CLEAN.
func toPartitionStatus(s Status) Status {
	if s == StatusValid || s == StatusStale {
		return StatusValid
	}
	return s
}

// Save persists in as the current settings record, if it differs from the
// cached frame's payload or a write is already pending (spec.md §4.8). A
// Save that changes nothing performs no physical write.
func (h *Handle) Save(in Record) error {
	if !h.initialized {
		var discard Record
		if err := h.Load(&discard); err != nil {
			return err
		}
	}

	if in != h.latest.Payload || h.writeNeeded {
		h.latest.Payload = in
		h.latest.Counter++
		h.latest.Length = uint16(frameSize)
		h.latest.Magic = magicValue
		h.latest.CRC = h.latest.computeCRC()
		h.writeNeeded = true
	}

	if !h.writeNeeded {
		return nil
	}

	// Parity selects the target partition: odd counter -> B, even -> A.
	// Consecutive saves alternate partitions, so a crash mid-write always
	// leaves the other partition holding the previous durable copy.
	var part int
	var offset int64
	var status Status
	if h.latest.Counter%2 == 1 {
		part, offset, status = h.partB, h.partBOffset, h.partBStatus
	} else {
		part, offset, status = h.partA, h.partAOffset, h.partAStatus
	}

	newOffset, err := writeStore(h.area, part, h.latest, offset, status == StatusCorrupt)
	if err != nil {
		return err
	}

	if h.latest.Counter%2 == 1 {
		h.partBOffset = newOffset
		h.partBStatus = StatusValid
	} else {
		h.partAOffset = newOffset
		h.partAStatus = StatusValid
	}
	h.writeNeeded = false
	return nil
}

// writeStore writes frame into (area, part) at offset, erasing first if the
// frame would overrun the partition or erase was already pending
// (spec.md §4.8 "write_store"). It returns the offset immediately past the
// written frame.
func writeStore(area *nvm.Area, part int, frame Frame, offset int64, erase bool) (int64, error) {
	partInfo, err := area.Partition(part)
	if err != nil {
		return 0, err
	}

	if offset+int64(frameSize) > partInfo.Size {
		erase = true
	}

	if erase {
		if err := eraseOrFill(area, part, partInfo.Size); err != nil {
			return 0, err
		}
		offset = 0
	}

	raw, err := frame.marshal()
	if err != nil {
		return 0, err
	}
	if err := area.Write(part, offset, raw); err != nil {
		return 0, err
	}
	return offset + int64(len(raw)), nil
}

// eraseOrFill erases the whole partition, falling back to a manual 0xFF
// overwrite when the area/device has no erase capability (the POSIX-file
// emulation backend), per spec.md §4.8 step 3. The fallback writes in
// chunks sized to the device's write granularity plus a single-unit
// remainder, the same shape as the 4-byte-then-single-byte fill the
// original describes for a byte-granular device.
func eraseOrFill(area *nvm.Area, part int, size int64) error {
	err := area.Erase(part, 0, size)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nvm.ErrNotSupported) {
		return err
	}

	writeSize := area.Device.WriteSize
	chunk := writeSize * 4
	fill := make([]byte, chunk)
	for i := range fill {
		fill[i] = 0xFF
	}
	var off int64
	for size-off >= chunk {
		if err := area.Write(part, off, fill); err != nil {
			return err
		}
		off += chunk
	}
	for ; off < size; off += writeSize {
		if err := area.Write(part, off, fill[:writeSize]); err != nil {
			return err
		}
	}
	return nil
}
