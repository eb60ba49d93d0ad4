package settings

import "encoding/binary"

// scanOutcome is the three-way result of parsePartition (spec.md §4.4):
// either the newest header offset was found, the partition holds no frames
// at all, or the header chain is malformed.
type scanOutcome int

const (
	scanFound scanOutcome = iota
	scanEmptyPartition
	scanMalformed
)

// parsePartition walks (area, part) from offset 0 looking for the first
// free slot, per spec.md §4.4. It returns the offset of the newest header
// seen before that free slot (scanFound), or reports the partition as
// empty or malformed.
func parsePartition(area areaReader, part int, limit int64) (int64, scanOutcome, error) {
	var offset int64
	lastHeader := int64(-1)

	for offset < limit {
		var hdr [6]byte
		if err := area.Read(part, offset, hdr[:]); err != nil {
			return 0, scanMalformed, err
		}
		magic := binary.LittleEndian.Uint32(hdr[0:4])
		if magic == magicFree {
			if lastHeader < 0 {
				return 0, scanEmptyPartition, nil
			}
			return lastHeader, scanFound, nil
		}
		if magic != magicValue {
			// Anything other than a free slot or a live header is a
			// malformed chain link (spec.md §4.4): CORRUPT regardless of
			// whether an earlier header was already seen.
			return 0, scanMalformed, nil
		}
		length := int64(binary.LittleEndian.Uint16(hdr[4:6]))
		if length == 0 {
			return 0, scanMalformed, nil
		}
		lastHeader = offset
		offset += length
	}
	if lastHeader < 0 {
		return 0, scanEmptyPartition, nil
	}
	return lastHeader, scanFound, nil
}

// findLatestValidStore implements spec.md §4.5: it returns the newest
// VALID or STALE frame in (area, part), the free offset immediately past
// it (recorded on the first pass, before any backing-off over a corrupt
// tail), and StatusEmpty/StatusCorrupt when no usable frame exists.
func findLatestValidStore(area areaReader, part int, partitionSize int64) (Status, Frame, int64, error) {
	scanLimit := partitionSize
	var freeOffset int64
	firstPass := true

	for {
		h, outcome, err := parsePartition(area, part, scanLimit)
		if err != nil {
			return StatusCorrupt, Frame{}, 0, err
		}
		switch outcome {
		case scanEmptyPartition:
			return StatusEmpty, Frame{}, 0, nil
		case scanMalformed:
			return StatusCorrupt, Frame{}, 0, nil
		}

		frame, onDiskLen, status, err := readFrame(area, part, h)
		if err != nil {
			return StatusCorrupt, Frame{}, 0, err
		}
		if firstPass {
			freeOffset = h + int64(onDiskLen)
			firstPass = false
		}

		switch status {
		case StatusValid, StatusStale:
			return status, frame, freeOffset, nil
		case StatusCorrupt:
			if h == 0 {
				return StatusCorrupt, Frame{}, 0, nil
			}
			scanLimit = h
			continue
		}
	}
}
