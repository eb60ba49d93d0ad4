package settings

import (
	"encoding/binary"
	"errors"

	"github.com/go-restruct/restruct"
)

// Status is the outcome of a frame integrity check, or of a partition scan.
// Numeric values mirror spec.md §4.3's VALID=1/STALE=-1/CORRUPT=0; Empty has
// no on-disk frame at all, a partition-scan-only outcome.
type Status int

const (
	StatusCorrupt Status = 0
	StatusValid   Status = 1
	StatusStale   Status = -1
	StatusEmpty   Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusStale:
		return "STALE"
	case StatusCorrupt:
		return "CORRUPT"
	case StatusEmpty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

const (
	magicValue uint32 = 0x584E504F // "OPNX" on the wire, little-endian
	magicFree  uint32 = 0xFFFFFFFF
)

// headerSize is the magic+length+counter prefix read by both the partition
// scanner (magic+length only) and the frame reader (full 8 bytes).
const headerSize = 8

// Frame is the in-memory decode of one on-disk settings record (spec.md §3,
// "Settings Store Frame"). Magic/Length/Counter/CRC are the wire header and
// trailer; Payload is the decoded settings record.
type Frame struct {
	Magic   uint32
	Length  uint16
	Counter uint16
	Payload Record
	CRC     uint16
}

// frameSize is sizeof(current frame) on the wire: the byte-for-byte packed
// encoding restruct produces for a zero Frame, little-endian. Computed once
// rather than hand-added up, so it tracks Record whenever a field is added.
var frameSize int

func init() {
	raw, err := restruct.Pack(binary.LittleEndian, &Frame{})
	if err != nil {
		panic("settings: frame does not pack: " + err.Error())
	}
	frameSize = len(raw)
}

// DefaultFrame synthesizes the frame written on first boot (spec.md §4.3
// "Default frame synthesis"): counter 0, full current length, CRC over the
// header+payload.
func DefaultFrame(payload Record) Frame {
	f := Frame{
		Magic:   magicValue,
		Length:  uint16(frameSize),
		Counter: 0,
		Payload: payload,
	}
	f.CRC = f.computeCRC()
	return f
}

// marshal packs f to its on-disk representation.
func (f Frame) marshal() ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, &f)
}

// computeCRC packs f (with whatever CRC it currently holds) and returns the
// CRC-16/CCITT over the first Length-2 bytes of that encoding.
func (f Frame) computeCRC() uint16 {
	raw, err := f.marshal()
	if err != nil {
		panic("settings: frame does not pack: " + err.Error())
	}
	n := int(f.Length)
	if n > len(raw) {
		n = len(raw)
	}
	return crc16CCITT(raw[:n-2])
}

// checkFrameBytes validates a raw on-disk encoding that is exactly as long
// as its own reported Length field (spec.md §4.3 "Integrity check"). raw
// must already be trimmed to the on-disk length by the caller.
func checkFrameBytes(raw []byte) Status {
	if len(raw) < headerSize+2 {
		return StatusCorrupt
	}
	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != magicValue {
		return StatusCorrupt
	}
	length := int(binary.LittleEndian.Uint16(raw[4:6]))
	if length != len(raw) || length > frameSize {
		return StatusCorrupt
	}
	wantCRC := binary.LittleEndian.Uint16(raw[length-2 : length])
	if crc16CCITT(raw[:length-2]) != wantCRC {
		return StatusCorrupt
	}
	if length == frameSize {
		return StatusValid
	}
	return StatusStale
}

// ErrTooLarge is returned by readFrame when the on-disk length exceeds the
// size of the current firmware's frame (spec.md §4.6, §6 error taxonomy):
// the record was written by newer firmware and must be rejected, not
// misinterpreted.
var ErrTooLarge = errors.New("settings: on-disk frame larger than current firmware's frame")

// readFrame decodes the frame whose header starts at offset within
// (area, part), implementing the forward-compatibility length handling of
// spec.md §4.6. It returns the decoded frame, its on-disk length, and the
// integrity status from §4.3. A length greater than frameSize is reported
// as ErrTooLarge rather than folded into Status, matching the Non-goal of
// ever attempting to interpret newer-than-current data.
func readFrame(area areaReader, part int, offset int64) (Frame, int, Status, error) {
	hdr := make([]byte, headerSize)
	if err := area.Read(part, offset, hdr); err != nil {
		return Frame{}, 0, StatusCorrupt, err
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	length := int(binary.LittleEndian.Uint16(hdr[4:6]))
	counter := binary.LittleEndian.Uint16(hdr[6:8])

	if length > frameSize {
		return Frame{}, length, StatusCorrupt, ErrTooLarge
	}
	if magic != magicValue || length < headerSize+2 {
		return Frame{}, length, StatusCorrupt, nil
	}

	raw := make([]byte, length)
	copy(raw[:headerSize], hdr)
	if err := area.Read(part, offset+headerSize, raw[headerSize:]); err != nil {
		return Frame{}, length, StatusCorrupt, err
	}

	status := checkFrameBytes(raw)
	if status == StatusCorrupt {
		return Frame{}, length, status, nil
	}

	var payload Record
	if length == frameSize {
		var f Frame
		if err := restruct.Unpack(raw, binary.LittleEndian, &f); err != nil {
			return Frame{}, length, StatusCorrupt, nil
		}
		payload = f.Payload
	} else {
		// Stale: on-disk payload is shorter than the current Record. Start
		// from defaults (so fields added since this frame was written take
		// their default value) and overlay the bytes actually present.
		def := DefaultRecord()
		defBytes, err := restruct.Pack(binary.LittleEndian, &def)
		if err != nil {
			return Frame{}, length, StatusCorrupt, nil
		}
		payloadLen := length - headerSize - 2
		copy(defBytes[:payloadLen], raw[headerSize:headerSize+payloadLen])
		if err := restruct.Unpack(defBytes, binary.LittleEndian, &payload); err != nil {
			return Frame{}, length, StatusCorrupt, nil
		}
	}

	frame := Frame{
		Magic:   magic,
		Length:  uint16(length),
		Counter: counter,
		Payload: payload,
		CRC:     binary.LittleEndian.Uint16(raw[length-2 : length]),
	}
	return frame, length, status, nil
}

// areaReader is the slice of nvm.Area this package depends on for reading
// frames, kept narrow so scan/frame tests can supply a fake without an nvm
// device behind it.
type areaReader interface {
	Read(part int, offset int64, buf []byte) error
}
