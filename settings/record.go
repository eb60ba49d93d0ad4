package settings

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// Record is the fixed-shape settings payload persisted by the store
// (spec.md §3, "Settings Record (in-memory)"). Reserved grows forward-
// compatibly: future firmware appends fields after shrinking Reserved,
// and older on-disk frames are read via the stale path in frame.go without
// the new fields (which take their values from DefaultRecord below).
type Record struct {
	Callsign      [10]byte // ASCII, NUL-padded
	DestinationID [10]byte // ASCII, NUL-padded
	Channel       uint16
	SquelchLevel  uint8
	VolumeLevel   uint8
	RFPower       RFPower
	Flags         Flags
	TimeZoneOffsetMin int16
	Reserved      [4]byte
}

// RFPower enumerates the transmit power levels the radio supports.
type RFPower uint8

const (
	RFPowerLow RFPower = iota
	RFPowerMid
	RFPowerHigh
)

// Flags is a bitfield of boolean settings.
type Flags uint8

const (
	FlagGPSEnabled Flags = 1 << iota
	FlagBeepEnabled
	FlagDualWatch
	FlagVOXEnabled
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// DefaultRecord is the compiled-in default payload returned when no valid
// frame can be recovered from either partition (spec.md §4.3, §4.7).
func DefaultRecord() Record {
	r := Record{
		Channel:      0,
		SquelchLevel: 5,
		VolumeLevel:  10,
		RFPower:      RFPowerMid,
		Flags:        FlagBeepEnabled,
	}
	copy(r.Callsign[:], "NOCALL")
	copy(r.DestinationID[:], "CQCQCQ")
	return r
}

// SetCallsign copies s into Callsign, truncating and NUL-padding to fit.
func (r *Record) SetCallsign(s string) {
	setFixedString(r.Callsign[:], s)
}

// SetDestinationID copies s into DestinationID, truncating and NUL-padding.
func (r *Record) SetDestinationID(s string) {
	setFixedString(r.DestinationID[:], s)
}

func setFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	n := copy(dst, s)
	_ = n
}

// CallsignString returns Callsign as a string, trimmed at the first NUL.
func (r *Record) CallsignString() string { return fixedString(r.Callsign[:]) }

// DestinationIDString returns DestinationID as a string, trimmed at the
// first NUL.
func (r *Record) DestinationIDString() string { return fixedString(r.DestinationID[:]) }

func fixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// MarshalRecord packs a Record into its wire form, the same byte order used
// for the on-disk Frame payload. Used to carry a Record over a transport
// that already provides its own integrity check (e.g. a TCP-backed MQTT
// session), where framing with a CRC would be redundant.
func MarshalRecord(r Record) ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, &r)
}

// UnmarshalRecord unpacks a Record previously produced by MarshalRecord.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	err := restruct.Unpack(data, binary.LittleEndian, &r)
	return r, err
}
