package main

import (
	"encoding/binary"

	"openenterprise/bindicator/settings"
)

// settingsSyncPaused stops the background settings-sync poll during OTA, so
// the update server has the flash bus to itself.
var settingsSyncPaused bool

// SetSettingsSyncPaused pauses/resumes the settings-sync poll.
func SetSettingsSyncPaused(p bool) {
	settingsSyncPaused = p
}

// IsSettingsSyncPaused returns true if settings-sync is paused.
func IsSettingsSyncPaused() bool {
	return settingsSyncPaused
}

// settingsPushHeaderSize is the 8-byte Unix timestamp prefix carried ahead
// of the packed Record in a broker push, so every push doubles as a time
// sync even when no settings have changed.
const settingsPushHeaderSize = 8

// parseSettingsPush decodes a broker push payload: an 8-byte little-endian
// Unix timestamp followed by a settings.MarshalRecord-encoded Record. The
// transport (TCP-backed MQTT) already guarantees byte integrity, so the
// payload carries no CRC of its own.
func parseSettingsPush(data []byte) (unixTime int64, rec settings.Record, ok bool) {
	if len(data) < settingsPushHeaderSize {
		return 0, settings.Record{}, false
	}
	unixTime = int64(binary.LittleEndian.Uint64(data[:settingsPushHeaderSize]))
	rec, err := settings.UnmarshalRecord(data[settingsPushHeaderSize:])
	if err != nil {
		return 0, settings.Record{}, false
	}
	return unixTime, rec, true
}
