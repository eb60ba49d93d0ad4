package main

import (
	"encoding/binary"
	"testing"

	"openenterprise/bindicator/settings"
)

func buildPush(t *testing.T, ts int64, rec settings.Record) []byte {
	t.Helper()
	packed, err := settings.MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	buf := make([]byte, settingsPushHeaderSize+len(packed))
	binary.LittleEndian.PutUint64(buf[:settingsPushHeaderSize], uint64(ts))
	copy(buf[settingsPushHeaderSize:], packed)
	return buf
}

func TestParseSettingsPushRoundTrips(t *testing.T) {
	want := settings.DefaultRecord()
	want.SetCallsign("W1AW")
	want.Channel = 7

	data := buildPush(t, 1737207000, want)
	ts, got, ok := parseSettingsPush(data)
	if !ok {
		t.Fatal("parseSettingsPush() ok = false, want true")
	}
	if ts != 1737207000 {
		t.Fatalf("ts = %d, want 1737207000", ts)
	}
	if got.CallsignString() != "W1AW" || got.Channel != 7 {
		t.Fatalf("got = %+v, want callsign W1AW channel 7", got)
	}
}

func TestParseSettingsPushTooShort(t *testing.T) {
	if _, _, ok := parseSettingsPush([]byte{1, 2, 3}); ok {
		t.Fatal("parseSettingsPush() on short payload ok = true, want false")
	}
}

func TestSettingsSyncPauseToggle(t *testing.T) {
	SetSettingsSyncPaused(true)
	if !IsSettingsSyncPaused() {
		t.Fatal("IsSettingsSyncPaused() = false after pause")
	}
	SetSettingsSyncPaused(false)
	if IsSettingsSyncPaused() {
		t.Fatal("IsSettingsSyncPaused() = true after resume")
	}
}
