package main

import (
	"fmt"

	"openenterprise/bindicator/nvm"
	"openenterprise/bindicator/nvm/backend/posixfile"
	"openenterprise/bindicator/settings"
)

// Flash layout constants, mirroring ota.go's PARTITION_A_OFFSET /
// PARTITION_B_OFFSET / PARTITION_MAX_SIZE and nvmsetup.go's TotalFlashSize.
// These are fixed at build time for this board, not read from the image, so
// settings-dump must agree with whatever firmware actually wrote the file.
const (
	partitionAOffset  = 0x2000
	partitionBOffset  = 0x1F2000
	partitionMaxSize  = 0x1F0000
	dumpTotalFlash    = 4 * 1024 * 1024
	dumpSectorSize    = 4096
	dumpWriteSize     = 2
	dumpSettingsAreaA = 1
	dumpSettingsAreaB = 2
)

// settingsDump opens imgPath as a flat flash image (e.g. pulled via
// ota-push's inverse, a full-chip read), reconstructs the same settings
// store layout nvmsetup.go lays out on-device, and prints the recovered
// record plus both partitions' scan status.
func settingsDump(imgPath string) error {
	backend, err := posixfile.Open(imgPath, dumpTotalFlash)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer backend.Close()

	highestOTAOffset := int64(partitionAOffset)
	if partitionBOffset > highestOTAOffset {
		highestOTAOffset = partitionBOffset
	}
	settingsRegionStart := highestOTAOffset + partitionMaxSize

	regionSize := int64(dumpTotalFlash) - settingsRegionStart
	partSize := (regionSize / 2 / dumpSectorSize) * dumpSectorSize

	dev, err := nvm.NewDevice("image-settings", backend, dumpWriteSize, dumpSectorSize, dumpTotalFlash)
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}
	area := &nvm.Area{
		Name:     "radio-settings",
		Device:   dev,
		BaseAddr: settingsRegionStart,
		Size:     2 * partSize,
		Partitions: []nvm.Partition{
			{Offset: 0, Size: partSize},
			{Offset: partSize, Size: partSize},
		},
	}
	registry := nvm.NewRegistry(area)

	handle := settings.NewHandle()
	if err := handle.Init(registry, 0, dumpSettingsAreaA, dumpSettingsAreaB); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var rec settings.Record
	if err := handle.Load(&rec); err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	fmt.Printf("Settings region: offset 0x%x, %d bytes per partition\n", settingsRegionStart, partSize)
	fmt.Printf("Callsign:     %s\n", rec.CallsignString())
	fmt.Printf("Destination:  %s\n", rec.DestinationIDString())
	fmt.Printf("Channel:      %d\n", rec.Channel)
	fmt.Printf("Squelch:      %d\n", rec.SquelchLevel)
	fmt.Printf("Volume:       %d\n", rec.VolumeLevel)
	fmt.Printf("RF power:     %d\n", rec.RFPower)
	fmt.Printf("Flags:        0x%02x\n", uint8(rec.Flags))
	return nil
}
