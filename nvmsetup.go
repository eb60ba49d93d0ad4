//go:build tinygo

package main

import (
	"log/slog"

	"openenterprise/bindicator/nvm"
	"openenterprise/bindicator/nvm/backend/internalflash"
	"openenterprise/bindicator/ota"
	"openenterprise/bindicator/settings"
)

// TotalFlashSize is the board's total flash size. The bootrom partition
// table only describes the two OTA image slots (ota.PartitionA/B); the
// settings store claims whatever is left above them, so this constant
// must match the board actually flashed (4MB QSPI, the common RP2350 W
// part this firmware targets).
const TotalFlashSize = 4 * 1024 * 1024

// settingsAreaIndex/partA/partB are the Area and Partition indices passed
// to settings.Handle.Init below; kept as named constants since cmd/cli's
// settings-dump needs to reconstruct the identical layout offline.
const (
	settingsAreaIndex = 0
	settingsPartA     = 1
	settingsPartB     = 2
)

// settingsHandle is the process-wide settings store, initialized once in
// main() and read/written by the MQTT settings-sync loop and the console.
var settingsHandle = settings.NewHandle()

// initSettings lays out the settings store in the flash region above both
// OTA partitions and opens the store's Handle. The region is split evenly
// between two partitions (A/B log-structured append store) on SectorSize
// boundaries, since internalflash only erases whole sectors.
func initSettings(logger *slog.Logger) error {
	highestOTAOffset := ota.GetPartitionOffset(ota.PartitionA)
	if b := ota.GetPartitionOffset(ota.PartitionB); b > highestOTAOffset {
		highestOTAOffset = b
	}
	settingsRegionStart := int64(highestOTAOffset) + int64(ota.GetPartitionMaxSize())

	regionSize := int64(TotalFlashSize) - settingsRegionStart
	partSize := (regionSize / 2 / internalflash.SectorSize) * internalflash.SectorSize

	// Settings frames are far smaller than a flash page and are written
	// back-to-back with no padding (settings/store.go), so the device
	// backing this area declares a write_size that evenly divides
	// sizeof(Frame) instead of the chip's native PageSize; PageBuffered
	// absorbs the difference with a read-modify-write per page.
	const settingsWriteSize = 2
	backend := internalflash.NewPageBuffered(internalflash.New(TotalFlashSize))
	dev, err := nvm.NewDevice("internal-flash-settings", backend, settingsWriteSize, internalflash.SectorSize, TotalFlashSize)
	if err != nil {
		return err
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

	if err := settingsHandle.Init(registry, settingsAreaIndex, settingsPartA, settingsPartB); err != nil {
		return err
	}

	var rec settings.Record
	if err := settingsHandle.Load(&rec); err != nil {
		return err
	}
	logger.Info("settings:loaded",
		slog.String("callsign", rec.CallsignString()),
		slog.Uint64("channel", uint64(rec.Channel)),
		slog.Int64("region_start", settingsRegionStart),
		slog.Int64("partition_size", partSize),
	)
	return nil
}
