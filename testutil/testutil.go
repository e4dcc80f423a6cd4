// Package testutil builds small in-memory volumes for tests, grounded on
// the teacher's testing.LoadDiskImage RAM-backed image helper.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/volume"
)

// FormatRAMVolume creates a blank RAM-backed block device of totalSectors512
// 512-byte blocks and formats it as variant, returning the mounted Volume.
// clock defaults to a fat.FixedClock anchored at a fixed, deterministic
// instant when nil.
func FormatRAMVolume(t *testing.T, variant fat.Variant, totalSectors512 uint64, clock fat.Clock) *volume.Volume {
	t.Helper()
	if clock == nil {
		clock = fat.FixedClock{Instant: FixedInstant}
	}

	dev := blockdev.NewBlankRAMDevice(512, uint32(totalSectors512))
	v, err := volume.Format(dev, volume.FormatOptions{
		FormatOptions: fat.FormatOptions{
			Variant:         variant,
			TotalSectors512: totalSectors512,
			VolumeLabel:     "TESTVOL",
		},
		Clock: clock,
	})
	require.NoError(t, err)
	return v
}

// FixedInstant is the deterministic timestamp FormatRAMVolume's default
// clock reports, usable by tests asserting exact Created/LastModified
// values.
var FixedInstant = time.Date(2024, time.June, 15, 12, 30, 0, 0, time.UTC)
