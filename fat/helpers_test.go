package fat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/blockdev"
)

// newSectorZeroDevice returns a one-sector-or-more RAM device with sector 0
// pre-populated from encoded (typically a freshly-Encode()'d BPB), for
// round-trip ParseBPB tests.
func newSectorZeroDevice(t *testing.T, encoded []byte, bytesPerSector uint16) blockdev.BlockDevice {
	t.Helper()
	dev := blockdev.NewBlankRAMDevice(bytesPerSector, 2)
	require.NoError(t, dev.WriteSector(0, encoded))
	return dev
}
