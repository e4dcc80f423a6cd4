package volume_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/testutil"
	"github.com/dargueta/gofat/volume"
)

func TestFormat_FAT12ThenRemount(t *testing.T) {
	dev := blockdev.NewBlankRAMDevice(512, 2000)

	v1, err := volume.Format(dev, volume.FormatOptions{
		FormatOptions: fat.FormatOptions{
			Variant:         fat.FAT12,
			TotalSectors512: 2000,
			VolumeLabel:     "REMOUNT",
		},
	})
	require.NoError(t, err)
	require.Equal(t, fat.FAT12, v1.BPB.Variant)

	handle, err := v1.Root.CreateFile("HELLO.TXT", 0, 0)
	require.NoError(t, err)
	f, err := fat.OpenFile(v1.Dev(), v1.BPB, v1.Table, v1.Clock, v1.Root, handle, fat.ModeReadWrite)
	require.NoError(t, err)
	content := []byte("hello, FAT12 world")
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, v1.Dismount())

	v2, recovery, err := volume.Mount(dev, volume.MountOptions{})
	require.NoError(t, err)
	require.Nil(t, recovery.ErrorOrNil())
	require.Equal(t, fat.FAT12, v2.BPB.Variant)

	entries, err := v2.Root.List(fat.FilterFiles)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "HELLO.TXT", entries[0].Name())

	f2, err := fat.OpenFile(v2.Dev(), v2.BPB, v2.Table, v2.Clock, v2.Root, entries[0], fat.ModeRead)
	require.NoError(t, err)
	buf := make([]byte, len(content))
	_, err = f2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, content, buf)
	require.NoError(t, f2.Close())
}

func TestFormat_FAT32ZeroClusterRootAndFSStat(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT32, 532480, nil)

	stat, err := v.FSStat()
	require.NoError(t, err)
	require.Equal(t, v.BPB.CountOfClusters, stat.TotalClusters)
	require.Less(t, stat.FreeClusters, stat.TotalClusters) // root cluster is allocated
	require.Equal(t, "TESTVOL", stat.VolumeLabel)
}

func TestRegisterOpen_RejectsWriteEscalationOverExistingRead(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	handle, err := v.Root.CreateFile("A.TXT", 0, 0)
	require.NoError(t, err)

	require.NoError(t, v.RegisterOpen(v.Root, handle, fat.ModeRead))
	err = v.RegisterOpen(v.Root, handle, fat.ModeReadWrite)
	require.Error(t, err)

	v.ReleaseOpen(v.Root, handle)
	require.NoError(t, v.RegisterOpen(v.Root, handle, fat.ModeReadWrite))
}

func TestDismount_ClosesTrackedFilesAndSetsCleanShutdown(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	handle, err := v.Root.CreateFile("A.TXT", 0, 0)
	require.NoError(t, err)
	f, err := fat.OpenFile(v.Dev(), v.BPB, v.Table, v.Clock, v.Root, handle, fat.ModeReadWrite)
	require.NoError(t, err)
	v.TrackFile(f)

	_, err = f.Write([]byte("tracked"))
	require.NoError(t, err)

	require.NoError(t, v.Dismount())

	// The tracked file was closed, committing its size to the directory.
	closed, ok, err := v.Root.Lookup("A.TXT")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, len("tracked"), closed.FileSize)

	_, cleanShutdownClear, err := v.Table.ReadControlBits()
	require.NoError(t, err)
	require.False(t, cleanShutdownClear)

	// Dismount is idempotent.
	require.NoError(t, v.Dismount())
}

func TestMount_UncleanShutdownRunsChainCheck(t *testing.T) {
	dev := blockdev.NewBlankRAMDevice(512, 40000)
	v, err := volume.Format(dev, volume.FormatOptions{
		FormatOptions: fat.FormatOptions{
			Variant:         fat.FAT16,
			TotalSectors512: 40000,
			VolumeLabel:     "DIRTY",
		},
	})
	require.NoError(t, err)

	handle, err := v.Root.CreateFile("A.TXT", 0, 8192)
	require.NoError(t, err)
	_ = handle

	// Simulate a crash before a clean dismount: clear the clean-shutdown bit
	// directly without replicating the active FAT copy or releasing the dev.
	require.NoError(t, v.Table.ClearCleanShutdownBit())

	_, recovery, err := volume.Mount(dev, volume.MountOptions{})
	require.NoError(t, err)
	// A clean volume's chains are already consistent, so the chain check
	// should find nothing to repair; this asserts recovery runs without
	// error, not that it necessarily finds damage.
	require.Nil(t, recovery.ErrorOrNil())
}
