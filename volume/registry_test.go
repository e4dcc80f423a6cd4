package volume_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/volume"
)

func formatImageFile(t *testing.T, path string, totalSectors512 uint64) int64 {
	t.Helper()
	dev, err := blockdev.CreateFileDevice(path, 512, uint32(totalSectors512))
	require.NoError(t, err)

	v, err := volume.Format(dev, volume.FormatOptions{
		FormatOptions: fat.FormatOptions{
			Variant:         fat.FAT16,
			TotalSectors512: totalSectors512,
			VolumeLabel:     "REGTEST",
		},
	})
	require.NoError(t, err)
	require.NoError(t, v.Dismount())

	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestRegistry_AttachDetachRoundTripsManifest(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "disk.img")
	size := formatImageFile(t, imgPath, 40000)

	manifestPath := filepath.Join(dir, "manifest.tsv")
	reg := volume.NewRegistry(manifestPath, nil)

	dev, err := blockdev.NewFileDevice(imgPath, 512, uint32(size/512))
	require.NoError(t, err)
	v, _, err := volume.Mount(dev, volume.MountOptions{})
	require.NoError(t, err)

	require.NoError(t, reg.Attach(imgPath, v, size, volume.BackendRAF))

	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), imgPath)

	got, ok := reg.Lookup(imgPath)
	require.True(t, ok)
	require.Same(t, v, got)

	// Two outstanding references (Attach + Lookup); the first Detach must
	// not dismount or drop the manifest line yet.
	require.NoError(t, reg.Detach(imgPath))
	raw, err = os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), imgPath)

	require.NoError(t, reg.Detach(imgPath))
	raw, err = os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.NotContains(t, string(raw), imgPath)

	_, ok = reg.Lookup(imgPath)
	require.False(t, ok)
}

func TestRegistry_RAMBackendNeverWritesManifest(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.tsv")
	reg := volume.NewRegistry(manifestPath, nil)

	dev := blockdev.NewBlankRAMDevice(512, 2000)
	v, err := volume.Format(dev, volume.FormatOptions{
		FormatOptions: fat.FormatOptions{
			Variant:         fat.FAT12,
			TotalSectors512: 2000,
			VolumeLabel:     "RAMVOL",
		},
	})
	require.NoError(t, err)

	require.NoError(t, reg.Attach("ram0", v, 0, volume.BackendRAM))
	_, err = os.Stat(manifestPath)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, reg.Detach("ram0"))
}

func TestRegistry_BootReplaysManifestAndSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "disk.img")
	size := formatImageFile(t, imgPath, 40000)

	manifestPath := filepath.Join(dir, "manifest.tsv")
	writer := volume.NewRegistry(manifestPath, nil)
	dev, err := blockdev.NewFileDevice(imgPath, 512, uint32(size/512))
	require.NoError(t, err)
	v, _, err := volume.Mount(dev, volume.MountOptions{})
	require.NoError(t, err)
	require.NoError(t, writer.Attach(imgPath, v, size, volume.BackendRAF))
	require.NoError(t, v.Dismount())

	// Append a manifest line referencing a file that no longer exists, to
	// confirm Boot skips it instead of aborting.
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	raw = append(raw, []byte("missing.img\t512000\tRAF\n")...)
	require.NoError(t, os.WriteFile(manifestPath, raw, 0o644))

	var logged []byte
	reg := volume.NewRegistry(manifestPath, writableBuffer{&logged})
	require.NoError(t, reg.Boot(volume.OpenerForKind(512)))

	_, ok := reg.Lookup(imgPath)
	require.True(t, ok)
	_, ok = reg.Lookup("missing.img")
	require.False(t, ok)
	require.Contains(t, string(logged), "missing.img")
}

type writableBuffer struct{ buf *[]byte }

func (w writableBuffer) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
