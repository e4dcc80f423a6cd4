package fat_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/testutil"
)

func openForWrite(t *testing.T, v *testingVolume) *fat.File {
	t.Helper()
	handle, err := v.root.CreateFile("DATA.BIN", 0, 0)
	require.NoError(t, err)
	f, err := fat.OpenFile(v.dev, v.bpb, v.table, v.clock, v.root, handle, fat.ModeReadWrite)
	require.NoError(t, err)
	return f
}

// testingVolume is a thin local alias bundling the pieces file tests touch
// directly, taken from a volume built by testutil.FormatRAMVolume.
type testingVolume struct {
	dev   interface {
		ReadSector(uint32, []byte) error
		WriteSector(uint32, []byte) error
		NumSectors() uint32
		BytesPerSector() uint16
		Close() error
	}
	bpb   *fat.BPB
	table *fat.Table
	clock fat.Clock
	root  *fat.Directory
}

func newTestingVolume(t *testing.T, variant fat.Variant, totalSectors512 uint64) *testingVolume {
	t.Helper()
	v := testutil.FormatRAMVolume(t, variant, totalSectors512, nil)
	return &testingVolume{
		dev:   v.Dev(),
		bpb:   v.BPB,
		table: v.Table,
		clock: v.Clock,
		root:  v.Root,
	}
}

func TestFile_WriteReadRoundTrip(t *testing.T) {
	v := newTestingVolume(t, fat.FAT16, 40000)
	f := openForWrite(t, v)

	payload := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	handle, ok, err := v.root.Lookup("DATA.BIN")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, len(payload), handle.FileSize)

	f2, err := fat.OpenFile(v.dev, v.bpb, v.table, v.clock, v.root, handle, fat.ModeRead)
	require.NoError(t, err)
	defer f2.Close()

	got, err := io.ReadAll(readerOf(f2, int64(len(payload))))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// readerOf adapts fat.File's Read method (which returns io.EOF at the
// logical length) directly to io.Reader, since *fat.File already satisfies
// the interface.
func readerOf(f *fat.File, _ int64) io.Reader { return f }

func TestFile_ExtendAcrossClusterBoundary(t *testing.T) {
	v := newTestingVolume(t, fat.FAT16, 40000)
	f := openForWrite(t, v)

	clusterSize := int(v.bpb.BytesPerCluster())
	payload := bytes.Repeat([]byte{0xAB}, clusterSize*3+17)

	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	handle, ok, err := v.root.Lookup("DATA.BIN")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, len(payload), handle.FileSize)

	chain, err := v.table.Chain(handle.FirstCluster)
	require.NoError(t, err)
	require.Len(t, chain, 4)
}

func TestFile_SetLengthShrinkFreesTail(t *testing.T) {
	v := newTestingVolume(t, fat.FAT16, 40000)
	f := openForWrite(t, v)

	clusterSize := int64(v.bpb.BytesPerCluster())
	_, err := f.Write(bytes.Repeat([]byte{1}, int(clusterSize*3)))
	require.NoError(t, err)

	require.NoError(t, f.SetLength(clusterSize))
	require.EqualValues(t, clusterSize, f.Length())
	require.NoError(t, f.Close())

	handle, ok, err := v.root.Lookup("DATA.BIN")
	require.NoError(t, err)
	require.True(t, ok)

	chain, err := v.table.Chain(handle.FirstCluster)
	require.NoError(t, err)
	require.Len(t, chain, 1)
}

func TestFile_PastEOFReadReturnsEOF(t *testing.T) {
	v := newTestingVolume(t, fat.FAT16, 40000)
	f := openForWrite(t, v)
	require.NoError(t, f.Close())

	handle, ok, err := v.root.Lookup("DATA.BIN")
	require.NoError(t, err)
	require.True(t, ok)

	f2, err := fat.OpenFile(v.dev, v.bpb, v.table, v.clock, v.root, handle, fat.ModeRead)
	require.NoError(t, err)
	defer f2.Close()

	buf := make([]byte, 16)
	_, err = f2.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestFile_ReadOnlyCannotWrite(t *testing.T) {
	v := newTestingVolume(t, fat.FAT16, 40000)
	f := openForWrite(t, v)
	require.NoError(t, f.Close())

	handle, ok, err := v.root.Lookup("DATA.BIN")
	require.NoError(t, err)
	require.True(t, ok)

	f2, err := fat.OpenFile(v.dev, v.bpb, v.table, v.clock, v.root, handle, fat.ModeRead)
	require.NoError(t, err)
	defer f2.Close()

	_, err = f2.Write([]byte("x"))
	require.Error(t, err)
}
