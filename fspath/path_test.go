package fspath_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/fspath"
	"github.com/dargueta/gofat/testutil"
)

func TestCreateNewFile_WriteReadRoundTrip(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	p := fspath.New(v, "A", "/docs/report.txt")

	require.NoError(t, fspath.New(v, "A", "/docs").Mkdir())
	require.False(t, p.Exists())

	f, err := p.CreateNewFile(0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.True(t, p.Exists())
	require.True(t, p.IsFile())
	require.False(t, p.IsDirectory())

	rf, err := p.Open("r")
	require.NoError(t, err)
	data, err := io.ReadAll(rf)
	require.NoError(t, err)
	require.Equal(t, "quarterly numbers", string(data))
	require.NoError(t, rf.Close())
}

func TestMkdirAll_CreatesMissingAncestors(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	p := fspath.New(v, "A", "/a/b/c")

	require.NoError(t, p.MkdirAll())
	require.True(t, p.IsDirectory())
	require.True(t, fspath.New(v, "A", "/a").IsDirectory())
	require.True(t, fspath.New(v, "A", "/a/b").IsDirectory())

	// Re-running MkdirAll over existing directories is a no-op, not an error.
	require.NoError(t, p.MkdirAll())
}

func TestDelete_NonEmptyDirectoryFails(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	dir := fspath.New(v, "A", "/stuff")
	require.NoError(t, dir.Mkdir())

	child := fspath.New(v, "A", "/stuff/leaf.txt")
	f, err := child.CreateNewFile(0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Error(t, dir.Delete())

	require.NoError(t, child.Delete())
	require.NoError(t, dir.Delete())
	require.False(t, dir.Exists())
}

func TestRenameTo_MovesAcrossDirectoriesAndUpdatesListing(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	require.NoError(t, fspath.New(v, "A", "/src").Mkdir())
	require.NoError(t, fspath.New(v, "A", "/dst").Mkdir())

	src := fspath.New(v, "A", "/src/file.txt")
	f, err := src.CreateNewFile(0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	dst := fspath.New(v, "A", "/dst/file.txt")
	require.NoError(t, src.RenameTo(dst))

	require.False(t, src.Exists())
	require.True(t, dst.Exists())

	names, err := fspath.New(v, "A", "/dst").List()
	require.NoError(t, err)
	require.Contains(t, names, "file.txt")
}

func TestList_SkipsDotEntriesAndHiddenIsReported(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	require.NoError(t, fspath.New(v, "A", "/sub").Mkdir())
	_, err := v.Root.CreateFile("HID.TXT", fat.AttrHidden, 0)
	require.NoError(t, err)

	names, err := fspath.New(v, "A", "/").List()
	require.NoError(t, err)
	require.Contains(t, names, "sub")
	require.Contains(t, names, "HID.TXT")
	require.True(t, fspath.New(v, "A", "/HID.TXT").IsHidden())
	require.NotContains(t, names, ".")
	require.NotContains(t, names, "..")

	subNames, err := fspath.New(v, "A", "/sub").List()
	require.NoError(t, err)
	require.Empty(t, subNames)
}

func TestOpen_RejectsUnknownMode(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	p := fspath.New(v, "A", "/x.txt")
	f, err := p.CreateNewFile(0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = p.Open("w")
	require.Error(t, err)
}
