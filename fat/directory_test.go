package fat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/testutil"
)

func TestDirectory_CreateFileAndLookup(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	handle, err := v.Root.CreateFile("HELLO.TXT", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "HELLO.TXT", handle.Name())

	found, ok, err := v.Root.Lookup("hello.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, handle.ShortName, found.ShortName)
}

func TestDirectory_CreateFileLongName(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	longName := "a very long file name indeed.txt"
	handle, err := v.Root.CreateFile(longName, 0, 0)
	require.NoError(t, err)
	require.Equal(t, longName, handle.Name())
	require.NotEqual(t, longName, handle.ShortName)
	require.Equal(t, "AVERYL~1.TXT", handle.ShortName)

	found, ok, err := v.Root.Lookup(longName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, longName, found.Name())
}

// TestDirectory_CreateFileLongName_NumericTailAlwaysStamped pins the
// documented "Very Long File Name.txt" example: even though nothing else in
// an empty directory collides with its basis name, VFAT still stamps a "~1"
// tail on the generated short entry.
func TestDirectory_CreateFileLongName_NumericTailAlwaysStamped(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	handle, err := v.Root.CreateFile("Very Long File Name.txt", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "VERYLO~1.TXT", handle.ShortName)
}

func TestDirectory_DuplicateNameRejected(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	_, err := v.Root.CreateFile("DUP.TXT", 0, 0)
	require.NoError(t, err)

	_, err = v.Root.CreateFile("DUP.TXT", 0, 0)
	require.Error(t, err)
}

func TestDirectory_CreateSubdirectoryAndDotEntries(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	child, err := v.Root.CreateSubdirectory("SUBDIR")
	require.NoError(t, err)

	entries, err := child.List(nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ".", entries[0].ShortName)
	require.Equal(t, "..", entries[1].ShortName)
	require.EqualValues(t, 0, entries[1].FirstCluster) // parent is root
}

func TestDirectory_DeleteNonEmptyDirectoryFails(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	_, err := v.Root.CreateSubdirectory("SUBDIR")
	require.NoError(t, err)
	child, ok, err := v.Root.Lookup("SUBDIR")
	require.NoError(t, err)
	require.True(t, ok)

	childDir, err := v.Root.OpenChild(child.FirstCluster)
	require.NoError(t, err)
	_, err = childDir.CreateFile("X.TXT", 0, 0)
	require.NoError(t, err)

	err = v.Root.Delete("SUBDIR")
	require.Error(t, err)
}

func TestDirectory_DeleteEmptyDirectorySucceeds(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	_, err := v.Root.CreateSubdirectory("SUBDIR")
	require.NoError(t, err)

	require.NoError(t, v.Root.Delete("SUBDIR"))

	_, ok, err := v.Root.Lookup("SUBDIR")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirectory_RenameWithinSameDirectory(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	_, err := v.Root.CreateFile("OLD.TXT", 0, 0)
	require.NoError(t, err)

	require.NoError(t, v.Root.Rename("OLD.TXT", v.Root, "NEW.TXT"))

	_, ok, err := v.Root.Lookup("OLD.TXT")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = v.Root.Lookup("NEW.TXT")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDirectory_RenameAcrossDirectoriesFixesDotDot(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	srcParent, err := v.Root.CreateSubdirectory("SRC")
	require.NoError(t, err)
	destParent, err := v.Root.CreateSubdirectory("DEST")
	require.NoError(t, err)

	_, err = srcParent.CreateSubdirectory("MOVEME")
	require.NoError(t, err)

	require.NoError(t, srcParent.Rename("MOVEME", destParent, "MOVEME"))

	moved, ok, err := destParent.Lookup("MOVEME")
	require.NoError(t, err)
	require.True(t, ok)

	movedDir, err := destParent.OpenChild(moved.FirstCluster)
	require.NoError(t, err)
	dotDot, ok, err := movedDir.Lookup("..")
	require.NoError(t, err)
	require.True(t, ok)

	destCluster, ok2, err := v.Root.Lookup("DEST")
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, destCluster.FirstCluster, dotDot.FirstCluster)
}

func TestDirectory_FreeSlotReuseAfterDelete(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)

	a, err := v.Root.CreateFile("A.TXT", 0, 0)
	require.NoError(t, err)
	require.NoError(t, v.Root.Delete("A.TXT"))

	_, ok, err := v.Root.Lookup("A.TXT")
	require.NoError(t, err)
	require.False(t, ok)

	b, err := v.Root.CreateFile("B.TXT", 0, 0)
	require.NoError(t, err)
	require.Equal(t, a.ShortSlot(), b.ShortSlot())

	_, ok, err = v.Root.Lookup("B.TXT")
	require.NoError(t, err)
	require.True(t, ok)
}
