package fat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/fat"
)

func buildAndParse(t *testing.T, variant fat.Variant, totalSectors512 uint64) *fat.BPB {
	t.Helper()
	bpb, err := fat.BuildBPB(fat.FormatOptions{
		Variant:         variant,
		TotalSectors512: totalSectors512,
		VolumeLabel:     "MYVOL",
		OEMName:         "GOFAT1.0",
	})
	require.NoError(t, err)

	encoded := bpb.Encode()
	require.Len(t, encoded, int(bpb.BytesPerSector))

	reparsed, err := fat.ParseBPB(newSectorZeroDevice(t, encoded, bpb.BytesPerSector))
	require.NoError(t, err)
	return reparsed
}

func TestBuildBPB_FAT12RoundTrip(t *testing.T) {
	bpb := buildAndParse(t, fat.FAT12, 2000)
	require.Equal(t, fat.FAT12, bpb.Variant)
	require.EqualValues(t, 1, bpb.SectorsPerCluster)
}

func TestBuildBPB_FAT16RoundTrip(t *testing.T) {
	bpb := buildAndParse(t, fat.FAT16, 40000)
	require.Equal(t, fat.FAT16, bpb.Variant)
	require.EqualValues(t, 4, bpb.SectorsPerCluster)
	require.Greater(t, bpb.RootDirSectors, uint32(0))
}

func TestBuildBPB_FAT32RoundTrip(t *testing.T) {
	bpb := buildAndParse(t, fat.FAT32, 532480)
	require.Equal(t, fat.FAT32, bpb.Variant)
	require.EqualValues(t, 1, bpb.SectorsPerCluster)
	require.EqualValues(t, 0, bpb.RootDirSectors)
	require.EqualValues(t, 2, bpb.RootCluster)
}

func TestBuildBPB_FAT12TooLarge(t *testing.T) {
	_, err := fat.BuildBPB(fat.FormatOptions{Variant: fat.FAT12, TotalSectors512: 5000})
	require.Error(t, err)
}

func TestBuildBPB_FAT16TooSmall(t *testing.T) {
	_, err := fat.BuildBPB(fat.FormatOptions{Variant: fat.FAT16, TotalSectors512: 100})
	require.Error(t, err)
}
