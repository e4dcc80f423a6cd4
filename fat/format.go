package fat

import (
	"fmt"

	"github.com/dargueta/gofat/errors"
)

// sizeRange is one row of the FAT16/FAT32 "disk size -> sectors per cluster"
// lookup table. Sizes are expressed in 512-byte blocks.
type sizeRange struct {
	maxSectors512       uint64
	sectorsPerCluster16 uint8
	sectorsPerCluster32 uint8
}

// fat16Table and fat32Table are Microsoft's standard size/cluster tables.
var fat16Table = []sizeRange{
	{8400, 0, 0}, // smaller than this: FAT16 isn't used; caller must reject
	{32680, 2, 0},
	{262144, 4, 0},
	{524288, 8, 0},
	{1048576, 16, 0},
	{2097152, 32, 0},
	{4194304, 64, 0},
}

var fat32Table = []sizeRange{
	{66600, 0, 0}, // smaller than this: FAT32 isn't used
	{532480, 0, 1},
	{16777216, 0, 8},
	{33554432, 0, 16},
	{67108864, 0, 32},
	{1 << 62, 0, 64},
}

// FormatOptions controls Format's geometry choices.
type FormatOptions struct {
	Variant        Variant
	TotalSectors512 uint64 // disk size expressed in 512-byte blocks
	BytesPerSector  uint16 // defaults to 512
	NumFATs         uint8  // defaults to 2
	VolumeLabel     string
	OEMName         string
}

// sectorsPerClusterFor implements the fixed disk-size-to-cluster-size lookup
// table.
func sectorsPerClusterFor(variant Variant, totalSectors512 uint64) (uint8, error) {
	if variant == FAT12 {
		if totalSectors512 > 4084 {
			return 0, errors.InvalidValue.WithMessage("FAT12 volumes cannot exceed 4084 blocks")
		}
		return 1, nil
	}

	table := fat16Table
	if variant == FAT32 {
		table = fat32Table
	}
	for _, row := range table {
		if totalSectors512 <= row.maxSectors512 {
			if variant == FAT16 {
				if row.sectorsPerCluster16 == 0 {
					break
				}
				return row.sectorsPerCluster16, nil
			}
			if row.sectorsPerCluster32 == 0 {
				break
			}
			return row.sectorsPerCluster32, nil
		}
	}
	return 0, errors.InvalidValue.WithMessage(
		fmt.Sprintf("no cluster size defined for a %s volume of %d blocks", variant, totalSectors512),
	)
}

// validateSizeRange enforces the narrow per-variant ranges from spec §4.1
// "Errors": FAT12 <= 4084 blocks; FAT16 in [32680, 4194304]; FAT32 >= 532480.
func validateSizeRange(variant Variant, totalSectors512 uint64) error {
	switch variant {
	case FAT12:
		if totalSectors512 > 4084 {
			return errors.InvalidValue.WithMessage("FAT12 volumes cannot exceed 4084 blocks")
		}
	case FAT16:
		if totalSectors512 < 32680 || totalSectors512 > 4194304 {
			return errors.InvalidValue.WithMessage("FAT16 volumes must be in [32680, 4194304] blocks")
		}
	case FAT32:
		if totalSectors512 < 532480 {
			return errors.InvalidValue.WithMessage("FAT32 volumes must be at least 532480 blocks")
		}
	}
	return nil
}

// computeFATSize implements the standard FAT-size formula from spec §4.1.
func computeFATSize(variant Variant, totalSectors, reservedSectors, rootDirSectors uint32, sectorsPerCluster uint8, numFATs uint8, bytesPerSector uint16) uint32 {
	if variant == FAT12 {
		// 12 bits per entry; + 2 reserved entries, rounded up to whole
		// sectors, replicated across every copy implicitly handled by the
		// caller (this returns sectors for ONE copy).
		dataRegion := uint64(totalSectors) - uint64(reservedSectors) - uint64(rootDirSectors)
		clusterCountGuess := dataRegion / uint64(sectorsPerCluster)
		entryBits := (clusterCountGuess + 2) * 12
		entryBytes := (entryBits + 7) / 8
		sectorsNeeded := (entryBytes + uint64(bytesPerSector) - 1) / uint64(bytesPerSector)
		return uint32(sectorsNeeded)
	}

	tmp1 := uint64(totalSectors) - uint64(reservedSectors) - uint64(rootDirSectors)
	factor := uint64(256)*uint64(sectorsPerCluster) + uint64(numFATs)
	if variant == FAT32 {
		factor = factor / 2
	}
	tmp2 := (tmp1 + factor - 1) / factor
	return uint32(tmp2)
}

// BuildBPB synthesizes a new BPB for the given geometry. It does not touch
// any storage; callers write the result via Encode().
func BuildBPB(opts FormatOptions) (*BPB, error) {
	if opts.BytesPerSector == 0 {
		opts.BytesPerSector = 512
	}
	if opts.NumFATs == 0 {
		opts.NumFATs = 2
	}

	if err := validateSizeRange(opts.Variant, opts.TotalSectors512); err != nil {
		return nil, err
	}

	spc, err := sectorsPerClusterFor(opts.Variant, opts.TotalSectors512)
	if err != nil {
		return nil, err
	}

	totalSectors := opts.TotalSectors512 * 512 / uint64(opts.BytesPerSector)

	bpb := &BPB{
		OEMName:           opts.OEMName,
		BytesPerSector:    opts.BytesPerSector,
		SectorsPerCluster: spc,
		NumFATs:           opts.NumFATs,
		Media:             0xF8,
		SectorsPerTrack:   63,
		NumHeads:          255,
		TotalSectors:      uint32(totalSectors),
		VolumeLabel:       opts.VolumeLabel,
		FileSystemType:    opts.Variant.String(),
		Variant:           opts.Variant,
	}

	if opts.Variant == FAT32 {
		bpb.ReservedSectors = 32
		bpb.RootEntryCount = 0
		bpb.FSInfoSector = 1
		bpb.BackupBootSector = 6
		bpb.RootCluster = 2
	} else {
		bpb.ReservedSectors = 1
		bpb.RootEntryCount = 512
	}

	rootDirSectors := (uint32(bpb.RootEntryCount)*32 + uint32(bpb.BytesPerSector) - 1) / uint32(bpb.BytesPerSector)
	bpb.FATSize = computeFATSize(
		opts.Variant, bpb.TotalSectors, uint32(bpb.ReservedSectors), rootDirSectors,
		spc, opts.NumFATs, opts.BytesPerSector,
	)

	if err := bpb.deriveAndValidate(); err != nil {
		return nil, err
	}
	if bpb.Variant != opts.Variant {
		return nil, errors.InitializationFailure.WithMessage(
			fmt.Sprintf(
				"requested %s but the resulting geometry (%d clusters) classifies as %s",
				opts.Variant, bpb.CountOfClusters, bpb.Variant,
			),
		)
	}

	return bpb, nil
}
