package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
)

// BPB holds the parsed and derived fields of a volume's BIOS Parameter
// Block (spec §3, §4.1). It mixes on-disk fields with values derived from
// them (FirstDataSector, CountOfClusters, Variant, ...) because nearly every
// higher layer needs both.
type BPB struct {
	OEMName           string
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	Media             uint8
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors      uint32
	FATSize           uint32 // sectors per single FAT copy

	// FAT32-only fields; zero for FAT12/16.
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16

	DriveNumber    uint8
	VolumeID       uint32
	VolumeLabel    string
	FileSystemType string

	// Derived (spec §4.1).
	RootDirSectors  uint32
	FirstDataSector uint32
	DataSectors     uint32
	CountOfClusters uint32
	LastCluster     uint32
	Variant         Variant
}

const bpbCommonSize = 36

// ParseBPB reads sector 0 of dev and derives the full BPB, classifying the
// FAT variant from the cluster count (the authoritative test, never the
// on-disk type string).
func ParseBPB(dev blockdev.BlockDevice) (*BPB, error) {
	sectorSize := dev.BytesPerSector()
	buf := make([]byte, sectorSize)
	if err := dev.ReadSector(0, buf); err != nil {
		return nil, errors.IoError.Wrap(err)
	}

	if len(buf) < 90 {
		return nil, errors.WrongLength.WithMessage("sector too small to hold a BPB")
	}

	if buf[510] != 0x55 || buf[511] != 0xAA {
		return nil, errors.InitializationFailure.WithMessage(
			"sector 0 does not end with the 0x55 0xAA boot signature",
		)
	}

	le := binary.LittleEndian
	bpb := &BPB{
		OEMName:           trimPadded(buf[3:11]),
		BytesPerSector:    le.Uint16(buf[11:13]),
		SectorsPerCluster: buf[13],
		ReservedSectors:   le.Uint16(buf[14:16]),
		NumFATs:           buf[16],
		RootEntryCount:    le.Uint16(buf[17:19]),
		Media:             buf[21],
		SectorsPerTrack:   le.Uint16(buf[24:26]),
		NumHeads:          le.Uint16(buf[26:28]),
		HiddenSectors:     le.Uint32(buf[28:32]),
	}

	totalSectors16 := le.Uint16(buf[19:21])
	totalSectors32 := le.Uint32(buf[32:36])
	if totalSectors16 != 0 {
		bpb.TotalSectors = uint32(totalSectors16)
	} else {
		bpb.TotalSectors = totalSectors32
	}

	fatSize16 := le.Uint16(buf[22:24])
	if fatSize16 != 0 {
		bpb.FATSize = uint32(fatSize16)
		bpb.DriveNumber = buf[36]
		bpb.VolumeID = le.Uint32(buf[39:43])
		bpb.VolumeLabel = trimPadded(buf[43:54])
		bpb.FileSystemType = trimPadded(buf[54:62])
	} else {
		bpb.FATSize = le.Uint32(buf[36:40])
		bpb.ExtFlags = le.Uint16(buf[40:42])
		bpb.FSVersion = le.Uint16(buf[42:44])
		bpb.RootCluster = le.Uint32(buf[44:48])
		bpb.FSInfoSector = le.Uint16(buf[48:50])
		bpb.BackupBootSector = le.Uint16(buf[50:52])
		bpb.DriveNumber = buf[64]
		bpb.VolumeID = le.Uint32(buf[67:71])
		bpb.VolumeLabel = trimPadded(buf[71:82])
		bpb.FileSystemType = trimPadded(buf[82:90])
	}

	if err := bpb.deriveAndValidate(); err != nil {
		return nil, err
	}

	if bpb.BytesPerSector != sectorSize {
		return nil, errors.WrongLength.WithMessage(
			fmt.Sprintf(
				"BPB claims %d bytes/sector but device uses %d",
				bpb.BytesPerSector, sectorSize,
			),
		)
	}

	return bpb, nil
}

// deriveAndValidate fills in RootDirSectors/FirstDataSector/CountOfClusters/
// Variant and rejects values spec §4.1 calls out as errors.
func (bpb *BPB) deriveAndValidate() error {
	switch bpb.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return errors.InvalidValue.WithMessage(
			fmt.Sprintf("unsupported BytesPerSector %d", bpb.BytesPerSector),
		)
	}

	switch bpb.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return errors.InvalidValue.WithMessage(
			fmt.Sprintf("SectorsPerCluster must be a power of 2 in [1,128], got %d", bpb.SectorsPerCluster),
		)
	}

	if uint32(bpb.BytesPerSector)*uint32(bpb.SectorsPerCluster) > 32768 {
		return errors.InvalidValue.WithMessage("cluster size cannot exceed 32 KiB")
	}

	bpb.RootDirSectors = (uint32(bpb.RootEntryCount)*32 + uint32(bpb.BytesPerSector) - 1) /
		uint32(bpb.BytesPerSector)

	totalFATSectors := uint32(bpb.NumFATs) * bpb.FATSize
	bpb.FirstDataSector = uint32(bpb.ReservedSectors) + totalFATSectors + bpb.RootDirSectors

	if bpb.TotalSectors < bpb.FirstDataSector {
		return errors.InvalidValue.WithMessage("total sectors smaller than reserved+FAT+root region")
	}
	bpb.DataSectors = bpb.TotalSectors - bpb.FirstDataSector
	bpb.CountOfClusters = bpb.DataSectors / uint32(bpb.SectorsPerCluster)
	bpb.LastCluster = bpb.CountOfClusters + 1 // cluster numbering starts at 2

	bpb.Variant = DetermineVariant(bpb.CountOfClusters)
	if bpb.Variant == FAT32 && bpb.RootDirSectors != 0 {
		return errors.InitializationFailure.WithMessage(
			"FAT32 volume has a nonzero legacy root directory region",
		)
	}
	if bpb.Variant != FAT32 && bpb.RootEntryCount == 0 {
		return errors.InitializationFailure.WithMessage(
			"FAT12/16 volume has a zero root entry count",
		)
	}

	return nil
}

// FirstFATSector returns the sector index of the first FAT copy (copy 0).
func (bpb *BPB) FirstFATSector() uint32 {
	return uint32(bpb.ReservedSectors)
}

// FATCopySector returns the sector index of the first sector of FAT copy n.
func (bpb *BPB) FATCopySector(n int) uint32 {
	return bpb.FirstFATSector() + uint32(n)*bpb.FATSize
}

// BytesPerCluster returns the size of one cluster in bytes.
func (bpb *BPB) BytesPerCluster() uint32 {
	return uint32(bpb.BytesPerSector) * uint32(bpb.SectorsPerCluster)
}

// FirstSectorOfCluster returns the absolute sector index of the first
// sector of the given cluster. Cluster numbering begins at 2.
func (bpb *BPB) FirstSectorOfCluster(cluster uint32) uint32 {
	return bpb.FirstDataSector + (cluster-2)*uint32(bpb.SectorsPerCluster)
}

// Encode writes this BPB back out as a 512-byte sector image, padded with
// zero boot code and terminated with the 0x55 0xAA signature bytes.
func (bpb *BPB) Encode() []byte {
	buf := make([]byte, 512)
	le := binary.LittleEndian

	buf[0], buf[1], buf[2] = 0xEB, 0x00, 0x90 // JMP SHORT $+2; NOP
	copy(buf[3:11], padTo(bpb.OEMName, 8, ' '))
	le.PutUint16(buf[11:13], bpb.BytesPerSector)
	buf[13] = bpb.SectorsPerCluster
	le.PutUint16(buf[14:16], bpb.ReservedSectors)
	buf[16] = bpb.NumFATs
	le.PutUint16(buf[17:19], bpb.RootEntryCount)
	if bpb.TotalSectors <= 0xFFFF {
		le.PutUint16(buf[19:21], uint16(bpb.TotalSectors))
	}
	buf[21] = bpb.Media
	if bpb.Variant != FAT32 {
		le.PutUint16(buf[22:24], uint16(bpb.FATSize))
	}
	le.PutUint16(buf[24:26], bpb.SectorsPerTrack)
	le.PutUint16(buf[26:28], bpb.NumHeads)
	le.PutUint32(buf[28:32], bpb.HiddenSectors)
	if bpb.TotalSectors > 0xFFFF || bpb.Variant == FAT32 {
		le.PutUint32(buf[32:36], bpb.TotalSectors)
	}

	if bpb.Variant == FAT32 {
		le.PutUint32(buf[36:40], bpb.FATSize)
		le.PutUint16(buf[40:42], bpb.ExtFlags)
		le.PutUint16(buf[42:44], bpb.FSVersion)
		le.PutUint32(buf[44:48], bpb.RootCluster)
		le.PutUint16(buf[48:50], bpb.FSInfoSector)
		le.PutUint16(buf[50:52], bpb.BackupBootSector)
		buf[64] = bpb.DriveNumber
		buf[66] = 0x29 // extended boot signature
		le.PutUint32(buf[67:71], bpb.VolumeID)
		copy(buf[71:82], padTo(bpb.VolumeLabel, 11, ' '))
		copy(buf[82:90], padTo(bpb.FileSystemType, 8, ' '))
	} else {
		buf[36] = bpb.DriveNumber
		buf[38] = 0x29
		le.PutUint32(buf[39:43], bpb.VolumeID)
		copy(buf[43:54], padTo(bpb.VolumeLabel, 11, ' '))
		copy(buf[54:62], padTo(bpb.FileSystemType, 8, ' '))
	}

	buf[510] = 0x55
	buf[511] = 0xAA
	return buf
}

func trimPadded(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

func padTo(s string, n int, pad byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = pad
	}
	copy(out, s)
	if len(s) > n {
		copy(out, s[:n])
	}
	return out
}
