package fat

import (
	"encoding/binary"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
)

const (
	fsiLeadSignature  = 0x41615252
	fsiStructSignature = 0x61417272
	fsiTrailSignature = 0xAA550000

	// UnknownHint is the sentinel value for "unknown" FSInfo hints (spec
	// §3: "both treatable as unknown when equal to 0xFFFFFFFF").
	UnknownHint = 0xFFFFFFFF
)

// FSInfo is the FAT32-only free-space hint sector (spec §3, §4.1).
type FSInfo struct {
	FreeCount uint32
	NextFree  uint32
}

// ParseFSInfo reads and validates the FSInfo sector at the given sector
// index. The lead, struct, and trail signatures must all match or the
// sector is rejected with NotFsiSector.
func ParseFSInfo(dev blockdev.BlockDevice, sector uint32) (*FSInfo, error) {
	buf := make([]byte, dev.BytesPerSector())
	if err := dev.ReadSector(sector, buf); err != nil {
		return nil, errors.IoError.Wrap(err)
	}
	return decodeFSInfo(buf)
}

func decodeFSInfo(buf []byte) (*FSInfo, error) {
	le := binary.LittleEndian
	if len(buf) < 512 {
		return nil, errors.WrongLength.WithMessage("FSInfo sector shorter than 512 bytes")
	}
	if le.Uint32(buf[0:4]) != fsiLeadSignature {
		return nil, errors.NotFsiSector.WithMessage("bad lead signature")
	}
	if le.Uint32(buf[484:488]) != fsiStructSignature {
		return nil, errors.NotFsiSector.WithMessage("bad struct signature")
	}
	if le.Uint32(buf[508:512]) != fsiTrailSignature {
		return nil, errors.NotFsiSector.WithMessage("bad trail signature")
	}

	return &FSInfo{
		FreeCount: le.Uint32(buf[488:492]),
		NextFree:  le.Uint32(buf[492:496]),
	}, nil
}

// Encode serializes the FSInfo sector, leaving the reserved regions
// zero-filled as real FAT32 volumes do. NextFree/FreeCount are written as a
// straightforward 32-bit little-endian value via byte-shift PutUint32 (spec
// §9 calls out that the original source's writer shifted the high byte by
// 32 instead of 24; this implementation always uses the correct 0/8/16/24
// shifts, i.e. binary.LittleEndian.PutUint32).
func (fsi *FSInfo) Encode() []byte {
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xFF
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], fsiLeadSignature)
	for i := 4; i < 484; i++ {
		buf[i] = 0
	}
	le.PutUint32(buf[484:488], fsiStructSignature)
	le.PutUint32(buf[488:492], fsi.FreeCount)
	le.PutUint32(buf[492:496], fsi.NextFree)
	for i := 496; i < 508; i++ {
		buf[i] = 0
	}
	le.PutUint32(buf[508:512], fsiTrailSignature)
	return buf
}

// WriteTo writes this FSInfo at primarySector and, if backupSector is
// nonzero, a duplicate copy at backupSector. Callers pass the backup boot
// sector plus the FSInfo offset as backupSector (spec §3 "Duplicated at
// backup_boot + FSInfo offset").
func (fsi *FSInfo) WriteTo(dev blockdev.BlockDevice, primarySector uint32, backupSector uint32) error {
	buf := fsi.Encode()
	if err := dev.WriteSector(primarySector, buf); err != nil {
		return errors.IoError.Wrap(err)
	}
	if backupSector != 0 {
		if err := dev.WriteSector(backupSector, buf); err != nil {
			return errors.IoError.Wrap(err)
		}
	}
	return nil
}
