package blockdev

import (
	"fmt"
	"os"

	"github.com/dargueta/gofat/errors"
)

// NewFileDevice opens a host file as a block device. This backs the "RAF"
// (host-filesystem-backed image) entry kind in the registry manifest (spec
// §4.6).
//
// The file must already exist and be at least numSectors*sectorSize bytes
// long; NewFileDevice does not create or grow it. Use Format (via the volume
// package) against an already-sized file to lay down a fresh file system.
func NewFileDevice(path string, sectorSize uint16, numSectors uint32) (BlockDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.IoError.Wrap(err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.IoError.Wrap(err)
	}

	needed := int64(sectorSize) * int64(numSectors)
	if info.Size() < needed {
		file.Close()
		return nil, errors.InvalidValue.WithMessage(
			fmt.Sprintf("file %q is %d bytes, need at least %d", path, info.Size(), needed),
		)
	}

	return &seekingDevice{
		stream:     file,
		closer:     file,
		sectorSize: sectorSize,
		numSectors: numSectors,
	}, nil
}

// CreateFileDevice creates (or truncates) a host file of exactly
// numSectors*sectorSize bytes and returns a block device backed by it, ready
// to be passed to volume.Format for a new "RAF" volume.
func CreateFileDevice(path string, sectorSize uint16, numSectors uint32) (BlockDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.IoError.Wrap(err)
	}

	size := int64(sectorSize) * int64(numSectors)
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, errors.IoError.Wrap(err)
	}

	return &seekingDevice{
		stream:     file,
		closer:     file,
		sectorSize: sectorSize,
		numSectors: numSectors,
	}, nil
}
