// Package blockdev provides the random-access, sector-addressed storage
// abstraction that the fat package is built on. It corresponds to the
// "BlockDevice" layer in the design (spec §2, §6).
package blockdev

import (
	"fmt"
	"io"

	"github.com/dargueta/gofat/errors"
)

// BlockDevice is a random-access byte store addressed by fixed-size sectors.
// Sector size is fixed at device-open time; every higher layer validates it
// against the BPB's BytesPerSector field on mount.
type BlockDevice interface {
	// ReadSector reads exactly one sector into buf, which must be exactly
	// BytesPerSector() bytes long.
	ReadSector(index uint32, buf []byte) error
	// WriteSector writes exactly one sector from buf, which must be exactly
	// BytesPerSector() bytes long.
	WriteSector(index uint32, buf []byte) error
	// NumSectors returns the total number of addressable sectors.
	NumSectors() uint32
	// BytesPerSector returns the fixed sector size for this device.
	BytesPerSector() uint16
	// Close releases any resources held by the device.
	Close() error
}

// checkBounds validates that a single-sector I/O at `index` is in range for
// a device with sectorSize-byte sectors, totalSectors sectors, and that buf
// is exactly one sector long.
func checkBounds(index uint32, totalSectors uint32, sectorSize uint16, buf []byte) error {
	if index >= totalSectors {
		return errors.IoError.WithMessage(
			fmt.Sprintf("sector %d out of range [0, %d)", index, totalSectors),
		)
	}
	if len(buf) != int(sectorSize) {
		return errors.WrongLength.WithMessage(
			fmt.Sprintf("buffer is %d bytes, sector size is %d", len(buf), sectorSize),
		)
	}
	return nil
}

// seekingDevice implements BlockDevice over any io.ReadWriteSeeker, such as
// an *os.File or a bytesextra.ReadWriteSeeker wrapping an in-memory buffer.
// This is the common implementation shared by the RAM- and file-backed
// constructors below.
type seekingDevice struct {
	stream      io.ReadWriteSeeker
	closer      io.Closer
	sectorSize  uint16
	numSectors  uint32
	startOffset int64
}

func (d *seekingDevice) BytesPerSector() uint16 {
	return d.sectorSize
}

func (d *seekingDevice) NumSectors() uint32 {
	return d.numSectors
}

func (d *seekingDevice) offsetOf(index uint32) int64 {
	return d.startOffset + int64(index)*int64(d.sectorSize)
}

func (d *seekingDevice) ReadSector(index uint32, buf []byte) error {
	if err := checkBounds(index, d.numSectors, d.sectorSize, buf); err != nil {
		return err
	}
	if _, err := d.stream.Seek(d.offsetOf(index), io.SeekStart); err != nil {
		return errors.IoError.Wrap(err)
	}
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return errors.IoError.Wrap(err)
	}
	return nil
}

func (d *seekingDevice) WriteSector(index uint32, buf []byte) error {
	if err := checkBounds(index, d.numSectors, d.sectorSize, buf); err != nil {
		return err
	}
	if _, err := d.stream.Seek(d.offsetOf(index), io.SeekStart); err != nil {
		return errors.IoError.Wrap(err)
	}
	if _, err := d.stream.Write(buf); err != nil {
		return errors.IoError.Wrap(err)
	}
	return nil
}

func (d *seekingDevice) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
