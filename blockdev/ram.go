package blockdev

import (
	"github.com/xaionaro-go/bytesextra"
)

// NewRAMDevice creates a BlockDevice entirely backed by an in-memory buffer.
// This is the "RAM" backend kind referenced by the registry manifest (spec
// §4.6, §6): it's never recorded in the manifest because it doesn't outlive
// the process.
//
// buf must already be exactly numSectors*sectorSize bytes long; it is used
// directly, not copied, so writes to the returned device are visible through
// buf and vice versa.
func NewRAMDevice(buf []byte, sectorSize uint16, numSectors uint32) BlockDevice {
	stream := bytesextra.NewReadWriteSeeker(buf)
	return &seekingDevice{
		stream:     stream,
		sectorSize: sectorSize,
		numSectors: numSectors,
	}
}

// NewBlankRAMDevice allocates a fresh, zero-filled in-memory device of the
// requested geometry, the usual device to pass to volume.Format for a
// brand-new RAM-backed volume (testutil.FormatRAMVolume does exactly that).
func NewBlankRAMDevice(sectorSize uint16, numSectors uint32) BlockDevice {
	buf := make([]byte, uint64(sectorSize)*uint64(numSectors))
	return NewRAMDevice(buf, sectorSize, numSectors)
}
