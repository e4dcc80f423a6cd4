package fat

import (
	"io"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
)

// FileMode selects whether an open File permits writes.
type FileMode int

const (
	ModeRead FileMode = iota
	ModeReadWrite
)

// File is a random-access byte stream over a cluster chain, with lazy
// extension and a single buffered sector (spec §3 "Open file", §4.4).
type File struct {
	dev   blockdev.BlockDevice
	bpb   *BPB
	table *Table
	clock Clock

	dir    *Directory
	handle DirentHandle

	mode         FileMode
	startCluster uint32
	length       int64 // logical length, may exceed the on-disk recorded size until Close
	onDiskLength int64

	pos                int64
	clusterNumber      uint32
	sectorCounter      uint32 // 0..sectorsPerCluster-1, offset of sectorNumber within clusterNumber
	lastClusterNumber  uint32 // terminal non-EOC cluster of the chain, 0 if none allocated
	chainCache         []uint32

	bufSector uint32
	buf       []byte
	bufLoaded bool
	bufDirty  bool

	onClose func()
	closed  bool
}

// OpenFile opens handle (a file entry from dir.Lookup/dir.List) for
// random-access I/O. Escalating an existing read handle to read-write should
// fail; that rule is enforced by the volume-level open-file registry, not
// here.
func OpenFile(dev blockdev.BlockDevice, bpb *BPB, table *Table, clock Clock, dir *Directory, handle DirentHandle, mode FileMode) (*File, error) {
	f := &File{
		dev:          dev,
		bpb:          bpb,
		table:        table,
		clock:        clock,
		dir:          dir,
		handle:       handle,
		mode:         mode,
		startCluster: handle.FirstCluster,
		length:       int64(handle.FileSize),
		onDiskLength: int64(handle.FileSize),
		pos:          0,
	}
	if err := f.seekInit(); err != nil {
		return nil, err
	}
	return f, nil
}

// SetOnClose installs a callback run exactly once, after the final length and
// timestamps have been committed, when Close succeeds. Volume uses this to
// release the open-file registry entry it created when this File was opened
// (spec §3 "Lifetimes": "torn down when the last holder closes it").
func (f *File) SetOnClose(fn func()) { f.onClose = fn }

func (f *File) checkOpen() error {
	if f.closed {
		return errors.IoError.WithMessage("operation on a closed file")
	}
	return nil
}

func (f *File) checkWritable() error {
	if f.mode != ModeReadWrite {
		return errors.IoError.WithMessage("file is not open for writing")
	}
	return nil
}

func (f *File) refreshChain() error {
	if f.startCluster == 0 {
		f.chainCache = nil
		f.lastClusterNumber = 0
		return nil
	}
	chain, err := f.table.Chain(f.startCluster)
	if err != nil {
		return err
	}
	f.chainCache = chain
	f.lastClusterNumber = chain[len(chain)-1]
	return nil
}

// seekInit positions the file at offset 0, establishing clusterNumber as the
// start cluster (or 0 if none is allocated yet).
func (f *File) seekInit() error {
	if err := f.refreshChain(); err != nil {
		return err
	}
	f.clusterNumber = f.startCluster
	f.sectorCounter = 0
	f.pos = 0
	return nil
}

func (f *File) bytesPerCluster() int64 { return int64(f.bpb.BytesPerCluster()) }
func (f *File) bytesPerSector() int64  { return int64(f.bpb.BytesPerSector) }
func (f *File) sectorsPerCluster() int64 {
	return int64(f.bpb.SectorsPerCluster)
}

// Length returns the file's current logical length.
func (f *File) Length() int64 { return f.length }

// Seek repositions the file pointer. If target lies beyond the allocated
// chain, the pointer stops at the terminal cluster -- subsequent writes will
// extend the chain, subsequent reads will return less than requested (spec
// §4.4 "Seek").
func (f *File) Seek(target int64) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if target < 0 {
		return errors.InvalidValue.WithMessage("negative seek offset")
	}
	if err := f.flushBuffer(); err != nil {
		return err
	}

	clustersToSkip := target / f.bytesPerCluster()
	if f.startCluster == 0 || clustersToSkip >= int64(len(f.chainCache)) {
		if len(f.chainCache) > 0 {
			f.clusterNumber = f.chainCache[len(f.chainCache)-1]
			f.sectorCounter = uint32((f.sectorsPerCluster() - 1))
		} else {
			f.clusterNumber = f.startCluster
			f.sectorCounter = 0
		}
		f.pos = target
		return nil
	}

	f.clusterNumber = f.chainCache[clustersToSkip]
	offsetInCluster := target % f.bytesPerCluster()
	f.sectorCounter = uint32(offsetInCluster / f.bytesPerSector())
	f.pos = target
	return nil
}

func (f *File) currentSector() uint32 {
	return f.bpb.FirstSectorOfCluster(f.clusterNumber) + f.sectorCounter
}

func (f *File) loadBuffer(sector uint32) error {
	if f.bufLoaded && f.bufSector == sector {
		return nil
	}
	if err := f.flushBuffer(); err != nil {
		return err
	}
	f.buf = make([]byte, f.bytesPerSector())
	if err := f.dev.ReadSector(sector, f.buf); err != nil {
		_ = f.table.MarkHardError()
		return errors.IoError.Wrap(err)
	}
	f.bufSector = sector
	f.bufLoaded = true
	f.bufDirty = false
	return nil
}

func (f *File) flushBuffer() error {
	if !f.bufLoaded || !f.bufDirty {
		return nil
	}
	if err := f.dev.WriteSector(f.bufSector, f.buf); err != nil {
		_ = f.table.MarkHardError()
		return errors.IoError.Wrap(err)
	}
	f.bufDirty = false
	return nil
}

// advance moves the pointer forward by one byte within the current cluster,
// fetching the next cluster through the FAT when a cluster boundary is
// crossed (spec §4.4 "Read").
func (f *File) advance() error {
	f.pos++
	offsetInCluster := f.pos % f.bytesPerCluster()
	if offsetInCluster == 0 {
		// Crossed a cluster boundary; fetch the next cluster if any.
		next, err := f.table.Get(f.clusterNumber)
		if err != nil {
			return err
		}
		if !f.table.IsEOC(next) {
			f.clusterNumber = next
		}
		f.sectorCounter = 0
		return nil
	}
	newSectorCounter := uint32((offsetInCluster) / f.bytesPerSector())
	if newSectorCounter != f.sectorCounter {
		f.sectorCounter = newSectorCounter
	}
	return nil
}

// Read reads up to len(p) bytes starting at the current position, returning
// io.EOF once the logical length is reached (spec §4.4: "Past-EOF read
// returns end-of-stream").
func (f *File) Read(p []byte) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if f.pos >= f.length {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && f.pos < f.length {
		if err := f.loadBuffer(f.currentSector()); err != nil {
			return n, err
		}
		offsetInSector := int(f.pos % f.bytesPerSector())
		p[n] = f.buf[offsetInSector]
		n++
		if err := f.advance(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadAt reads len(p) bytes starting at absolute offset off, without
// disturbing the file's current position semantics beyond leaving the
// pointer at off+n.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := f.Seek(off); err != nil {
		return 0, err
	}
	return f.Read(p)
}

// Write writes len(p) bytes at the current position, extending the file
// (and allocating a start cluster if none exists) as needed (spec §4.4
// "Write").
func (f *File) Write(p []byte) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	endPos := f.pos + int64(len(p))
	if endPos > f.length {
		if err := f.SetLength(endPos); err != nil {
			return 0, err
		}
		// SetLength may have moved the pointer; restore it to where the
		// write should begin.
		if err := f.Seek(endPos - int64(len(p))); err != nil {
			return 0, err
		}
	}

	n := 0
	for n < len(p) {
		sector := f.currentSector()
		if err := f.loadBuffer(sector); err != nil {
			return n, err
		}
		offsetInSector := int(f.pos % f.bytesPerSector())
		f.buf[offsetInSector] = p[n]
		f.bufDirty = true
		n++
		if err := f.advance(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// clustersFor returns the number of clusters needed to hold `length` bytes.
func (f *File) clustersFor(length int64) int64 {
	if length == 0 {
		return 0
	}
	bpc := f.bytesPerCluster()
	return (length + bpc - 1) / bpc
}

// SetLength grows or shrinks the file to exactly newLength bytes: shrinking
// walks to the cluster containing newLength, frees the following chain and
// marks the current cluster EOC; growing allocates the deficit and
// zero-fills the new region.
func (f *File) SetLength(newLength int64) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := f.checkWritable(); err != nil {
		return err
	}
	if newLength < 0 {
		return errors.InvalidValue.WithMessage("negative length")
	}

	oldClusters := f.clustersFor(f.length)
	newClusters := f.clustersFor(newLength)

	if newClusters < oldClusters {
		if err := f.shrinkTo(newClusters); err != nil {
			return err
		}
	} else if newClusters > oldClusters {
		if err := f.growTo(oldClusters, newClusters, f.length, newLength); err != nil {
			return err
		}
	}

	f.length = newLength
	if f.pos > f.length {
		return f.Seek(f.length)
	}
	return nil
}

func (f *File) shrinkTo(newClusterCount int64) error {
	if newClusterCount == 0 {
		if f.startCluster != 0 {
			if err := f.table.FreeChain(f.startCluster); err != nil {
				return err
			}
			f.startCluster = 0
		}
		return f.seekInit()
	}

	if err := f.refreshChain(); err != nil {
		return err
	}
	keepCluster := f.chainCache[newClusterCount-1]
	if err := f.table.FreeChainKeepingHead(keepCluster); err != nil {
		return err
	}
	return f.refreshChain()
}

func (f *File) growTo(oldClusterCount, newClusterCount int64, oldLength, newLength int64) error {
	deficit := int(newClusterCount - oldClusterCount)
	if deficit > 0 {
		var tail uint32
		if f.startCluster != 0 {
			if err := f.refreshChain(); err != nil {
				return err
			}
			tail = f.chainCache[len(f.chainCache)-1]
		}

		newClusters, err := f.table.Allocate(deficit, tail)
		if err != nil {
			return err
		}
		if f.startCluster == 0 {
			f.startCluster = newClusters[0]
		}
		if err := f.refreshChain(); err != nil {
			return err
		}
	}

	return f.zeroFill(oldLength, newLength)
}

// zeroFill writes zero bytes from `from` to `to` across whatever sectors
// those offsets span (spec §4.4 "zero-fill from old_length to new_length").
func (f *File) zeroFill(from, to int64) error {
	if to <= from {
		return nil
	}
	if err := f.Seek(from); err != nil {
		return err
	}
	remaining := to - from
	zero := make([]byte, f.bytesPerSector())
	for remaining > 0 {
		sector := f.currentSector()
		offsetInSector := int(f.pos % f.bytesPerSector())
		n := int64(len(zero) - offsetInSector)
		if n > remaining {
			n = remaining
		}
		if err := f.loadBuffer(sector); err != nil {
			return err
		}
		copy(f.buf[offsetInSector:offsetInSector+int(n)], zero[:n])
		f.bufDirty = true
		for i := int64(0); i < n; i++ {
			if err := f.advance(); err != nil {
				return err
			}
		}
		remaining -= n
	}
	return nil
}

// Close flushes the buffered sector and, if the in-memory length differs
// from what's recorded on disk, persists the final length and timestamps to
// the owning directory entry (spec §4.4 "Close").
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	if err := f.flushBuffer(); err != nil {
		return err
	}

	if f.mode == ModeReadWrite && (f.length != f.onDiskLength || f.handle.FirstCluster != f.startCluster) {
		now := f.clock.Now()
		if err := f.dir.UpdateEntry(f.handle, f.startCluster, uint32(f.length), now, now); err != nil {
			return err
		}
	}

	f.closed = true
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}
