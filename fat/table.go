package fat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
)

// Control-bit masks for FAT cell 1, per Microsoft's fatgen tables and spec
// §3/§4.2. FAT12 has no spare bits in its 12-bit cell and does not carry
// these flags at all.
const (
	clnShutBitMask16 = 0x8000
	hrdErrBitMask16  = 0x4000
	clnShutBitMask32 = 0x08000000
	hrdErrBitMask32  = 0x04000000
)

// Table is the FAT allocation table abstraction (spec §4.2): entry
// get/set, the free-cluster pool, chain traversal, dirty/hard-error bits,
// the disk-surface and chain consistency checks, and dismount replication
// across redundant copies.
type Table struct {
	dev        blockdev.BlockDevice
	bpb        *BPB
	variant    Variant
	activeCopy int
	mirrorAll  bool // FAT32 only: true when ExtFlags bit 7 is clear

	hardError     bool
	cleanShutdown bool

	fsinfo *FSInfo // FAT32 only

	// freeBitmap tracks, for FAT12/16 only, which clusters in [2, lastCluster]
	// are free. It is populated once at mount by scanning every cell (spec
	// §4.2 "Allocation policy"), and consulted (not rebuilt) on every
	// allocate/free afterwards.
	freeBitmap bitmap.Bitmap

	progress io.Writer
}

// OpenTable mounts the FAT allocation table described by bpb on dev. It does
// not run recovery; callers (normally Volume.Mount) invoke ReadControlBits,
// then RunSurfaceCheck or RunChainCheck as appropriate, then
// ClearCleanShutdownBit.
func OpenTable(dev blockdev.BlockDevice, bpb *BPB, fsinfo *FSInfo, progress io.Writer) (*Table, error) {
	if progress == nil {
		progress = io.Discard
	}

	t := &Table{
		dev:        dev,
		bpb:        bpb,
		variant:    bpb.Variant,
		mirrorAll:  true,
		fsinfo:     fsinfo,
		progress:   progress,
	}

	if bpb.Variant == FAT32 {
		if bpb.ExtFlags&0x80 != 0 {
			t.mirrorAll = false
			t.activeCopy = int(bpb.ExtFlags & 0x0F)
		}
	}

	if bpb.Variant != FAT32 {
		if err := t.buildFreeBitmap(); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// fatCopySector returns the first sector of FAT copy n.
func (t *Table) fatCopySector(n int) uint32 {
	return t.bpb.FATCopySector(n)
}

func (t *Table) markHardError() {
	t.hardError = true
}

// readBytes reads n bytes beginning at byteOffset within the given FAT copy,
// transparently spanning a sector boundary if necessary (spec §4.2: "FAT12
// cells straddle byte boundaries; reads/writes at a sector boundary must
// load the adjacent sector as well" -- generalized here to all variants for
// a single code path).
func (t *Table) readBytes(copyIdx int, byteOffset uint32, n int) ([]byte, error) {
	sectorSize := uint32(t.bpb.BytesPerSector)
	startSector := byteOffset / sectorSize
	endSector := (byteOffset + uint32(n) - 1) / sectorSize
	numSectors := endSector - startSector + 1

	buf := make([]byte, numSectors*sectorSize)
	base := t.fatCopySector(copyIdx)
	for i := uint32(0); i < numSectors; i++ {
		slice := buf[i*sectorSize : (i+1)*sectorSize]
		if err := t.dev.ReadSector(base+startSector+i, slice); err != nil {
			t.markHardError()
			return nil, errors.IoError.Wrap(err)
		}
	}

	offsetInBuf := byteOffset - startSector*sectorSize
	return buf[offsetInBuf : offsetInBuf+uint32(n)], nil
}

// writeBytes performs a read-modify-write of data into the given FAT copy at
// byteOffset, since the block device can only write whole sectors.
func (t *Table) writeBytes(copyIdx int, byteOffset uint32, data []byte) error {
	sectorSize := uint32(t.bpb.BytesPerSector)
	startSector := byteOffset / sectorSize
	endSector := (byteOffset + uint32(len(data)) - 1) / sectorSize
	numSectors := endSector - startSector + 1

	buf := make([]byte, numSectors*sectorSize)
	base := t.fatCopySector(copyIdx)
	for i := uint32(0); i < numSectors; i++ {
		slice := buf[i*sectorSize : (i+1)*sectorSize]
		if err := t.dev.ReadSector(base+startSector+i, slice); err != nil {
			t.markHardError()
			return errors.IoError.Wrap(err)
		}
	}

	offsetInBuf := byteOffset - startSector*sectorSize
	copy(buf[offsetInBuf:offsetInBuf+uint32(len(data))], data)

	for i := uint32(0); i < numSectors; i++ {
		slice := buf[i*sectorSize : (i+1)*sectorSize]
		if err := t.dev.WriteSector(base+startSector+i, slice); err != nil {
			t.markHardError()
			return errors.IoError.Wrap(err)
		}
	}
	return nil
}

// cellByteOffset returns the byte offset of cluster's cell within one FAT
// copy, and the number of bytes that must be read to decode it.
func cellByteOffset(variant Variant, cluster uint32) (offset uint32, width int) {
	switch variant {
	case FAT12:
		return cluster + cluster/2, 2
	case FAT16:
		return cluster * 2, 2
	default:
		return cluster * 4, 4
	}
}

func (t *Table) checkClusterRange(cluster uint32) error {
	if cluster > t.bpb.LastCluster {
		return errors.InvalidValue.WithMessage(
			fmt.Sprintf("cluster %d out of range [0, %d]", cluster, t.bpb.LastCluster),
		)
	}
	return nil
}

// Get returns the raw cell value (not yet masked to the EOC/bad conventions
// of any particular caller) for the given cluster, read from the active
// copy.
func (t *Table) Get(cluster uint32) (uint32, error) {
	if err := t.checkClusterRange(cluster); err != nil {
		return 0, err
	}

	offset, width := cellByteOffset(t.variant, cluster)
	raw, err := t.readBytes(t.activeCopy, offset, width)
	if err != nil {
		return 0, err
	}

	switch t.variant {
	case FAT12:
		word := binary.LittleEndian.Uint16(raw)
		if cluster%2 == 0 {
			return uint32(word & 0x0FFF), nil
		}
		return uint32(word >> 4), nil
	case FAT16:
		return uint32(binary.LittleEndian.Uint16(raw)), nil
	default:
		return binary.LittleEndian.Uint32(raw) & 0x0FFFFFFF, nil
	}
}

// Set writes value into cluster's cell. For FAT32 it preserves the top 4
// reserved bits of the existing value (spec §4.2). Redundancy: FAT32 fans
// out immediately to every copy when mirroring is enabled (ExtFlags bit 7
// clear); FAT12/16 write only the active copy, replicated at dismount.
func (t *Table) Set(cluster uint32, value uint32) error {
	if err := t.checkClusterRange(cluster); err != nil {
		return err
	}

	offset, width := cellByteOffset(t.variant, cluster)

	switch t.variant {
	case FAT12:
		raw, err := t.readBytes(t.activeCopy, offset, width)
		if err != nil {
			return err
		}
		word := binary.LittleEndian.Uint16(raw)
		if cluster%2 == 0 {
			word = (word & 0xF000) | uint16(value&0x0FFF)
		} else {
			word = (word & 0x000F) | (uint16(value&0x0FFF) << 4)
		}
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, word)
		if err := t.writeBytes(t.activeCopy, offset, out); err != nil {
			return err
		}

	case FAT16:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(value&0xFFFF))
		if err := t.writeBytes(t.activeCopy, offset, out); err != nil {
			return err
		}

	default: // FAT32
		raw, err := t.readBytes(t.activeCopy, offset, width)
		if err != nil {
			return err
		}
		existing := binary.LittleEndian.Uint32(raw)
		newWord := (existing & 0xF0000000) | (value & 0x0FFFFFFF)
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, newWord)
		if err := t.writeBytes(t.activeCopy, offset, out); err != nil {
			return err
		}
		if t.mirrorAll {
			for c := 0; c < int(t.bpb.NumFATs); c++ {
				if c == t.activeCopy {
					continue
				}
				if err := t.writeBytes(c, offset, out); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// IsEOC reports whether cell marks end-of-chain for this table's variant.
func (t *Table) IsEOC(cell uint32) bool { return t.variant.IsEOC(cell) }

// IsBad reports whether cell is the bad-cluster marker.
func (t *Table) IsBad(cell uint32) bool { return t.variant.IsBad(cell) }

// IsFree reports whether cell marks its cluster unallocated.
func (t *Table) IsFree(cell uint32) bool { return t.variant.IsFree(cell) }

// Chain returns every cluster in the chain starting at `start`, in order,
// stopping at (but not including) the EOC marker. Per the acyclicity
// invariant (spec §8) this must terminate within CountOfClusters steps;
// exceeding that indicates corruption and is reported as InvalidValue.
func (t *Table) Chain(start uint32) ([]uint32, error) {
	if start == 0 {
		return nil, nil
	}

	chain := make([]uint32, 0, 8)
	current := start
	for i := uint32(0); i <= t.bpb.CountOfClusters; i++ {
		chain = append(chain, current)
		next, err := t.Get(current)
		if err != nil {
			return chain, err
		}
		if t.IsEOC(next) {
			return chain, nil
		}
		if t.IsBad(next) || t.IsFree(next) {
			return chain, errors.InvalidValue.WithMessage(
				fmt.Sprintf("cluster %d followed by invalid cluster 0x%x", current, next),
			)
		}
		current = next
	}
	return chain, errors.InvalidValue.WithMessage("cluster chain exceeds volume size: likely cyclic")
}

// buildFreeBitmap scans every cell from 2 to lastCluster once, at mount, to
// populate the FAT12/16 in-memory free-cluster pool (spec §4.2 "FAT12/FAT16
// keep an in-memory free-list populated at mount by scanning every cell").
func (t *Table) buildFreeBitmap() error {
	t.freeBitmap = bitmap.New(int(t.bpb.LastCluster) + 1)
	for c := uint32(2); c <= t.bpb.LastCluster; c++ {
		cell, err := t.Get(c)
		if err != nil {
			return err
		}
		if t.IsFree(cell) {
			t.freeBitmap.Set(int(c), true)
		}
	}
	return nil
}

// Allocate reserves n clusters and returns their IDs in link order. If tail
// is nonzero, the existing chain ending at tail is extended: tail's cell is
// rewritten to point at the first newly allocated cluster, and the other
// clusters are linked in sequence. The last allocated cluster is always
// marked EOC. On failure to find n free clusters, any partially allocated
// cells are returned to the free pool before NotEnoughSpace is reported
// (spec §4.2 "Failure semantics").
func (t *Table) Allocate(n int, tail uint32) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}

	var chosen []uint32
	var err error
	if t.variant == FAT32 {
		chosen, err = t.allocateFAT32(n)
	} else {
		chosen, err = t.allocateFAT1216(n)
	}
	if err != nil {
		return nil, err
	}

	// Link the newly allocated clusters together, then splice onto `tail`
	// if given.
	for i := 0; i < len(chosen)-1; i++ {
		if err := t.Set(chosen[i], chosen[i+1]); err != nil {
			t.rollbackAllocation(chosen)
			return nil, err
		}
	}
	if err := t.Set(chosen[len(chosen)-1], t.variant.EOCMark()); err != nil {
		t.rollbackAllocation(chosen)
		return nil, err
	}
	if tail != 0 {
		if err := t.Set(tail, chosen[0]); err != nil {
			t.rollbackAllocation(chosen)
			return nil, err
		}
	}

	return chosen, nil
}

func (t *Table) rollbackAllocation(chosen []uint32) {
	for _, c := range chosen {
		_ = t.Set(c, 0)
		if t.variant != FAT32 {
			t.freeBitmap.Set(int(c), true)
		}
	}
}

func (t *Table) allocateFAT1216(n int) ([]uint32, error) {
	chosen := make([]uint32, 0, n)
	for c := uint32(2); c <= t.bpb.LastCluster && len(chosen) < n; c++ {
		if t.freeBitmap.Get(int(c)) {
			chosen = append(chosen, c)
		}
	}
	if len(chosen) < n {
		return nil, errors.NotEnoughSpace.WithMessage(
			fmt.Sprintf("requested %d clusters, only %d free", n, len(chosen)),
		)
	}
	for _, c := range chosen {
		t.freeBitmap.Set(int(c), false)
	}
	return chosen, nil
}

func (t *Table) allocateFAT32(n int) ([]uint32, error) {
	hint := uint32(2)
	if t.fsinfo != nil && t.fsinfo.NextFree != UnknownHint && t.fsinfo.NextFree >= 2 {
		hint = t.fsinfo.NextFree
	}

	chosen := make([]uint32, 0, n)
	c := hint
	distinctClusters := t.bpb.LastCluster - 1
	for visited := uint32(0); visited < distinctClusters && len(chosen) < n; visited++ {
		cell, err := t.Get(c)
		if err != nil {
			return nil, err
		}
		if t.IsFree(cell) {
			chosen = append(chosen, c)
		}
		c++
		if c > t.bpb.LastCluster {
			c = 2
		}
	}

	if len(chosen) < n {
		return nil, errors.NotEnoughSpace.WithMessage(
			fmt.Sprintf("requested %d clusters, only %d free", n, len(chosen)),
		)
	}

	if t.fsinfo != nil {
		if t.fsinfo.FreeCount != UnknownHint {
			if t.fsinfo.FreeCount >= uint32(n) {
				t.fsinfo.FreeCount -= uint32(n)
			} else {
				t.fsinfo.FreeCount = 0
			}
		}
		last := chosen[len(chosen)-1]
		next := last + 1
		if next > t.bpb.LastCluster {
			next = 2
		}
		t.fsinfo.NextFree = next
	}

	return chosen, nil
}

// FreeChain releases every cluster in the chain beginning at start,
// including start itself.
func (t *Table) FreeChain(start uint32) error {
	return t.freeChain(start, true)
}

// FreeChainKeepingHead releases every cluster in the chain beginning at
// start's successor, but leaves start itself allocated and marks it EOC.
func (t *Table) FreeChainKeepingHead(start uint32) error {
	if start == 0 {
		return nil
	}
	next, err := t.Get(start)
	if err != nil {
		return err
	}
	if err := t.Set(start, t.variant.EOCMark()); err != nil {
		return err
	}
	if t.IsEOC(next) {
		return nil
	}
	return t.freeChain(next, true)
}

func (t *Table) freeChain(start uint32, includeStart bool) error {
	if start == 0 {
		return nil
	}
	current := start
	for {
		next, err := t.Get(current)
		if err != nil {
			return err
		}
		if err := t.Set(current, 0); err != nil {
			return err
		}
		if t.variant != FAT32 {
			t.freeBitmap.Set(int(current), true)
		} else if t.fsinfo != nil && t.fsinfo.FreeCount != UnknownHint {
			t.fsinfo.FreeCount++
		}
		if t.IsEOC(next) {
			return nil
		}
		current = next
	}
}

// FreeClusterCount returns the number of unallocated clusters, used by the
// free-pool conservation invariant (spec §8) and FSStat.
func (t *Table) FreeClusterCount() (uint32, error) {
	if t.variant != FAT32 {
		count := uint32(0)
		for c := uint32(2); c <= t.bpb.LastCluster; c++ {
			if t.freeBitmap.Get(int(c)) {
				count++
			}
		}
		return count, nil
	}

	count := uint32(0)
	for c := uint32(2); c <= t.bpb.LastCluster; c++ {
		cell, err := t.Get(c)
		if err != nil {
			return 0, err
		}
		if t.IsFree(cell) {
			count++
		}
	}
	return count, nil
}

////////////////////////////////////////////////////////////////////////////
// Dirty / hard-error bits and recovery (spec §4.2, §8)

// ReadControlBits reads FAT cell 1 and reports whether the hard-error and
// clean-shutdown bits are currently clear. FAT12 has no such bits and is
// always reported as if both were clear, so callers always run the (cheaper,
// whole-disk) chain check on a FAT12 mount.
func (t *Table) ReadControlBits() (hardErrorClear bool, cleanShutdownClear bool, err error) {
	if t.variant == FAT12 {
		return true, true, nil
	}

	cell, err := t.rawCellOne()
	if err != nil {
		return false, false, err
	}

	var cleanMask, errMask uint32
	if t.variant == FAT16 {
		cleanMask, errMask = clnShutBitMask16, hrdErrBitMask16
	} else {
		cleanMask, errMask = clnShutBitMask32, hrdErrBitMask32
	}

	hardErrorClear = cell&errMask == 0
	cleanShutdownClear = cell&cleanMask == 0
	return hardErrorClear, cleanShutdownClear, nil
}

// rawCellOne returns the unmasked 16/32-bit contents of cell 1 (the control
// bits live above the 12/28 significant bits masked off by Get).
func (t *Table) rawCellOne() (uint32, error) {
	offset, width := cellByteOffset(t.variant, 1)
	raw, err := t.readBytes(t.activeCopy, offset, width)
	if err != nil {
		return 0, err
	}
	if width == 2 {
		return uint32(binary.LittleEndian.Uint16(raw)), nil
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func (t *Table) writeCellOneBit(mask uint32, set bool) error {
	if t.variant == FAT12 {
		return nil
	}
	cell, err := t.rawCellOne()
	if err != nil {
		return err
	}
	if set {
		cell |= mask
	} else {
		cell &^= mask
	}

	offset, width := cellByteOffset(t.variant, 1)
	out := make([]byte, width)
	if width == 2 {
		binary.LittleEndian.PutUint16(out, uint16(cell))
	} else {
		binary.LittleEndian.PutUint32(out, cell)
	}
	if err := t.writeBytes(t.activeCopy, offset, out); err != nil {
		return err
	}
	if t.variant == FAT32 && t.mirrorAll {
		for c := 0; c < int(t.bpb.NumFATs); c++ {
			if c == t.activeCopy {
				continue
			}
			if err := t.writeBytes(c, offset, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClearCleanShutdownBit unconditionally clears the clean-shutdown bit on
// mount, "to catch power loss before the next dismount" (spec §4.2).
func (t *Table) ClearCleanShutdownBit() error {
	var mask uint32
	if t.variant == FAT16 {
		mask = clnShutBitMask16
	} else if t.variant == FAT32 {
		mask = clnShutBitMask32
	} else {
		return nil
	}
	return t.writeCellOneBit(mask, false)
}

// SetCleanShutdownBitIfNoHardError sets the clean-shutdown bit at dismount,
// but only if the hard-error bit is clear (meaning no runtime I/O failure was
// recorded this session).
func (t *Table) SetCleanShutdownBitIfNoHardError() error {
	if t.hardError {
		return nil
	}
	var mask uint32
	if t.variant == FAT16 {
		mask = clnShutBitMask16
	} else if t.variant == FAT32 {
		mask = clnShutBitMask32
	} else {
		return nil
	}
	return t.writeCellOneBit(mask, true)
}

// MarkHardError sets the hard-error bit immediately, to be called whenever a
// read or write to the underlying device fails.
func (t *Table) MarkHardError() error {
	t.hardError = true
	var mask uint32
	if t.variant == FAT16 {
		mask = hrdErrBitMask16
	} else if t.variant == FAT32 {
		mask = hrdErrBitMask32
	} else {
		return nil
	}
	return t.writeCellOneBit(mask, true)
}

// RunSurfaceCheck implements spec §4.2's surface check: every sector up to
// the first data sector, and every data cluster, is read. Unreadable data
// clusters are marked bad in the FAT; unreadable sectors before the data
// region are only reported. Findings are accumulated into a multierror
// rather than aborting after the first bad sector, since one bad sector
// should not prevent discovering the rest.
func (t *Table) RunSurfaceCheck() *multierror.Error {
	var result *multierror.Error
	sectorBuf := make([]byte, t.bpb.BytesPerSector)

	for s := uint32(0); s < t.bpb.FirstDataSector; s++ {
		if err := t.dev.ReadSector(s, sectorBuf); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("unreadable metadata sector %d: %w", s, err))
		}
	}

	fmt.Fprintf(t.progress, "surface check: scanning %d clusters\n", t.bpb.CountOfClusters)
	for c := uint32(2); c <= t.bpb.LastCluster; c++ {
		bad := false
		for s := uint32(0); s < uint32(t.bpb.SectorsPerCluster); s++ {
			sector := t.bpb.FirstSectorOfCluster(c) + s
			if err := t.dev.ReadSector(sector, sectorBuf); err != nil {
				bad = true
				result = multierror.Append(result,
					fmt.Errorf("unreadable sector %d in cluster %d: %w", sector, c, err))
			}
		}
		if bad {
			t.markHardError()
			if err := t.Set(c, t.variant.BadMark()); err != nil {
				result = multierror.Append(result, err)
			}
			if t.variant != FAT32 {
				t.freeBitmap.Set(int(c), false)
			}
		}
	}

	return result
}

// ChainOwner describes one directory entry's claim on a cluster chain, as
// produced by the directory walk that feeds RunChainCheck.
type ChainOwner struct {
	StartCluster uint32
	RecordedSize uint32
	IsDirectory  bool
	Fix          func(newStart uint32, newSize uint32) error
}

// RunChainCheck implements spec §4.2's chain check: it walks `owners`
// (normally every non-free directory entry in the volume, supplied by
// Directory's traversal), traces each chain through the active copy, and
// resolves collisions/length mismatches using the rules in spec §4.2(a-d).
// backupCopy, if non-negative, is tried as a fallback FAT copy when the
// active copy's view of a chain is inconsistent.
func (t *Table) RunChainCheck(owners []ChainOwner, backupCopy int) *multierror.Error {
	var result *multierror.Error
	visited := bitmap.New(int(t.bpb.LastCluster) + 1)

	for _, owner := range owners {
		if owner.StartCluster == 0 {
			if owner.RecordedSize > 0 {
				// (c): length > 0 but cluster == 0: zero the length.
				if owner.Fix != nil {
					if err := owner.Fix(0, 0); err != nil {
						result = multierror.Append(result, err)
					}
				}
			}
			continue
		}

		chain, err := t.Chain(owner.StartCluster)
		collided := false
		for _, c := range chain {
			if visited.Get(int(c)) {
				collided = true
			}
		}

		if (err != nil || collided) && backupCopy >= 0 && backupCopy != t.activeCopy {
			altChain, altErr := t.chainFromCopy(backupCopy, owner.StartCluster)
			if altErr == nil {
				chain = altChain
				err = nil
				collided = false
				fmt.Fprintf(t.progress, "chain check: recovered chain at %d from FAT copy %d\n",
					owner.StartCluster, backupCopy)
			}
		}

		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		for _, c := range chain {
			visited.Set(int(c), true)
		}

		if !owner.IsDirectory {
			actualBytes := uint64(len(chain)) * uint64(t.bpb.BytesPerCluster())
			if uint64(owner.RecordedSize) > actualBytes {
				// (b): recorded length exceeds actual chain length: truncate.
				if owner.Fix != nil {
					newSize := actualBytes
					if newSize > 0xFFFFFFFF {
						newSize = 0xFFFFFFFF
					}
					if err := owner.Fix(owner.StartCluster, uint32(newSize)); err != nil {
						result = multierror.Append(result, err)
					}
				}
			}
		}

		if owner.RecordedSize == 0 && !owner.IsDirectory && owner.StartCluster != 0 {
			// (d): cluster != 0 but length == 0: zero the cluster pointer.
			if owner.Fix != nil {
				if err := owner.Fix(0, 0); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
	}

	return result
}

func (t *Table) chainFromCopy(copyIdx int, start uint32) ([]uint32, error) {
	saved := t.activeCopy
	t.activeCopy = copyIdx
	defer func() { t.activeCopy = saved }()
	return t.Chain(start)
}

// ReplicateActiveCopy copies the active FAT copy's sectors over every other
// copy, skipping the active copy itself. Called during dismount to keep
// redundant copies in sync.
func (t *Table) ReplicateActiveCopy() error {
	sectorSize := uint32(t.bpb.BytesPerSector)
	buf := make([]byte, sectorSize)
	activeBase := t.fatCopySector(t.activeCopy)

	for c := 0; c < int(t.bpb.NumFATs); c++ {
		if c == t.activeCopy {
			continue
		}
		otherBase := t.fatCopySector(c)
		for s := uint32(0); s < t.bpb.FATSize; s++ {
			if err := t.dev.ReadSector(activeBase+s, buf); err != nil {
				return errors.IoError.Wrap(err)
			}
			if err := t.dev.WriteSector(otherBase+s, buf); err != nil {
				return errors.IoError.Wrap(err)
			}
		}
	}
	return nil
}

// HasHardError reports whether a hard I/O error was noted this session.
func (t *Table) HasHardError() bool {
	return t.hardError
}

// VariantOf returns the FAT variant this table was mounted as.
func (t *Table) VariantOf() Variant {
	return t.variant
}
