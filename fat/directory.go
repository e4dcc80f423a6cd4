package fat

import (
	"fmt"
	"strings"
	"time"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
)

// DirentHandle is one logical directory entry produced by traversal: a
// decoded Dirent plus the physical slot range it occupies, needed by
// callers that later free or rewrite it (spec §4.3 "Traversal").
type DirentHandle struct {
	Dirent
	slotStart int // index of the first physical slot (a long-name slot if any, else the short slot)
	slotCount int // total physical slots, including the short slot
	shortSlot int // index of the short-name slot itself
}

// IsDotEntry reports whether this entry is "." or "..".
func (h DirentHandle) IsDotEntry() bool {
	return h.ShortName == "." || h.ShortName == ".."
}

// ShortSlot returns the physical slot index of this entry's short-name slot,
// which together with its owning directory's start cluster uniquely
// identifies it for the open-file registry (spec §3 "Open file").
func (h DirentHandle) ShortSlot() int { return h.shortSlot }

// Directory is the logical sequence of 32-byte slots reached either through
// a cluster chain or, for a FAT12/16 root, the fixed reserved sector run
// (spec §3 "Directory", §4.3).
type Directory struct {
	dev     blockdev.BlockDevice
	bpb     *BPB
	table   *Table
	clock   Clock
	cluster uint32 // 0 for a fixed FAT12/16 root
	isRoot  bool
	chain   []uint32 // cached; refreshed by refreshChain for non-fixed directories
}

// OpenDirectory opens the directory whose contents begin at `cluster`. Pass
// cluster 0 with isRoot=true to open a FAT12/16 fixed-region root; for a
// FAT32 root, pass bpb.RootCluster with isRoot=true.
func OpenDirectory(dev blockdev.BlockDevice, bpb *BPB, table *Table, clock Clock, cluster uint32, isRoot bool) (*Directory, error) {
	d := &Directory{dev: dev, bpb: bpb, table: table, clock: clock, cluster: cluster, isRoot: isRoot}
	if !d.isFixedRoot() {
		if err := d.refreshChain(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Directory) isFixedRoot() bool {
	return d.isRoot && d.bpb.Variant != FAT32
}

func (d *Directory) slotsPerSector() int {
	return int(d.bpb.BytesPerSector) / DirentSize
}

func (d *Directory) slotsPerCluster() int {
	return d.slotsPerSector() * int(d.bpb.SectorsPerCluster)
}

func (d *Directory) refreshChain() error {
	chain, err := d.table.Chain(d.cluster)
	if err != nil {
		return err
	}
	d.chain = chain
	return nil
}

func (d *Directory) fixedRootFirstSector() uint32 {
	return uint32(d.bpb.ReservedSectors) + uint32(d.bpb.NumFATs)*d.bpb.FATSize
}

func (d *Directory) capacity() int {
	if d.isFixedRoot() {
		return int(d.bpb.RootDirSectors) * d.slotsPerSector()
	}
	return len(d.chain) * d.slotsPerCluster()
}

// slotLocation resolves slot index idx to an absolute sector and byte offset
// within it.
func (d *Directory) slotLocation(idx int) (sector uint32, offset int, err error) {
	spsec := d.slotsPerSector()
	if d.isFixedRoot() {
		return d.fixedRootFirstSector() + uint32(idx/spsec), (idx % spsec) * DirentSize, nil
	}

	spc := d.slotsPerCluster()
	clusterIdx := idx / spc
	if clusterIdx >= len(d.chain) {
		return 0, 0, errors.InvalidValue.WithMessage("directory slot index out of range")
	}
	posInCluster := idx % spc
	cluster := d.chain[clusterIdx]
	return d.bpb.FirstSectorOfCluster(cluster) + uint32(posInCluster/spsec), (posInCluster % spsec) * DirentSize, nil
}

func (d *Directory) readSlot(idx int) (RawDirent, []byte, error) {
	sector, offset, err := d.slotLocation(idx)
	if err != nil {
		return RawDirent{}, nil, err
	}
	buf := make([]byte, d.bpb.BytesPerSector)
	if err := d.dev.ReadSector(sector, buf); err != nil {
		return RawDirent{}, nil, errors.IoError.Wrap(err)
	}
	slotBytes := buf[offset : offset+DirentSize]
	return DecodeRawDirent(slotBytes), slotBytes, nil
}

func (d *Directory) writeSlotBytes(idx int, data []byte) error {
	sector, offset, err := d.slotLocation(idx)
	if err != nil {
		return err
	}
	buf := make([]byte, d.bpb.BytesPerSector)
	if err := d.dev.ReadSector(sector, buf); err != nil {
		return errors.IoError.Wrap(err)
	}
	copy(buf[offset:offset+DirentSize], data)
	if err := d.dev.WriteSector(sector, buf); err != nil {
		return errors.IoError.Wrap(err)
	}
	return nil
}

// extend grows a non-fixed directory by one zero-initialized cluster and
// refreshes its cached chain. Fixed FAT12/16 roots cannot be
// extended (spec §4.3 "For a FAT12/16 root directory, no extension is
// possible; running out of slots raises NotEnoughSpace").
func (d *Directory) extend() error {
	if d.isFixedRoot() {
		return errors.NotEnoughSpace.WithMessage("FAT12/16 root directory is full and cannot be extended")
	}

	var tail uint32
	if len(d.chain) > 0 {
		tail = d.chain[len(d.chain)-1]
	}
	newClusters, err := d.table.Allocate(1, tail)
	if err != nil {
		return err
	}
	if err := d.zeroCluster(newClusters[0]); err != nil {
		return err
	}
	if tail == 0 {
		d.cluster = newClusters[0]
	}
	return d.refreshChain()
}

func (d *Directory) zeroCluster(cluster uint32) error {
	buf := make([]byte, d.bpb.BytesPerSector)
	base := d.bpb.FirstSectorOfCluster(cluster)
	for s := uint32(0); s < uint32(d.bpb.SectorsPerCluster); s++ {
		if err := d.dev.WriteSector(base+s, buf); err != nil {
			return errors.IoError.Wrap(err)
		}
	}
	return nil
}

// StartCluster returns the cluster this directory's contents begin at (0 for
// a fixed FAT12/16 root).
func (d *Directory) StartCluster() uint32 { return d.cluster }

// IsRoot reports whether this is the volume's root directory.
func (d *Directory) IsRoot() bool { return d.isRoot }

////////////////////////////////////////////////////////////////////////////
// Traversal (spec §4.3 "Traversal")

// List returns every logical entry for which filter returns true (nil
// matches every entry). Traversal stops at the first never-used slot,
// deleted slots are skipped, and long-name fragments are coalesced into the
// short entry that follows them. FilterActive covers the common case.
func (d *Directory) List(filter func(DirentHandle) bool) ([]DirentHandle, error) {
	var results []DirentHandle
	var pending []RawLongNameSlot

	total := d.capacity()
	for idx := 0; idx < total; idx++ {
		raw, _, err := d.readSlot(idx)
		if err != nil {
			return nil, err
		}

		if raw.IsFree() {
			break // spec: zero first byte terminates the sequence for non-free consumers
		}
		if raw.IsDeleted() {
			pending = nil // an orphaned long-name run before a deleted slot is discarded
			continue
		}
		if raw.IsLongNameSlot() {
			slotBytes := DecodeRawLongNameSlot(mustSlotBytes(d, idx))
			pending = append(pending, slotBytes)
			continue
		}

		// Short-name slot: try to resolve any pending long-name chain.
		longName := ""
		slotStart := idx
		if len(pending) > 0 {
			if ShortNameChecksum(rawNameBytes(raw)) == pending[0].Checksum {
				name, derr := DecodeLongNameChain(pending)
				if derr == nil {
					longName = name
					slotStart = idx - len(pending)
				}
			}
		}
		pending = nil

		shortName := ShortNameFields(raw.Name, raw.Extension)
		entry := direntFromRaw(raw, shortName, longName)
		handle := DirentHandle{
			Dirent:    entry,
			slotStart: slotStart,
			slotCount: idx - slotStart + 1,
			shortSlot: idx,
		}
		if filter == nil || filter(handle) {
			results = append(results, handle)
		}
	}

	return results, nil
}

// mustSlotBytes re-reads a slot's raw 32 bytes; used by List for the
// long-name decode path, which needs the untyped bytes rather than RawDirent.
func mustSlotBytes(d *Directory, idx int) []byte {
	sector, offset, err := d.slotLocation(idx)
	if err != nil {
		return make([]byte, DirentSize)
	}
	buf := make([]byte, d.bpb.BytesPerSector)
	if err := d.dev.ReadSector(sector, buf); err != nil {
		return make([]byte, DirentSize)
	}
	out := make([]byte, DirentSize)
	copy(out, buf[offset:offset+DirentSize])
	return out
}

func rawNameBytes(raw RawDirent) [11]byte {
	var out [11]byte
	copy(out[0:8], raw.Name[:])
	copy(out[8:11], raw.Extension[:])
	return out
}

// FilterActive matches any non-free, non-volume-label entry.
func FilterActive(h DirentHandle) bool { return !h.IsVolumeLabel() }

// FilterFiles matches regular files (not directories, not the volume label).
func FilterFiles(h DirentHandle) bool { return !h.IsDirectory() && !h.IsVolumeLabel() }

// FilterSubdirectories matches subdirectories, excluding "." and "..".
func FilterSubdirectories(h DirentHandle) bool {
	return h.IsDirectory() && !h.IsDotEntry()
}

// Lookup finds the active entry named `name` (case-insensitive match against
// both the short and long names), returning ok=false if absent.
func (d *Directory) Lookup(name string) (DirentHandle, bool, error) {
	entries, err := d.List(FilterActive)
	if err != nil {
		return DirentHandle{}, false, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) || strings.EqualFold(e.ShortName, name) {
			return e, true, nil
		}
	}
	return DirentHandle{}, false, nil
}

// IsEmpty reports whether this directory contains nothing beyond "." and
// "..".
func (d *Directory) IsEmpty() (bool, error) {
	entries, err := d.List(FilterActive)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDotEntry() {
			return false, nil
		}
	}
	return true, nil
}

// AllOwners collects a ChainOwner for every non-free entry with a nonzero or
// zero start cluster, recursing into subdirectories, for use by
// Table.RunChainCheck (spec §4.2).
func (d *Directory) AllOwners() ([]ChainOwner, error) {
	entries, err := d.List(nil)
	if err != nil {
		return nil, err
	}

	var owners []ChainOwner
	for _, e := range entries {
		if e.IsVolumeLabel() || e.IsDotEntry() {
			continue
		}
		entry := e
		owners = append(owners, ChainOwner{
			StartCluster: entry.FirstCluster,
			RecordedSize: entry.FileSize,
			IsDirectory:  entry.IsDirectory(),
			Fix: func(newStart, newSize uint32) error {
				return d.fixEntry(entry, newStart, newSize)
			},
		})

		if entry.IsDirectory() && entry.FirstCluster != 0 {
			child, err := d.OpenChild(entry.FirstCluster)
			if err != nil {
				continue
			}
			childOwners, err := child.AllOwners()
			if err != nil {
				continue
			}
			owners = append(owners, childOwners...)
		}
	}
	return owners, nil
}

func (d *Directory) fixEntry(entry DirentHandle, newStart, newSize uint32) error {
	raw, _, err := d.readSlot(entry.shortSlot)
	if err != nil {
		return err
	}
	raw.SetFirstCluster(newStart)
	raw.FileSize = newSize
	return d.writeSlotBytes(entry.shortSlot, raw.Encode())
}

// OpenChild opens the subdirectory beginning at `cluster`, sharing this
// directory's device/table/clock.
func (d *Directory) OpenChild(cluster uint32) (*Directory, error) {
	return OpenDirectory(d.dev, d.bpb, d.table, d.clock, cluster, false)
}

////////////////////////////////////////////////////////////////////////////
// Placement (spec §4.3 "Free-slot discovery", "Create file", "Create directory")

// findFreeRun locates `need` consecutive free slots, extending the
// directory as necessary. It returns the index of the first slot in the run.
func (d *Directory) findFreeRun(need int) (int, error) {
	runStart := -1
	runLen := 0

	for {
		total := d.capacity()
		idx := 0
		if runStart >= 0 {
			idx = runStart
		}
		for ; idx < total; idx++ {
			raw, _, err := d.readSlot(idx)
			if err != nil {
				return 0, err
			}
			if raw.IsFree() {
				// A zero first byte means this slot and every slot after it
				// are free: the whole remaining capacity satisfies the run
				// without reading further.
				if runStart < 0 {
					runStart = idx
				}
				runLen = total - runStart
				if runLen >= need {
					return runStart, nil
				}
				break
			}
			if raw.IsDeleted() {
				if runStart < 0 {
					runStart = idx
				}
				runLen++
				if runLen >= need {
					return runStart, nil
				}
			} else {
				runStart = -1
				runLen = 0
			}
		}

		if runLen >= need {
			return runStart, nil
		}
		if err := d.extend(); err != nil {
			return 0, err
		}
	}
}

// PlaceDirent writes a new short-name (and, if needed, long-name) entry for
// `name` into this directory, returning the resulting handle. Timestamps are
// taken from `created`/`modified`/`accessed`.
func (d *Directory) PlaceDirent(
	name string,
	attrs uint8,
	firstCluster uint32,
	size uint32,
	created, modified, accessed time.Time,
) (DirentHandle, error) {
	if name == "" || name == "." || name == ".." {
		return DirentHandle{}, errors.IllegalName.WithMessage("empty or reserved name")
	}

	existingShort, err := d.existingShortNames()
	if err != nil {
		return DirentHandle{}, err
	}

	nameField, extField, err := BuildBasisName(name)
	if err != nil {
		return DirentHandle{}, err
	}

	var longSlots []RawLongNameSlot
	if needsLongName(name) {
		nameField, err = GenerateNumericTail(nameField, extField, existingShort)
		if err != nil {
			return DirentHandle{}, err
		}
		longSlots, err = EncodeLongNameChain(name, mergeShortName(nameField, extField))
		if err != nil {
			return DirentHandle{}, err
		}
	}

	dirent := Dirent{
		Attributes:   attrs,
		FirstCluster: firstCluster,
		FileSize:     size,
		Created:      created,
		LastModified: modified,
		LastAccessed: accessed,
	}
	raw, err := dirent.toRaw(EscapeLeadingE5(nameField), extField)
	if err != nil {
		return DirentHandle{}, err
	}

	total := len(longSlots) + 1
	start, err := d.findFreeRun(total)
	if err != nil {
		return DirentHandle{}, err
	}

	for i, slot := range longSlots {
		if err := d.writeSlotBytes(start+i, slot.Encode()); err != nil {
			return DirentHandle{}, err
		}
	}
	shortIdx := start + len(longSlots)
	if err := d.writeSlotBytes(shortIdx, raw.Encode()); err != nil {
		return DirentHandle{}, err
	}

	longName := ""
	if len(longSlots) > 0 {
		longName = name
	}
	return DirentHandle{
		Dirent:    direntFromRaw(raw, ShortNameFields(nameField, extField), longName),
		slotStart: start,
		slotCount: total,
		shortSlot: shortIdx,
	}, nil
}

func mergeShortName(nameField [8]byte, extField [3]byte) [11]byte {
	var out [11]byte
	copy(out[0:8], nameField[:])
	copy(out[8:11], extField[:])
	return out
}

func (d *Directory) existingShortNames() (map[string]bool, error) {
	entries, err := d.List(nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		var nf [8]byte
		var ef [3]byte
		base, ext, _ := splitNameExt(e.ShortName)
		copy(nf[:], padTo(base, 8, ' '))
		copy(ef[:], padTo(ext, 3, ' '))
		out[string(nf[:])+strings.TrimRight(string(ef[:]), " ")] = true
	}
	return out, nil
}

// FreeEntry marks every physical slot of handle as free (spec §4.3
// "Delete": "Mark every physical slot of the target logical entry as
// free").
func (d *Directory) FreeEntry(handle DirentHandle) error {
	for i := handle.slotStart; i <= handle.shortSlot; i++ {
		raw, _, err := d.readSlot(i)
		if err != nil {
			return err
		}
		raw.Name[0] = deletedSlotMarker
		if err := d.writeSlotBytes(i, raw.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// UpdateEntry rewrites handle's short-name slot with a new size/cluster/
// timestamps, for deferred metadata commits on file close (spec §4.3
// "Update metadata").
func (d *Directory) UpdateEntry(handle DirentHandle, firstCluster uint32, size uint32, modified, accessed time.Time) error {
	raw, _, err := d.readSlot(handle.shortSlot)
	if err != nil {
		return err
	}
	raw.SetFirstCluster(firstCluster)
	raw.FileSize = size
	modDate, err := EncodeDate(modified)
	if err != nil {
		return err
	}
	accDate, err := EncodeDate(accessed)
	if err != nil {
		return err
	}
	raw.WriteDate = modDate
	raw.WriteTime = EncodeTime(modified)
	raw.LastAccessedDate = accDate
	return d.writeSlotBytes(handle.shortSlot, raw.Encode())
}

////////////////////////////////////////////////////////////////////////////
// Create / delete / rename

// CreateFile creates a new, empty (or pre-allocated) file named `name` in
// this directory. initialLength pre-allocates enough clusters to hold that
// many bytes; most callers pass 0.
func (d *Directory) CreateFile(name string, attrs uint8, initialLength uint32) (DirentHandle, error) {
	if _, ok, err := d.Lookup(name); err != nil {
		return DirentHandle{}, err
	} else if ok {
		return DirentHandle{}, errors.NameAlreadyExists.WithMessage(name)
	}

	var firstCluster uint32
	if initialLength > 0 {
		needed := int((uint64(initialLength) + uint64(d.bpb.BytesPerCluster()) - 1) / uint64(d.bpb.BytesPerCluster()))
		clusters, err := d.table.Allocate(needed, 0)
		if err != nil {
			return DirentHandle{}, err
		}
		firstCluster = clusters[0]
	}

	now := d.clock.Now()
	return d.PlaceDirent(name, attrs, firstCluster, initialLength, now, now, now)
}

// CreateSubdirectory creates a new subdirectory named `name`, allocating one
// cluster and populating it with "." and ".." entries (spec §4.3 "Create
// directory").
func (d *Directory) CreateSubdirectory(name string) (*Directory, error) {
	if _, ok, err := d.Lookup(name); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.NameAlreadyExists.WithMessage(name)
	}

	clusters, err := d.table.Allocate(1, 0)
	if err != nil {
		return nil, err
	}
	childCluster := clusters[0]
	if err := d.zeroCluster(childCluster); err != nil {
		return nil, err
	}

	now := d.clock.Now()
	if _, err := d.PlaceDirent(name, AttrDirectory, childCluster, 0, now, now, now); err != nil {
		return nil, err
	}

	child, err := d.OpenChild(childCluster)
	if err != nil {
		return nil, err
	}
	if err := child.writeDotEntries(childCluster, d.dotDotTarget(), now); err != nil {
		return nil, err
	}
	return child, nil
}

// dotDotTarget returns the cluster ".." should point at: 0 if this directory
// is the root, else this directory's own start cluster.
func (d *Directory) dotDotTarget() uint32 {
	if d.isRoot {
		return 0
	}
	return d.cluster
}

// writeDotEntries writes "." (pointing at self) and ".." (pointing at parent)
// into slots 0 and 1 of a freshly zeroed directory cluster. They are written
// directly because PlaceDirent rejects both names.
func (d *Directory) writeDotEntries(self uint32, parent uint32, ts time.Time) error {
	targets := []uint32{self, parent}
	for i, name := range []string{".", ".."} {
		dirent := Dirent{Attributes: AttrDirectory, FirstCluster: targets[i], Created: ts, LastModified: ts, LastAccessed: ts}
		var nameField [8]byte
		copy(nameField[:], padTo(name, 8, ' '))
		raw, err := dirent.toRaw(nameField, [3]byte{' ', ' ', ' '})
		if err != nil {
			return err
		}
		if err := d.writeSlotBytes(i, raw.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the entry named `name`. It refuses to delete a non-empty
// directory (spec §4.3 "Delete").
func (d *Directory) Delete(name string) error {
	handle, ok, err := d.Lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.FileNotFound.WithMessage(name)
	}

	if handle.IsDirectory() {
		child, err := d.OpenChild(handle.FirstCluster)
		if err != nil {
			return err
		}
		empty, err := child.IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return errors.DirectoryOperationFailure.WithMessage(
				fmt.Sprintf("directory %q is not empty", name),
			)
		}
	}

	if err := d.FreeEntry(handle); err != nil {
		return err
	}
	if handle.FirstCluster != 0 {
		if err := d.table.FreeChain(handle.FirstCluster); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves the entry named `oldName` in this directory to `newName` in
// destDir (which may be d itself). Any failure after the source entry was
// freed triggers a best-effort rollback.
func (d *Directory) Rename(oldName string, destDir *Directory, newName string) error {
	if _, ok, err := destDir.Lookup(newName); err != nil {
		return err
	} else if ok {
		return errors.NameAlreadyExists.WithMessage(newName)
	}

	src, ok, err := d.Lookup(oldName)
	if err != nil {
		return err
	}
	if !ok {
		return errors.FileNotFound.WithMessage(oldName)
	}

	if src.IsDirectory() {
		child, err := d.OpenChild(src.FirstCluster)
		if err != nil {
			return err
		}
		empty, err := child.IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return errors.DirectoryOperationFailure.WithMessage(
				fmt.Sprintf("directory %q is not empty", oldName),
			)
		}
	}

	if err := d.FreeEntry(src); err != nil {
		return err
	}

	_, placeErr := destDir.PlaceDirent(
		newName, src.Attributes, src.FirstCluster, src.FileSize,
		src.Created, src.LastModified, src.LastAccessed,
	)
	if placeErr != nil {
		// Best-effort rollback: rewrite the source entry.
		_, _ = d.PlaceDirent(
			oldName, src.Attributes, src.FirstCluster, src.FileSize,
			src.Created, src.LastModified, src.LastAccessed,
		)
		return placeErr
	}

	if src.IsDirectory() {
		child, err := destDir.OpenChild(src.FirstCluster)
		if err == nil {
			_ = child.fixDotDot(destDir.dotDotTarget())
		}
	}

	return nil
}

// fixDotDot rewrites this directory's ".." entry to point at newParent, used
// by Rename when a subdirectory moves to a new parent (its own first cluster
// never changes, only where ".." points).
func (d *Directory) fixDotDot(newParent uint32) error {
	handle, ok, err := d.Lookup("..")
	if err != nil {
		return err
	}
	if !ok {
		return errors.DirectoryOperationFailure.WithMessage(`directory missing ".." entry`)
	}
	now := d.clock.Now()
	return d.UpdateEntry(handle, newParent, 0, now, now)
}
