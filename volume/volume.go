// Package volume binds a block device to a BPB+FAT+Directory triple and
// exposes the mount/format/dismount glue and open-file registry described by
// spec §4.5. It is the layer fspath.Path sits on top of.
package volume

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
	"github.com/dargueta/gofat/fat"
)

// openKey identifies one directory entry for the open-file registry:
// the cluster its owning directory starts at, plus its short-name slot
// index within that directory.
type openKey struct {
	dirCluster uint32
	shortSlot  int
}

type openEntry struct {
	rwOpen bool
	count  int
}

// Volume is a mounted (or freshly formatted) FAT volume: a block device plus
// its parsed BPB, FSInfo (FAT32 only), allocation table, and root directory,
// together with the open-file registry spec §4.5 assigns to Volume.
type Volume struct {
	dev      blockdev.BlockDevice
	BPB      *fat.BPB
	FSInfo   *fat.FSInfo // nil unless FAT32
	Table    *fat.Table
	Root     *fat.Directory
	Clock    fat.Clock
	progress io.Writer

	backupBootSector uint32
	openFiles        map[openKey]*openEntry
	trackedFiles     []*fat.File
	closed           bool
}

// Dev returns the underlying block device, for callers (fspath.Path) that
// need to open a fat.File directly against this volume.
func (v *Volume) Dev() blockdev.BlockDevice { return v.dev }

// MountOptions controls Mount's behavior.
type MountOptions struct {
	Clock    fat.Clock // defaults to fat.SystemClock{}
	Progress io.Writer // defaults to io.Discard
}

// Mount reads the BPB and (for FAT32) FSInfo sector from dev, runs recovery
// per spec §4.2/§4.5, and returns a ready-to-use Volume. Recovery findings
// (surface-check or chain-check repairs) are returned alongside the volume,
// non-fatally, as a *multierror.Error; a nil recovery result means nothing
// needed fixing.
func Mount(dev blockdev.BlockDevice, opts MountOptions) (*Volume, *multierror.Error, error) {
	if opts.Clock == nil {
		opts.Clock = fat.SystemClock{}
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}

	bpb, err := fat.ParseBPB(dev)
	if err != nil {
		return nil, nil, err
	}

	var fsinfo *fat.FSInfo
	if bpb.Variant == fat.FAT32 {
		fsinfo, err = fat.ParseFSInfo(dev, uint32(bpb.FSInfoSector))
		if err != nil {
			return nil, nil, err
		}
	}

	table, err := fat.OpenTable(dev, bpb, fsinfo, opts.Progress)
	if err != nil {
		return nil, nil, err
	}

	v := &Volume{
		dev:       dev,
		BPB:       bpb,
		FSInfo:    fsinfo,
		Table:     table,
		Clock:     opts.Clock,
		progress:  opts.Progress,
		openFiles: make(map[openKey]*openEntry),
	}
	if bpb.Variant == fat.FAT32 {
		v.backupBootSector = uint32(bpb.BackupBootSector)
	}

	rootCluster := bpb.RootCluster
	root, err := fat.OpenDirectory(dev, bpb, table, v.Clock, rootCluster, true)
	if err != nil {
		return nil, nil, err
	}
	v.Root = root

	recovery, err := v.runRecovery()
	if err != nil {
		return nil, recovery, err
	}

	return v, recovery, nil
}

// runRecovery implements the mount-time sequence from spec §4.2: read the
// control bits, run the surface check or the chain check depending on
// which bit was clear, then unconditionally clear the clean-shutdown bit.
func (v *Volume) runRecovery() (*multierror.Error, error) {
	hardErrorClear, cleanShutdownClear, err := v.Table.ReadControlBits()
	if err != nil {
		return nil, err
	}

	var result *multierror.Error
	if !hardErrorClear {
		fmt.Fprintln(v.progress, "mount: hard-error bit set, running surface check")
		if findings := v.Table.RunSurfaceCheck(); findings != nil {
			result = multierror.Append(result, findings)
		}
	} else if cleanShutdownClear {
		fmt.Fprintln(v.progress, "mount: unclean shutdown detected, running chain check")
		owners, err := v.Root.AllOwners()
		if err != nil {
			return result, err
		}
		backupCopy := -1
		if v.BPB.NumFATs > 1 {
			backupCopy = 1
		}
		if findings := v.Table.RunChainCheck(owners, backupCopy); findings != nil {
			result = multierror.Append(result, findings)
		}
	}

	if err := v.Table.ClearCleanShutdownBit(); err != nil {
		return result, err
	}
	return result, nil
}

// FormatOptions controls Format's geometry and volume-label choices.
type FormatOptions struct {
	fat.FormatOptions
	Clock    fat.Clock
	Progress io.Writer
}

// Format synthesizes a new BPB, initializes every FAT copy, zeroes the root
// directory and all data sectors, and returns the freshly mounted volume
// (spec §4.5 "format").
func Format(dev blockdev.BlockDevice, opts FormatOptions) (*Volume, error) {
	if opts.Clock == nil {
		opts.Clock = fat.SystemClock{}
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}

	bpb, err := fat.BuildBPB(opts.FormatOptions)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(opts.Progress, "format: writing boot sector (%s, %d clusters)\n", bpb.Variant, bpb.CountOfClusters)
	if err := dev.WriteSector(0, bpb.Encode()); err != nil {
		return nil, errors.IoError.Wrap(err)
	}
	if bpb.Variant == fat.FAT32 && bpb.BackupBootSector != 0 {
		if err := dev.WriteSector(uint32(bpb.BackupBootSector), bpb.Encode()); err != nil {
			return nil, errors.IoError.Wrap(err)
		}
	}

	var fsinfo *fat.FSInfo
	if bpb.Variant == fat.FAT32 {
		fsinfo = &fat.FSInfo{FreeCount: fat.UnknownHint, NextFree: 2}
		backupFSInfoSector := uint32(0)
		if bpb.BackupBootSector != 0 {
			backupFSInfoSector = uint32(bpb.BackupBootSector) + uint32(bpb.FSInfoSector)
		}
		if err := fsinfo.WriteTo(dev, uint32(bpb.FSInfoSector), backupFSInfoSector); err != nil {
			return nil, err
		}
	}

	if err := formatInitFATCopies(dev, bpb); err != nil {
		return nil, err
	}

	table, err := fat.OpenTable(dev, bpb, fsinfo, opts.Progress)
	if err != nil {
		return nil, err
	}

	if bpb.Variant != fat.FAT32 {
		if err := zeroFixedRoot(dev, bpb); err != nil {
			return nil, err
		}
	}

	fmt.Fprintln(opts.Progress, "format: zeroing data region")
	zeroDataRegion(dev, bpb, table)

	v := &Volume{
		dev:       dev,
		BPB:       bpb,
		FSInfo:    fsinfo,
		Table:     table,
		Clock:     opts.Clock,
		progress:  opts.Progress,
		openFiles: make(map[openKey]*openEntry),
	}
	if bpb.Variant == fat.FAT32 {
		v.backupBootSector = uint32(bpb.BackupBootSector)
	}

	if bpb.Variant == fat.FAT32 {
		// The root directory lives in a normal cluster chain; reserve its
		// first cluster and mark it EOC before opening it.
		if _, err := table.Allocate(1, 0); err != nil {
			return nil, err
		}
	}

	root, err := fat.OpenDirectory(dev, bpb, table, v.Clock, bpb.RootCluster, true)
	if err != nil {
		return nil, err
	}
	v.Root = root

	if err := table.SetCleanShutdownBitIfNoHardError(); err != nil {
		return nil, err
	}

	return v, nil
}

// formatInitFATCopies zero-fills every FAT copy and pre-populates the two
// reserved cells per spec §4.5 "initializes all FAT copies (with the two
// reserved cells pre-populated per variant)".
func formatInitFATCopies(dev blockdev.BlockDevice, bpb *fat.BPB) error {
	sectorSize := uint32(bpb.BytesPerSector)
	zero := make([]byte, sectorSize)
	for copyIdx := 0; copyIdx < int(bpb.NumFATs); copyIdx++ {
		base := bpb.FATCopySector(copyIdx)
		for s := uint32(0); s < bpb.FATSize; s++ {
			if err := dev.WriteSector(base+s, zero); err != nil {
				return errors.IoError.Wrap(err)
			}
		}
	}

	table, err := fat.OpenTable(dev, bpb, nil, io.Discard)
	if err != nil {
		return err
	}
	cell0 := uint32(0xFFFFFF00) | uint32(bpb.Media)
	if err := table.Set(0, cell0); err != nil {
		return err
	}
	// Cell 1 holds the EOC mark with the hard-error bit (the bit just below
	// the clean-shutdown bit; FAT12 has neither) left clear, so a fresh
	// volume records no I/O failure.
	cell1 := bpb.Variant.EOCMark()
	if bpb.Variant != fat.FAT12 {
		cell1 &^= 1 << uint(bpb.Variant.CellBits()-2)
	}
	if err := table.Set(1, cell1); err != nil {
		return err
	}
	return nil
}

// zeroFixedRoot zeroes the FAT12/16 fixed root directory region, which sits
// between the FAT copies and the data region proper and so is never touched
// by zeroDataRegion.
func zeroFixedRoot(dev blockdev.BlockDevice, bpb *fat.BPB) error {
	base := uint32(bpb.ReservedSectors) + uint32(bpb.NumFATs)*bpb.FATSize
	zero := make([]byte, bpb.BytesPerSector)
	for s := uint32(0); s < bpb.RootDirSectors; s++ {
		if err := dev.WriteSector(base+s, zero); err != nil {
			return errors.IoError.Wrap(err)
		}
	}
	return nil
}

// zeroDataRegion zeroes every data sector. Per spec §4.5, a cluster any of
// whose sectors fails to write is marked bad in the FAT rather than aborting
// the format.
func zeroDataRegion(dev blockdev.BlockDevice, bpb *fat.BPB, table *fat.Table) {
	zero := make([]byte, bpb.BytesPerSector)
	for c := uint32(2); c <= bpb.LastCluster; c++ {
		bad := false
		base := bpb.FirstSectorOfCluster(c)
		for s := uint32(0); s < uint32(bpb.SectorsPerCluster); s++ {
			if err := dev.WriteSector(base+s, zero); err != nil {
				bad = true
			}
		}
		if bad {
			_ = table.Set(c, bpb.Variant.BadMark())
		}
	}
}

// Dismount closes every open file, replicates the active FAT copy,
// writes FSInfo (and its backup), sets the clean-shutdown bit, and releases
// the underlying block device (spec §4.5 "dismount").
func (v *Volume) Dismount() error {
	if v.closed {
		return nil
	}

	for _, f := range v.trackedFiles {
		if err := f.Close(); err != nil {
			return err
		}
	}
	v.trackedFiles = nil

	if err := v.Table.ReplicateActiveCopy(); err != nil {
		return err
	}

	if v.BPB.Variant == fat.FAT32 && v.FSInfo != nil {
		backupSector := uint32(0)
		if v.backupBootSector != 0 {
			backupSector = v.backupBootSector + uint32(v.BPB.FSInfoSector)
		}
		if err := v.FSInfo.WriteTo(v.dev, uint32(v.BPB.FSInfoSector), backupSector); err != nil {
			return err
		}
	}

	if err := v.Table.SetCleanShutdownBitIfNoHardError(); err != nil {
		return err
	}

	v.closed = true
	return v.dev.Close()
}

////////////////////////////////////////////////////////////////////////////
// Open-file registry (spec §4.4 "State machine", §5 "Shared resources")

// TrackFile records f so Dismount can flush and close it even if its caller
// never does, per spec §4.5 "dismount closes all open files".
func (v *Volume) TrackFile(f *fat.File) {
	v.trackedFiles = append(v.trackedFiles, f)
}

// RegisterOpen enforces spec §4.4's reopen rule -- "Reopening is permitted
// only if the new mode does not escalate an existing R to RW" -- and tracks
// the reference count for the given directory entry.
func (v *Volume) RegisterOpen(dir *fat.Directory, handle fat.DirentHandle, mode fat.FileMode) error {
	key := openKey{dirCluster: dir.StartCluster(), shortSlot: handle.ShortSlot()}
	entry, ok := v.openFiles[key]
	if !ok {
		entry = &openEntry{}
		v.openFiles[key] = entry
	}

	if mode == fat.ModeReadWrite {
		if entry.count > 0 && !entry.rwOpen {
			return errors.IoError.WithMessage("cannot open for writing: already open for reading")
		}
		entry.rwOpen = true
	}
	entry.count++
	return nil
}

// ReleaseOpen decrements the reference count for the given directory entry,
// removing its record once the last handle closes (spec §3 "Lifetimes").
func (v *Volume) ReleaseOpen(dir *fat.Directory, handle fat.DirentHandle) {
	key := openKey{dirCluster: dir.StartCluster(), shortSlot: handle.ShortSlot()}
	entry, ok := v.openFiles[key]
	if !ok {
		return
	}
	entry.count--
	if entry.count <= 0 {
		delete(v.openFiles, key)
	}
}

////////////////////////////////////////////////////////////////////////////
// FSStat (supplemented feature, spec §8 "Free-pool conservation")

// FSStat summarizes a volume's free-space and naming-limit facts, grounded
// on the teacher's top-level FSStat struct.
type FSStat struct {
	TotalClusters   uint32
	FreeClusters    uint32
	BytesPerCluster uint32
	MaxNameLength   int
	VolumeLabel     string
}

// FSStat computes the current free-cluster count via the Table and reports
// it alongside static volume facts.
func (v *Volume) FSStat() (FSStat, error) {
	free, err := v.Table.FreeClusterCount()
	if err != nil {
		return FSStat{}, err
	}
	return FSStat{
		TotalClusters:   v.BPB.CountOfClusters,
		FreeClusters:    free,
		BytesPerCluster: v.BPB.BytesPerCluster(),
		MaxNameLength:   255,
		VolumeLabel:     v.BPB.VolumeLabel,
	}, nil
}

////////////////////////////////////////////////////////////////////////////
// Debug/observability interfaces (spec §6)

// DebugBootSector returns the raw bytes of sector 0.
func (v *Volume) DebugBootSector() ([]byte, error) {
	buf := make([]byte, v.BPB.BytesPerSector)
	if err := v.dev.ReadSector(0, buf); err != nil {
		return nil, errors.IoError.Wrap(err)
	}
	return buf, nil
}

// DebugFATCopy returns the raw bytes of FAT copy n.
func (v *Volume) DebugFATCopy(n int) ([]byte, error) {
	if n < 0 || n >= int(v.BPB.NumFATs) {
		return nil, errors.InvalidValue.WithMessage(fmt.Sprintf("no FAT copy %d", n))
	}
	base := v.BPB.FATCopySector(n)
	buf := make([]byte, uint32(v.BPB.BytesPerSector)*v.BPB.FATSize)
	for s := uint32(0); s < v.BPB.FATSize; s++ {
		if err := v.dev.ReadSector(base+s, buf[s*uint32(v.BPB.BytesPerSector):(s+1)*uint32(v.BPB.BytesPerSector)]); err != nil {
			return nil, errors.IoError.Wrap(err)
		}
	}
	return buf, nil
}

// DebugFSInfoSector returns the raw bytes of the FAT32 FSInfo sector, or nil
// for FAT12/16 volumes.
func (v *Volume) DebugFSInfoSector() ([]byte, error) {
	if v.BPB.Variant != fat.FAT32 {
		return nil, nil
	}
	buf := make([]byte, v.BPB.BytesPerSector)
	if err := v.dev.ReadSector(uint32(v.BPB.FSInfoSector), buf); err != nil {
		return nil, errors.IoError.Wrap(err)
	}
	return buf, nil
}

// DebugRootDirectoryBytes returns the raw bytes of the root directory's
// first cluster (FAT32) or its entire fixed region (FAT12/16).
func (v *Volume) DebugRootDirectoryBytes() ([]byte, error) {
	if v.BPB.Variant != fat.FAT32 {
		base := uint32(v.BPB.ReservedSectors) + uint32(v.BPB.NumFATs)*v.BPB.FATSize
		buf := make([]byte, uint32(v.BPB.BytesPerSector)*v.BPB.RootDirSectors)
		for s := uint32(0); s < v.BPB.RootDirSectors; s++ {
			if err := v.dev.ReadSector(base+s, buf[s*uint32(v.BPB.BytesPerSector):(s+1)*uint32(v.BPB.BytesPerSector)]); err != nil {
				return nil, errors.IoError.Wrap(err)
			}
		}
		return buf, nil
	}

	base := v.BPB.FirstSectorOfCluster(v.BPB.RootCluster)
	buf := make([]byte, v.BPB.BytesPerCluster())
	for s := uint32(0); s < uint32(v.BPB.SectorsPerCluster); s++ {
		if err := v.dev.ReadSector(base+s, buf[s*uint32(v.BPB.BytesPerSector):(s+1)*uint32(v.BPB.BytesPerSector)]); err != nil {
			return nil, errors.IoError.Wrap(err)
		}
	}
	return buf, nil
}
