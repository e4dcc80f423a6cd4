package volume

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/errors"
)

// BackendKind identifies how a registered volume's block device is backed
// (spec §4.6, §6 "Manifest file").
type BackendKind string

const (
	BackendRAF    BackendKind = "RAF"    // host-filesystem-backed image
	BackendRAM    BackendKind = "RAM"    // in-memory; never recorded in the manifest
	BackendNative BackendKind = "NATIVE" // raw partition
)

// ManifestRecord is one line of the registry's manifest file, (de)serialized
// with gocsv over a tab-delimited reader/writer.
type ManifestRecord struct {
	Name        string      `csv:"name"`
	SizeBytes   int64       `csv:"size_bytes"`
	BackendKind BackendKind `csv:"backend_kind"`
}

func init() {
	gocsv.SetCSVReader(func(r io.Reader) gocsv.CSVReader {
		cr := csv.NewReader(r)
		cr.Comma = '\t'
		cr.FieldsPerRecord = -1
		return cr
	})
	gocsv.SetCSVWriter(func(w io.Writer) *gocsv.SafeCSVWriter {
		cw := gocsv.NewSafeCSVWriter(csv.NewWriter(w))
		cw.Comma = '\t'
		return cw
	})
}

// mountedEntry is one live volume tracked by the Registry.
type mountedEntry struct {
	volume   *Volume
	size     int64
	backend  BackendKind
	refCount int
}

// Registry is a process-wide catalog of mounted volumes, indexed by device
// name and persisted in a manifest file (spec §4.6). Callers hold an
// explicit *Registry rather than reaching for a package-level global, per
// design notes §9 "prefer passing an explicit registry handle... to keep
// tests isolable".
type Registry struct {
	mu           sync.Mutex
	manifestPath string
	logger       io.Writer
	entries      map[string]*mountedEntry
}

// NewRegistry creates a Registry backed by the manifest file at
// manifestPath. logger (default io.Discard) receives one line per manifest
// entry that Boot fails to reopen or remount. The manifest is parsed as a
// whole: if any line fails to parse, Boot returns an InvalidValue error and
// remounts no entry.
func NewRegistry(manifestPath string, logger io.Writer) *Registry {
	if logger == nil {
		logger = io.Discard
	}
	return &Registry{
		manifestPath: manifestPath,
		logger:       logger,
		entries:      make(map[string]*mountedEntry),
	}
}

// Boot replays the manifest file, attempting to re-mount each entry via
// opener (which knows how to turn a ManifestRecord into a BlockDevice for
// its backend kind). Any entry that fails to remount is skipped with a
// logged message rather than aborting the whole boot (spec §4.6 "On boot
// the registry replays the manifest... any failing entry is skipped").
func (r *Registry) Boot(opener func(ManifestRecord) (blockdev.BlockDevice, error)) error {
	records, err := r.readManifest()
	if err != nil {
		return err
	}

	for _, rec := range records {
		dev, err := opener(rec)
		if err != nil {
			fmt.Fprintf(r.logger, "registry: skipping %q: %v\n", rec.Name, err)
			continue
		}
		v, _, err := Mount(dev, MountOptions{})
		if err != nil {
			fmt.Fprintf(r.logger, "registry: skipping %q: mount failed: %v\n", rec.Name, err)
			continue
		}

		r.mu.Lock()
		r.entries[rec.Name] = &mountedEntry{volume: v, size: rec.SizeBytes, backend: rec.BackendKind, refCount: 1}
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) readManifest() ([]ManifestRecord, error) {
	data, err := os.ReadFile(r.manifestPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.IoError.Wrap(err)
	}

	var records []ManifestRecord
	if err := gocsv.Unmarshal(bytes.NewReader(data), &records); err != nil {
		return nil, errors.InvalidValue.Wrap(err)
	}
	return records, nil
}

// writeManifest rewrites the manifest file from r.entries. Callers must hold
// r.mu.
func (r *Registry) writeManifest() error {
	var records []ManifestRecord
	for name, entry := range r.entries {
		if entry.backend == BackendRAM {
			continue // spec §4.6: "RAM volumes are not recorded"
		}
		records = append(records, ManifestRecord{Name: name, SizeBytes: entry.size, BackendKind: entry.backend})
	}

	out, err := gocsv.MarshalString(&records)
	if err != nil {
		return errors.InvalidValue.Wrap(err)
	}
	if err := os.WriteFile(r.manifestPath, []byte(out), 0o644); err != nil {
		return errors.IoError.Wrap(err)
	}
	return nil
}

// Attach registers a newly mounted (or freshly formatted) volume under
// `name`. If backend is not BackendRAM, the manifest file is rewritten to
// include it (spec §4.6 "On create it appends to a newline-delimited
// manifest file").
func (r *Registry) Attach(name string, v *Volume, sizeBytes int64, backend BackendKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		existing.refCount++
		return nil
	}

	r.entries[name] = &mountedEntry{volume: v, size: sizeBytes, backend: backend, refCount: 1}
	if backend != BackendRAM {
		return r.writeManifest()
	}
	return nil
}

// Lookup returns the volume registered under `name`, incrementing its
// reference count, or ok=false if no such volume is attached.
func (r *Registry) Lookup(name string) (v *Volume, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	entry.refCount++
	return entry.volume, true
}

// Detach decrements name's reference count, dismounting and removing it
// (rewriting the manifest without its line) once the count reaches zero.
func (r *Registry) Detach(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return errors.FileNotFound.WithMessage(name)
	}
	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}

	delete(r.entries, name)
	if err := entry.volume.Dismount(); err != nil {
		return err
	}
	if entry.backend != BackendRAM {
		return r.writeManifest()
	}
	return nil
}

// Teardown dismounts every currently-attached volume without rewriting the
// manifest (spec §9 "teardown (dismount all, but do not rewrite manifest)").
func (r *Registry) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, entry := range r.entries {
		if err := entry.volume.Dismount(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.entries, name)
	}
	return firstErr
}

// OpenerForKind is a convenience opener for Boot that dispatches on backend
// kind: BackendRAF opens a host file at `name`, BackendNative does the same
// (this module has no real raw-partition access, so it degenerates to a
// host file open, same as the teacher's own driver abstraction does for
// testing), and BackendRAM is never present in the manifest so is rejected.
func OpenerForKind(sectorSize uint16) func(ManifestRecord) (blockdev.BlockDevice, error) {
	return func(rec ManifestRecord) (blockdev.BlockDevice, error) {
		switch rec.BackendKind {
		case BackendRAF, BackendNative:
			numSectors := uint32(rec.SizeBytes / int64(sectorSize))
			return blockdev.NewFileDevice(rec.Name, sectorSize, numSectors)
		default:
			return nil, errors.InvalidValue.WithMessage(
				fmt.Sprintf("cannot reopen backend kind %q from the manifest", rec.BackendKind),
			)
		}
	}
}

// FileSizeBytes stats path and returns its size, for callers computing the
// SizeBytes to pass to Attach for a host-file-backed volume.
func FileSizeBytes(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.IoError.Wrap(err)
	}
	return info.Size(), nil
}
