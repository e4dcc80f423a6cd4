// Package fspath exposes a consumer-facing path abstraction over a mounted
// volume, resolving path components against the directory layer.
package fspath

import (
	"os"
	posixpath "path"
	"strings"
	"time"

	"github.com/dargueta/gofat/errors"
	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/volume"
)

// Path is an immutable absolute path into a mounted volume: a device name
// plus a cleaned, slash-separated component string.
type Path struct {
	vol    *volume.Volume
	device string
	clean  string // always starts with "/", posixpath.Clean'd
}

// New builds a Path from a raw, possibly relative or messy, path string,
// normalizing it the same way BaseDriver.NormalizePath does.
func New(vol *volume.Volume, device string, raw string) Path {
	clean := posixpath.Clean(raw)
	if clean == "." || clean == "" {
		clean = "/"
	}
	if !posixpath.IsAbs(clean) {
		clean = posixpath.Join("/", clean)
	}
	return Path{vol: vol, device: device, clean: clean}
}

// String returns the "<device>:<path>" form described by the engine's
// consumer-facing path space.
func (p Path) String() string {
	return p.device + ":" + p.clean
}

func (p Path) components() []string {
	trimmed := strings.Trim(p.clean, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (p Path) parentComponents() []string {
	comps := p.components()
	if len(comps) == 0 {
		return nil
	}
	return comps[:len(comps)-1]
}

func (p Path) baseName() string {
	comps := p.components()
	if len(comps) == 0 {
		return ""
	}
	return comps[len(comps)-1]
}

// resolveDir walks from the root to the directory containing this path's
// final component, returning that directory.
func (p Path) resolveDir() (*fat.Directory, error) {
	return walk(p.vol.Root, p.parentComponents())
}

// resolveSelf walks all the way to this path's own component and returns
// its directory handle, or ok=false if it doesn't exist.
func (p Path) resolveSelf() (*fat.Directory, fat.DirentHandle, bool, error) {
	dir, err := p.resolveDir()
	if err != nil {
		return nil, fat.DirentHandle{}, false, err
	}
	base := p.baseName()
	if base == "" {
		// Root itself.
		return dir, fat.DirentHandle{}, true, nil
	}
	handle, ok, err := dir.Lookup(base)
	return dir, handle, ok, err
}

func walk(from *fat.Directory, comps []string) (*fat.Directory, error) {
	current := from
	for _, c := range comps {
		handle, ok, err := current.Lookup(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.FileNotFound.WithMessage(c)
		}
		if !handle.IsDirectory() {
			return nil, errors.DirectoryOperationFailure.WithMessage(c + " is not a directory")
		}
		current, err = current.OpenChild(handle.FirstCluster)
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// Exists reports whether this path resolves to any entry.
func (p Path) Exists() bool {
	_, _, ok, err := p.resolveSelf()
	return err == nil && ok
}

// IsDirectory reports whether this path resolves to a directory (root
// counts).
func (p Path) IsDirectory() bool {
	if p.baseName() == "" {
		return true
	}
	_, handle, ok, err := p.resolveSelf()
	return err == nil && ok && handle.IsDirectory()
}

// IsFile reports whether this path resolves to a regular file.
func (p Path) IsFile() bool {
	_, handle, ok, err := p.resolveSelf()
	return err == nil && ok && !handle.IsDirectory() && !handle.IsVolumeLabel()
}

// IsHidden reports whether the resolved entry has the hidden attribute set.
func (p Path) IsHidden() bool {
	_, handle, ok, err := p.resolveSelf()
	return err == nil && ok && handle.IsHidden()
}

// Length returns the resolved file's size in bytes.
func (p Path) Length() (int64, error) {
	_, handle, ok, err := p.resolveSelf()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.FileNotFound.WithMessage(p.String())
	}
	return int64(handle.FileSize), nil
}

// LastModifiedTime returns the resolved entry's last-modified timestamp.
func (p Path) LastModifiedTime() (time.Time, error) {
	_, handle, ok, err := p.resolveSelf()
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.FileNotFound.WithMessage(p.String())
	}
	return handle.LastModified, nil
}

// CreationTime returns the resolved entry's creation timestamp.
func (p Path) CreationTime() (time.Time, error) {
	_, handle, ok, err := p.resolveSelf()
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.FileNotFound.WithMessage(p.String())
	}
	return handle.Created, nil
}

// List returns the names of every entry directly under this path, which
// must resolve to a directory. "." and ".." and the volume label are left
// out; hidden entries are included.
func (p Path) List() ([]string, error) {
	dir, err := p.directoryFor()
	if err != nil {
		return nil, err
	}
	entries, err := dir.List(fat.FilterActive)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDotEntry() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ListFilter returns the names of every entry directly under this path for
// which predicate returns true -- the engine's "globbing via predicate"
// primitive, deliberately not a glob-syntax matcher.
func (p Path) ListFilter(predicate func(name string, entry fat.DirentHandle) bool) ([]string, error) {
	dir, err := p.directoryFor()
	if err != nil {
		return nil, err
	}
	entries, err := dir.List(nil)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDotEntry() {
			continue
		}
		if predicate(e.Name(), e) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (p Path) directoryFor() (*fat.Directory, error) {
	if p.baseName() == "" {
		return p.vol.Root, nil
	}
	dir, handle, ok, err := p.resolveSelf()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.FileNotFound.WithMessage(p.String())
	}
	if !handle.IsDirectory() {
		return nil, errors.DirectoryOperationFailure.WithMessage(p.String() + " is not a directory")
	}
	return dir.OpenChild(handle.FirstCluster)
}

// CreateNewFile creates an empty regular file at this path, failing if one
// already exists. perm's only observable effect is the read-only attribute
// bit (FAT has no richer permission model).
func (p Path) CreateNewFile(perm os.FileMode) (*fat.File, error) {
	dir, err := p.resolveDir()
	if err != nil {
		return nil, err
	}
	attrs := uint8(0)
	if perm&0o200 == 0 {
		attrs |= fat.AttrReadOnly
	}
	handle, err := dir.CreateFile(p.baseName(), attrs, 0)
	if err != nil {
		return nil, err
	}
	if err := p.vol.RegisterOpen(dir, handle, fat.ModeReadWrite); err != nil {
		return nil, err
	}
	f, err := fat.OpenFile(p.vol.Dev(), p.vol.BPB, p.vol.Table, p.vol.Clock, dir, handle, fat.ModeReadWrite)
	if err != nil {
		p.vol.ReleaseOpen(dir, handle)
		return nil, err
	}
	f.SetOnClose(func() { p.vol.ReleaseOpen(dir, handle) })
	p.vol.TrackFile(f)
	return f, nil
}

// Mkdir creates this path as a new, empty subdirectory; its parent must
// already exist.
func (p Path) Mkdir() error {
	dir, err := p.resolveDir()
	if err != nil {
		return err
	}
	_, err = dir.CreateSubdirectory(p.baseName())
	return err
}

// MkdirAll creates this path and any missing ancestor directories.
func (p Path) MkdirAll() error {
	comps := p.components()
	current := p.vol.Root
	for i, c := range comps {
		handle, ok, err := current.Lookup(c)
		if err != nil {
			return err
		}
		if ok {
			if !handle.IsDirectory() {
				return errors.DirectoryOperationFailure.WithMessage(c + " exists and is not a directory")
			}
			current, err = current.OpenChild(handle.FirstCluster)
			if err != nil {
				return err
			}
			continue
		}
		child, err := current.CreateSubdirectory(c)
		if err != nil {
			return err
		}
		if i == len(comps)-1 {
			return nil
		}
		current = child
	}
	return nil
}

// Delete removes this path's entry. A non-empty directory cannot be
// deleted (spec rule carried from fat.Directory.Delete).
func (p Path) Delete() error {
	dir, err := p.resolveDir()
	if err != nil {
		return err
	}
	return dir.Delete(p.baseName())
}

// RenameTo moves this path to dest, which must resolve to a path on the
// same volume; cross-volume renames are not supported.
func (p Path) RenameTo(dest Path) error {
	if p.vol != dest.vol {
		return errors.DirectoryOperationFailure.WithMessage("cross-volume rename is not supported")
	}
	srcDir, err := p.resolveDir()
	if err != nil {
		return err
	}
	destDir, err := dest.resolveDir()
	if err != nil {
		return err
	}
	return srcDir.Rename(p.baseName(), destDir, dest.baseName())
}

// SetLastModifiedTime updates this path's last-modified timestamp without
// opening the file for I/O.
func (p Path) SetLastModifiedTime(t time.Time) error {
	dir, handle, ok, err := p.resolveSelf()
	if err != nil {
		return err
	}
	if !ok {
		return errors.FileNotFound.WithMessage(p.String())
	}
	return dir.UpdateEntry(handle, handle.FirstCluster, handle.FileSize, t, handle.LastAccessed)
}

// Open opens this path's file for I/O. mode must be "r" or "rw".
func (p Path) Open(mode string) (*fat.File, error) {
	var fmode fat.FileMode
	switch mode {
	case "r":
		fmode = fat.ModeRead
	case "rw":
		fmode = fat.ModeReadWrite
	default:
		return nil, errors.InvalidValue.WithMessage(`mode must be "r" or "rw"`)
	}

	dir, handle, ok, err := p.resolveSelf()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.FileNotFound.WithMessage(p.String())
	}
	if handle.IsDirectory() {
		return nil, errors.DirectoryOperationFailure.WithMessage(p.String() + " is a directory")
	}

	if err := p.vol.RegisterOpen(dir, handle, fmode); err != nil {
		return nil, err
	}
	f, err := fat.OpenFile(p.vol.Dev(), p.vol.BPB, p.vol.Table, p.vol.Clock, dir, handle, fmode)
	if err != nil {
		p.vol.ReleaseOpen(dir, handle)
		return nil, err
	}
	f.SetOnClose(func() { p.vol.ReleaseOpen(dir, handle) })
	p.vol.TrackFile(f)
	return f, nil
}
