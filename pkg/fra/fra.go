// Package fra implements the Fileretrieve Status Area, the shared
// region holding per-directory ingest state.
package fra

import (
	"unsafe"

	"github.com/afd-project/afd/pkg/region"
)

// Version is the FRA on-disk ABI version.
const Version = 1

// FileName is the region file name below the fifo directory.
const FileName = "FRA"

// MaxDirAliasLength bounds the directory alias string.
const MaxDirAliasLength = 39

// Dir flag bits in Entry.DirFlag.
const (
	DirDisabled uint32 = 1 << iota
	DirStopped
	LinkNoSlash
)

// Entry is one watched directory record.
type Entry struct {
	FilesReceived int64
	BytesReceived int64
	LastRetrieval int64

	DirID        uint32
	DirFlag      uint32
	FSAPos       int32 // default outgoing host, index into the FSA
	PollInterval int32
	Priority     int32
	InDirConfig  int32 // nonzero while the DIR_CONFIG still names it

	DirAlias [MaxDirAliasLength + 1]byte
}

// EntrySize is the on-disk record size; part of the ABI.
const EntrySize = 88

var _ [EntrySize]byte = [unsafe.Sizeof(Entry{})]byte{}

// FRA is an attached Fileretrieve Status Area.
type FRA struct {
	r    *region.Region
	Dirs []Entry
}

// Create builds a new FRA with room for count directories.
func Create(path string, count int) (*FRA, error) {
	r, err := region.Create(path, Version, EntrySize, count)
	if err != nil {
		return nil, err
	}
	return &FRA{r: r, Dirs: region.View[Entry](r)}, nil
}

// Attach maps an existing FRA.
func Attach(path string, mode region.Mode) (*FRA, error) {
	r, err := region.Attach(path, Version, EntrySize, mode)
	if err != nil {
		return nil, err
	}
	return &FRA{r: r, Dirs: region.View[Entry](r)}, nil
}

// Detach unmaps the FRA.
func (f *FRA) Detach() error { return f.r.Detach() }

// Region exposes the underlying region.
func (f *FRA) Region() *region.Region { return f.r }

// PosOfDir returns the index of the directory with the given alias,
// or -1.
func (f *FRA) PosOfDir(alias string) int {
	for i := range f.Dirs {
		if f.Dirs[i].Alias() == alias {
			return i
		}
	}
	return -1
}

// AddReceived folds an arrival of files/bytes into the directory entry
// under the per-entry lock.
func (f *FRA) AddReceived(pos int, files, bytes int64) error {
	off := int64(region.WordOffset + pos*EntrySize)
	return f.r.WithLock(off, func() error {
		e := &f.Dirs[pos]
		e.FilesReceived += files
		e.BytesReceived += bytes
		return nil
	})
}

// Alias returns the directory alias.
func (e *Entry) Alias() string { return region.CStr(e.DirAlias[:]) }

// SetAlias stores the directory alias.
func (e *Entry) SetAlias(s string) { region.SetCStr(e.DirAlias[:], s) }
