package jid

import (
	"unsafe"

	"github.com/afd-project/afd/pkg/region"
)

// DNBFileName is the directory name buffer region file name.
const DNBFileName = "DNB"

// MaxPathLength bounds stored directory paths.
const MaxPathLength = 255

// DirName is one directory record: the observed filesystem path and
// the original URL-form path when the directory was configured as e.g.
// an ftp URL.
type DirName struct {
	DirID uint32
	_     [4]byte
	Dir   [MaxPathLength + 1]byte
	Orig  [MaxPathLength + 1]byte
}

// DirNameSize is the on-disk record size.
const DirNameSize = 520

var _ [DirNameSize]byte = [unsafe.Sizeof(DirName{})]byte{}

// Path returns the filesystem path of the directory.
func (d *DirName) Path() string { return region.CStr(d.Dir[:]) }

// OrigName returns the URL-form path the directory was configured as.
func (d *DirName) OrigName() string { return region.CStr(d.Orig[:]) }

// DNB is an attached directory name buffer.
type DNB struct {
	r    *region.Region
	Dirs []DirName
}

// CreateDNB builds an empty directory name buffer.
func CreateDNB(path string) (*DNB, error) {
	r, err := region.Create(path, Version, DirNameSize, 0)
	if err != nil {
		return nil, err
	}
	return &DNB{r: r}, nil
}

// AttachDNB maps an existing directory name buffer.
func AttachDNB(path string, mode region.Mode) (*DNB, error) {
	r, err := region.Attach(path, Version, DirNameSize, mode)
	if err != nil {
		return nil, err
	}
	return &DNB{r: r, Dirs: region.View[DirName](r)}, nil
}

// Detach unmaps the buffer.
func (d *DNB) Detach() error { return d.r.Detach() }

// Lookup returns the record for dirID, or nil.
func (d *DNB) Lookup(dirID uint32) *DirName {
	for i := range d.Dirs {
		if d.Dirs[i].DirID == dirID {
			return &d.Dirs[i]
		}
	}
	return nil
}

// Add registers a directory and returns its id. The id is the content
// hash of the filesystem path, so re-adding is idempotent.
func (d *DNB) Add(fsPath, origName string) (uint32, error) {
	id := HashDir(fsPath)
	if d.Lookup(id) != nil {
		return id, nil
	}

	n := len(d.Dirs)
	if err := d.r.Grow(n + 1); err != nil {
		return 0, err
	}
	full := region.View[DirName](d.r)
	rec := &full[n]
	rec.DirID = id
	region.SetCStr(rec.Dir[:], fsPath)
	region.SetCStr(rec.Orig[:], origName)
	d.Dirs = full
	return id, nil
}
