package jid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/afd-project/afd/pkg/region"
)

// FMDFileName is the file-mask database file name.
const FMDFileName = "FMD"

// FileMask is one filter set. Masks keep their configured order; it is
// part of the set's identity.
type FileMask struct {
	ID       uint32
	Flags    uint32
	Warnings byte
	Masks    []string
}

// FMD is the file-mask database: a packed sequence of variable-length
// filter-set records, looked up by file-mask id.
type FMD struct {
	path  string
	sets  []FileMask
	index map[uint32]int
}

// LoadFMD reads the file-mask database at path. A missing file yields
// an empty database.
func LoadFMD(path string) (*FMD, error) {
	f := &FMD{path: path, index: make(map[uint32]int)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("fmd: read %s: %w", path, err)
	}
	if len(data) < region.WordOffset {
		return nil, fmt.Errorf("fmd: %s: short header", path)
	}
	if v := data[4]; v != Version {
		return nil, fmt.Errorf("fmd: %s: version %d, want %d", path, v, Version)
	}

	count := int(int32(binary.LittleEndian.Uint32(data)))
	off := region.WordOffset
	for i := 0; i < count; i++ {
		if off+16 > len(data) {
			return nil, fmt.Errorf("fmd: %s: truncated record %d", path, i)
		}
		nfm := int(int32(binary.LittleEndian.Uint32(data[off:])))
		globLen := int(int32(binary.LittleEndian.Uint32(data[off+4:])))
		id := binary.LittleEndian.Uint32(data[off+8:])
		flags := binary.LittleEndian.Uint32(data[off+12:])
		off += 16

		if off+globLen+1 > len(data) || nfm < 0 || globLen < 0 {
			return nil, fmt.Errorf("fmd: %s: truncated record %d", path, i)
		}
		masks := region.CStrAll(data[off : off+globLen])
		if len(masks) != nfm {
			return nil, fmt.Errorf("fmd: %s: record %d has %d masks, header says %d",
				path, i, len(masks), nfm)
		}
		off += globLen
		warnings := data[off]
		off++
		off = (off + 3) &^ 3 // records are 4-byte aligned

		f.index[id] = len(f.sets)
		f.sets = append(f.sets, FileMask{ID: id, Flags: flags, Warnings: warnings, Masks: masks})
	}
	return f, nil
}

// Lookup returns the filter set with the given id, or nil.
func (f *FMD) Lookup(id uint32) *FileMask {
	i, ok := f.index[id]
	if !ok {
		return nil
	}
	return &f.sets[i]
}

// Len returns the number of stored filter sets.
func (f *FMD) Len() int { return len(f.sets) }

// Add registers a filter set and persists the database. Identical sets
// share an id.
func (f *FMD) Add(masks []string, flags uint32) (uint32, error) {
	id := HashFileMasks(masks)
	if _, ok := f.index[id]; ok {
		return id, nil
	}
	f.index[id] = len(f.sets)
	f.sets = append(f.sets, FileMask{ID: id, Flags: flags, Masks: append([]string(nil), masks...)})
	if err := f.flush(); err != nil {
		return 0, err
	}
	return id, nil
}

// flush rewrites the database atomically (temp file plus rename).
func (f *FMD) flush() error {
	buf := make([]byte, region.WordOffset)
	binary.LittleEndian.PutUint32(buf, uint32(len(f.sets)))
	buf[4] = Version

	for i := range f.sets {
		s := &f.sets[i]
		var glob []byte
		for _, m := range s.Masks {
			glob = append(glob, m...)
			glob = append(glob, 0)
		}

		var hdr [16]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(s.Masks)))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(glob)))
		binary.LittleEndian.PutUint32(hdr[8:], s.ID)
		binary.LittleEndian.PutUint32(hdr[12:], s.Flags)
		buf = append(buf, hdr[:]...)
		buf = append(buf, glob...)
		buf = append(buf, s.Warnings)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("fmd: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, f.path)
}
