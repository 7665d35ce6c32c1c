// Package region implements the shared memory-mapped regions that all
// AFD processes coordinate through. Every region file starts with a
// fixed word header (record count, version byte, flag bytes) padded to
// WordOffset, followed by a dense array of fixed-size records. The
// supervisor creates and resizes regions; every other process attaches.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WordOffset is the size of the region header. Record bodies start at
// this offset. The value is part of the on-disk ABI.
const WordOffset = 64

// Header field offsets within the first WordOffset bytes.
const (
	offCount    = 0 // int32, little endian
	offVersion  = 4 // byte
	offFeature  = 5 // byte, feature flags
	offShutdown = 6 // byte, shared shutdown mark
	offHostname = 8 // NUL-terminated, up to hostnameLen bytes
)

const hostnameLen = 40

// Mode selects how a region is mapped.
type Mode int

const (
	// ReadOnly maps the region for reading. By convention the UI and
	// diagnostic tools attach read-only.
	ReadOnly Mode = iota
	// ReadWrite maps the region for reading and writing.
	ReadWrite
)

// Sentinel errors returned by Attach.
var (
	ErrNotPresent          = errors.New("region: not present")
	ErrIncompatibleVersion = errors.New("region: incompatible version")
	ErrPermissionDenied    = errors.New("region: permission denied")
	ErrCorrupt             = errors.New("region: body smaller than header count")
)

// Region is a memory-mapped fixed-layout file.
type Region struct {
	f       *os.File
	data    []byte
	path    string
	recSize int
	mode    Mode
}

// Create creates (or re-creates) a region file sized for count records
// and maps it read-write. The header is initialised with the given
// version byte. Only the supervisor may call Create.
func Create(path string, version byte, recSize, count int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("region: create %s: %w", path, err)
	}

	size := WordOffset + recSize*count
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("region: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	r := &Region{f: f, data: data, path: path, recSize: recSize, mode: ReadWrite}
	binary.LittleEndian.PutUint32(data[offCount:], uint32(count))
	data[offVersion] = version
	return r, nil
}

// Attach opens the named region, verifies the version byte and maps it.
//
// Returns ErrNotPresent if the supervisor has not created the file,
// ErrIncompatibleVersion if the version byte differs from the given
// constant, and ErrPermissionDenied when the file exists but cannot be
// opened in the requested mode.
func Attach(path string, version byte, recSize int, mode Mode) (*Region, error) {
	flags := os.O_RDWR
	prot := unix.PROT_READ | unix.PROT_WRITE
	if mode == ReadOnly {
		flags = os.O_RDONLY
		prot = unix.PROT_READ
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, ErrNotPresent
		case errors.Is(err, fs.ErrPermission):
			return nil, ErrPermissionDenied
		default:
			return nil, fmt.Errorf("region: open %s: %w", path, err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	if st.Size() < WordOffset {
		f.Close()
		return nil, ErrNotPresent
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	r := &Region{f: f, data: data, path: path, recSize: recSize, mode: mode}
	if v := data[offVersion]; v != version {
		r.Detach()
		return nil, fmt.Errorf("%w: have %d, want %d", ErrIncompatibleVersion, v, version)
	}
	if got, want, n := int(st.Size()), WordOffset+recSize*r.Count(), r.Count(); got < want {
		r.Detach()
		return nil, fmt.Errorf("%w: %d records need %d bytes, file has %d",
			ErrCorrupt, n, want, got)
	}
	return r, nil
}

// Detach unmaps the region without truncating the backing file.
func (r *Region) Detach() error {
	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			first = fmt.Errorf("region: munmap %s: %w", r.path, err)
		}
		r.data = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil && first == nil {
			first = fmt.Errorf("region: close %s: %w", r.path, err)
		}
		r.f = nil
	}
	return first
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Count returns the record count from the header.
func (r *Region) Count() int {
	return int(int32(binary.LittleEndian.Uint32(r.data[offCount:])))
}

// SetCount updates the record count in the header. The caller must have
// sized the file accordingly.
func (r *Region) SetCount(n int) {
	binary.LittleEndian.PutUint32(r.data[offCount:], uint32(n))
}

// Version returns the header version byte.
func (r *Region) Version() byte { return r.data[offVersion] }

// FeatureFlags returns the header feature flag byte.
func (r *Region) FeatureFlags() byte { return r.data[offFeature] }

// SetFeatureFlags stores the header feature flag byte.
func (r *Region) SetFeatureFlags(b byte) { r.data[offFeature] = b }

// ShutdownByte returns the shared shutdown byte.
func (r *Region) ShutdownByte() byte { return r.data[offShutdown] }

// SetShutdownByte stores the shared shutdown byte.
func (r *Region) SetShutdownByte(b byte) { r.data[offShutdown] = b }

// Hostname returns the hostname stored in the header, if any. Used by
// the active file to detect an AFD running on another host sharing the
// same filesystem.
func (r *Region) Hostname() string {
	b := r.data[offHostname : offHostname+hostnameLen]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetHostname stores the hostname in the header. Longer names are
// truncated to fit.
func (r *Region) SetHostname(name string) {
	b := r.data[offHostname : offHostname+hostnameLen]
	for i := range b {
		b[i] = 0
	}
	copy(b[:hostnameLen-1], name)
}

// Body returns the raw record area.
func (r *Region) Body() []byte {
	return r.data[WordOffset:]
}

// Record returns the raw bytes of record i.
func (r *Region) Record(i int) []byte {
	off := WordOffset + i*r.recSize
	return r.data[off : off+r.recSize]
}

// Grow extends the backing file to hold count records and remaps. Any
// previously returned views are invalidated.
func (r *Region) Grow(count int) error {
	if r.mode != ReadWrite {
		return ErrPermissionDenied
	}
	size := WordOffset + r.recSize*count
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("region: munmap %s: %w", r.path, err)
	}
	r.data = nil
	if err := r.f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("region: truncate %s: %w", r.path, err)
	}
	data, err := unix.Mmap(int(r.f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("region: mmap %s: %w", r.path, err)
	}
	r.data = data
	r.SetCount(count)
	return nil
}

// LockRange takes a blocking advisory write lock on one byte at the
// given region-relative offset.
func (r *Region) LockRange(off int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  off,
		Len:    1,
	}
	return unix.FcntlFlock(r.f.Fd(), unix.F_SETLKW, &lk)
}

// UnlockRange releases the advisory lock taken by LockRange.
func (r *Region) UnlockRange(off int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  off,
		Len:    1,
	}
	return unix.FcntlFlock(r.f.Fd(), unix.F_SETLK, &lk)
}

// WithLock runs fn under the advisory lock at off. The lock is released
// even when fn returns an error.
func (r *Region) WithLock(off int64, fn func() error) error {
	if err := r.LockRange(off); err != nil {
		return err
	}
	defer r.UnlockRange(off)
	return fn()
}

// View returns the region body as a typed slice of count records. T
// must be a fixed-layout struct whose size matches the record size the
// region was attached with; the mapping is shared, so writes through
// the slice are visible to every attached process.
func View[T any](r *Region) []T {
	n := r.Count()
	if n <= 0 {
		return nil
	}
	var t T
	if int(unsafe.Sizeof(t)) != r.recSize {
		panic(fmt.Sprintf("region: %s: record size %d does not match view type size %d",
			r.path, r.recSize, unsafe.Sizeof(t)))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&r.data[WordOffset])), n)
}
