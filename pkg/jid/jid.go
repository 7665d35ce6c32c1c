// Package jid implements the job-ID database and its companion
// lookup tables: the directory name buffer (DNB), the file-mask
// database (FMD) and the DIR_CONFIG list (DCL).
//
// A job id is a stable content hash over the tuple that defines a job;
// duplicate tuples share an id, and records are immutable once
// created.
package jid

import (
	"strings"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/afd-project/afd/pkg/region"
)

// Version is the JID on-disk ABI version.
const Version = 1

// FileName is the region file name below the fifo directory.
const FileName = "JID"

// Limits baked into the record layout.
const (
	MaxRecipientLength = 255
	MaxOptionsLength   = 511
)

// Job is one immutable job descriptor.
type Job struct {
	CreationTime int64

	JobID            uint32
	DirConfigID      uint32
	DirID            uint32
	HostID           uint32
	FileMaskID       uint32
	NoOfLocalOptions int32

	Priority byte
	_        [3]byte

	Recipient    [MaxRecipientLength + 1]byte
	LocalOptions [MaxOptionsLength + 1]byte // NUL-separated packed list
}

// EntrySize is the on-disk record size; part of the ABI.
const EntrySize = 808

var _ [EntrySize]byte = [unsafe.Sizeof(Job{})]byte{}

// RecipientURL returns the recipient URL of the job.
func (j *Job) RecipientURL() string { return region.CStr(j.Recipient[:]) }

// Options unpacks the NUL-separated local option list.
func (j *Job) Options() []string {
	if j.NoOfLocalOptions <= 0 {
		return nil
	}
	packed := region.CStrAll(j.LocalOptions[:])
	if len(packed) > int(j.NoOfLocalOptions) {
		packed = packed[:j.NoOfLocalOptions]
	}
	return packed
}

// DB is an attached job-ID database. Records are append-only; the
// region count is the number of registered jobs.
type DB struct {
	r    *region.Region
	Jobs []Job
}

// Create builds an empty JID database.
func Create(path string) (*DB, error) {
	r, err := region.Create(path, Version, EntrySize, 0)
	if err != nil {
		return nil, err
	}
	return &DB{r: r}, nil
}

// Attach maps an existing JID database.
func Attach(path string, mode region.Mode) (*DB, error) {
	r, err := region.Attach(path, Version, EntrySize, mode)
	if err != nil {
		return nil, err
	}
	return &DB{r: r, Jobs: region.View[Job](r)}, nil
}

// Detach unmaps the database.
func (d *DB) Detach() error { return d.r.Detach() }

// Lookup returns the job with the given id, or nil.
func (d *DB) Lookup(jobID uint32) *Job {
	for i := range d.Jobs {
		if d.Jobs[i].JobID == jobID {
			return &d.Jobs[i]
		}
	}
	return nil
}

// Add registers a job descriptor and returns its id. An existing job
// with the same content tuple is reused.
func (d *DB) Add(dirConfigID, dirID, hostID, maskID uint32, recipient string, priority byte, options []string) (uint32, error) {
	id := HashJob(dirID, hostID, maskID, recipient, options)
	if d.Lookup(id) != nil {
		return id, nil
	}

	n := len(d.Jobs)
	if err := d.r.Grow(n + 1); err != nil {
		return 0, err
	}
	full := region.View[Job](d.r)
	j := &full[n]
	*j = Job{
		CreationTime:     time.Now().Unix(),
		JobID:            id,
		DirConfigID:      dirConfigID,
		DirID:            dirID,
		HostID:           hostID,
		FileMaskID:       maskID,
		NoOfLocalOptions: int32(len(options)),
		Priority:         priority,
	}
	region.SetCStr(j.Recipient[:], recipient)
	region.SetCStr(j.LocalOptions[:], strings.Join(options, "\x00"))
	d.Jobs = full[:n+1]
	return id, nil
}

// Len returns the number of stored jobs.
func (d *DB) Len() int { return len(d.Jobs) }

// fold64 reduces a 64-bit hash to the 32-bit ids the shared regions
// store.
func fold64(h uint64) uint32 {
	return uint32(h>>32) ^ uint32(h)
}

// HashHost returns the stable id of a host alias.
func HashHost(alias string) uint32 {
	return fold64(xxhash.Sum64String(alias))
}

// HashDir returns the stable id of a directory path.
func HashDir(path string) uint32 {
	return fold64(xxhash.Sum64String(path))
}

// HashFileMasks returns the stable id of an ordered filter set.
func HashFileMasks(masks []string) uint32 {
	h := xxhash.New()
	for _, m := range masks {
		h.WriteString(m)
		h.Write([]byte{0})
	}
	return fold64(h.Sum64())
}

// HashJob returns the content hash identifying a job. Options are part
// of the identity in their canonical (given) order.
func HashJob(dirID, hostID, maskID uint32, recipient string, options []string) uint32 {
	h := xxhash.New()
	var buf [12]byte
	buf[0] = byte(dirID)
	buf[1] = byte(dirID >> 8)
	buf[2] = byte(dirID >> 16)
	buf[3] = byte(dirID >> 24)
	buf[4] = byte(hostID)
	buf[5] = byte(hostID >> 8)
	buf[6] = byte(hostID >> 16)
	buf[7] = byte(hostID >> 24)
	buf[8] = byte(maskID)
	buf[9] = byte(maskID >> 8)
	buf[10] = byte(maskID >> 16)
	buf[11] = byte(maskID >> 24)
	h.Write(buf[:])
	h.WriteString(recipient)
	h.Write([]byte{0})
	for _, o := range options {
		h.WriteString(o)
		h.Write([]byte{0})
	}
	return fold64(h.Sum64())
}
