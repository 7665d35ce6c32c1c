// Package fsa implements the Filetransfer Status Area, the shared
// region holding per-host transfer state. The supervisor creates it
// from the host configuration; transfer workers own one job slot each
// and the admin tools mutate host status bits.
package fsa

import (
	"unsafe"

	"github.com/afd-project/afd/pkg/region"
)

// Version is the FSA on-disk ABI version. Changing Entry or JobStatus
// requires bumping it.
const Version = 1

// FileName is the region file name below the fifo directory.
const FileName = "FSA"

// Limits baked into the record layout.
const (
	MaxHostAliasLength    = 39
	MaxRealHostnameLength = 69
	MaxFilenameLength     = 127
	MaxMsgNameLength      = 39
	MaxTransfers          = 8
)

// Advisory lock offsets within the region header. The bytes fall
// inside the header's creator-hostname field, which is harmless: fcntl
// range locks are coordination points, not storage, and all lockers
// agree on the offsets.
const (
	LockCon = 32 // connection accounting (connections, connect status)
	LockFiu = 33 // file-in-use advertisement scan
)

// Debug levels stored in Entry.DebugLevel.
const (
	NormalMode byte = iota
	DebugMode
	TraceMode
	FullTraceMode
)

// Protocol bits in Entry.Protocol.
const (
	ProtoFTP uint32 = 1 << iota
	ProtoFTPS
	ProtoSFTP
	ProtoHTTP
	ProtoSMTP
	ProtoLOC
)

// Host status bits in Entry.HostStatus.
const (
	StatusDisabled uint32 = 1 << iota
	StatusStopped
	StatusPauseQueue
	StatusAutoPauseQueue
	StatusErrorOffline
	StatusErrorAcknowledged
	StatusErrorQueueSet
	StatusSimulateSend
	StatusWarnTimeReached
	StatusStoreIP
	StatusKeepConnectedDisconnect
	StatusStatKeepalive
	StatusFastCD
	StatusFastMove
	StatusCheckSize
	StatusMatchRemoteSize
	StatusIgnoreBinary
	StatusTimeoutTransfer
	StatusUseStatList
	StatusSetIdle
	StatusUseUTF8
	StatusSendUTF8On
)

// Connect status values in JobStatus.ConnectStatus.
const (
	NotWorking uint32 = iota
	Connecting
	Connected
	TransferActive
	Disconnected
)

// FileSizeOffset special values. Non-negative values index the
// whitespace-separated field of a LIST line holding the size.
const (
	SizeOffsetNone int8 = -2
	SizeOffsetAuto int8 = -1 // use the SIZE command
)

// JobStatus is the per-slot transfer state inside an FSA entry. One
// transfer worker owns one slot for its lifetime; ownership is the
// worker pid stored in PID.
type JobStatus struct {
	FileSize          int64
	FileSizeDone      int64
	FileSizeInUse     int64
	FileSizeInUseDone int64
	BytesSend         uint64

	JobID         uint32
	ConnectStatus uint32
	NoOfFiles     int32
	NoOfFilesDone int32
	PID           int32

	FileNameInUse [MaxFilenameLength + 1]byte
	UniqueName    [MaxMsgNameLength + 1]byte

	_ [4]byte
}

// Entry is one host record of the FSA.
type Entry struct {
	TRLPerProcess    int64 // transfer rate limit per worker, bytes/s
	TotalFileSize    int64 // bytes queued for this host
	StartEventHandle int64
	EndEventHandle   int64
	LastConnection   int64
	WarnTime         int64

	Protocol         uint32
	ProtocolOptions  uint32
	HostStatus       uint32
	SpecialFlag      uint32
	HostID           uint32 // hash of the host alias
	Port             int32
	AllowedTransfers int32
	MaxErrors        int32
	ErrorCounter     int32
	RetryInterval    int32
	BlockSize        int32
	TotalFilesQueued int32
	Connections      int32
	ActiveTransfers  int32
	TransferTimeout  int32
	KeepConnected    int32

	Job [MaxTransfers]JobStatus

	HostAlias    [MaxHostAliasLength + 1]byte
	RealHostname [2][MaxRealHostnameLength + 1]byte

	HostToggle     byte // index of the live real hostname, 0 or 1
	AutoToggle     byte // nonzero when failover may flip HostToggle
	OriginalToggle byte
	DebugLevel     byte
	FileSizeOffset int8

	_ [7]byte
}

// EntrySize is the on-disk record size; part of the ABI.
const EntrySize = 2160

var _ [EntrySize]byte = [unsafe.Sizeof(Entry{})]byte{}
var _ [232]byte = [unsafe.Sizeof(JobStatus{})]byte{}

// FSA is an attached Filetransfer Status Area.
type FSA struct {
	r     *region.Region
	Hosts []Entry
}

// Create builds a new FSA with room for count hosts. Supervisor only.
func Create(path string, count int) (*FSA, error) {
	r, err := region.Create(path, Version, EntrySize, count)
	if err != nil {
		return nil, err
	}
	return &FSA{r: r, Hosts: region.View[Entry](r)}, nil
}

// Attach maps an existing FSA.
func Attach(path string, mode region.Mode) (*FSA, error) {
	r, err := region.Attach(path, Version, EntrySize, mode)
	if err != nil {
		return nil, err
	}
	return &FSA{r: r, Hosts: region.View[Entry](r)}, nil
}

// Detach unmaps the FSA.
func (f *FSA) Detach() error { return f.r.Detach() }

// Region exposes the underlying region for header access and locking.
func (f *FSA) Region() *region.Region { return f.r }

// PosOfHost returns the index of the host with the given alias, or -1.
func (f *FSA) PosOfHost(alias string) int {
	for i := range f.Hosts {
		if f.Hosts[i].Alias() == alias {
			return i
		}
	}
	return -1
}

// entryLockOffset returns a lock offset unique to the host entry, used
// for the short counter-update critical sections.
func (f *FSA) entryLockOffset(pos int) int64 {
	return int64(region.WordOffset + pos*EntrySize)
}

// LockEntry takes the per-entry advisory lock.
func (f *FSA) LockEntry(pos int) error { return f.r.LockRange(f.entryLockOffset(pos)) }

// UnlockEntry releases the per-entry advisory lock.
func (f *FSA) UnlockEntry(pos int) error { return f.r.UnlockRange(f.entryLockOffset(pos)) }

// AddTransferred updates the queued totals of host pos by deltaFiles
// and deltaBytes inside a short per-entry critical section.
func (f *FSA) AddTransferred(pos int, deltaFiles int32, deltaBytes int64) error {
	return f.r.WithLock(f.entryLockOffset(pos), func() error {
		e := &f.Hosts[pos]
		e.TotalFilesQueued += deltaFiles
		e.TotalFileSize += deltaBytes
		if e.TotalFilesQueued < 0 {
			e.TotalFilesQueued = 0
		}
		if e.TotalFileSize < 0 {
			e.TotalFileSize = 0
		}
		return nil
	})
}

// WithConnLock runs fn under LOCK_CON, the connection accounting lock.
func (f *FSA) WithConnLock(fn func() error) error {
	return f.r.WithLock(LockCon, fn)
}

// WithFiuLock runs fn under LOCK_FIU, the file-in-use advertisement
// lock.
func (f *FSA) WithFiuLock(fn func() error) error {
	return f.r.WithLock(LockFiu, fn)
}

// Alias returns the host alias.
func (e *Entry) Alias() string { return region.CStr(e.HostAlias[:]) }

// SetAlias stores the host alias.
func (e *Entry) SetAlias(s string) { region.SetCStr(e.HostAlias[:], s) }

// CurrentRealHostname returns the real hostname selected by the
// toggle byte.
func (e *Entry) CurrentRealHostname() string {
	i := e.HostToggle
	if i > 1 {
		i = 0
	}
	return region.CStr(e.RealHostname[i][:])
}

// SetRealHostname stores the real hostname for toggle slot i (0 or 1).
func (e *Entry) SetRealHostname(i int, s string) {
	region.SetCStr(e.RealHostname[i][:], s)
}

// Toggle flips the live real hostname. Only meaningful when a second
// real hostname is configured.
func (e *Entry) Toggle() {
	if region.CStr(e.RealHostname[1][:]) == "" {
		return
	}
	e.HostToggle ^= 1
}

// HasSecondHost reports whether a secondary real hostname exists.
func (e *Entry) HasSecondHost() bool {
	return region.CStr(e.RealHostname[1][:]) != ""
}

// HasStatus reports whether all given status bits are set.
func (e *Entry) HasStatus(bits uint32) bool { return e.HostStatus&bits == bits }

// SetStatus sets the given host status bits.
func (e *Entry) SetStatus(bits uint32) { e.HostStatus |= bits }

// ClearStatus clears the given host status bits.
func (e *Entry) ClearStatus(bits uint32) { e.HostStatus &^= bits }

// FileNameInUseStr returns the advertised in-transfer file name.
func (j *JobStatus) FileNameInUseStr() string { return region.CStr(j.FileNameInUse[:]) }

// SetFileNameInUse advertises the file currently being transferred.
func (j *JobStatus) SetFileNameInUse(s string) { region.SetCStr(j.FileNameInUse[:], s) }

// UniqueNameStr returns the unique run name of the batch in this slot.
func (j *JobStatus) UniqueNameStr() string { return region.CStr(j.UniqueName[:]) }

// SetUniqueName stores the unique run name.
func (j *JobStatus) SetUniqueName(s string) { region.SetCStr(j.UniqueName[:], s) }

// Reset clears the per-transfer fields of a slot. Called by the worker
// exit path so readers never see a stuck transfer.
func (j *JobStatus) Reset() {
	j.FileSizeInUse = 0
	j.FileSizeInUseDone = 0
	j.ConnectStatus = NotWorking
	j.PID = 0
	j.SetFileNameInUse("")
	j.SetUniqueName("")
}
