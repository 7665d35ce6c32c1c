// Package active implements the AFD process registry: a small shared
// region mapping logical roles to OS process identifiers. Presence of
// a live pid is the liveness proof; the header additionally carries
// the hostname of the node that started AFD and the shared shutdown
// byte.
package active

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/afd-project/afd/pkg/region"
)

// Version is the active file ABI version.
const Version = 1

// FileName is the region file name below the fifo directory.
const FileName = "AFD_ACTIVE"

// Role indexes the fixed pid slots.
type Role int

const (
	RoleInit Role = iota // the supervisor itself
	RoleAMG
	RoleFD
	RoleArchiveWatch
	RoleStat
	RoleAFDD
	RoleMon
	RoleCount
)

var roleNames = [RoleCount]string{
	"init_afd", "amg", "fd", "archive_watch", "afd_stat", "afdd", "mon",
}

// String returns the process name of the role.
func (r Role) String() string {
	if r < 0 || r >= RoleCount {
		return "unknown"
	}
	return roleNames[r]
}

// ShutdownMark is the value written to the shared shutdown byte when a
// shutdown has been requested.
const ShutdownMark byte = 1

// Entry is one pid slot.
type Entry struct {
	Heartbeat int64 // unix seconds of the last supervisor heartbeat
	PID       int32
	_         [4]byte
}

// EntrySize is the on-disk record size.
const EntrySize = 16

var _ [EntrySize]byte = [unsafe.Sizeof(Entry{})]byte{}

// HeartbeatResult is the outcome of CheckHeartbeat.
type HeartbeatResult int

const (
	// NotActive means no active file exists; AFD is down.
	NotActive HeartbeatResult = iota
	// ActiveHere means AFD runs on this host and responds.
	ActiveHere
	// ActiveElsewhere means the active file names a different host.
	// With a shared filesystem this is not an error.
	ActiveElsewhere
	// NotResponding means the active file exists but the supervisor
	// heartbeat is older than the timeout.
	NotResponding
	// SupervisorManaged means the shutdown byte carries the mark of an
	// external service manager controlling the lifecycle.
	SupervisorManaged
)

func (h HeartbeatResult) String() string {
	switch h {
	case NotActive:
		return "not active"
	case ActiveHere:
		return "active"
	case ActiveElsewhere:
		return "active on other host"
	case NotResponding:
		return "not responding"
	case SupervisorManaged:
		return "managed by service supervisor"
	default:
		return "unknown"
	}
}

// svcManagedMark flags an externally managed lifecycle in the shutdown
// byte.
const svcManagedMark byte = 2

// Table is an attached process registry.
type Table struct {
	r     *region.Region
	Procs []Entry
}

// Create builds the active file, storing the local hostname in the
// header. Supervisor only.
func Create(path string) (*Table, error) {
	r, err := region.Create(path, Version, EntrySize, int(RoleCount))
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	r.SetHostname(host)
	return &Table{r: r, Procs: region.View[Entry](r)}, nil
}

// Attach maps an existing active file.
func Attach(path string, mode region.Mode) (*Table, error) {
	r, err := region.Attach(path, Version, EntrySize, mode)
	if err != nil {
		return nil, err
	}
	return &Table{r: r, Procs: region.View[Entry](r)}, nil
}

// Detach unmaps without removing the file.
func (t *Table) Detach() error { return t.r.Detach() }

// Remove detaches and deletes the active file. Done by the supervisor
// as the very last shutdown step; its disappearance is what shutdown
// pollers wait for.
func (t *Table) Remove() error {
	path := t.r.Path()
	if err := t.r.Detach(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Region exposes the underlying region (shutdown byte, hostname).
func (t *Table) Region() *region.Region { return t.r }

// WritePID stores the pid for a role.
func (t *Table) WritePID(role Role, pid int) {
	t.Procs[role].PID = int32(pid)
}

// ClearPID zeros the pid slot for a role.
func (t *Table) ClearPID(role Role) {
	t.Procs[role].PID = 0
}

// PID returns the stored pid for a role, 0 when unset.
func (t *Table) PID(role Role) int {
	return int(t.Procs[role].PID)
}

// Beat refreshes the supervisor heartbeat timestamp.
func (t *Table) Beat() {
	t.Procs[RoleInit].Heartbeat = time.Now().Unix()
}

// MarkShutdown sets the shared shutdown byte.
func (t *Table) MarkShutdown() { t.r.SetShutdownByte(ShutdownMark) }

// MarkSvcManaged flags the lifecycle as controlled by an external
// service manager. Front ends then refuse manual start and stop.
func (t *Table) MarkSvcManaged() { t.r.SetShutdownByte(svcManagedMark) }

// ShutdownRequested reports whether the shutdown mark is set.
func (t *Table) ShutdownRequested() bool { return t.r.ShutdownByte() == ShutdownMark }

// CheckHeartbeat inspects the active file at path and classifies the
// state of the AFD it belongs to.
func CheckHeartbeat(path string, timeout time.Duration) (HeartbeatResult, error) {
	t, err := Attach(path, region.ReadOnly)
	if err != nil {
		if err == region.ErrNotPresent {
			return NotActive, nil
		}
		return NotActive, err
	}
	defer t.Detach()

	if t.r.ShutdownByte() == svcManagedMark {
		return SupervisorManaged, nil
	}

	local, _ := os.Hostname()
	if stored := t.r.Hostname(); stored != "" && stored != local {
		return ActiveElsewhere, nil
	}

	pid := t.PID(RoleInit)
	if pid <= 0 {
		return NotResponding, nil
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return NotResponding, nil
	}

	last := time.Unix(t.Procs[RoleInit].Heartbeat, 0)
	if timeout > 0 && time.Since(last) > timeout {
		return NotResponding, nil
	}
	return ActiveHere, nil
}
