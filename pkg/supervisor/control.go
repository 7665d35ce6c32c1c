package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/region"
)

// CheckActive classifies the state of the AFD owning workDir.
func CheckActive(workDir string, timeout time.Duration) (active.HeartbeatResult, error) {
	l := Layout{WorkDir: workDir}
	return active.CheckHeartbeat(l.ActivePath(), timeout)
}

// Shutdown stops a running supervisor from the outside. It marks the
// shared shutdown byte, sends the fifo command and waits for the
// active file to disappear. A supervisor that does not leave within
// the deadline is signalled directly, first politely, then not.
func Shutdown(workDir string, deadline time.Duration) error {
	l := Layout{WorkDir: workDir}

	t, err := active.Attach(l.ActivePath(), region.ReadWrite)
	if err != nil {
		if err == region.ErrNotPresent {
			return ErrNotActive
		}
		return err
	}
	pid := t.PID(active.RoleInit)
	t.MarkShutdown()
	t.Detach()

	// Best effort; the shutdown byte alone suffices when the fifo
	// reader is gone.
	_ = SendCommand(workDir, CmdShutdown)

	if WaitGone(workDir, deadline) {
		return nil
	}
	if pid > 0 {
		_ = syscall.Kill(pid, syscall.SIGINT)
		if WaitGone(workDir, 5*time.Second) {
			return nil
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	// A killed supervisor leaves its active file behind.
	_ = os.Remove(l.ActivePath())
	if WaitGone(workDir, time.Second) {
		return nil
	}
	return fmt.Errorf("supervisor (pid %d) did not terminate", pid)
}

// RequestShutdown sets the shared shutdown byte without waiting. The
// supervisor observes it on its next beat.
func RequestShutdown(workDir string) error {
	l := Layout{WorkDir: workDir}
	t, err := active.Attach(l.ActivePath(), region.ReadWrite)
	if err != nil {
		if err == region.ErrNotPresent {
			return ErrNotActive
		}
		return err
	}
	defer t.Detach()
	t.MarkShutdown()
	return nil
}

// ShutdownAll is Shutdown extended to every registered daemon: any
// pid still in the process registry after the supervisor left gets a
// SIGTERM.
func ShutdownAll(workDir string, deadline time.Duration) error {
	l := Layout{WorkDir: workDir}

	var pids []int
	if t, err := active.Attach(l.ActivePath(), region.ReadOnly); err == nil {
		for role := active.Role(0); role < active.RoleCount; role++ {
			if role == active.RoleInit {
				continue
			}
			if pid := t.PID(role); pid > 0 {
				pids = append(pids, pid)
			}
		}
		t.Detach()
	}

	if err := Shutdown(workDir, deadline); err != nil {
		return err
	}
	for _, pid := range pids {
		if syscall.Kill(pid, 0) == nil {
			_ = syscall.Kill(pid, syscall.SIGTERM)
		}
	}
	return nil
}

// MarkSvcManaged hands lifecycle control of a running AFD to an
// external service manager.
func MarkSvcManaged(workDir string) error {
	l := Layout{WorkDir: workDir}
	t, err := active.Attach(l.ActivePath(), region.ReadWrite)
	if err != nil {
		if err == region.ErrNotPresent {
			return ErrNotActive
		}
		return err
	}
	defer t.Detach()
	t.MarkSvcManaged()
	return nil
}

// BlockAutoRestart drops the block file that keeps every front end
// from starting this AFD until the block is lifted.
func BlockAutoRestart(workDir string) error {
	l := Layout{WorkDir: workDir}
	if err := os.MkdirAll(l.EtcDir(), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.BlockFile(), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// UnblockAutoRestart lifts the start block.
func UnblockAutoRestart(workDir string) error {
	err := os.Remove(Layout{WorkDir: workDir}.BlockFile())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
