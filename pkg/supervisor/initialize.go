package supervisor

import (
	"fmt"
	"os"

	"github.com/afd-project/afd/pkg/active"
)

// MaxInitLevel is the deepest re-initialization level.
const MaxInitLevel = 9

// InitTargets lists what each level removes on top of the previous
// one. Level N removes the targets of every level up to and including
// N, so higher levels discard progressively more history.
func (l Layout) InitTargets(level int) []string {
	var out []string
	add := func(lv int, paths ...string) {
		if level >= lv {
			out = append(out, paths...)
		}
	}
	add(1, l.ActivePath(), l.CmdFifo())
	add(2, l.FSAPath(), l.FRAPath(), l.MSAPath())
	add(3, l.JIDPath(), l.DNBPath(), l.FMDPath(), l.DCLPath())
	add(4, l.CRCDir())
	add(5, l.LSDataDir())
	add(6, l.CounterDir())
	add(7, l.MsgDir())
	add(8, l.OutgoingDir(), l.IncomingDir())
	add(9, l.StatisticDir(), l.ArchiveDir())
	return out
}

// Initialize removes state files of the AFD in workDir up to the given
// level. It refuses while an AFD is active or unaccounted for; a crash
// remnant does not count. With dryRun set nothing is removed and the
// doomed paths are returned instead.
func Initialize(workDir string, level int, dryRun bool) ([]string, error) {
	if level < 1 || level > MaxInitLevel {
		return nil, fmt.Errorf("initialize: level %d out of range 1..%d", level, MaxInitLevel)
	}
	l := Layout{WorkDir: workDir}

	hb, err := active.CheckHeartbeat(l.ActivePath(), HeartbeatTimeout)
	if err != nil {
		return nil, err
	}
	switch hb {
	case active.NotActive, active.NotResponding:
	default:
		return nil, ErrAlreadyActive
	}

	targets := l.InitTargets(level)
	var removed []string
	for _, p := range targets {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		removed = append(removed, p)
		if dryRun {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
