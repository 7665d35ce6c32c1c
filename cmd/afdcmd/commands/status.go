package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/afd-project/afd/internal/cli/output"
	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/region"
	"github.com/afd-project/afd/pkg/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the AFD instance",
	RunE:  runStatus,
}

// Status is the serializable status report.
type Status struct {
	WorkDir   string       `json:"work_dir" yaml:"work_dir"`
	State     string       `json:"state" yaml:"state"`
	Hostname  string       `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Heartbeat string       `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	Blocked   bool         `json:"blocked" yaml:"blocked"`
	Daemons   []DaemonInfo `json:"daemons,omitempty" yaml:"daemons,omitempty"`
}

// DaemonInfo is one registered process.
type DaemonInfo struct {
	Role string `json:"role" yaml:"role"`
	PID  int    `json:"pid" yaml:"pid"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	l := layout()
	hb, err := supervisor.CheckActive(l.WorkDir, supervisor.HeartbeatTimeout)
	if err != nil {
		return err
	}

	st := Status{
		WorkDir: l.WorkDir,
		State:   hb.String(),
		Blocked: l.Blocked(),
	}

	if t, err := active.Attach(l.ActivePath(), region.ReadOnly); err == nil {
		st.Hostname = t.Region().Hostname()
		last := t.Procs[active.RoleInit].Heartbeat
		if last > 0 {
			st.Heartbeat = time.Since(time.Unix(last, 0)).Truncate(time.Second).String() + " ago"
		}
		for role := active.Role(0); role < active.RoleCount; role++ {
			if pid := t.PID(role); pid > 0 {
				st.Daemons = append(st.Daemons, DaemonInfo{Role: role.String(), PID: pid})
			}
		}
		t.Detach()
	}

	format, err := output.ParseFormat(flags.output)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.Print(os.Stdout, format, st)
	}

	pairs := [][2]string{
		{"Work dir", st.WorkDir},
		{"State", st.State},
		{"Blocked", strconv.FormatBool(st.Blocked)},
	}
	if st.Hostname != "" {
		pairs = append(pairs, [2]string{"Host", st.Hostname})
	}
	if st.Heartbeat != "" {
		pairs = append(pairs, [2]string{"Heartbeat", st.Heartbeat})
	}
	for _, d := range st.Daemons {
		pairs = append(pairs, [2]string{d.Role, fmt.Sprintf("pid %d", d.PID)})
	}
	return output.SimpleTable(os.Stdout, pairs)
}
