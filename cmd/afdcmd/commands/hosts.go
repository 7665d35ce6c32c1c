package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/region"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List hosts and their transfer state",
	RunE:  runHosts,
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Control a single host",
}

func init() {
	hostCmd.AddCommand(
		hostBitCmd("enable", "Clear the disabled state of a host",
			func(e *fsa.Entry) { e.ClearStatus(fsa.StatusDisabled) }),
		hostBitCmd("disable", "Disable a host entirely",
			func(e *fsa.Entry) { e.SetStatus(fsa.StatusDisabled) }),
		hostBitCmd("stop", "Stop starting new transfers to a host",
			func(e *fsa.Entry) { e.SetStatus(fsa.StatusStopped) }),
		hostBitCmd("start", "Resume transfers to a stopped host",
			func(e *fsa.Entry) { e.ClearStatus(fsa.StatusStopped) }),
		hostBitCmd("pause", "Pause the queue of a host",
			func(e *fsa.Entry) { e.SetStatus(fsa.StatusPauseQueue) }),
		hostBitCmd("resume", "Resume a paused or error-offline host",
			func(e *fsa.Entry) {
				e.ClearStatus(fsa.StatusPauseQueue | fsa.StatusAutoPauseQueue |
					fsa.StatusErrorOffline)
				e.ErrorCounter = 0
			}),
		hostBitCmd("toggle", "Switch between the primary and standby hostname",
			func(e *fsa.Entry) { e.Toggle() }),
	)
}

// hostBitCmd builds a control command that mutates one FSA entry under
// its lock.
func hostBitCmd(use, short string, apply func(*fsa.Entry)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ALIAS",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := attachFSA(region.ReadWrite)
			if err != nil {
				return err
			}
			defer f.Detach()

			pos := f.PosOfHost(args[0])
			if pos < 0 {
				return fmt.Errorf("no such host: %s", args[0])
			}
			if err := f.LockEntry(pos); err != nil {
				return err
			}
			apply(&f.Hosts[pos])
			if err := f.UnlockEntry(pos); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], use)
			return nil
		},
	}
}

// HostInfo is one host row of the listing.
type HostInfo struct {
	Alias      string `json:"alias" yaml:"alias"`
	Hostname   string `json:"hostname" yaml:"hostname"`
	Status     string `json:"status" yaml:"status"`
	Active     int32  `json:"active_transfers" yaml:"active_transfers"`
	Allowed    int32  `json:"allowed_transfers" yaml:"allowed_transfers"`
	Errors     int32  `json:"error_counter" yaml:"error_counter"`
	QueuedFile int32  `json:"files_queued" yaml:"files_queued"`
	QueuedSize int64  `json:"bytes_queued" yaml:"bytes_queued"`
}

// HostList renders hosts as a table.
type HostList []HostInfo

func (hl HostList) Headers() []string {
	return []string{"ALIAS", "HOSTNAME", "STATUS", "ACTIVE", "ALLOWED", "ERRORS", "QUEUED FILES", "QUEUED BYTES"}
}

func (hl HostList) Rows() [][]string {
	rows := make([][]string, 0, len(hl))
	for _, h := range hl {
		rows = append(rows, []string{
			h.Alias, h.Hostname, h.Status,
			strconv.Itoa(int(h.Active)), strconv.Itoa(int(h.Allowed)),
			strconv.Itoa(int(h.Errors)),
			strconv.Itoa(int(h.QueuedFile)),
			strconv.FormatInt(h.QueuedSize, 10),
		})
	}
	return rows
}

func runHosts(cmd *cobra.Command, args []string) error {
	f, err := attachFSA(region.ReadOnly)
	if err != nil {
		return err
	}
	defer f.Detach()

	hosts := make(HostList, 0, len(f.Hosts))
	for i := range f.Hosts {
		e := &f.Hosts[i]
		hosts = append(hosts, HostInfo{
			Alias:      e.Alias(),
			Hostname:   e.CurrentRealHostname(),
			Status:     hostStatusString(e.HostStatus),
			Active:     e.ActiveTransfers,
			Allowed:    e.AllowedTransfers,
			Errors:     e.ErrorCounter,
			QueuedFile: e.TotalFilesQueued,
			QueuedSize: e.TotalFileSize,
		})
	}
	return printOut(hosts)
}

func hostStatusString(bits uint32) string {
	var parts []string
	if bits&fsa.StatusDisabled != 0 {
		parts = append(parts, "disabled")
	}
	if bits&fsa.StatusStopped != 0 {
		parts = append(parts, "stopped")
	}
	if bits&fsa.StatusPauseQueue != 0 {
		parts = append(parts, "paused")
	}
	if bits&fsa.StatusAutoPauseQueue != 0 {
		parts = append(parts, "auto-paused")
	}
	if bits&fsa.StatusErrorOffline != 0 {
		parts = append(parts, "error-offline")
	}
	if len(parts) == 0 {
		return "online"
	}
	return strings.Join(parts, ",")
}
