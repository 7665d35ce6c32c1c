package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/afd-project/afd/pkg/jid"
	"github.com/afd-project/afd/pkg/region"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the registered distribution jobs",
	RunE:  runJobs,
}

// JobInfo is one job row. Passwords embedded in recipient URLs are
// masked.
type JobInfo struct {
	JobID     string `json:"job_id" yaml:"job_id"`
	Recipient string `json:"recipient" yaml:"recipient"`
	Priority  byte   `json:"priority" yaml:"priority"`
	Options   int    `json:"options" yaml:"options"`
	Created   string `json:"created" yaml:"created"`
}

// JobList renders jobs as a table.
type JobList []JobInfo

func (jl JobList) Headers() []string {
	return []string{"JOB ID", "RECIPIENT", "PRIORITY", "OPTIONS", "CREATED"}
}

func (jl JobList) Rows() [][]string {
	rows := make([][]string, 0, len(jl))
	for _, j := range jl {
		rows = append(rows, []string{
			j.JobID, j.Recipient,
			strconv.Itoa(int(j.Priority)), strconv.Itoa(j.Options),
			j.Created,
		})
	}
	return rows
}

func runJobs(cmd *cobra.Command, args []string) error {
	db, err := jid.Attach(layout().JIDPath(), region.ReadOnly)
	if err != nil {
		if err == region.ErrNotPresent {
			return fmt.Errorf("no job database below %s (is AFD initialized?)", workDir())
		}
		return err
	}
	defer db.Detach()

	jobs := make(JobList, 0, db.Len())
	for i := range db.Jobs {
		j := &db.Jobs[i]
		jobs = append(jobs, JobInfo{
			JobID:     fmt.Sprintf("%08x", j.JobID),
			Recipient: maskPassword(j.RecipientURL()),
			Priority:  j.Priority,
			Options:   int(j.NoOfLocalOptions),
			Created:   time.Unix(j.CreationTime, 0).Format(time.RFC3339),
		})
	}
	return printOut(jobs)
}

func maskPassword(recipient string) string {
	u, err := url.Parse(recipient)
	if err != nil || u.User == nil {
		return recipient
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxx")
		// url.String escapes the mask; keep it readable.
		return strings.Replace(u.String(), "xxx", "***", 1)
	}
	return recipient
}
