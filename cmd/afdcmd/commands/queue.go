package commands

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List the batches waiting in the outgoing spool",
	RunE:  runQueue,
}

// BatchInfo is one spooled batch. The message name encodes the job id
// as its first underscore-separated field.
type BatchInfo struct {
	MsgName string `json:"msg_name" yaml:"msg_name"`
	JobID   string `json:"job_id" yaml:"job_id"`
	Files   int    `json:"files" yaml:"files"`
	Bytes   int64  `json:"bytes" yaml:"bytes"`
	Age     string `json:"age" yaml:"age"`
}

// BatchList renders batches as a table.
type BatchList []BatchInfo

func (bl BatchList) Headers() []string {
	return []string{"MSG NAME", "JOB ID", "FILES", "BYTES", "AGE"}
}

func (bl BatchList) Rows() [][]string {
	rows := make([][]string, 0, len(bl))
	for _, b := range bl {
		rows = append(rows, []string{
			b.MsgName, b.JobID,
			strconv.Itoa(b.Files), strconv.FormatInt(b.Bytes, 10), b.Age,
		})
	}
	return rows
}

func runQueue(cmd *cobra.Command, args []string) error {
	out := layout().OutgoingDir()
	ents, err := os.ReadDir(out)
	if err != nil {
		if os.IsNotExist(err) {
			return printOut(BatchList{})
		}
		return err
	}

	now := time.Now()
	batches := make(BatchList, 0, len(ents))
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		jobID, _, _ := strings.Cut(ent.Name(), "_")

		var files int
		var bytes int64
		if fents, err := os.ReadDir(filepath.Join(out, ent.Name())); err == nil {
			for _, fe := range fents {
				if fi, err := fe.Info(); err == nil && !fi.IsDir() {
					files++
					bytes += fi.Size()
				}
			}
		}

		age := ""
		if fi, err := ent.Info(); err == nil {
			age = now.Sub(fi.ModTime()).Truncate(time.Second).String()
		}
		batches = append(batches, BatchInfo{
			MsgName: ent.Name(),
			JobID:   jobID,
			Files:   files,
			Bytes:   bytes,
			Age:     age,
		})
	}
	return printOut(batches)
}
