package commands

import (
	"strconv"

	"github.com/spf13/cobra"
)

var dirsCmd = &cobra.Command{
	Use:   "dirs",
	Short: "List watched directories and their ingest counters",
	RunE:  runDirs,
}

// DirInfo is one directory row.
type DirInfo struct {
	Alias string `json:"alias" yaml:"alias"`
	Files int64  `json:"files_received" yaml:"files_received"`
	Bytes int64  `json:"bytes_received" yaml:"bytes_received"`
}

// DirList renders directories as a table.
type DirList []DirInfo

func (dl DirList) Headers() []string {
	return []string{"ALIAS", "FILES RECEIVED", "BYTES RECEIVED"}
}

func (dl DirList) Rows() [][]string {
	rows := make([][]string, 0, len(dl))
	for _, d := range dl {
		rows = append(rows, []string{
			d.Alias,
			strconv.FormatInt(d.Files, 10),
			strconv.FormatInt(d.Bytes, 10),
		})
	}
	return rows
}

func runDirs(cmd *cobra.Command, args []string) error {
	r, err := attachFRA()
	if err != nil {
		return err
	}
	defer r.Detach()

	dirs := make(DirList, 0, len(r.Dirs))
	for i := range r.Dirs {
		e := &r.Dirs[i]
		dirs = append(dirs, DirInfo{
			Alias: e.Alias(),
			Files: e.FilesReceived,
			Bytes: e.BytesReceived,
		})
	}
	return printOut(dirs)
}
