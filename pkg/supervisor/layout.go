// Package supervisor implements the AFD lifecycle: region creation,
// the process registry, the command fifo, directory ingest and the
// transfer worker queue.
package supervisor

import (
	"os"
	"path/filepath"

	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/fra"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/jid"
	"github.com/afd-project/afd/pkg/msa"
)

// Fixed names below the working directory.
const (
	FifoDirName      = "fifodir"
	EtcDirName       = "etc"
	MsgDirName       = "messages"
	OutgoingDirName  = "files/outgoing"
	IncomingDirName  = "files/incoming"
	ArchiveDirName   = "archive"
	LogDirName       = "log"
	CRCDirName       = "crc"
	LSDataDirName    = "ls_data"
	CounterDirName   = "counter"
	StatisticDirName = "statistics"

	CmdFifoName   = "AFD_CMD_FIFO"
	BlockFileName = "NO_AUTO_RESTART"
)

// Layout resolves paths below one AFD working directory.
type Layout struct {
	WorkDir string
}

func (l Layout) FifoDir() string      { return filepath.Join(l.WorkDir, FifoDirName) }
func (l Layout) EtcDir() string       { return filepath.Join(l.WorkDir, EtcDirName) }
func (l Layout) MsgDir() string       { return filepath.Join(l.WorkDir, MsgDirName) }
func (l Layout) OutgoingDir() string  { return filepath.Join(l.WorkDir, OutgoingDirName) }
func (l Layout) IncomingDir() string  { return filepath.Join(l.WorkDir, IncomingDirName) }
func (l Layout) ArchiveDir() string   { return filepath.Join(l.WorkDir, ArchiveDirName) }
func (l Layout) LogDir() string       { return filepath.Join(l.WorkDir, LogDirName) }
func (l Layout) CRCDir() string       { return filepath.Join(l.WorkDir, CRCDirName) }
func (l Layout) LSDataDir() string    { return filepath.Join(l.WorkDir, LSDataDirName) }
func (l Layout) CounterDir() string   { return filepath.Join(l.WorkDir, CounterDirName) }
func (l Layout) StatisticDir() string { return filepath.Join(l.WorkDir, StatisticDirName) }

func (l Layout) ActivePath() string { return filepath.Join(l.FifoDir(), active.FileName) }
func (l Layout) FSAPath() string    { return filepath.Join(l.FifoDir(), fsa.FileName) }
func (l Layout) FRAPath() string    { return filepath.Join(l.FifoDir(), fra.FileName) }
func (l Layout) MSAPath() string    { return filepath.Join(l.FifoDir(), msa.FileName) }
func (l Layout) JIDPath() string    { return filepath.Join(l.FifoDir(), jid.FileName) }
func (l Layout) DNBPath() string    { return filepath.Join(l.FifoDir(), jid.DNBFileName) }
func (l Layout) FMDPath() string    { return filepath.Join(l.FifoDir(), jid.FMDFileName) }
func (l Layout) DCLPath() string    { return filepath.Join(l.FifoDir(), jid.DCLFileName) }

func (l Layout) CmdFifo() string   { return filepath.Join(l.FifoDir(), CmdFifoName) }
func (l Layout) BlockFile() string { return filepath.Join(l.EtcDir(), BlockFileName) }

// EnsureDirs creates the directory tree the daemons expect.
func (l Layout) EnsureDirs() error {
	for _, d := range []string{
		l.FifoDir(), l.EtcDir(), l.MsgDir(), l.OutgoingDir(), l.IncomingDir(),
		l.ArchiveDir(), l.LogDir(), l.CRCDir(), l.LSDataDir(), l.CounterDir(),
		l.StatisticDir(),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Blocked reports whether the admin block file is present.
func (l Layout) Blocked() bool {
	_, err := os.Stat(l.BlockFile())
	return err == nil
}
