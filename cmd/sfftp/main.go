// sfftp is the FTP transfer worker spawned by the AFD supervisor: it
// attaches the shared status areas, reads the message file of its job
// and moves the spooled files to the remote host, reporting through
// its FSA slot and the record logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/msgfile"
	"github.com/afd-project/afd/pkg/region"
	"github.com/afd-project/afd/pkg/supervisor"
	"github.com/afd-project/afd/pkg/worker"
)

const renameRuleFile = "rename.rule"

func main() {
	workDir := flag.String("w", "", "AFD working directory")
	msgName := flag.String("m", "", "message name of the batch")
	spoolDir := flag.String("d", "", "spool directory holding the files")
	jobID := flag.Uint("j", 0, "job id")
	pos := flag.Int("p", -1, "host position in the FSA")
	slot := flag.Int("s", 0, "job slot inside the host entry")
	retries := flag.Int("r", 0, "retry count of this batch")
	flag.Parse()

	if *workDir == "" || *spoolDir == "" || *pos < 0 {
		fmt.Fprintln(os.Stderr, "sfftp: -w, -d and -p are required")
		os.Exit(worker.ExitSyntaxError)
	}

	level := os.Getenv("AFD_LOGGING_LEVEL")
	if level == "" {
		level = "info"
	}
	logger.InitWithWriter(os.Stderr, level, "text", false)

	os.Exit(run(*workDir, *msgName, *spoolDir,
		uint32(*jobID), *pos, *slot, *retries))
}

func run(workDir, msgName, spoolDir string, jobID uint32, pos, slot, retries int) int {
	l := supervisor.Layout{WorkDir: workDir}

	f, err := fsa.Attach(l.FSAPath(), region.ReadWrite)
	if err != nil {
		logger.Error("cannot attach FSA", logger.Err(err))
		return worker.ExitSyntaxError
	}
	defer f.Detach()
	if pos >= len(f.Hosts) || slot < 0 || slot >= fsa.MaxTransfers {
		logger.Error("position out of range", "pos", pos, "slot", slot)
		return worker.ExitSyntaxError
	}

	msgPath := filepath.Join(l.MsgDir(), strconv.FormatUint(uint64(jobID), 10))
	msg, err := msgfile.Read(msgPath)
	if err != nil {
		logger.Error("cannot read message file",
			logger.File(msgPath), logger.Err(err))
		return worker.ExitSyntaxError
	}

	w := &worker.Worker{
		FSA:         f,
		Pos:         pos,
		Slot:        slot,
		ArchiveBase: l.ArchiveDir(),
	}

	// The flag is set from the signal handler and only polled from the
	// transfer loop, so cleanup happens on the main path.
	var killed atomic.Bool
	w.Killed = killed.Load
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		killed.Store(true)
	}()

	if msg.Options.DupCheck.Timeout > 0 {
		dup, err := worker.OpenDupStore(l.CRCDir())
		if err != nil {
			logger.Warn("duplicate store unavailable", logger.Err(err))
		} else {
			w.Dup = dup
			defer dup.Close()
		}
	}
	if out, err := worker.OpenRecordLog(l.LogDir(), worker.OutputLogFile); err == nil {
		w.Out = out
		defer out.Close()
	}
	if del, err := worker.OpenRecordLog(l.LogDir(), worker.DeleteLogFile); err == nil {
		w.Del = del
		defer del.Close()
	}
	if rules, err := worker.LoadRenameRules(filepath.Join(l.EtcDir(), renameRuleFile)); err == nil {
		w.Rules = rules
	} else {
		logger.Warn("rename rules not loaded", logger.Err(err))
	}

	batch := &worker.Batch{
		Dir:     spoolDir,
		MsgName: msgName,
		Msg:     msg,
		JobID:   jobID,
		Retries: retries,
	}

	start := time.Now()
	runErr := w.Run(context.Background(), batch, nil)

	alias := f.Hosts[pos].Alias()
	if runErr != nil {
		code := worker.ExitCodeOf(runErr)
		logger.Error("batch failed", logger.Host(alias),
			logger.JobID(jobID), "code", code,
			logger.Duration(start), logger.Err(runErr))
		return code
	}
	logger.Info("batch done", logger.Host(alias),
		logger.JobID(jobID), logger.Duration(start))
	return worker.ExitSuccess
}
