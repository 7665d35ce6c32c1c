package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/afdd"
	"github.com/afd-project/afd/pkg/config"
	"github.com/afd-project/afd/pkg/fra"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/msa"
	"github.com/afd-project/afd/pkg/region"
	"github.com/afd-project/afd/pkg/supervisor"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `afdd - AFD peer control server

Serves status samples and log streams of the local AFD to remote
monitor agents.

Usage:
  afdd [flags]

Flags:
  -w DIR         Working directory (overrides the configuration)
  --port PORT    Listen port (overrides the configuration)
  --config PATH  Configuration file (default: $XDG_CONFIG_HOME/afd/config.yaml)
  --version      Show version information
`

func main() {
	var (
		workDir    string
		port       int
		configFile string
	)
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--version", "-v":
			fmt.Printf("afdd %s (commit: %s, built: %s)\n", version, commit, date)
			return
		case "--help":
			fmt.Print(usage)
			return
		case "-w":
			i++
			if i >= len(args) {
				fatalUsage("-w requires an argument")
			}
			workDir = args[i]
		case "--port":
			i++
			if i >= len(args) {
				fatalUsage("--port requires an argument")
			}
			if _, err := fmt.Sscanf(args[i], "%d", &port); err != nil {
				fatalUsage("bad port %q", args[i])
			}
		case "--config":
			i++
			if i >= len(args) {
				fatalUsage("--config requires an argument")
			}
			configFile = args[i]
		default:
			fatalUsage("unknown flag %q", args[i])
		}
	}

	cfg, err := config.MustLoad(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "afdd: %v\n", err)
		os.Exit(1)
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	if port == 0 {
		port = config.DefaultServerPort
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "afdd: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, port))
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "afdd: "+format+"\n\n", a...)
	fmt.Fprint(os.Stderr, usage)
	os.Exit(1)
}

func run(cfg *config.Config, port int) int {
	l := supervisor.Layout{WorkDir: cfg.WorkDir}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error("listen failed", logger.Err(err))
		return 1
	}

	srv := afdd.New(afdd.Config{
		Source: func() afdd.Stat { return sampleStat(l) },
		LogDir: l.LogDir(),
		OnGotLC: func(remote string) {
			logger.Info("monitor acknowledged log capabilities",
				logger.Peer(remote))
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Register in the active table so a shutdown --all reaches us.
	// A missing table just means the supervisor is not running yet.
	if tab, err := active.Attach(l.ActivePath(), region.ReadWrite); err == nil {
		tab.WritePID(active.RoleAFDD, os.Getpid())
		defer func() {
			tab.ClearPID(active.RoleAFDD)
			tab.Detach()
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.SetShuttingDown()
		srv.Close()
	}()

	logger.Info("afdd listening", "version", version, "port", port,
		"work_dir", cfg.WorkDir)
	srv.Serve(ln)
	srv.Close()
	logger.Info("afdd terminated")
	return 0
}

// sampleStat folds the shared regions into one status sample. The
// regions are attached per sample so a reinitialized AFD is picked up
// without restarting afdd.
func sampleStat(l supervisor.Layout) afdd.Stat {
	var st afdd.Stat

	if f, err := fsa.Attach(l.FSAPath(), region.ReadOnly); err == nil {
		for i := range f.Hosts {
			e := &f.Hosts[i]
			st.NoOfTransfers += e.ActiveTransfers
			st.JobsInQueue += e.TotalFilesQueued
			st.HostErrorCounter += e.ErrorCounter
		}
		f.Detach()
	}

	if r, err := fra.Attach(l.FRAPath(), region.ReadOnly); err == nil {
		for i := range r.Dirs {
			e := &r.Dirs[i]
			st.FilesReceived += e.FilesReceived
			st.BytesReceived += e.BytesReceived
		}
		r.Detach()
	}

	st.LogCapabilities = logCapabilities(l.LogDir())
	return st
}

// logCapabilities reports a capability bit per log file that actually
// exists, in stream order.
func logCapabilities(logDir string) uint32 {
	var caps uint32
	for i, kind := range afdd.StreamKinds {
		name := afdd.LogFileName(kind)
		if name == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(logDir, name)); err == nil {
			caps |= msa.CapSystemLog << i
		}
	}
	return caps
}
