package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/afdd"
	"github.com/afd-project/afd/pkg/config"
	"github.com/afd-project/afd/pkg/metrics"
	"github.com/afd-project/afd/pkg/monitor"
	"github.com/afd-project/afd/pkg/monitor/logmon"
	"github.com/afd-project/afd/pkg/msa"
	"github.com/afd-project/afd/pkg/region"
	"github.com/afd-project/afd/pkg/supervisor"

	// Import prometheus metrics to register init() functions
	_ "github.com/afd-project/afd/pkg/metrics/prometheus"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `afdmon - AFD monitor agent

Watches the remote AFD instances listed in the monitor section of the
configuration: one control session per peer, plus a log stream mirror
once a peer announces log capabilities.

Usage:
  afdmon [flags]

Flags:
  -w DIR         Working directory (overrides the configuration)
  --config PATH  Configuration file (default: $XDG_CONFIG_HOME/afd/config.yaml)
  --version      Show version information
`

func main() {
	var (
		workDir    string
		configFile string
	)
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--version", "-v":
			fmt.Printf("afdmon %s (commit: %s, built: %s)\n", version, commit, date)
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
		fmt.Fprintf(os.Stderr, "afdmon: %v\n", err)
		os.Exit(1)
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "afdmon: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if len(cfg.Monitor.Peers) == 0 {
		fmt.Fprintln(os.Stderr, "afdmon: no peers configured")
		os.Exit(1)
	}

	os.Exit(run(cfg))
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "afdmon: "+format+"\n\n", a...)
	fmt.Fprint(os.Stderr, usage)
	os.Exit(1)
}

func run(cfg *config.Config) int {
	l := supervisor.Layout{WorkDir: cfg.WorkDir}
	if err := l.EnsureDirs(); err != nil {
		logger.Error("cannot create working directories", logger.Err(err))
		return 1
	}

	m, err := msa.Create(l.MSAPath(), len(cfg.Monitor.Peers))
	if err != nil {
		logger.Error("cannot create MSA", logger.Err(err))
		return 1
	}
	defer m.Detach()
	for i, pc := range cfg.Monitor.Peers {
		fillEntry(&m.Peers[i], pc)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Register in the active table so a shutdown --all reaches us.
	// A missing table just means the supervisor is not running here.
	if tab, err := active.Attach(l.ActivePath(), region.ReadWrite); err == nil {
		tab.WritePID(active.RoleMon, os.Getpid())
		defer func() {
			tab.ClearPID(active.RoleMon)
			tab.Detach()
		}()
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		mhttp := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
		go func() {
			if err := mhttp.Start(); err != nil {
				logger.Error("metrics server failed", logger.Err(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mhttp.Shutdown(sctx)
		}()
	}

	mm := metrics.NewMonitorMetrics()

	logger.Info("starting monitor", "version", version,
		"peers", len(cfg.Monitor.Peers), "work_dir", cfg.WorkDir)

	var wg sync.WaitGroup
	for i := range cfg.Monitor.Peers {
		sub := &logRunner{
			msa:     m,
			pos:     i,
			logDir:  l.LogDir(),
			metrics: mm,
		}
		a := &monitor.Agent{
			MSA:           m,
			Pos:           i,
			RetryInterval: cfg.Monitor.RetryInterval,
			SpawnLog:      func(alias string) { sub.start(ctx, alias) },
			Metrics:       mm,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("agent stopped",
					logger.Peer(a.MSA.Peers[a.Pos].Alias()), logger.Err(err))
			}
		}()
	}
	wg.Wait()
	logger.Info("monitor terminated")
	return 0
}

// fillEntry seeds one MSA entry from the configuration. Counters and
// the toggle state stay zero; the agent maintains those.
func fillEntry(e *msa.Entry, pc config.PeerConfig) {
	e.SetAlias(pc.Alias)
	e.SetHostname(0, pc.Hostname)
	e.Port[0] = int32(pc.Port)
	e.Port[1] = int32(pc.Port)
	if pc.SecondHostname != "" {
		e.SetHostname(1, pc.SecondHostname)
	}
	e.PollInterval = int32(pc.PollInterval / time.Second)
	e.ConnectTime = int32(pc.ConnectTime / time.Second)
	e.DisconnectTime = int32(pc.DisconnectTime / time.Second)
	switch pc.Switching {
	case "auto":
		e.AFDSwitching = msa.SwitchingAuto
	case "manual":
		e.AFDSwitching = msa.SwitchingManual
	default:
		if pc.SecondHostname != "" {
			e.AFDSwitching = msa.SwitchingAuto
		} else {
			e.AFDSwitching = msa.SwitchingNone
		}
	}
}

// logRunner maintains the log stream of one peer: a single goroutine
// that dials, mirrors and reconnects until the context ends. The agent
// may report capability changes repeatedly; only the first report
// starts the loop.
type logRunner struct {
	msa     *msa.MSA
	pos     int
	logDir  string
	metrics metrics.MonitorMetrics

	mu      sync.Mutex
	running bool
}

func (lr *logRunner) start(ctx context.Context, alias string) {
	lr.mu.Lock()
	if lr.running {
		lr.mu.Unlock()
		return
	}
	lr.running = true
	lr.mu.Unlock()
	go lr.loop(ctx, alias)
}

func (lr *logRunner) loop(ctx context.Context, alias string) {
	dir := filepath.Join(lr.logDir, alias)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("cannot create peer log directory",
			logger.Peer(alias), logger.Err(err))
		return
	}
	for ctx.Err() == nil {
		if err := lr.stream(ctx, alias, dir); err != nil && ctx.Err() == nil {
			logger.Warn("log stream ended, reconnecting",
				logger.Peer(alias), logger.Err(err))
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func (lr *logRunner) stream(ctx context.Context, alias, dir string) error {
	e := &lr.msa.Peers[lr.pos]
	addr := fmt.Sprintf("%s:%d", e.CurrentHostname(), e.CurrentPort())
	conn, err := logmon.Dial(ctx, addr, kindsOf(e.LogCapabilities))
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("log stream connected", logger.Peer(alias), "addr", addr)

	sub := &logmon.Subscriber{
		Dir:     dir,
		Peer:    alias,
		Metrics: lr.metrics,
	}
	return sub.Run(ctx, conn)
}

// kindsOf renders the capability bits as the kind selector of the LOG
// command. Zero subscribes to everything the peer offers.
func kindsOf(caps uint32) string {
	if caps == 0 {
		return ""
	}
	var b []byte
	for i, kind := range afdd.StreamKinds {
		if caps&(msa.CapSystemLog<<i) != 0 {
			b = append(b, kind)
		}
	}
	return string(b)
}
