package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/config"
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

const usage = `AFD - Automatic File Distributor

Usage:
  afd [flags]

Flags:
  -a             Start AFD
  -A             Start AFD without scanning the source directories
  -b             Block auto restart (write the block file)
  -r             Remove the block file
  -c[T]          Check whether AFD is active, waiting up to T seconds
  -C[T]          Start AFD unless it is already active
  -d             Show the control view without starting AFD
  -h[T]          Heartbeat check, T seconds stale tolerance
  -H[T]          Start AFD unless the heartbeat is alive
  -i[N]          Initialize AFD state at level N (default 5)
  -I             Full initialization (level 9)
  -n             Dry run: list what -i/-I would remove
  -s             Shut down a running AFD
  -S             Silent shutdown
  --all          Extend the shutdown to every registered daemon
  -z             Set the shared shutdown byte and return
  -T             Print the shared region record sizes
  -w DIR         Working directory (overrides the configuration)
  -p ROLE        Permission profile for this invocation
  -u[USER]       Act as USER instead of the calling user
  --config PATH  Configuration file (default: $XDG_CONFIG_HOME/afd/config.yaml)
  --version      Show version information

Exit codes:
  0  success
  5  AFD is active
  6  AFD disabled by the system administrator
  7  AFD is not active
  8  AFD is active on another host
  9  AFD is not responding
  10 no directories configured
`

type options struct {
	action     byte // one of a A b r c C h H i I s S z T, 0 means start
	timeout    int  // seconds, for -c/-C/-h/-H
	initLevel  int
	dryRun     bool
	all        bool
	silent     bool
	workDir    string
	profile    string
	fakeUser   string
	configFile string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "afd: %v\n\n", err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch opts.action {
	case 0, 'a':
		os.Exit(runStart(opts, false, neverSkip))
	case 'A':
		os.Exit(runStart(opts, true, neverSkip))
	case 'C':
		os.Exit(runStart(opts, false, skipWhenActive))
	case 'H':
		os.Exit(runStart(opts, false, skipWhenResponding))
	case 'b':
		exitOn(supervisor.BlockAutoRestart(mustWorkDir(opts)))
	case 'r':
		exitOn(supervisor.UnblockAutoRestart(mustWorkDir(opts)))
	case 'c', 'h':
		os.Exit(runCheck(opts))
	case 'd':
		os.Exit(runView(opts))
	case 'i', 'I':
		os.Exit(runInitialize(opts))
	case 's', 'S':
		os.Exit(runShutdown(opts))
	case 'z':
		if err := supervisor.RequestShutdown(mustWorkDir(opts)); err != nil {
			fmt.Fprintf(os.Stderr, "afd: %v\n", err)
			os.Exit(supervisor.ExitCode(err))
		}
		os.Exit(supervisor.ExitSuccess)
	case 'T':
		for _, ts := range supervisor.TypeSizes() {
			fmt.Printf("%-20s %d\n", ts.Name, ts.Size)
		}
		os.Exit(supervisor.ExitSuccess)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{initLevel: 5}
	setAction := func(a byte) error {
		if opts.action != 0 {
			return fmt.Errorf("conflicting actions -%c and -%c", opts.action, a)
		}
		opts.action = a
		return nil
	}
	next := func(i *int, flag string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s requires an argument", flag)
		}
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--version" || arg == "-v":
			fmt.Printf("afd %s (commit: %s, built: %s)\n", version, commit, date)
			os.Exit(0)
		case arg == "--help":
			fmt.Print(usage)
			os.Exit(0)
		case arg == "--all":
			opts.all = true
		case arg == "--config":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			opts.configFile = v
		case arg == "-w":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			opts.workDir = v
		case arg == "-p":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			opts.profile = v
		case arg == "-n":
			opts.dryRun = true
		case strings.HasPrefix(arg, "-u"):
			opts.fakeUser = arg[2:]
			if opts.fakeUser == "" {
				if u, err := user.Current(); err == nil {
					opts.fakeUser = u.Username
				}
			}
		case strings.HasPrefix(arg, "-i") && arg != "-i":
			n, err := strconv.Atoi(arg[2:])
			if err != nil {
				return nil, fmt.Errorf("bad init level %q", arg[2:])
			}
			opts.initLevel = n
			if err := setAction('i'); err != nil {
				return nil, err
			}
		case len(arg) > 2 && (arg[1] == 'c' || arg[1] == 'C' || arg[1] == 'h' || arg[1] == 'H') && arg[0] == '-':
			n, err := strconv.Atoi(arg[2:])
			if err != nil {
				return nil, fmt.Errorf("bad timeout %q", arg[2:])
			}
			opts.timeout = n
			if err := setAction(arg[1]); err != nil {
				return nil, err
			}
		case len(arg) == 2 && arg[0] == '-' &&
			strings.ContainsRune("aAbdrcChHiIsSzT", rune(arg[1])):
			a := arg[1]
			if a == 'I' {
				opts.initLevel = supervisor.MaxInitLevel
				a = 'i'
			}
			if a == 'S' {
				opts.silent = true
				a = 's'
			}
			if err := setAction(a); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown flag %q", arg)
		}
	}
	return opts, nil
}

// mustWorkDir resolves the working directory without requiring a full
// configuration: flag, environment, then config file, then default.
func mustWorkDir(opts *options) string {
	if opts.workDir != "" {
		return opts.workDir
	}
	if wd := os.Getenv("AFD_WORK_DIR"); wd != "" {
		return wd
	}
	if cfg, err := config.Load(opts.configFile); err == nil && cfg.WorkDir != "" {
		return cfg.WorkDir
	}
	return config.DefaultWorkDir
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "afd: %v\n", err)
		os.Exit(1)
	}
	os.Exit(supervisor.ExitSuccess)
}

func checkTimeout(opts *options) time.Duration {
	if opts.timeout > 0 {
		return time.Duration(opts.timeout) * time.Second
	}
	return supervisor.HeartbeatTimeout
}

// Start-skip policies for -C and -H.
type skipPolicy int

const (
	neverSkip skipPolicy = iota
	skipWhenActive
	skipWhenResponding
)

func runStart(opts *options, skipScan bool, policy skipPolicy) int {
	cfg, err := config.MustLoad(opts.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "afd: %v\n", err)
		return 1
	}
	if opts.workDir != "" {
		cfg.WorkDir = opts.workDir
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "afd: failed to initialize logger: %v\n", err)
		return 1
	}

	if policy != neverSkip {
		hb, err := supervisor.CheckActive(cfg.WorkDir, checkTimeout(opts))
		if err == nil && (hb == active.ActiveHere || hb == active.SupervisorManaged) {
			logger.Info("AFD already active, nothing to do")
			return supervisor.ExitSuccess
		}
	}

	logger.Info("starting AFD", "version", version,
		"work_dir", cfg.WorkDir, "hosts", len(cfg.Hosts))
	if opts.profile != "" {
		logger.Debug("permission profile", "profile", opts.profile,
			"user", opts.fakeUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := supervisor.New(cfg)
	s.SkipInitialScan = skipScan
	if err := s.Run(ctx); err != nil {
		logger.Error("AFD terminated", logger.Err(err))
		return supervisor.ExitCode(err)
	}
	logger.Info("AFD terminated")
	return supervisor.ExitSuccess
}

func runCheck(opts *options) int {
	hb, err := supervisor.CheckActive(mustWorkDir(opts), checkTimeout(opts))
	if err != nil {
		fmt.Fprintf(os.Stderr, "afd: %v\n", err)
		return 1
	}
	if !opts.silent {
		fmt.Printf("AFD is %s\n", hb)
	}
	switch hb {
	case active.ActiveHere, active.SupervisorManaged:
		return supervisor.ExitAFDIsActive
	case active.ActiveElsewhere:
		return supervisor.ExitNotOnCorrectHost
	case active.NotResponding:
		return supervisor.ExitAFDNotResponding
	default:
		return supervisor.ExitAFDIsNotActive
	}
}

// runView is the -d surface: report the control view without touching
// the supervisor. The graphical control window of old installations is
// not carried; this prints the same information.
func runView(opts *options) int {
	wd := mustWorkDir(opts)
	hb, err := supervisor.CheckActive(wd, checkTimeout(opts))
	if err != nil {
		fmt.Fprintf(os.Stderr, "afd: %v\n", err)
		return 1
	}
	fmt.Printf("work dir:  %s\n", wd)
	fmt.Printf("state:     %s\n", hb)
	l := supervisor.Layout{WorkDir: wd}
	if l.Blocked() {
		fmt.Println("blocked:   yes")
	}
	if t, err := active.Attach(l.ActivePath(), region.ReadOnly); err == nil {
		fmt.Printf("hostname:  %s\n", t.Region().Hostname())
		if last := t.Procs[active.RoleInit].Heartbeat; last > 0 {
			fmt.Printf("heartbeat: %s ago\n",
				time.Since(time.Unix(last, 0)).Truncate(time.Second))
		}
		for role := active.Role(0); role < active.RoleCount; role++ {
			if pid := t.PID(role); pid > 0 {
				fmt.Printf("%-10s pid %d\n", role.String(), pid)
			}
		}
		t.Detach()
	}
	switch hb {
	case active.ActiveHere, active.SupervisorManaged:
		return supervisor.ExitSuccess
	default:
		return supervisor.ExitAFDIsNotActive
	}
}

func runInitialize(opts *options) int {
	removed, err := supervisor.Initialize(mustWorkDir(opts), opts.initLevel, opts.dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "afd: %v\n", err)
		return supervisor.ExitCode(err)
	}
	if opts.dryRun {
		for _, p := range removed {
			fmt.Println(p)
		}
	} else if !opts.silent {
		fmt.Printf("initialized at level %d, removed %d entries\n",
			opts.initLevel, len(removed))
	}
	return supervisor.ExitSuccess
}

func runShutdown(opts *options) int {
	wd := mustWorkDir(opts)
	deadline := checkTimeout(opts)

	var err error
	if opts.all {
		err = supervisor.ShutdownAll(wd, deadline)
	} else {
		err = supervisor.Shutdown(wd, deadline)
	}
	if err != nil {
		if !opts.silent {
			fmt.Fprintf(os.Stderr, "afd: %v\n", err)
		}
		return supervisor.ExitCode(err)
	}
	if !opts.silent {
		fmt.Println("AFD shut down")
	}
	return supervisor.ExitSuccess
}
