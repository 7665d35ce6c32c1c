package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/config"
	"github.com/afd-project/afd/pkg/fra"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/jid"
	"github.com/afd-project/afd/pkg/metrics"
	"github.com/afd-project/afd/pkg/msgfile"
)

// State of the supervisor lifecycle.
type State int

const (
	Uninit State = iota
	HeartbeatCheck
	Blocked
	Starting
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "uninit"
	case HeartbeatCheck:
		return "heartbeat check"
	case Blocked:
		return "blocked"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Startup refusals, mapped to front-end exit codes by ExitCode.
var (
	ErrAlreadyActive = errors.New("supervisor: AFD is already active")
	ErrWrongHost     = errors.New("supervisor: AFD is active on another host")
	ErrBlocked       = errors.New("supervisor: disabled by system administrator")
	ErrNoDirConfig   = errors.New("supervisor: no directories configured")
	ErrNotActive     = errors.New("supervisor: AFD is not active")
)

// ExitCode maps a startup error to the front-end exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrAlreadyActive):
		return ExitAFDIsActive
	case errors.Is(err, ErrWrongHost):
		return ExitNotOnCorrectHost
	case errors.Is(err, ErrBlocked):
		return ExitAFDDisabledBySysadm
	case errors.Is(err, ErrNoDirConfig):
		return ExitNoDirConfig
	case errors.Is(err, ErrNotActive):
		return ExitAFDIsNotActive
	default:
		return 1
	}
}

// HeartbeatTimeout is how stale the supervisor heartbeat may be before
// a leftover active file is treated as a crash remnant.
const HeartbeatTimeout = 45 * time.Second

// Supervisor owns the AFD instance: regions, registries, queue and
// ingest.
type Supervisor struct {
	Cfg    *config.Config
	Layout Layout

	// Spawn runs one transfer; nil uses the sfftp child process.
	Spawn SpawnFunc

	// SkipInitialScan starts without picking up files already present
	// in the watched directories.
	SkipInitialScan bool

	// WorkerBinary is the sfftp path for the default spawner; empty
	// resolves "sfftp" from PATH.
	WorkerBinary string

	mu    sync.Mutex
	state State

	act   *active.Table
	fsa   *fsa.FSA
	fra   *fra.FRA
	jdb   *jid.DB
	dnb   *jid.DNB
	fmd   *jid.FMD
	dcl   *jid.DCL
	queue *Queue
	mhttp *metrics.Server
	dirs  []WatchDir
}

// New builds a supervisor over the configured working directory.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{Cfg: cfg, Layout: Layout{WorkDir: cfg.WorkDir}}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	logger.Debug("supervisor state", "state", st.String())
}

// FSA returns the attached FSA once Running.
func (s *Supervisor) FSA() *fsa.FSA { return s.fsa }

// Queue returns the job queue once Running.
func (s *Supervisor) Queue() *Queue { return s.queue }

// Run walks the whole lifecycle and blocks until the context ends or
// a shutdown command arrives. Startup refusals return one of the
// sentinel errors above.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(HeartbeatCheck)
	hb, err := active.CheckHeartbeat(s.Layout.ActivePath(), HeartbeatTimeout)
	if err != nil {
		return err
	}
	switch hb {
	case active.ActiveHere, active.SupervisorManaged:
		return ErrAlreadyActive
	case active.ActiveElsewhere:
		return ErrWrongHost
	case active.NotResponding:
		// Crash remnant; reclaim.
		logger.Warn("removing stale active file",
			logger.File(s.Layout.ActivePath()))
		_ = os.Remove(s.Layout.ActivePath())
	}

	if s.Layout.Blocked() {
		s.setState(Blocked)
		return ErrBlocked
	}
	if len(s.Cfg.Directories) == 0 {
		return ErrNoDirConfig
	}

	s.setState(Starting)
	if err := s.start(ctx); err != nil {
		s.teardown()
		return err
	}
	s.setState(Running)

	err = s.loop(ctx)

	s.setState(ShuttingDown)
	s.shutdown()
	s.setState(Terminated)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) start(ctx context.Context) error {
	if err := s.Layout.EnsureDirs(); err != nil {
		return err
	}
	if err := s.createRegions(); err != nil {
		return err
	}
	if err := s.buildDatabases(); err != nil {
		return err
	}

	act, err := active.Create(s.Layout.ActivePath())
	if err != nil {
		return err
	}
	s.act = act
	act.WritePID(active.RoleInit, os.Getpid())
	act.Beat()

	if err := makeFifo(s.Layout.CmdFifo()); err != nil {
		return err
	}

	if s.Cfg.Metrics.Enabled {
		metrics.InitRegistry()
		s.mhttp = metrics.NewServer(fmt.Sprintf(":%d", s.Cfg.Metrics.Port))
		go func() {
			if err := s.mhttp.Start(); err != nil {
				logger.Error("metrics server failed", logger.Err(err))
			}
		}()
	}

	spawn := s.Spawn
	if spawn == nil {
		spawn = s.execSpawn
	}
	s.queue = NewQueue(s.fsa, spawn, QueueConfig{
		QueueSize:      DefaultQueueConfig().QueueSize,
		MaxConnections: s.Cfg.MaxConnections,
	}, metrics.NewTransferMetrics())
	s.queue.Start(ctx)

	ingest := &Ingest{
		FSA:         s.fsa,
		FRA:         s.fra,
		Queue:       s.queue,
		OutgoingDir: s.Layout.OutgoingDir(),
		Dirs:        s.dirs,
	}
	if !s.SkipInitialScan {
		if err := ingest.Scan(); err != nil {
			return err
		}
	}
	go func() {
		if err := ingest.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("directory ingest stopped", logger.Err(err))
		}
	}()
	return nil
}

// loop is the Running state: heartbeat, fifo commands, shutdown mark.
func (s *Supervisor) loop(ctx context.Context) error {
	cmds := make(chan string, 4)
	go s.readFifo(ctx, cmds)

	beat := time.NewTicker(time.Second)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-cmds:
			switch cmd {
			case CmdShutdown:
				logger.Info("shutdown command received")
				return nil
			case CmdStop:
				logger.Info("stop command received")
				return nil
			default:
				logger.Warn("unknown fifo command", "cmd", cmd)
			}
		case <-beat.C:
			s.act.Beat()
			if s.act.ShutdownRequested() {
				logger.Info("shared shutdown mark observed")
				return nil
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	timeout := s.Cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if s.queue != nil && !s.queue.Stop(timeout) {
		logger.Warn("workers still running past shutdown deadline")
	}
	if s.mhttp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.mhttp.Shutdown(ctx)
		cancel()
	}
	s.teardown()
}

// teardown detaches every region; removing the active file is last so
// shutdown pollers see the workers gone first.
func (s *Supervisor) teardown() {
	if s.fsa != nil {
		_ = s.fsa.Detach()
		s.fsa = nil
	}
	if s.fra != nil {
		_ = s.fra.Detach()
		s.fra = nil
	}
	if s.jdb != nil {
		_ = s.jdb.Detach()
		s.jdb = nil
	}
	if s.dnb != nil {
		_ = s.dnb.Detach()
		s.dnb = nil
	}
	if s.dcl != nil {
		_ = s.dcl.Detach()
		s.dcl = nil
	}
	if s.act != nil {
		_ = s.act.Remove()
		s.act = nil
	}
}

// createRegions builds the FSA and FRA from the configuration.
func (s *Supervisor) createRegions() error {
	f, err := fsa.Create(s.Layout.FSAPath(), len(s.Cfg.Hosts))
	if err != nil {
		return err
	}
	s.fsa = f
	for i := range s.Cfg.Hosts {
		applyHostConfig(&f.Hosts[i], &s.Cfg.Hosts[i])
	}

	r, err := fra.Create(s.Layout.FRAPath(), len(s.Cfg.Directories))
	if err != nil {
		return err
	}
	s.fra = r
	for i := range s.Cfg.Directories {
		r.Dirs[i].SetAlias(s.Cfg.Directories[i].Alias)
		r.Dirs[i].DirID = jid.HashDir(s.Cfg.Directories[i].Path)
	}
	return nil
}

// applyHostConfig fills one FSA entry from the host configuration.
func applyHostConfig(e *fsa.Entry, h *config.HostConfig) {
	e.SetAlias(h.Alias)
	e.SetRealHostname(0, h.Hostname)
	if h.SecondHostname != "" {
		e.SetRealHostname(1, h.SecondHostname)
		e.AutoToggle = 1
	}
	e.HostID = jid.HashHost(h.Alias)
	e.Port = int32(h.Port)
	e.Protocol = fsa.ProtoFTP
	if h.Protocol == "ftps" {
		e.Protocol |= fsa.ProtoFTPS
	}
	e.AllowedTransfers = int32(h.AllowedTransfers)
	e.MaxErrors = int32(h.MaxErrors)
	e.RetryInterval = int32(h.RetryInterval / time.Second)
	e.TransferTimeout = int32(h.TransferTimeout / time.Second)
	e.KeepConnected = int32(h.KeepConnected / time.Second)
	e.BlockSize = int32(h.BlockSize)
	e.TRLPerProcess = h.TransferRateLimit

	switch strings.ToLower(h.FileSizeOffset) {
	case "", "auto":
		e.FileSizeOffset = fsa.SizeOffsetAuto
	case "none":
		e.FileSizeOffset = fsa.SizeOffsetNone
	default:
		if n, err := strconv.Atoi(h.FileSizeOffset); err == nil && n >= 0 {
			e.FileSizeOffset = int8(n)
		} else {
			e.FileSizeOffset = fsa.SizeOffsetAuto
		}
	}

	if h.StatKeepalive {
		e.SetStatus(fsa.StatusStatKeepalive)
	}
	if h.UseStatList {
		e.SetStatus(fsa.StatusUseStatList)
	}
	if h.CheckSize {
		e.SetStatus(fsa.StatusCheckSize)
	}
	if h.IgnoreBinary {
		e.SetStatus(fsa.StatusIgnoreBinary)
	}
	if h.SetIdle {
		e.SetStatus(fsa.StatusSetIdle)
	}
	if h.TimeoutXfer {
		e.SetStatus(fsa.StatusTimeoutTransfer)
	}
}

// buildDatabases derives the JID, DNB, FMD and DCL registries from the
// configuration and writes one message file per job.
func (s *Supervisor) buildDatabases() error {
	dcl, err := jid.CreateDCL(s.Layout.DCLPath())
	if err != nil {
		return err
	}
	s.dcl = dcl
	dcID, err := dcl.Add(config.GetDefaultConfigPath())
	if err != nil {
		return err
	}

	dnb, err := jid.CreateDNB(s.Layout.DNBPath())
	if err != nil {
		return err
	}
	s.dnb = dnb

	fmd, err := jid.LoadFMD(s.Layout.FMDPath())
	if err != nil {
		return err
	}
	s.fmd = fmd

	jdb, err := jid.Create(s.Layout.JIDPath())
	if err != nil {
		return err
	}
	s.jdb = jdb

	s.dirs = s.dirs[:0]
	for i := range s.Cfg.Directories {
		d := &s.Cfg.Directories[i]
		dirID, err := dnb.Add(d.Path, d.Alias)
		if err != nil {
			return err
		}
		maskID, err := fmd.Add(d.FileMasks, 0)
		if err != nil {
			return err
		}
		wd := WatchDir{
			Alias:  d.Alias,
			Path:   d.Path,
			FRAPos: s.fra.PosOfDir(d.Alias),
		}
		for j := range d.Jobs {
			jc := &d.Jobs[j]
			alias, err := recipientAlias(jc.Recipient)
			if err != nil {
				return err
			}
			if s.fsa.PosOfHost(alias) < 0 {
				logger.Warn("job recipient matches no host",
					"dir", d.Alias, "recipient", jc.Recipient)
				continue
			}
			prio := jobPriority(jc.Options)
			jobID, err := jdb.Add(dcID, dirID, jid.HashHost(alias), maskID,
				jc.Recipient, prio, jc.Options)
			if err != nil {
				return err
			}
			if err := s.writeMsgFile(jobID, jc); err != nil {
				return err
			}
			wd.Bindings = append(wd.Bindings, Binding{
				JobID:     jobID,
				HostAlias: alias,
				Masks:     d.FileMasks,
				Priority:  prio,
			})
		}
		s.dirs = append(s.dirs, wd)
	}
	return nil
}

// writeMsgFile materialises the job's message file and validates it by
// reading it back.
func (s *Supervisor) writeMsgFile(jobID uint32, jc *config.JobConfig) error {
	var b strings.Builder
	b.WriteString("[destination]\n")
	b.WriteString(jc.Recipient)
	b.WriteString("\n[options]\n")
	for _, line := range jc.Options {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	path := s.MsgPath(jobID)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return err
	}
	if _, err := msgfile.Read(path); err != nil {
		return fmt.Errorf("supervisor: job %d: %w", jobID, err)
	}
	return nil
}

// MsgPath returns the message file path of a job.
func (s *Supervisor) MsgPath(jobID uint32) string {
	return fmt.Sprintf("%s/%d", s.Layout.MsgDir(), jobID)
}

func recipientAlias(recipient string) (string, error) {
	u, err := url.Parse(recipient)
	if err != nil {
		return "", fmt.Errorf("supervisor: bad recipient %q: %w", recipient, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("supervisor: recipient %q has no host", recipient)
	}
	return u.Hostname(), nil
}

func jobPriority(options []string) byte {
	for _, line := range options {
		if rest, ok := strings.CutPrefix(line, "priority "); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n >= 0 && n <= 9 {
				return byte(n)
			}
		}
	}
	return 9
}

func makeFifo(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("supervisor: mkfifo %s: %w", path, err)
	}
	return nil
}
