// Package monitor implements the agent that watches remote AFD
// instances: one control session per peer, folding status samples into
// the MSA entry the dashboards read.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/afdd"
	"github.com/afd-project/afd/pkg/metrics"
	"github.com/afd-project/afd/pkg/msa"
)

// Defaults applied when the MSA entry leaves a knob at zero.
const (
	DefaultPollInterval  = 60 * time.Second
	DefaultRetryInterval = 60 * time.Second
	DefaultCmdTimeout    = 30 * time.Second
)

// Agent drives one peer. The supervisor runs one agent goroutine per
// MSA entry.
type Agent struct {
	MSA *msa.MSA
	Pos int

	// RetryInterval spaces reconnect attempts after a scheduled
	// shutdown of the peer. CmdTimeout bounds every control exchange.
	RetryInterval time.Duration
	CmdTimeout    time.Duration

	// SpawnLog is invoked once per acknowledged log capability set,
	// with the peer alias. The supervisor starts the log subscriber
	// from it.
	SpawnLog func(alias string)

	Metrics metrics.MonitorMetrics // nil disables collection

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (a *Agent) entry() *msa.Entry { return &a.MSA.Peers[a.Pos] }

func (a *Agent) pollInterval() time.Duration {
	if d := a.entry().PollInterval; d > 0 {
		return time.Duration(d) * time.Second
	}
	return DefaultPollInterval
}

func (a *Agent) retryInterval() time.Duration {
	if a.RetryInterval > 0 {
		return a.RetryInterval
	}
	return DefaultRetryInterval
}

func (a *Agent) cmdTimeout() time.Duration {
	if a.CmdTimeout > 0 {
		return a.CmdTimeout
	}
	return DefaultCmdTimeout
}

func (a *Agent) wait(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		return a.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// peerAddr picks the hostname slot per the switching policy. With
// SwitchingNone the entry stays pinned to slot 0 regardless of what an
// editor wrote into the toggle byte.
func (a *Agent) peerAddr() string {
	e := a.entry()
	if e.AFDSwitching == msa.SwitchingNone {
		e.AFDToggle = 0
	}
	return net.JoinHostPort(e.CurrentHostname(), fmt.Sprintf("%d", e.CurrentPort()))
}

// Run keeps the peer session alive until the context ends.
func (a *Agent) Run(ctx context.Context) error {
	e := a.entry()
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := a.session(ctx, bo)
		switch {
		case err == nil:
			// Dwell window expired; reconnect after disconnect_time.
			bo.Reset()
			d := time.Duration(e.DisconnectTime) * time.Second
			if d <= 0 {
				d = time.Second
			}
			if werr := a.wait(ctx, d); werr != nil {
				return werr
			}
		case err == errPeerShuttingDown:
			// Scheduled shutdown on the far side, no alarm.
			e.ConnectStatus = msa.Disconnected
			a.notePeer(false)
			bo.Reset()
			if werr := a.wait(ctx, a.retryInterval()); werr != nil {
				return werr
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			e.ConnectStatus = msa.Defunct
			a.notePeer(false)
			if e.AFDSwitching == msa.SwitchingAuto {
				e.Toggle()
				if a.Metrics != nil {
					a.Metrics.RecordPeerSwitch(e.Alias())
				}
			}
			logger.Warn("peer session failed", logger.Peer(e.Alias()),
				logger.Err(err))
			if werr := a.wait(ctx, bo.NextBackOff()); werr != nil {
				return werr
			}
		}
	}
}

func (a *Agent) notePeer(connected bool) {
	if a.Metrics != nil {
		a.Metrics.SetPeerConnected(a.entry().Alias(), connected)
	}
}

// errPeerShuttingDown is the internal marker for the scheduled
// disconnect reply class.
var errPeerShuttingDown = fmt.Errorf("monitor: peer shutting down")

// session runs one connect-poll-disconnect cycle. A nil return means
// the connect_time dwell expired and the session was closed in order.
func (a *Agent) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	e := a.entry()
	e.ConnectStatus = msa.Connecting

	pc, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer pc.close()

	code, text, err := pc.cmd(afdd.CmdStartStat)
	if err != nil {
		return err
	}
	if code == afdd.CodeShuttingDown {
		return errPeerShuttingDown
	}
	if code != afdd.CodeStat {
		return fmt.Errorf("monitor: unexpected reply to %s: %d %s",
			afdd.CmdStartStat, code, text)
	}
	e.ConnectStatus = msa.Established
	a.notePeer(true)
	bo.Reset()
	connected := time.Now()
	if err := a.applyStat(text, time.Time{}, pc); err != nil {
		return err
	}
	last := time.Now()

	for {
		if e.ConnectTime > 0 &&
			time.Since(connected) >= time.Duration(e.ConnectTime)*time.Second {
			_, _, _ = pc.cmd(afdd.CmdQuit)
			e.ConnectStatus = msa.Disconnected
			a.notePeer(false)
			return nil
		}
		if err := a.wait(ctx, a.pollInterval()); err != nil {
			_, _, _ = pc.cmd(afdd.CmdQuit)
			e.ConnectStatus = msa.Disconnected
			a.notePeer(false)
			return err
		}
		code, text, err := pc.cmd(afdd.CmdStat)
		if err != nil {
			return err
		}
		if code == afdd.CodeShuttingDown {
			return errPeerShuttingDown
		}
		if code != afdd.CodeStat {
			return fmt.Errorf("monitor: unexpected reply to %s: %d %s",
				afdd.CmdStat, code, text)
		}
		if err := a.applyStat(text, last, pc); err != nil {
			return err
		}
		last = time.Now()
	}
}

// applyStat folds one sample into the MSA entry and derives today's
// top rates from the delta to the previous sample.
func (a *Agent) applyStat(line string, prev time.Time, pc *peerConn) error {
	e := a.entry()
	st, err := afdd.ParseStat(line)
	if err != nil {
		return err
	}
	now := time.Now()

	if !prev.IsZero() {
		elapsed := now.Sub(prev).Seconds()
		if elapsed > 0 {
			db := st.BytesReceived - e.BytesReceived
			df := st.FilesReceived - e.FilesReceived
			if db < 0 {
				db = 0
			}
			if df < 0 {
				df = 0
			}
			e.NoteRates(now,
				uint64(float64(db)/elapsed),
				uint64(float64(df)/elapsed),
				st.NoOfTransfers)
		}
	} else {
		e.RollTop(now)
	}

	if a.Metrics != nil {
		a.Metrics.RecordStatPoll(e.Alias())
	}

	// One activity mark per sample on each history strip.
	mark := func(active bool) byte {
		if active {
			return '1'
		}
		return '0'
	}
	e.PushLogHistory(msa.HistReceive, mark(st.FilesReceived > e.FilesReceived))
	e.PushLogHistory(msa.HistTransfer, mark(st.NoOfTransfers > 0))
	e.PushLogHistory(msa.HistError, mark(st.HostErrorCounter > 0))

	e.NoOfTransfers = st.NoOfTransfers
	e.JobsInQueue = st.JobsInQueue
	e.HostErrorCounter = st.HostErrorCounter
	e.FilesReceived = st.FilesReceived
	e.BytesReceived = st.BytesReceived
	e.LastDataTime = now.Unix()

	if st.LogCapabilities != 0 && st.LogCapabilities != e.LogCapabilities {
		code, _, err := pc.cmd(afdd.CmdGotLC)
		if err != nil {
			return err
		}
		if code == afdd.CodeOK {
			e.LogCapabilities = st.LogCapabilities
			if a.SpawnLog != nil {
				a.SpawnLog(e.Alias())
			}
		}
	}
	return nil
}

// peerConn is the line-oriented control channel.
type peerConn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func (a *Agent) dial(ctx context.Context) (*peerConn, error) {
	var d net.Dialer
	d.Timeout = a.cmdTimeout()
	conn, err := d.DialContext(ctx, "tcp", a.peerAddr())
	if err != nil {
		return nil, err
	}
	pc := &peerConn{conn: conn, r: bufio.NewReader(conn), timeout: a.cmdTimeout()}
	code, _, err := pc.reply()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code != afdd.CodeReady {
		conn.Close()
		return nil, fmt.Errorf("monitor: unexpected greeting code %d", code)
	}
	return pc, nil
}

func (p *peerConn) cmd(cmd string) (int, string, error) {
	_ = p.conn.SetDeadline(time.Now().Add(p.timeout))
	if _, err := fmt.Fprintf(p.conn, "%s\r\n", cmd); err != nil {
		return 0, "", err
	}
	return p.reply()
}

func (p *peerConn) reply() (int, string, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
	line, err := p.r.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	return afdd.ParseReply(strings.TrimRight(line, "\r\n"))
}

func (p *peerConn) close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
