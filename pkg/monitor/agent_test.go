package monitor

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/afdd"
	"github.com/afd-project/afd/pkg/msa"
)

func init() {
	logger.InitWithWriter(io.Discard, "error", "text", false)
}

// fastSleep makes dwell and poll waits immediate while still honouring
// cancellation.
func fastSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func newTestMSA(t *testing.T, addr string) *msa.MSA {
	t.Helper()
	m, err := msa.Create(filepath.Join(t.TempDir(), "MSA"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Detach() })

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	e := &m.Peers[0]
	e.SetAlias("peer0")
	e.SetHostname(0, host)
	e.Port[0] = int32(p)
	return m
}

func startServer(t *testing.T, cfg afdd.Config) (*afdd.Server, string) {
	t.Helper()
	srv := afdd.New(cfg)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(srv.Close)
	return srv, l.Addr().String()
}

func TestAgentFoldsStatIntoMSA(t *testing.T) {
	var files atomic.Int64
	_, addr := startServer(t, afdd.Config{
		Source: func() afdd.Stat {
			return afdd.Stat{
				NoOfTransfers:    3,
				JobsInQueue:      7,
				HostErrorCounter: 1,
				FilesReceived:    files.Add(5),
				BytesReceived:    files.Load() * 1000,
				LogCapabilities:  uint32(msa.CapTransferLog | msa.CapSystemLog),
			}
		},
	})

	m := newTestMSA(t, addr)
	var spawned atomic.Int32
	a := &Agent{
		MSA: m, Pos: 0,
		SpawnLog: func(alias string) {
			assert.Equal(t, "peer0", alias)
			spawned.Add(1)
		},
		sleep: fastSleep,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	e := &m.Peers[0]
	assert.Eventually(t, func() bool {
		return e.ConnectStatus == msa.Established &&
			e.FilesReceived >= 5 &&
			e.NoOfTransfers == 3 &&
			e.JobsInQueue == 7 &&
			e.LogCapabilities == uint32(msa.CapTransferLog|msa.CapSystemLog)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(1), spawned.Load(), "GOT_LC acknowledged once")
	assert.NotZero(t, e.LastDataTime)
	assert.NotZero(t, e.TopTime)

	// Each sample appends one mark to every activity strip.
	assert.Equal(t, byte('1'), e.LogHistory[msa.HistReceive][msa.MaxLogHistory-1])
	assert.Equal(t, byte('1'), e.LogHistory[msa.HistTransfer][msa.MaxLogHistory-1])
	assert.Equal(t, byte('1'), e.LogHistory[msa.HistError][msa.MaxLogHistory-1])
	assert.Equal(t, byte(0), e.LogHistory[msa.HistReceive][0], "strip shifts left")
}

func TestAgentTreatsShuttingDownAsScheduledDisconnect(t *testing.T) {
	srv, addr := startServer(t, afdd.Config{
		Source: func() afdd.Stat { return afdd.Stat{} },
	})
	srv.SetShuttingDown()

	m := newTestMSA(t, addr)
	a := &Agent{MSA: m, Pos: 0, sleep: fastSleep}

	bo := backoff.NewExponentialBackOff()
	err := a.session(context.Background(), bo)
	assert.Equal(t, errPeerShuttingDown, err)
}

func TestAgentConnectTimeDwellClosesSessionCleanly(t *testing.T) {
	_, addr := startServer(t, afdd.Config{
		Source: func() afdd.Stat { return afdd.Stat{} },
	})

	m := newTestMSA(t, addr)
	e := &m.Peers[0]
	e.ConnectTime = 1
	slept := false
	a := &Agent{MSA: m, Pos: 0, sleep: func(ctx context.Context, d time.Duration) error {
		// Let the dwell clock expire instead of busy polling.
		if !slept {
			slept = true
			time.Sleep(1100 * time.Millisecond)
		}
		return ctx.Err()
	}}

	bo := backoff.NewExponentialBackOff()
	err := a.session(context.Background(), bo)
	require.NoError(t, err)
	assert.Equal(t, msa.Disconnected, e.ConnectStatus)
}

func TestAgentAutoSwitchingTogglesOnConnectFailure(t *testing.T) {
	// Reserve a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	m := newTestMSA(t, addr)
	e := &m.Peers[0]
	e.AFDSwitching = msa.SwitchingAuto
	e.SetHostname(1, "127.0.0.1")
	e.Port[1] = e.Port[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Stop after the first failed attempt so the toggle settles.
	a := &Agent{MSA: m, Pos: 0, sleep: func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	<-done

	assert.Equal(t, byte(1), e.AFDToggle)
	assert.Equal(t, msa.Defunct, e.ConnectStatus)
}
