package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/worker"
)

func testFSA(t *testing.T, aliases ...string) *fsa.FSA {
	t.Helper()
	f, err := fsa.Create(filepath.Join(t.TempDir(), fsa.FileName), len(aliases))
	require.NoError(t, err)
	t.Cleanup(func() { f.Detach() })
	for i, a := range aliases {
		f.Hosts[i].SetAlias(a)
		f.Hosts[i].AllowedTransfers = 2
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueRejectsUnknownHost(t *testing.T) {
	f := testFSA(t, "alpha")
	q := NewQueue(f, nil, QueueConfig{}, nil)

	assert.False(t, q.Enqueue(&Job{HostAlias: "nosuch"}))
	assert.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	f := testFSA(t, "alpha")
	q := NewQueue(f, nil, QueueConfig{QueueSize: 2}, nil)

	assert.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	assert.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	assert.False(t, q.Enqueue(&Job{HostAlias: "alpha"}))
}

func TestDispatchRunsJobAndRemovesEmptySpool(t *testing.T) {
	f := testFSA(t, "alpha")
	spool := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.MkdirAll(spool, 0o755))

	var calls atomic.Int32
	spawn := func(ctx context.Context, j *Job, pos, slot int) int {
		calls.Add(1)
		assert.Equal(t, 0, pos)
		return worker.ExitSuccess
	}
	q := NewQueue(f, spawn, QueueConfig{}, nil)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.True(t, q.Enqueue(&Job{HostAlias: "alpha", Dir: spool}))

	waitFor(t, func() bool { return calls.Load() == 1 })
	waitFor(t, func() bool {
		_, err := os.Stat(spool)
		return os.IsNotExist(err)
	})
	assert.Equal(t, 0, q.Len())
}

func TestRequeueOnStillFilesToSend(t *testing.T) {
	f := testFSA(t, "alpha")

	var calls atomic.Int32
	spawn := func(ctx context.Context, j *Job, pos, slot int) int {
		if calls.Add(1) == 1 {
			return worker.ExitStillFilesToSend
		}
		assert.Equal(t, 1, j.Retries)
		return worker.ExitSuccess
	}
	q := NewQueue(f, spawn, QueueConfig{RequeueDelay: 10 * time.Millisecond}, nil)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	waitFor(t, func() bool { return calls.Load() == 2 })
}

func TestPausedHostStarvesQueue(t *testing.T) {
	f := testFSA(t, "alpha")
	f.Hosts[0].SetStatus(fsa.StatusPauseQueue)

	var calls atomic.Int32
	spawn := func(ctx context.Context, j *Job, pos, slot int) int {
		calls.Add(1)
		return worker.ExitSuccess
	}
	q := NewQueue(f, spawn, QueueConfig{}, nil)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 1, q.Len())

	f.Hosts[0].ClearStatus(fsa.StatusPauseQueue)
	q.kick()
	waitFor(t, func() bool { return calls.Load() == 1 })
}

func TestRepeatedErrorsTakeHostOffline(t *testing.T) {
	f := testFSA(t, "alpha")
	f.Hosts[0].MaxErrors = 1
	f.Hosts[0].ErrorCounter = 1

	spawn := func(ctx context.Context, j *Job, pos, slot int) int {
		return worker.ExitConnectError
	}
	q := NewQueue(f, spawn, QueueConfig{RequeueDelay: time.Hour}, nil)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	waitFor(t, func() bool {
		return f.Hosts[0].HasStatus(fsa.StatusErrorOffline | fsa.StatusAutoPauseQueue)
	})
	// The requeued job must not start against an offline host.
	assert.Equal(t, 1, q.Len())
}

func TestAllowedTransfersBoundsConcurrency(t *testing.T) {
	f := testFSA(t, "alpha")
	f.Hosts[0].AllowedTransfers = 1

	release := make(chan struct{})
	var running, peak atomic.Int32
	var mu sync.Mutex
	spawn := func(ctx context.Context, j *Job, pos, slot int) int {
		mu.Lock()
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		<-release
		running.Add(-1)
		return worker.ExitSuccess
	}
	q := NewQueue(f, spawn, QueueConfig{}, nil)
	q.Start(context.Background())

	require.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))
	require.True(t, q.Enqueue(&Job{HostAlias: "alpha"}))

	waitFor(t, func() bool { return q.Running() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.Running())

	close(release)
	waitFor(t, func() bool { return q.Running() == 0 && q.Len() == 0 })
	assert.Equal(t, int32(1), peak.Load())
	assert.True(t, q.Stop(time.Second))
}

func TestPriorityOrdersDispatch(t *testing.T) {
	f := testFSA(t, "alpha")
	f.Hosts[0].AllowedTransfers = 1

	var mu sync.Mutex
	var order []string
	spawn := func(ctx context.Context, j *Job, pos, slot int) int {
		mu.Lock()
		order = append(order, j.MsgName)
		mu.Unlock()
		return worker.ExitSuccess
	}
	q := NewQueue(f, spawn, QueueConfig{}, nil)

	// Fill before starting so ordering is decided purely by priority.
	require.True(t, q.Enqueue(&Job{HostAlias: "alpha", MsgName: "low", Priority: 9}))
	require.True(t, q.Enqueue(&Job{HostAlias: "alpha", MsgName: "high", Priority: 0}))
	require.True(t, q.Enqueue(&Job{HostAlias: "alpha", MsgName: "mid", Priority: 5}))

	q.Start(context.Background())
	defer q.Stop(time.Second)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}
