package supervisor

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/metrics"
	"github.com/afd-project/afd/pkg/worker"
)

// Job is one queued batch: a spool directory of files bound for a
// single host.
type Job struct {
	HostAlias string
	MsgName   string
	Dir       string // spool directory holding the files
	JobID     uint32
	Priority  byte // 0 is most urgent
	Retries   int

	notBefore time.Time
}

// SpawnFunc runs one transfer for a job on the given FSA position and
// slot and returns the worker exit code. The production implementation
// execs the sfftp binary; tests substitute an in-process worker.
type SpawnFunc func(ctx context.Context, job *Job, pos, slot int) int

// pausedMask are the host states under which no new worker starts.
const pausedMask = fsa.StatusDisabled | fsa.StatusStopped |
	fsa.StatusPauseQueue | fsa.StatusAutoPauseQueue | fsa.StatusErrorOffline

// QueueConfig bounds the queue.
type QueueConfig struct {
	// QueueSize caps pending jobs; Enqueue returns false beyond it.
	QueueSize int

	// MaxConnections caps concurrently running workers across all
	// hosts; zero means no global cap.
	MaxConnections int

	// RequeueDelay overrides the per-host retry interval; zero uses
	// the FSA value.
	RequeueDelay time.Duration
}

// DefaultQueueConfig returns the default queue bounds.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{QueueSize: 4096}
}

// Queue holds pending jobs and dispatches them onto free FSA slots.
type Queue struct {
	fsa     *fsa.FSA
	spawn   SpawnFunc
	cfg     QueueConfig
	metrics metrics.TransferMetrics

	mu      sync.Mutex
	pending []*Job
	busy    map[int]uint8 // FSA pos -> slot bitmask of running workers
	running int

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewQueue creates a queue over the FSA. Metrics may be nil.
func NewQueue(f *fsa.FSA, spawn SpawnFunc, cfg QueueConfig, m metrics.TransferMetrics) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueConfig().QueueSize
	}
	return &Queue{
		fsa:     f,
		spawn:   spawn,
		cfg:     cfg,
		metrics: m,
		busy:    make(map[int]uint8),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Enqueue adds a job. Returns false when the queue is full or the host
// alias is unknown.
func (q *Queue) Enqueue(j *Job) bool {
	if q.fsa.PosOfHost(j.HostAlias) < 0 {
		logger.Warn("dropping job for unknown host", logger.Host(j.HostAlias))
		return false
	}
	q.mu.Lock()
	if len(q.pending) >= q.cfg.QueueSize {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, j)
	sort.SliceStable(q.pending, func(a, b int) bool {
		return q.pending[a].Priority < q.pending[b].Priority
	})
	q.mu.Unlock()
	q.kick()
	return true
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of in-flight workers.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			q.dispatch(ctx)
			select {
			case <-ctx.Done():
				return
			case <-q.quit:
				return
			case <-q.wake:
			case <-t.C:
			}
		}
	}()
}

// Stop halts dispatching and waits up to timeout for running workers.
// Returns false when the timeout elapsed first.
func (q *Queue) Stop(timeout time.Duration) bool {
	close(q.quit)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// dispatch starts workers for every job that has a free slot.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	kept := q.pending[:0]
	for _, j := range q.pending {
		if ctx.Err() != nil || isClosed(q.quit) {
			kept = append(kept, j)
			continue
		}
		if !j.notBefore.IsZero() && now.Before(j.notBefore) {
			kept = append(kept, j)
			continue
		}
		if q.cfg.MaxConnections > 0 && q.running >= q.cfg.MaxConnections {
			kept = append(kept, j)
			continue
		}
		pos := q.fsa.PosOfHost(j.HostAlias)
		slot := q.freeSlot(pos)
		if slot < 0 {
			kept = append(kept, j)
			continue
		}
		q.busy[pos] |= 1 << uint(slot)
		q.running++
		q.wg.Add(1)
		go q.runJob(ctx, j, pos, slot)
	}
	q.pending = kept
}

// freeSlot returns a slot index the queue may claim for the host, or
// -1 when the host is paused or saturated.
func (q *Queue) freeSlot(pos int) int {
	e := &q.fsa.Hosts[pos]
	if e.HostStatus&pausedMask != 0 {
		return -1
	}
	allowed := int(e.AllowedTransfers)
	if allowed <= 0 || allowed > fsa.MaxTransfers {
		allowed = 1
	}
	mask := q.busy[pos]
	for slot := 0; slot < allowed; slot++ {
		if mask&(1<<uint(slot)) != 0 {
			continue
		}
		if e.Job[slot].PID != 0 {
			continue
		}
		return slot
	}
	return -1
}

func (q *Queue) runJob(ctx context.Context, j *Job, pos, slot int) {
	defer q.wg.Done()
	e := &q.fsa.Hosts[pos]

	code := q.spawn(ctx, j, pos, slot)

	q.mu.Lock()
	q.busy[pos] &^= 1 << uint(slot)
	q.running--
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordWorkerExit(code)
	}

	switch code {
	case worker.ExitSuccess:
		// Empty spool directories disappear; a non-empty one means a
		// sibling requeued files meanwhile.
		_ = os.Remove(j.Dir)
	case worker.ExitStillFilesToSend, worker.ExitGotKilled:
		q.requeue(j, pos)
	default:
		if e.MaxErrors > 0 && e.ErrorCounter >= e.MaxErrors &&
			e.HostStatus&fsa.StatusErrorOffline == 0 {
			_ = q.fsa.LockEntry(pos)
			e.SetStatus(fsa.StatusErrorOffline | fsa.StatusAutoPauseQueue)
			_ = q.fsa.UnlockEntry(pos)
			logger.Error("host taken offline after repeated errors",
				logger.Host(e.Alias()), "errors", e.ErrorCounter)
		}
		q.requeue(j, pos)
	}
	q.kick()
}

func (q *Queue) requeue(j *Job, pos int) {
	e := &q.fsa.Hosts[pos]
	delay := q.cfg.RequeueDelay
	if delay <= 0 {
		delay = time.Duration(e.RetryInterval) * time.Second
	}
	if delay <= 0 {
		delay = time.Minute
	}
	nj := *j
	nj.Retries++
	nj.notBefore = time.Now().Add(delay)

	q.mu.Lock()
	q.pending = append(q.pending, &nj)
	sort.SliceStable(q.pending, func(a, b int) bool {
		return q.pending[a].Priority < q.pending[b].Priority
	})
	q.mu.Unlock()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
