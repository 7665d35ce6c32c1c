package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/fra"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/jid"
)

// DefaultSettleDelay is how long a file must stay quiet before pickup.
// Producers that write in place get this long between write bursts.
const DefaultSettleDelay = 500 * time.Millisecond

// Binding routes files of a watched directory to one job.
type Binding struct {
	JobID     uint32
	HostAlias string
	Masks     []string
	Priority  byte
}

// WatchDir is one watched source directory with its distribution
// bindings.
type WatchDir struct {
	Alias    string
	Path     string
	FRAPos   int
	Bindings []Binding
}

// Ingest watches the configured directories and turns arriving files
// into queued jobs.
type Ingest struct {
	FSA         *fsa.FSA
	FRA         *fra.FRA
	Queue       *Queue
	OutgoingDir string
	Dirs        []WatchDir

	// SettleDelay overrides the quiet period; zero uses the default.
	SettleDelay time.Duration

	seq atomic.Uint32
}

func (in *Ingest) settle() time.Duration {
	if in.SettleDelay > 0 {
		return in.SettleDelay
	}
	return DefaultSettleDelay
}

// Scan picks up every file already present in the watched directories.
// Run performs the same pickup for files arriving later, so a file
// seen by both is handled once: the first pickup moves it away.
func (in *Ingest) Scan() error {
	for i := range in.Dirs {
		d := &in.Dirs[i]
		ents, err := os.ReadDir(d.Path)
		if err != nil {
			return fmt.Errorf("supervisor: scan %s: %w", d.Path, err)
		}
		for _, ent := range ents {
			if ent.IsDir() {
				continue
			}
			in.pickup(d, ent.Name())
		}
	}
	return nil
}

// Run watches all directories until the context ends. Events are
// debounced per file: pickup happens once a file has been quiet for
// the settle delay.
func (in *Ingest) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	byPath := make(map[string]*WatchDir, len(in.Dirs))
	for i := range in.Dirs {
		d := &in.Dirs[i]
		if err := w.Add(d.Path); err != nil {
			return fmt.Errorf("supervisor: watch %s: %w", d.Path, err)
		}
		byPath[d.Path] = d
	}

	pending := make(map[string]time.Time) // full path -> last event
	flush := time.NewTicker(in.settle() / 2)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				delete(pending, ev.Name)
				continue
			}
			if fi, err := os.Stat(ev.Name); err != nil || fi.IsDir() {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("directory watch error", logger.Err(err))
		case now := <-flush.C:
			for p, last := range pending {
				if now.Sub(last) < in.settle() {
					continue
				}
				delete(pending, p)
				if d, ok := byPath[filepath.Dir(p)]; ok {
					in.pickup(d, filepath.Base(p))
				}
			}
		}
	}
}

// pickup routes one settled file into the spool of every matching
// binding and queues a job per copy. The original is consumed.
func (in *Ingest) pickup(d *WatchDir, name string) {
	src := filepath.Join(d.Path, name)
	fi, err := os.Stat(src)
	if err != nil {
		return // taken by someone else
	}
	size := fi.Size()

	var matched []*Binding
	for i := range d.Bindings {
		b := &d.Bindings[i]
		if len(b.Masks) == 0 || jid.MatchMasks(b.Masks, name) {
			matched = append(matched, b)
		}
	}
	if len(matched) == 0 {
		logger.Debug("file matches no job", "dir", d.Alias, logger.File(name))
		return
	}

	if d.FRAPos >= 0 {
		_ = in.FRA.AddReceived(d.FRAPos, 1, size)
	}

	for i, b := range matched {
		msgName := fmt.Sprintf("%08x_%d_%04d",
			b.JobID, time.Now().Unix(), in.seq.Add(1))
		spool := filepath.Join(in.OutgoingDir, msgName)
		if err := os.MkdirAll(spool, 0o755); err != nil {
			logger.Error("spool directory not created",
				logger.File(spool), logger.Err(err))
			return
		}
		dst := filepath.Join(spool, name)

		last := i == len(matched)-1
		if last {
			err = os.Rename(src, dst)
		} else {
			err = copyFile(src, dst)
		}
		if err != nil {
			logger.Error("file not moved to spool",
				logger.File(src), logger.Err(err))
			return
		}

		if pos := in.FSA.PosOfHost(b.HostAlias); pos >= 0 {
			_ = in.FSA.AddTransferred(pos, 1, size)
		}
		in.Queue.Enqueue(&Job{
			HostAlias: b.HostAlias,
			MsgName:   msgName,
			Dir:       spool,
			JobID:     b.JobID,
			Priority:  b.Priority,
		})
		logger.Debug("queued", "dir", d.Alias, logger.File(name),
			logger.Host(b.HostAlias), logger.JobID(b.JobID))
	}
}

func copyFile(src, dst string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()
	df, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(df, sf); err != nil {
		df.Close()
		return err
	}
	return df.Close()
}
