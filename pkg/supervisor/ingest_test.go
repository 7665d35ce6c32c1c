package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/pkg/fra"
)

func testIngest(t *testing.T, bindings []Binding) (*Ingest, *Queue, string) {
	t.Helper()
	base := t.TempDir()
	src := filepath.Join(base, "src")
	out := filepath.Join(base, "outgoing")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(out, 0o755))

	f := testFSA(t, "alpha", "beta")
	r, err := fra.Create(filepath.Join(base, fra.FileName), 1)
	require.NoError(t, err)
	t.Cleanup(func() { r.Detach() })
	r.Dirs[0].SetAlias("srcdir")

	q := NewQueue(f, nil, QueueConfig{}, nil)
	in := &Ingest{
		FSA:         f,
		FRA:         r,
		Queue:       q,
		OutgoingDir: out,
		Dirs: []WatchDir{{
			Alias:    "srcdir",
			Path:     src,
			FRAPos:   0,
			Bindings: bindings,
		}},
		SettleDelay: 30 * time.Millisecond,
	}
	return in, q, src
}

func TestScanRoutesMatchingFile(t *testing.T) {
	in, q, src := testIngest(t, []Binding{
		{JobID: 1, HostAlias: "alpha", Masks: []string{"*.txt"}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.dat"), []byte("nope"), 0o644))

	require.NoError(t, in.Scan())

	assert.Equal(t, 1, q.Len())
	// The matching file is consumed, the other stays put.
	_, err := os.Stat(filepath.Join(src, "a.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(src, "b.dat"))
	assert.NoError(t, err)

	assert.Equal(t, int64(1), in.FRA.Dirs[0].FilesReceived)
	assert.Equal(t, int32(1), in.FSA.Hosts[0].TotalFilesQueued)
	assert.Equal(t, int64(5), in.FSA.Hosts[0].TotalFileSize)
}

func TestScanFansOutToEveryBinding(t *testing.T) {
	in, q, src := testIngest(t, []Binding{
		{JobID: 1, HostAlias: "alpha", Masks: []string{"*"}},
		{JobID: 2, HostAlias: "beta", Masks: []string{"rep*"}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(src, "report"), []byte("x"), 0o644))

	require.NoError(t, in.Scan())

	require.Equal(t, 2, q.Len())
	_, err := os.Stat(filepath.Join(src, "report"))
	assert.True(t, os.IsNotExist(err))

	// Each spool directory holds its own copy.
	spools, err := os.ReadDir(in.OutgoingDir)
	require.NoError(t, err)
	require.Len(t, spools, 2)
	for _, sp := range spools {
		data, err := os.ReadFile(filepath.Join(in.OutgoingDir, sp.Name(), "report"))
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), data)
	}
}

func TestNegatedMaskRejects(t *testing.T) {
	in, q, src := testIngest(t, []Binding{
		{JobID: 1, HostAlias: "alpha", Masks: []string{"!*.tmp", "*"}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(src, "x.tmp"), []byte("t"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "x.out"), []byte("o"), 0o644))

	require.NoError(t, in.Scan())

	assert.Equal(t, 1, q.Len())
	_, err := os.Stat(filepath.Join(src, "x.tmp"))
	assert.NoError(t, err)
}

func TestRunPicksUpArrivingFile(t *testing.T) {
	in, q, src := testIngest(t, []Binding{
		{JobID: 7, HostAlias: "alpha"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = in.Run(ctx)
	}()

	// Give the watcher a moment to arm before creating the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(src, "late.txt"), []byte("data"), 0o644))

	waitFor(t, func() bool { return q.Len() == 1 })
	cancel()
	<-done
}
