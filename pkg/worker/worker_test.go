package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/ftp/ftptest"
	"github.com/afd-project/afd/pkg/msgfile"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	logger.InitWithWriter(io.Discard, "error", "text", false)
	f, err := fsa.Create(filepath.Join(t.TempDir(), "FSA"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Detach() })
	e := &f.Hosts[0]
	e.SetAlias("testhost")
	e.AllowedTransfers = fsa.MaxTransfers
	return &Worker{FSA: f, Pos: 0, Slot: 0}
}

func writeSpool(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func testBatch(srv *ftptest.Server, dir, urlPath string, jobID uint32) *Batch {
	msg := &msgfile.Message{
		Recipient: fmt.Sprintf("ftp://anonymous:none@%s%s", srv.Addr, urlPath),
		Options:   msgfile.DefaultOptions(),
	}
	msg.Options.Lock = msgfile.LockOff
	return &Batch{Dir: dir, MsgName: fmt.Sprintf("msg-%d", jobID), Msg: msg, JobID: jobID}
}

func cmdIndex(commands []string, prefix string) int {
	for i, c := range commands {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func TestRunSendsBatchAndUpdatesCounters(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	dir := writeSpool(t, map[string]string{
		"alpha": "first file body",
		"beta":  "second",
	})
	require.NoError(t, w.FSA.AddTransferred(0, 2, int64(len("first file body")+len("second"))))

	b := testBatch(srv, dir, "/", 7)
	require.NoError(t, w.Run(context.Background(), b, nil))

	got, ok := srv.File("/alpha")
	require.True(t, ok)
	assert.Equal(t, "first file body", string(got))
	got, ok = srv.File("/beta")
	require.True(t, ok)
	assert.Equal(t, "second", string(got))

	// The spool must be drained and the slot settled.
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, ents)

	e := &w.FSA.Hosts[0]
	s := &e.Job[0]
	assert.Equal(t, int32(2), s.NoOfFilesDone)
	assert.Equal(t, int64(len("first file body")+len("second")), s.FileSizeDone)
	assert.Equal(t, uint64(len("first file body")+len("second")), s.BytesSend)
	assert.Equal(t, int64(0), s.FileSizeInUse)
	assert.Equal(t, "", s.FileNameInUseStr())
	assert.Equal(t, int32(0), e.Connections)
	assert.Equal(t, int32(0), e.TotalFilesQueued)
	assert.Equal(t, int64(0), e.TotalFileSize)

	commands := srv.Commands()
	assert.GreaterOrEqual(t, cmdIndex(commands, "TYPE I"), 0)
	assert.GreaterOrEqual(t, cmdIndex(commands, "QUIT"), 0)
}

func TestRunDotLockStoresUnderLockNameThenRenames(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	dir := writeSpool(t, map[string]string{"report": "payload"})

	b := testBatch(srv, dir, "/", 1)
	b.Msg.Options.Lock = msgfile.LockDot
	require.NoError(t, w.Run(context.Background(), b, nil))

	got, ok := srv.File("/report")
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))
	_, ok = srv.File("/.report")
	assert.False(t, ok, "lock name must not survive the rename")

	commands := srv.Commands()
	stor := cmdIndex(commands, "STOR .report")
	rnfr := cmdIndex(commands, "RNFR .report")
	rnto := cmdIndex(commands, "RNTO report")
	require.GreaterOrEqual(t, stor, 0)
	require.GreaterOrEqual(t, rnfr, 0)
	require.GreaterOrEqual(t, rnto, 0)
	assert.Less(t, stor, rnfr)
	assert.Less(t, rnfr, rnto)
}

func TestRunResumesWithAppendOffset(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.PutFile("/bulletin", []byte("half sent "))

	w := newTestWorker(t)
	w.FSA.Hosts[0].FileSizeOffset = fsa.SizeOffsetAuto
	dir := writeSpool(t, map[string]string{"bulletin": "half sent and the rest"})

	b := testBatch(srv, dir, "/", 3)
	b.Msg.Options.RestartFiles = []string{"bulletin"}
	require.NoError(t, w.Run(context.Background(), b, nil))

	got, ok := srv.File("/bulletin")
	require.True(t, ok)
	assert.Equal(t, "half sent and the rest", string(got))

	commands := srv.Commands()
	assert.GreaterOrEqual(t, cmdIndex(commands, "SIZE bulletin"), 0)
	assert.GreaterOrEqual(t, cmdIndex(commands, "REST 10"), 0)
}

func TestRunDuplicateDeleteOnSecondDelivery(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	dup, err := OpenDupStore(filepath.Join(t.TempDir(), "dup"))
	require.NoError(t, err)
	defer dup.Close()
	w.Dup = dup

	logDir := t.TempDir()
	del, err := OpenRecordLog(logDir, DeleteLogFile)
	require.NoError(t, err)
	defer del.Close()
	w.Del = del

	send := func(jobID uint32) {
		dir := writeSpool(t, map[string]string{"data": "same bytes every day"})
		b := testBatch(srv, dir, "/", jobID)
		b.Msg.Options.DupCheck = msgfile.DupCheck{Timeout: 3600, Flag: msgfile.DupDelete}
		require.NoError(t, w.Run(context.Background(), b, nil))
		ents, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, ents, "spool drained either way")
	}

	send(9)
	firstStors := cmdIndex(srv.Commands(), "STOR data")
	require.GreaterOrEqual(t, firstStors, 0)

	send(9)
	stors := 0
	for _, c := range srv.Commands() {
		if strings.HasPrefix(c, "STOR data") {
			stors++
		}
	}
	assert.Equal(t, 1, stors, "second delivery must not transfer")

	rec, err := os.ReadFile(filepath.Join(logDir, DeleteLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(rec), DelDupCheck)
}

func TestRunBurstReusesSessionAcrossDirectories(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	dir1 := writeSpool(t, map[string]string{"one": "1111"})
	dir2 := writeSpool(t, map[string]string{"two": "2222"})

	b1 := testBatch(srv, dir1, "/in", 1)
	b1.Msg.Options.CreateTargetDir = true
	b2 := testBatch(srv, dir2, "/out", 2)
	b2.Msg.Options.CreateTargetDir = true

	batches := []*Batch{b2}
	next := func() *Batch {
		if len(batches) == 0 {
			return nil
		}
		b := batches[0]
		batches = batches[1:]
		return b
	}
	require.NoError(t, w.Run(context.Background(), b1, next))

	_, ok := srv.File("/in/one")
	assert.True(t, ok)
	_, ok = srv.File("/out/two")
	assert.True(t, ok)

	users := 0
	for _, c := range srv.Commands() {
		if strings.HasPrefix(c, "USER ") {
			users++
		}
	}
	assert.Equal(t, 1, users, "burst must reuse the control session")
	assert.GreaterOrEqual(t, cmdIndex(srv.Commands(), "CWD /out"), 0)
}

func TestRunAgeLimitDeletesWithoutSending(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	logDir := t.TempDir()
	del, err := OpenRecordLog(logDir, DeleteLogFile)
	require.NoError(t, err)
	defer del.Close()
	w.Del = del

	dir := writeSpool(t, map[string]string{"stale": "too old to matter"})
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "stale"), old, old))

	b := testBatch(srv, dir, "/", 4)
	b.Msg.Options.AgeLimit = 60
	require.NoError(t, w.Run(context.Background(), b, nil))

	_, ok := srv.File("/stale")
	assert.False(t, ok)
	assert.Equal(t, -1, cmdIndex(srv.Commands(), "STOR"))

	rec, err := os.ReadFile(filepath.Join(logDir, DeleteLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(rec), DelAgeLimit)
}

func TestRunRetriesWithRenameWhenRemoteBusy(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.RefuseStor = map[string]string{"locked": "Cannot STOR. No permission."}

	w := newTestWorker(t)
	dir := writeSpool(t, map[string]string{"locked": "body"})

	b := testBatch(srv, dir, "/", 5)
	b.Msg.Options.RenameFileBusy = '_'
	require.NoError(t, w.Run(context.Background(), b, nil))

	got, ok := srv.File("/locked_")
	require.True(t, ok)
	assert.Equal(t, "body", string(got))
}

func TestRunGenericRefusalDoesNotRename(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.RefuseStor = map[string]string{"locked": "File busy"}

	w := newTestWorker(t)
	dir := writeSpool(t, map[string]string{"locked": "body"})

	b := testBatch(srv, dir, "/", 5)
	b.Msg.Options.RenameFileBusy = '_'
	err = w.Run(context.Background(), b, nil)
	require.Error(t, err)

	_, ok := srv.File("/locked_")
	assert.False(t, ok, "generic refusals must fail fast, not rename")
}

func TestRunSiblingSlotAlreadySendingSameFile(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	logDir := t.TempDir()
	del, err := OpenRecordLog(logDir, DeleteLogFile)
	require.NoError(t, err)
	defer del.Close()
	w.Del = del

	// Slot 1 pretends to be mid-transfer of the same name for the
	// same job.
	sib := &w.FSA.Hosts[0].Job[1]
	sib.PID = 4242
	sib.JobID = 6
	sib.SetFileNameInUse("shared")

	dir := writeSpool(t, map[string]string{"shared": "contested"})
	b := testBatch(srv, dir, "/", 6)
	require.NoError(t, w.Run(context.Background(), b, nil))

	_, ok := srv.File("/shared")
	assert.False(t, ok, "duplicate must not be transferred")
	rec, err := os.ReadFile(filepath.Join(logDir, DeleteLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(rec), DelFiuDup)
}

func TestRunBadLoginReportsUserError(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.User = "real"
	srv.Pass = "secret"

	w := newTestWorker(t)
	dir := writeSpool(t, map[string]string{"f": "x"})

	b := testBatch(srv, dir, "/", 8)
	err = w.Run(context.Background(), b, nil)
	var x *ExitError
	require.ErrorAs(t, err, &x)
	assert.Equal(t, ExitUserError, x.Code)
	assert.Equal(t, int32(1), w.FSA.Hosts[0].ErrorCounter)
}

func TestKilledMidBatchWritesSummaryRecord(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	logDir := t.TempDir()
	out, err := OpenRecordLog(logDir, OutputLogFile)
	require.NoError(t, err)
	defer out.Close()
	w.Out = out

	// Termination lands after the first delivery.
	w.Killed = func() bool { return len(srv.Files()) > 0 }

	dir := writeSpool(t, map[string]string{"a.txt": "first", "b.txt": "second"})
	err = w.Run(context.Background(), testBatch(srv, dir, "/", 7), nil)
	assert.Equal(t, ExitGotKilled, ExitCodeOf(err))

	rec, err := os.ReadFile(filepath.Join(logDir, OutputLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(rec), "1 of 2 files")

	s := w.slot()
	assert.Zero(t, s.FileSizeInUse)
	assert.Empty(t, s.FileNameInUseStr())
}

func TestKeepaliveRefreshesQuietControlChannel(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	w.host().SetStatus(fsa.StatusStatKeepalive)

	dir := writeSpool(t, map[string]string{"a.txt": "x"})
	sess, xerr := w.connect(context.Background(), testBatch(srv, dir, "/", 1))
	require.Nil(t, xerr)
	defer sess.conn.Quit()

	// The channel just carried the login, nothing to refresh yet.
	w.maybeKeepalive(sess)
	assert.Equal(t, -1, cmdIndex(srv.Commands(), "STAT"))

	sess.lastKeepalive = time.Now().Add(-time.Minute)
	w.maybeKeepalive(sess)
	assert.GreaterOrEqual(t, cmdIndex(srv.Commands(), "STAT"), 0)
	assert.WithinDuration(t, time.Now(), sess.lastKeepalive, time.Second)
}

func TestEndSessionClosesSocketWhenQuitSuppressed(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	dir := writeSpool(t, map[string]string{"a.txt": "x"})
	sess, xerr := w.connect(context.Background(), testBatch(srv, dir, "/", 1))
	require.Nil(t, xerr)

	conn := sess.conn
	w.endSession(sess, &ExitError{Code: ExitWriteRemoteError, NoQuit: true})
	assert.Nil(t, sess.conn)
	assert.Equal(t, -1, cmdIndex(srv.Commands(), "QUIT"))
	assert.Error(t, conn.Keepalive(), "control socket should already be closed")
}

func TestRunArchivesDeliveredFiles(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	w := newTestWorker(t)
	w.ArchiveBase = t.TempDir()
	dir := writeSpool(t, map[string]string{"keepme": "archived body"})

	b := testBatch(srv, dir, "/", 11)
	b.Msg.Options.ArchiveTime = 3600
	require.NoError(t, w.Run(context.Background(), b, nil))

	_, ok := srv.File("/keepme")
	assert.True(t, ok)

	var archived []string
	err = filepath.WalkDir(w.ArchiveBase, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			archived = append(archived, d.Name())
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"keepme"}, archived)
}
