// Package worker implements the FTP transfer worker: it takes a batch
// of queued files plus its message, opens one control session and moves
// every file to the remote side, keeping the per-slot counters in the
// FSA current the whole time. One worker owns exactly one FSA slot.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/ftp"
	"github.com/afd-project/afd/pkg/metrics"
	"github.com/afd-project/afd/pkg/msgfile"
)

const defaultBlockSize = 4096

// Batch is one unit of queued work: a spool directory holding the
// files of a single job instance.
type Batch struct {
	Dir     string
	MsgName string
	Msg     *msgfile.Message
	JobID   uint32
	Retries int

	// Files lists the basenames to send. When empty the spool
	// directory is scanned.
	Files []string
}

// Worker is one transfer process bound to an FSA slot.
type Worker struct {
	FSA  *fsa.FSA
	Pos  int // host index in the FSA
	Slot int // job slot inside the host entry

	Dup   *DupStore     // nil disables duplicate checking
	Out   *RecordLogger // nil disables output records
	Del   *RecordLogger // nil disables delete records
	Rules RenameRules

	ArchiveBase string
	TLSConfig   *tls.Config
	Metrics     metrics.TransferMetrics // nil disables collection

	// Killed is polled between data blocks; a true return aborts the
	// transfer with the got-killed exit code.
	Killed func() bool

	unique uint32
}

func (w *Worker) host() *fsa.Entry { return &w.FSA.Hosts[w.Pos] }

func (w *Worker) slot() *fsa.JobStatus { return &w.host().Job[w.Slot] }

func (w *Worker) killed() bool { return w.Killed != nil && w.Killed() }

// session is the live control connection plus the batch-level state
// that decides what a burst continuation may reuse.
type session struct {
	conn *ftp.Client
	user string
	pass string
	home string
	dir  string
	mode byte

	connectedAt   time.Time
	lastKeepalive time.Time
	lockfile      string
}

// Run transfers the first batch and then keeps pulling burst
// continuations from next until it returns nil or the keep-connected
// dwell runs out. The returned error, if any, is an *ExitError.
func (w *Worker) Run(ctx context.Context, first *Batch, next func() *Batch) error {
	e := w.host()
	s := w.slot()

	werr := w.FSA.WithConnLock(func() error {
		e.Connections++
		e.ActiveTransfers++
		s.ConnectStatus = fsa.Connecting
		s.PID = int32(os.Getpid())
		return nil
	})
	if werr != nil {
		return exitErr(ExitConnectError, werr)
	}
	defer func() {
		_ = w.FSA.WithConnLock(func() error {
			e.Connections--
			e.ActiveTransfers--
			s.Reset()
			s.ConnectStatus = fsa.NotWorking
			s.PID = 0
			return nil
		})
	}()

	sess, xerr := w.connect(ctx, first)
	if xerr != nil {
		w.noteError(xerr)
		return xerr
	}
	defer func() {
		if sess.conn != nil {
			_ = sess.conn.Close()
		}
	}()

	for b := first; b != nil; {
		if xerr := w.sendBatch(ctx, sess, b); xerr != nil {
			if xerr.Code == ExitGotKilled {
				w.killedSummary(b)
			}
			w.endSession(sess, xerr)
			w.noteError(xerr)
			return xerr
		}

		if next == nil {
			break
		}
		if e.KeepConnected > 0 &&
			time.Since(sess.connectedAt) > time.Duration(e.KeepConnected)*time.Second {
			logger.Debug("keep connected dwell exceeded, ending session",
				logger.Host(e.Alias()))
			break
		}
		nb := next()
		if nb == nil {
			break
		}
		b = nb
		if xerr := w.reuseOrReconnect(ctx, sess, b); xerr != nil {
			w.noteError(xerr)
			return xerr
		}
	}

	if err := sess.conn.Quit(); err != nil {
		logger.Debug("quit failed", logger.Host(e.Alias()), logger.Err(err))
	}
	sess.conn = nil

	e.LastConnection = time.Now().Unix()
	if e.ErrorCounter > 0 {
		_ = w.FSA.LockEntry(w.Pos)
		e.ErrorCounter = 0
		_ = w.FSA.UnlockEntry(w.Pos)
	}
	return nil
}

// endSession tears the control connection down after a batch failure.
// Errors from a broken control channel skip QUIT but still close the
// socket so the descriptor is not held for the rest of the process.
func (w *Worker) endSession(sess *session, xerr *ExitError) {
	if sess.conn == nil {
		return
	}
	if xerr.NoQuit {
		_ = sess.conn.Close()
	} else {
		_ = sess.conn.Quit()
	}
	sess.conn = nil
}

// connect opens the control session for a batch and logs in.
func (w *Worker) connect(ctx context.Context, b *Batch) (*session, *ExitError) {
	e := w.host()
	s := w.slot()

	u, err := b.Msg.URL()
	if err != nil {
		return nil, exitErr(ExitConnectError, err)
	}
	user := u.User.Username()
	pass, _ := u.User.Password()

	hostname := e.CurrentRealHostname()
	if hostname == "" {
		hostname = u.Hostname()
	}
	port := e.Port
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	if port <= 0 {
		port = 21
	}
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))

	cfg := ftp.Config{Timeout: time.Duration(e.TransferTimeout) * time.Second}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	secure := e.Protocol&fsa.ProtoFTPS != 0 || u.Scheme == "ftps"
	if secure {
		cfg.TLS = w.TLSConfig
		if cfg.TLS == nil {
			cfg.TLS = &tls.Config{ServerName: hostname}
		}
		cfg.DataTLS = true
	}

	conn, err := ftp.Dial(ctx, addr, cfg)
	if err != nil {
		w.noteConnection(connectOutcome(err))
		return nil, exitErr(ExitConnectError, err)
	}
	if secure {
		if err := conn.AuthTLS(ctx); err != nil {
			conn.Close()
			w.noteConnection("auth")
			return nil, exitErr(ExitAuthError, err)
		}
	}

	sess := &session{
		conn:        conn,
		user:        user,
		pass:        pass,
		connectedAt: time.Now(),
	}
	if xerr := w.login(sess, b); xerr != nil {
		conn.Close()
		w.noteConnection("auth")
		return nil, xerr
	}
	w.noteConnection("ok")
	logger.Debug("connected", logger.Host(e.Alias()),
		logger.Peer(addr), logger.JobID(b.JobID))
	s.ConnectStatus = fsa.Connected
	return sess, nil
}

func (w *Worker) login(sess *session, b *Batch) *ExitError {
	e := w.host()

	needPass, err := sess.conn.User(sess.user)
	if err != nil {
		return exitErr(ExitUserError, err)
	}
	if needPass {
		if err := sess.conn.Pass(sess.pass); err != nil {
			return exitErr(ExitPasswordError, err)
		}
	}

	if o := b.Msg.Options.ExecOnLogin; o != "" {
		if err := sess.conn.Site(o); err != nil {
			logger.Warn("login site command failed",
				logger.Host(e.Alias()), logger.Err(err))
		}
	}
	if e.HasStatus(fsa.StatusSetIdle) && e.TransferTimeout > 0 {
		if err := sess.conn.Idle(int(e.TransferTimeout)); err != nil {
			logger.Debug("set idle failed", logger.Host(e.Alias()), logger.Err(err))
		}
	}
	if e.HasStatus(fsa.StatusSendUTF8On) {
		if err := sess.conn.UTF8On(); err != nil {
			logger.Debug("opts utf8 failed", logger.Host(e.Alias()), logger.Err(err))
		}
	}
	if home, err := sess.conn.Pwd(); err == nil {
		sess.home = home
	}
	sess.dir = ""
	sess.mode = 0
	sess.lastKeepalive = time.Now()
	return nil
}

// reuseOrReconnect prepares the session for the next batch of a burst.
// A different user forces a fresh login on a fresh connection; the
// target directory and transfer type are re-issued lazily by sendBatch.
func (w *Worker) reuseOrReconnect(ctx context.Context, sess *session, b *Batch) *ExitError {
	u, err := b.Msg.URL()
	if err != nil {
		return exitErr(ExitConnectError, err)
	}
	user := u.User.Username()
	pass, _ := u.User.Password()
	if user == sess.user && pass == sess.pass {
		w.maybeKeepalive(sess)
		return nil
	}
	_ = sess.conn.Quit()
	ns, xerr := w.connect(ctx, b)
	if xerr != nil {
		sess.conn = nil
		return xerr
	}
	*sess = *ns
	return nil
}

// effectiveMode maps the job transfer mode to the TYPE actually sent.
// DOS mode is binary unless the host asks to ignore binary, in which
// case no TYPE is issued at all.
func (w *Worker) effectiveMode(mode byte) byte {
	if mode == msgfile.ModeDOS {
		if w.host().HasStatus(fsa.StatusIgnoreBinary) {
			return msgfile.ModeNone
		}
		return msgfile.ModeBinary
	}
	return mode
}

func (w *Worker) sendBatch(ctx context.Context, sess *session, b *Batch) *ExitError {
	s := w.slot()
	o := &b.Msg.Options

	files, sizes, total, err := w.listBatch(b)
	if err != nil {
		return exitErr(ExitOpenLocalError, err)
	}
	if len(files) == 0 {
		return nil
	}

	s.JobID = b.JobID
	s.NoOfFiles = int32(len(files))
	s.NoOfFilesDone = 0
	s.FileSize = total
	s.FileSizeDone = 0
	s.SetUniqueName(b.MsgName)

	u, err := b.Msg.URL()
	if err != nil {
		return exitErr(ExitChdirError, err)
	}
	// A single leading slash means relative to the login directory; a
	// double slash addresses an absolute remote path. Relative targets
	// are resolved against the recorded login directory so that burst
	// continuations land in the right place regardless of where the
	// previous batch left the session.
	targetDir := strings.TrimPrefix(u.Path, "/")
	if strings.HasPrefix(u.Path, "//") {
		targetDir = "/" + targetDir
	} else if targetDir != "" && sess.home != "" {
		targetDir = path.Join(sess.home, targetDir)
	}
	if targetDir != "" && targetDir != sess.dir {
		var err error
		if o.CreateTargetDir {
			err = sess.conn.CwdCreate(targetDir, o.DirMode)
		} else {
			err = sess.conn.Cwd(targetDir)
		}
		if err != nil {
			return w.wrapSendErr(ExitChdirError, err)
		}
		sess.dir = targetDir
	}

	mode := w.effectiveMode(o.TransferMode)
	if mode != msgfile.ModeNone && mode != sess.mode {
		if err := sess.conn.Type(mode); err != nil {
			return w.wrapSendErr(ExitTypeError, err)
		}
		sess.mode = mode
	}

	if o.Lock == msgfile.LockLockfile {
		if xerr := w.putLockfile(sess, o); xerr != nil {
			return xerr
		}
	}

	s.ConnectStatus = fsa.TransferActive
	for i, name := range files {
		if w.killed() {
			return exitErr(ExitGotKilled, errors.New("termination requested"))
		}
		if xerr := w.sendFile(ctx, sess, b, name, sizes[i]); xerr != nil {
			return xerr
		}
	}
	s.ConnectStatus = fsa.Connected

	if sess.lockfile != "" {
		if err := sess.conn.Dele(sess.lockfile); err != nil {
			return w.wrapSendErr(ExitRemoveLockfileError, err)
		}
		sess.lockfile = ""
	}
	return nil
}

// listBatch resolves the file list of a batch and stats every file.
// Vanished files are tolerated; another worker may have taken them.
func (w *Worker) listBatch(b *Batch) (names []string, sizes []int64, total int64, err error) {
	cand := b.Files
	if len(cand) == 0 {
		ents, err := os.ReadDir(b.Dir)
		if err != nil {
			return nil, nil, 0, err
		}
		for _, ent := range ents {
			if ent.IsDir() {
				continue
			}
			cand = append(cand, ent.Name())
		}
	}
	for _, name := range cand {
		fi, err := os.Stat(filepath.Join(b.Dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, 0, err
		}
		names = append(names, name)
		sizes = append(sizes, fi.Size())
		total += fi.Size()
	}
	return names, sizes, total, nil
}

func (w *Worker) putLockfile(sess *session, o *msgfile.Options) *ExitError {
	name := o.LockNotation
	if name == "" || name == "." {
		name = ".lock"
	}
	dw, err := sess.conn.Stor(name, 0)
	if err != nil {
		return w.wrapSendErr(ExitOpenRemoteError, err)
	}
	if err := dw.Close(); err != nil {
		return w.wrapSendErr(ExitCloseRemoteError, err)
	}
	sess.lockfile = name
	return nil
}

// remoteNames derives the final and initial (locked) remote names of a
// local file from the job options.
func (w *Worker) remoteNames(b *Batch, name string) (initial, final string) {
	o := &b.Msg.Options

	final = name
	if o.TransRename != "" {
		final = w.Rules.Apply(o.TransRename, final)
	}
	if o.Name2Dir != "" {
		final = path.Join(o.Name2Dir, final)
	}

	switch {
	case o.SequenceLock:
		final = fmt.Sprintf("%s-%d", final, b.Retries)
		initial = final
	case o.UniqueLock:
		w.unique++
		initial = fmt.Sprintf("%s.%d_%d", final, os.Getpid(), w.unique)
	default:
		dir, base := path.Split(final)
		switch o.Lock {
		case msgfile.LockDot:
			notation := o.LockNotation
			if notation == "" {
				notation = "."
			}
			initial = dir + notation + base
		case msgfile.LockDotVMS:
			initial = dir + "." + base + "."
		case msgfile.LockPostfix:
			initial = final + o.LockNotation
		default:
			initial = final
		}
	}
	return initial, final
}

// appendOffset looks up the remote size of a partially sent file so the
// transfer can resume with REST. A failed lookup falls back to a full
// resend.
func (w *Worker) appendOffset(sess *session, b *Batch, name, remoteName string) int64 {
	e := w.host()
	found := false
	for _, r := range b.Msg.Options.RestartFiles {
		if r == name {
			found = true
			break
		}
	}
	if !found || e.FileSizeOffset == fsa.SizeOffsetNone {
		return 0
	}

	if e.FileSizeOffset == fsa.SizeOffsetAuto {
		n, err := sess.conn.Size(remoteName)
		if err != nil {
			logger.Warn("remote size lookup failed, sending from start",
				logger.Host(e.Alias()), logger.File(name), logger.Err(err))
			return 0
		}
		return n
	}

	var lines []string
	var err error
	if e.HasStatus(fsa.StatusUseStatList) {
		lines, err = sess.conn.StatList(remoteName)
	} else {
		lines, err = sess.conn.List(remoteName)
	}
	if err != nil {
		logger.Warn("remote list failed, sending from start",
			logger.Host(e.Alias()), logger.File(name), logger.Err(err))
		return 0
	}
	line := ftp.FindListLine(lines, path.Base(remoteName))
	if line == "" {
		return 0
	}
	n, err := ftp.SizeFromList(line, int(e.FileSizeOffset))
	if err != nil {
		logger.Warn("list line without a size field, sending from start",
			logger.Host(e.Alias()), logger.File(name), logger.Err(err))
		return 0
	}
	return n
}

// busyReplies are the server texts that mean the remote name is held
// by a running reader. Only these trigger the rename-file-busy retry;
// anything else fails fast.
var busyReplies = []string{
	"cannot open or remove a file containing a running program",
	"cannot stor. no permission",
}

func isBusyReply(err error) bool {
	var re *ftp.ReplyError
	if !errors.As(err, &re) {
		return false
	}
	msg := strings.ToLower(re.Msg)
	for _, b := range busyReplies {
		if strings.Contains(msg, b) {
			return true
		}
	}
	return false
}

func (w *Worker) sendFile(ctx context.Context, sess *session, b *Batch, name string, size int64) *ExitError {
	e := w.host()
	s := w.slot()
	o := &b.Msg.Options
	local := filepath.Join(b.Dir, name)
	start := time.Now()

	if o.AgeLimit > 0 {
		fi, err := os.Stat(local)
		if err == nil && time.Since(fi.ModTime()) > time.Duration(o.AgeLimit)*time.Second {
			return w.deleteLocal(b, local, name, size, DelAgeLimit, OTAgeLimitDelete)
		}
	}
	if size == 0 && !o.SendZeroSize {
		logger.Debug("dropping zero size file",
			logger.Host(e.Alias()), logger.File(name))
		return w.deleteLocal(b, local, name, size, DelZeroSize, OTAgeLimitDelete)
	}

	var crc uint32
	dupHit := false
	if w.Dup != nil && o.DupCheck.Timeout > 0 {
		var err error
		crc, err = FileCRC(local)
		if err != nil {
			return exitErr(ExitReadLocalError, err)
		}
		dupHit, err = w.Dup.Check(b.JobID, crc,
			time.Duration(o.DupCheck.Timeout)*time.Second)
		if err != nil {
			logger.Warn("duplicate check unavailable",
				logger.Host(e.Alias()), logger.Err(err))
		}
		if dupHit {
			if o.DupCheck.Flag&msgfile.DupWarn != 0 {
				logger.Warn("duplicate file",
					logger.Host(e.Alias()), logger.File(name), logger.JobID(b.JobID))
			}
			if o.DupCheck.Flag&msgfile.DupDelete != 0 {
				return w.deleteLocal(b, local, name, size, DelDupCheck, OTDuplicateDelete)
			}
		}
	}

	initial, final := w.remoteNames(b, name)

	// Another slot of this host may already be sending the very same
	// file for the same job. Advertise ours, or drop the duplicate.
	claimed := false
	_ = w.FSA.WithFiuLock(func() error {
		for i := range e.Job {
			if i == w.Slot {
				continue
			}
			j := &e.Job[i]
			if j.PID != 0 && j.JobID == b.JobID && j.FileNameInUseStr() == final {
				return nil
			}
		}
		s.SetFileNameInUse(final)
		s.FileSizeInUse = size
		s.FileSizeInUseDone = 0
		claimed = true
		return nil
	})
	if !claimed {
		return w.deleteLocal(b, local, name, size, DelFiuDup, OTDuplicateDelete)
	}

	if o.SequenceLock && b.Retries > 0 {
		prev := fmt.Sprintf("%s-%d", strings.TrimSuffix(final, fmt.Sprintf("-%d", b.Retries)), b.Retries-1)
		if err := sess.conn.Dele(prev); err != nil {
			logger.Debug("previous sequence name not removed",
				logger.Host(e.Alias()), logger.File(prev), logger.Err(err))
		}
	}

	offset := w.appendOffset(sess, b, name, initial)
	if offset > size {
		offset = 0
	}

	dw, err := sess.conn.Stor(initial, offset)
	if err != nil && isBusyReply(err) && o.RenameFileBusy != 0 {
		initial += string(o.RenameFileBusy)
		final += string(o.RenameFileBusy)
		logger.Warn("remote name busy, retrying with rename",
			logger.Host(e.Alias()), logger.File(initial))
		if w.Metrics != nil {
			w.Metrics.RecordRetry(e.Alias())
		}
		dw, err = sess.conn.Stor(initial, 0)
		offset = 0
	}
	if err != nil {
		w.releaseClaim()
		return w.wrapSendErr(ExitOpenRemoteError, err)
	}

	f, err := os.Open(local)
	if err != nil {
		dw.Abort()
		w.releaseClaim()
		return exitErr(ExitOpenLocalError, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			dw.Abort()
			w.releaseClaim()
			return exitErr(ExitReadLocalError, err)
		}
		s.FileSizeInUseDone = offset
	}

	headerBytes := 0
	if o.WMOHeader || o.FileNameIsHeader {
		h := WMOHeader(name)
		if _, err := dw.Write(h); err != nil {
			f.Close()
			dw.Abort()
			w.releaseClaim()
			return w.wrapSendErr(ExitWriteRemoteError, err)
		}
		headerBytes += len(h)
	}

	sent, xerr := w.copyBody(ctx, sess, dw, f, o, size-offset)
	f.Close()
	if xerr != nil {
		dw.Abort()
		w.releaseClaim()
		return xerr
	}

	if o.WMOHeader || o.FileNameIsHeader {
		t := WMOTrailer()
		if _, err := dw.Write(t); err != nil {
			dw.Abort()
			w.releaseClaim()
			return w.wrapSendErr(ExitWriteRemoteError, err)
		}
		headerBytes += len(t)
	}

	if err := dw.Close(); err != nil {
		w.releaseClaim()
		if size > 0 {
			return w.wrapSendErr(ExitCloseRemoteError, err)
		}
		logger.Debug("close reply ignored for empty file",
			logger.Host(e.Alias()), logger.Err(err))
	}

	if e.HasStatus(fsa.StatusCheckSize) || e.HasStatus(fsa.StatusMatchRemoteSize) || o.CheckSize || o.MatchRemoteSize {
		if xerr := w.verifySize(sess, b, initial, sent+offset+int64(headerBytes), crc); xerr != nil {
			w.releaseClaim()
			return xerr
		}
	}

	if o.KeepTimestamp {
		if fi, err := os.Stat(local); err == nil {
			if err := sess.conn.SetModTime(initial, fi.ModTime()); err != nil {
				logger.Debug("mdtm not honoured", logger.Host(e.Alias()), logger.Err(err))
			}
		}
	}
	if o.Chmod != "" {
		if err := sess.conn.Chmod(o.Chmod, initial); err != nil {
			logger.Warn("remote chmod failed",
				logger.Host(e.Alias()), logger.File(initial), logger.Err(err))
		}
	}

	if initial != final {
		if err := sess.conn.Rename(initial, final); err != nil {
			w.releaseClaim()
			return w.wrapSendErr(ExitMoveRemoteError, err)
		}
	}

	if o.ExecPerFile != "" {
		cmd := strings.ReplaceAll(o.ExecPerFile, "%s", path.Base(final))
		if err := sess.conn.Site(cmd); err != nil {
			logger.Warn("per file site command failed",
				logger.Host(e.Alias()), logger.Err(err))
		}
	}

	// Counter write order matters for readers polling the slot: the
	// done totals move before the in-use fields clear.
	s.FileSizeDone += size
	s.NoOfFilesDone++
	s.FileSizeInUse = 0
	s.FileSizeInUseDone = 0
	s.SetFileNameInUse("")
	_ = w.FSA.AddTransferred(w.Pos, -1, -size)

	archDir := ""
	if o.ArchiveTime >= 0 && w.ArchiveBase != "" {
		archDir = ArchiveDir(w.ArchiveBase, b.JobID, o.ArchiveTime, time.Now())
		if err := os.MkdirAll(archDir, 0o755); err == nil {
			err = ArchiveFile(local, archDir)
		}
		if err != nil {
			logger.Warn("archive failed, removing instead",
				logger.Host(e.Alias()), logger.File(name), logger.Err(err))
			archDir = ""
			_ = os.Remove(local)
		}
	} else {
		if err := os.Remove(local); err != nil {
			logger.Warn("stored file not removed",
				logger.Host(e.Alias()), logger.File(local), logger.Err(err))
		}
	}

	ot := OTNormalDelivered
	if dupHit {
		ot = OTStoredDuplicate
	}
	if w.Out != nil {
		_ = w.Out.Output(OutputRecord{
			Time:       time.Now(),
			Host:       e.Alias(),
			Slot:       w.Slot,
			OutputType: ot,
			LocalName:  name,
			RemoteName: final,
			Size:       size,
			Duration:   time.Since(start),
			Retries:    b.Retries,
			ArchiveDir: archDir,
			JobID:      b.JobID,
		})
	}
	if w.Metrics != nil {
		w.Metrics.RecordFileSent(e.Alias(), uint64(size), time.Since(start))
	}
	logger.Info("sent", logger.Host(e.Alias()), logger.File(name),
		logger.Size(size), logger.JobID(b.JobID), logger.Duration(start))
	return nil
}

// maybeKeepalive sends a STAT on the control channel when the host has
// stat-keepalive set and the channel has been quiet longer than
// max(5, timeout-5) seconds. Called between batches and from the body
// copy loop so a long transfer does not let the control connection
// idle out.
func (w *Worker) maybeKeepalive(sess *session) {
	e := w.host()
	if !e.HasStatus(fsa.StatusStatKeepalive) {
		return
	}
	interval := 5 * time.Second
	if t := time.Duration(e.TransferTimeout) * time.Second; t-5*time.Second > interval {
		interval = t - 5*time.Second
	}
	if time.Since(sess.lastKeepalive) > interval {
		if err := sess.conn.Keepalive(); err == nil {
			sess.lastKeepalive = time.Now()
		}
	}
}

// copyBody streams the file body over the data connection, keeping the
// in-use counters moving and honouring the transfer rate limit, the
// transfer timeout and termination requests.
func (w *Worker) copyBody(ctx context.Context, sess *session, dw *ftp.DataWriter, f *os.File, o *msgfile.Options, remaining int64) (int64, *ExitError) {
	e := w.host()
	s := w.slot()

	blockSize := int(e.BlockSize)
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	buf := make([]byte, blockSize)

	var rl *RateLimiter
	if e.TRLPerProcess > 0 {
		rl = NewRateLimiter(e.TRLPerProcess)
	}
	var deadline time.Time
	if e.HasStatus(fsa.StatusTimeoutTransfer) && e.TransferTimeout > 0 {
		deadline = time.Now().Add(time.Duration(e.TransferTimeout) * time.Second)
	}

	ascii := w.effectiveMode(o.TransferMode) == msgfile.ModeASCII
	var prev byte
	var sent int64
	for remaining > 0 {
		if w.killed() {
			return sent, exitErr(ExitGotKilled, errors.New("termination requested"))
		}
		if err := ctx.Err(); err != nil {
			return sent, exitErr(ExitGotKilled, err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return sent, exitErr(ExitStillFilesToSend,
				errors.New("transfer timeout reached"))
		}
		w.maybeKeepalive(sess)

		n := blockSize
		if int64(n) > remaining {
			n = int(remaining)
		}
		rn, err := f.Read(buf[:n])
		if rn > 0 {
			out := buf[:rn]
			if ascii {
				out = asciiToCRLF(out, prev)
				prev = buf[rn-1]
			}
			wn, werr := dw.Write(out)
			if werr != nil {
				return sent, w.wrapSendErr(ExitWriteRemoteError, werr)
			}
			sent += int64(rn)
			remaining -= int64(rn)
			s.BytesSend += uint64(wn)
			s.FileSizeInUseDone += int64(rn)
			if rl != nil {
				rl.Limit(wn)
			}
		}
		if err != nil {
			return sent, exitErr(ExitReadLocalError, err)
		}
	}
	sess.lastKeepalive = time.Now()
	return sent, nil
}

// verifySize compares the stored remote size against what was sent. A
// mismatch drops the duplicate-check entry so a resend is not
// misclassified as a duplicate.
func (w *Worker) verifySize(sess *session, b *Batch, remote string, expected int64, crc uint32) *ExitError {
	e := w.host()
	var got int64
	var err error
	if e.FileSizeOffset >= 0 {
		var lines []string
		if e.HasStatus(fsa.StatusUseStatList) {
			lines, err = sess.conn.StatList(remote)
		} else {
			lines, err = sess.conn.List(remote)
		}
		if err == nil {
			line := ftp.FindListLine(lines, path.Base(remote))
			got, err = ftp.SizeFromList(line, int(e.FileSizeOffset))
		}
	} else {
		got, err = sess.conn.Size(remote)
	}
	if err != nil {
		return w.wrapSendErr(ExitStatTargetError, err)
	}
	if got != expected {
		if w.Dup != nil && crc != 0 {
			_ = w.Dup.Forget(b.JobID, crc)
		}
		return exitErr(ExitFileSizeMatchError,
			fmt.Errorf("remote size %d, expected %d", got, expected))
	}
	return nil
}

// deleteLocal disposes of a file without sending it and keeps the
// queue totals honest.
func (w *Worker) deleteLocal(b *Batch, local, name string, size int64, reason string, ot int) *ExitError {
	e := w.host()
	s := w.slot()
	if err := os.Remove(local); err != nil {
		logger.Warn("local file not removed",
			logger.Host(e.Alias()), logger.File(local), logger.Err(err))
	}
	s.NoOfFilesDone++
	s.FileSizeDone += size
	_ = w.FSA.AddTransferred(w.Pos, -1, -size)
	if w.Del != nil {
		_ = w.Del.Delete(e.Alias(), name, reason, size, b.JobID)
	}
	if w.Metrics != nil {
		w.Metrics.RecordDelete(e.Alias(), reason)
	}
	if w.Out != nil && ot != OTNormalDelivered {
		_ = w.Out.Output(OutputRecord{
			Time:       time.Now(),
			Host:       e.Alias(),
			Slot:       w.Slot,
			OutputType: ot,
			LocalName:  name,
			Size:       size,
			Retries:    b.Retries,
			JobID:      b.JobID,
		})
	}
	return nil
}

func (w *Worker) noteConnection(outcome string) {
	if w.Metrics != nil {
		w.Metrics.RecordConnection(w.host().Alias(), outcome)
	}
}

// connectOutcome maps a dial error to a metrics label.
func connectOutcome(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "timeout"
		}
		return "refused"
	}
}

// killedSummary records what a terminated batch managed to move, so
// the OUTPUT log accounts for every delivered byte even when the
// worker goes down mid-batch.
func (w *Worker) killedSummary(b *Batch) {
	s := w.slot()
	if w.Out != nil && s.NoOfFilesDone > 0 {
		_ = w.Out.Output(OutputRecord{
			Time:       time.Now(),
			Host:       w.host().Alias(),
			Slot:       w.Slot,
			OutputType: OTBatchSummary,
			LocalName:  fmt.Sprintf("%d of %d files", s.NoOfFilesDone, s.NoOfFiles),
			Size:       s.FileSizeDone,
			Retries:    b.Retries,
			JobID:      b.JobID,
		})
	}
	w.releaseClaim()
}

func (w *Worker) releaseClaim() {
	s := w.slot()
	s.FileSizeInUse = 0
	s.FileSizeInUseDone = 0
	s.SetFileNameInUse("")
}

// wrapSendErr classifies a low level send error: a broken control
// connection forbids the QUIT on the way out, and a remote idle close
// becomes the self-requested requeue.
func (w *Worker) wrapSendErr(code int, err error) *ExitError {
	if ftp.IsTransient(err) {
		return exitErr(ExitStillFilesToSend, err)
	}
	x := exitErr(code, err)
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		x.NoQuit = true
	}
	return x
}

func (w *Worker) noteError(x *ExitError) {
	if x.Code == ExitStillFilesToSend || x.Code == ExitGotKilled {
		return
	}
	e := w.host()
	_ = w.FSA.LockEntry(w.Pos)
	e.ErrorCounter++
	_ = w.FSA.UnlockEntry(w.Pos)
	logger.Error("transfer failed", logger.Host(e.Alias()),
		"exit", exitName(x.Code), logger.Err(x.Err))
}
