package afdd

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"

	"github.com/afd-project/afd/internal/logger"
)

// LogFileName maps a stream kind to the local log file name. Unknown
// kinds return "".
func LogFileName(kind byte) string {
	switch kind {
	case KindSystem:
		return "SYSTEM_LOG"
	case KindEvent:
		return "EVENT_LOG"
	case KindReceive:
		return "RECEIVE_LOG"
	case KindTransfer:
		return "TRANSFER_LOG"
	case KindTransferDebug:
		return "TRANS_DB_LOG"
	case KindInput:
		return "INPUT_LOG"
	case KindDistribution:
		return "DISTRIBUTION_LOG"
	case KindProduction:
		return "PRODUCTION_LOG"
	case KindOutput:
		return "OUTPUT_LOG"
	case KindDelete:
		return "DELETE_LOG"
	}
	return ""
}

// StreamKinds lists every kind the server offers, in stream order.
var StreamKinds = []byte{
	KindSystem, KindEvent, KindReceive, KindTransfer, KindTransferDebug,
	KindInput, KindDistribution, KindProduction, KindOutput, KindDelete,
}

// compressThreshold is the payload size above which frames are sent
// zlib compressed.
const compressThreshold = 1024

// Config carries the server wiring.
type Config struct {
	// Source produces the current status sample.
	Source func() Stat

	// LogDir holds the log files offered on the log stream.
	LogDir string

	// PollInterval is how often streamed log files are checked for new
	// data. NopInterval is the heartbeat period on an idle stream.
	PollInterval time.Duration
	NopInterval  time.Duration

	// OnGotLC, when set, is called once a monitor acknowledges the log
	// capabilities.
	OnGotLC func(remote string)
}

// Server is the peer-side control and log-stream endpoint.
type Server struct {
	cfg Config

	l            net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	closed       atomic.Bool
}

// New builds a server; call Serve with a listener to start it.
func New(cfg Config) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.NopInterval <= 0 {
		cfg.NopInterval = 25 * time.Second
	}
	return &Server{cfg: cfg}
}

// Serve accepts sessions until Close. It owns the listener.
func (s *Server) Serve(l net.Listener) {
	s.l = l
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// SetShuttingDown flips the scheduled-shutdown state: status commands
// start answering with the shutting-down reply class.
func (s *Server) SetShuttingDown() { s.shuttingDown.Store(true) }

// Close stops the listener and waits for sessions to drain.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.l != nil {
		s.l.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	// Session id correlates the log lines of one monitor connection.
	session := uuid.NewString()
	logger.Debug("session opened", "session", session,
		logger.Peer(conn.RemoteAddr().String()))
	defer logger.Debug("session closed", "session", session)
	host, _ := os.Hostname()
	fmt.Fprintf(conn, "%d %s AFDD ready\r\n", CodeReady, host)

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch strings.ToUpper(cmd) {
		case CmdStartStat, CmdStat:
			if s.shuttingDown.Load() {
				fmt.Fprintf(conn, "%d AFDD shutting down\r\n", CodeShuttingDown)
				continue
			}
			fmt.Fprintf(conn, "%d %s\r\n", CodeStat, s.cfg.Source().Encode())
		case CmdGotLC:
			if s.cfg.OnGotLC != nil {
				s.cfg.OnGotLC(conn.RemoteAddr().String())
			}
			fmt.Fprintf(conn, "%d OK\r\n", CodeOK)
		case CmdLog:
			fmt.Fprintf(conn, "%d OK\r\n", CodeOK)
			s.streamLogs(conn, arg)
			return
		case CmdQuit:
			fmt.Fprintf(conn, "%d Goodbye\r\n", CodeBye)
			return
		default:
			fmt.Fprintf(conn, "%d Unknown command\r\n", CodeUnknown)
		}
	}
}

// logTail tracks the streaming position inside one local log file.
type logTail struct {
	kind     byte
	path     string
	offset   int64
	inode    uint64
	packetNo uint32
}

func fileInode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// streamLogs tails every offered log file and frames appended bytes
// onto the connection until it drops or the server closes.
func (s *Server) streamLogs(conn net.Conn, arg string) {
	var tails []*logTail
	for _, kind := range StreamKinds {
		if arg != "" && !strings.ContainsRune(arg, rune(kind)) {
			continue
		}
		path := filepath.Join(s.cfg.LogDir, LogFileName(kind))
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		t := &logTail{kind: kind, path: path, inode: fileInode(fi)}
		if _, err := conn.Write(EncodeInode(kind, t.inode, 0)); err != nil {
			return
		}
		tails = append(tails, t)
	}

	lastSent := time.Now()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if s.closed.Load() {
			return
		}
		sent := false
		for _, t := range tails {
			ok, wrote := s.shipTail(conn, t)
			if !ok {
				return
			}
			sent = sent || wrote
		}
		if sent {
			lastSent = time.Now()
		} else if time.Since(lastSent) >= s.cfg.NopInterval {
			if _, err := conn.Write(EncodeNop()); err != nil {
				return
			}
			lastSent = time.Now()
		}
	}
}

// shipTail sends any new bytes of one log file, re-announcing the
// inode when the file was rotated underneath.
func (s *Server) shipTail(conn net.Conn, t *logTail) (ok, wrote bool) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return true, false
	}
	if ino := fileInode(fi); ino != t.inode {
		t.inode = ino
		t.offset = 0
		if _, err := conn.Write(EncodeInode(t.kind, ino, 0)); err != nil {
			return false, false
		}
	}
	if fi.Size() <= t.offset {
		if fi.Size() < t.offset {
			t.offset = 0
		}
		return true, false
	}

	f, err := os.Open(t.path)
	if err != nil {
		return true, false
	}
	defer f.Close()
	payload := make([]byte, fi.Size()-t.offset)
	n, err := f.ReadAt(payload, t.offset)
	if n == 0 && err != nil {
		return true, false
	}
	payload = payload[:n]
	t.offset += int64(n)

	options := uint32(CompressNone)
	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, werr := zw.Write(payload)
		if cerr := zw.Close(); werr == nil && cerr == nil {
			payload = buf.Bytes()
			options = CompressZlib
		} else {
			logger.Debug("log frame compression failed, sending raw")
		}
	}
	if _, err := conn.Write(EncodeFrame(t.kind, options, t.packetNo, payload)); err != nil {
		return false, false
	}
	t.packetNo++
	return true, true
}
