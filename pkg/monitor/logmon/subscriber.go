package logmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/afdd"
	"github.com/afd-project/afd/pkg/metrics"
)

// Exit reasons of a subscriber run. The agent schedules a reconnect
// for either.
var (
	ErrMissedPacket   = errors.New("logmon: missed packet")
	ErrLogDataTimeout = errors.New("logmon: log data timeout")
)

// Heartbeat budget: the stream is declared dead when neither data nor
// a NOP arrives within the data interval.
const (
	cmdTimeout       = 30 * time.Second
	logWriteInterval = 5 * time.Second
)

// DefaultDataInterval is max(command timeout, 10 x log write
// interval).
func DefaultDataInterval() time.Duration {
	if d := 10 * logWriteInterval; d > cmdTimeout {
		return d
	}
	return cmdTimeout
}

// DefaultMaxRotations bounds the local .0..N rotation chain.
const DefaultMaxRotations = 4

// kindState is the per-kind receive state.
type kindState struct {
	expected uint32
	started  bool
	file     *os.File
}

// Subscriber mirrors a remote afdd log stream into local files.
type Subscriber struct {
	// Dir receives the local log copies and their inode sidecars.
	Dir string

	// DataInterval overrides the heartbeat budget; zero uses
	// DefaultDataInterval. MaxRotations caps the rotation chain; zero
	// uses DefaultMaxRotations.
	DataInterval time.Duration
	MaxRotations int

	// Peer labels the stream in metrics; Metrics may be nil.
	Peer    string
	Metrics metrics.MonitorMetrics

	kinds map[byte]*kindState
}

func (s *Subscriber) interval() time.Duration {
	if s.DataInterval > 0 {
		return s.DataInterval
	}
	return DefaultDataInterval()
}

func (s *Subscriber) maxRotations() int {
	if s.MaxRotations > 0 {
		return s.MaxRotations
	}
	return DefaultMaxRotations
}

func (s *Subscriber) state(kind byte) *kindState {
	if s.kinds == nil {
		s.kinds = make(map[byte]*kindState)
	}
	ks, ok := s.kinds[kind]
	if !ok {
		ks = &kindState{}
		s.kinds[kind] = ks
	}
	return ks
}

// deadliner is the subset of net.Conn the stream loop needs beyond
// reading; pipes in tests satisfy it too.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Dial connects to the peer, completes the greeting and switches the
// session into log-stream mode.
func Dial(ctx context.Context, addr string, kinds string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	br := newLineReader(conn)
	if _, err := br.line(); err != nil { // greeting
		conn.Close()
		return nil, err
	}
	cmd := afdd.CmdLog
	if kinds != "" {
		cmd += " " + kinds
	}
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := br.line()
	if err != nil {
		conn.Close()
		return nil, err
	}
	code, text, err := afdd.ParseReply(reply)
	if err != nil || code != afdd.CodeOK {
		conn.Close()
		return nil, fmt.Errorf("logmon: log stream refused: %d %s", code, text)
	}
	return conn, nil
}

// Run consumes the stream until it breaks an invariant, the heartbeat
// stops or the context ends.
func (s *Subscriber) Run(ctx context.Context, conn io.Reader) error {
	defer s.closeAll()
	dec := NewDecoder(conn)
	dl, hasDeadline := conn.(deadliner)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if hasDeadline {
			_ = dl.SetReadDeadline(time.Now().Add(s.interval()))
		}
		fr, err := dec.Next()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrLogDataTimeout
			}
			if errors.Is(err, ErrBadFrame) {
				logger.Warn("discarding unparseable log stream data",
					logger.Err(err))
				dec.Discard()
				continue
			}
			return err
		}
		if err := s.handle(fr); err != nil {
			return err
		}
	}
}

func (s *Subscriber) handle(fr Frame) error {
	if fr.Nop {
		return nil
	}
	if fr.Inode {
		return s.handleInode(fr)
	}
	if afdd.LogFileName(fr.Kind) == "" {
		// Forward compatibility: unknown kinds parse structurally and
		// are dropped.
		logger.Debug("discarding unknown log kind",
			"kind", string(fr.Kind))
		return nil
	}

	// Packet 0 is the session restart marker and is always accepted;
	// anything else must continue the sequence without a gap.
	ks := s.state(fr.Kind)
	if fr.PacketNo != 0 && (!ks.started || fr.PacketNo != ks.expected) {
		if s.Metrics != nil {
			s.Metrics.RecordMissedPacket(s.Peer, afdd.LogFileName(fr.Kind))
		}
		return fmt.Errorf("%w: kind %c got %d, expected %d",
			ErrMissedPacket, fr.Kind, fr.PacketNo, ks.expected)
	}
	ks.started = true
	ks.expected = fr.PacketNo + 1

	payload := fr.Payload
	if fr.Options&afdd.CompressionMask == afdd.CompressZlib {
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err == nil {
			if raw, rerr := io.ReadAll(zr); rerr == nil {
				payload = raw
			}
			zr.Close()
		}
		if err != nil {
			logger.Warn("log frame inflate failed, keeping raw bytes",
				logger.Err(err))
		}
	}
	if s.Metrics != nil {
		s.Metrics.RecordLogBytes(s.Peer, afdd.LogFileName(fr.Kind), uint64(len(payload)))
	}
	return s.write(fr.Kind, payload)
}

func (s *Subscriber) write(kind byte, payload []byte) error {
	ks := s.state(kind)
	if ks.file == nil {
		f, err := os.OpenFile(s.logPath(kind),
			os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		ks.file = f
	}
	_, err := ks.file.Write(payload)
	return err
}

func (s *Subscriber) logPath(kind byte) string {
	return filepath.Join(s.Dir, afdd.LogFileName(kind))
}

// handleInode reconciles the advertised remote log identity with the
// persisted sidecar and decides whether local copies rotate.
func (s *Subscriber) handleInode(fr Frame) error {
	if afdd.LogFileName(fr.Kind) == "" {
		return nil
	}
	inode, logNo, err := parseInodeStr(fr.InodeStr)
	if err != nil {
		logger.Warn("malformed inode message", logger.Err(err))
		return nil
	}

	path := s.logPath(fr.Kind)
	sidecar := path + ".ino"
	storedInode, storedNo, stored := readSidecar(sidecar)

	ks := s.state(fr.Kind)
	switch {
	case stored && storedInode == inode && storedNo == logNo:
		// Same remote file, keep appending.
	case logNo == 0 && (!stored || storedInode != inode):
		// The remote started a fresh current log: shift our copies.
		s.closeKind(ks)
		s.rotate(path)
	default:
		// Stale identity, the remote log still exists under a new
		// name. Start over without touching the rotation chain.
		s.closeKind(ks)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return writeSidecar(sidecar, inode, logNo)
}

func (s *Subscriber) rotate(path string) {
	max := s.maxRotations()
	_ = os.Remove(fmt.Sprintf("%s.%d", path, max))
	for i := max - 1; i >= 0; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	_ = os.Rename(path, path+".0")
}

func (s *Subscriber) closeKind(ks *kindState) {
	if ks.file != nil {
		ks.file.Close()
		ks.file = nil
	}
}

func (s *Subscriber) closeAll() {
	for _, ks := range s.kinds {
		s.closeKind(ks)
	}
}

func parseInodeStr(str string) (inode uint64, logNo int, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(str), " ")
	if !ok {
		return 0, 0, fmt.Errorf("logmon: inode string %q", str)
	}
	inode, err = strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("logmon: inode string %q: %w", str, err)
	}
	logNo, err = strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, fmt.Errorf("logmon: inode string %q: %w", str, err)
	}
	return inode, logNo, nil
}

func readSidecar(path string) (inode uint64, logNo int, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	inode, logNo, err = parseInodeStr(string(b))
	return inode, logNo, err == nil
}

func writeSidecar(path string, inode uint64, logNo int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d %d\n", inode, logNo)), 0o644)
}

// lineReader reads handshake lines byte by byte; a buffered reader
// here would swallow the start of the frame stream.
type lineReader struct {
	r io.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: r}
}

func (l *lineReader) line() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := l.r.Read(buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
		sb.WriteByte(buf[0])
	}
}
