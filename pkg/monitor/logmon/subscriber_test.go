package logmon

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/internal/logger"
	"github.com/afd-project/afd/pkg/afdd"
)

func init() {
	logger.InitWithWriter(io.Discard, "error", "text", false)
}

func TestDecoderRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(afdd.EncodeInode(afdd.KindTransfer, 1234, 0))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 0, []byte("hello log\n")))
	stream.Write(afdd.EncodeNop())
	stream.Write(afdd.EncodeFrame(afdd.KindSystem, 0, 0, []byte("sys\n")))

	dec := NewDecoder(&stream)

	fr, err := dec.Next()
	require.NoError(t, err)
	assert.True(t, fr.Inode)
	assert.Equal(t, byte(afdd.KindTransfer), fr.Kind)
	assert.Equal(t, "1234 0", fr.InodeStr)

	fr, err = dec.Next()
	require.NoError(t, err)
	assert.False(t, fr.Inode)
	assert.Equal(t, uint32(0), fr.PacketNo)
	assert.Equal(t, "hello log\n", string(fr.Payload))

	fr, err = dec.Next()
	require.NoError(t, err)
	assert.True(t, fr.Nop)

	fr, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(afdd.KindSystem), fr.Kind)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderPartialFramesAcrossReads(t *testing.T) {
	frame := afdd.EncodeFrame(afdd.KindOutput, 0, 0, []byte("split payload"))
	r, w := io.Pipe()
	go func() {
		for _, b := range frame {
			w.Write([]byte{b})
		}
		w.Close()
	}()
	dec := NewDecoder(r)
	fr, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "split payload", string(fr.Payload))
}

func TestDecoderBadLeadByte(t *testing.T) {
	dec := NewDecoder(strings.NewReader("garbage"))
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestSubscriberExitsOnPacketGap(t *testing.T) {
	var stream bytes.Buffer
	pay := []byte("0123456789")
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 0, pay))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 1, pay))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 3, pay))

	s := &Subscriber{Dir: t.TempDir()}
	err := s.Run(context.Background(), &stream)
	assert.ErrorIs(t, err, ErrMissedPacket)
}

func TestSubscriberAllowsWrapToZero(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 0, []byte("a")))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 1, []byte("b")))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 0, []byte("c"))) // new session
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 1, []byte("d")))

	dir := t.TempDir()
	s := &Subscriber{Dir: dir}
	err := s.Run(context.Background(), &stream)
	assert.ErrorIs(t, err, io.EOF)

	b, err := os.ReadFile(filepath.Join(dir, "TRANSFER_LOG"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(b))
}

func TestSubscriberDiscardsUnknownKinds(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(afdd.EncodeFrame('Z', 0, 0, []byte("future kind")))
	stream.Write(afdd.EncodeFrame(afdd.KindSystem, 0, 0, []byte("kept")))

	dir := t.TempDir()
	s := &Subscriber{Dir: dir}
	err := s.Run(context.Background(), &stream)
	assert.ErrorIs(t, err, io.EOF)

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "SYSTEM_LOG", ents[0].Name())
}

func TestSubscriberInflatesCompressedPayload(t *testing.T) {
	var packed bytes.Buffer
	zw := zlib.NewWriter(&packed)
	_, err := zw.Write([]byte("compressed line\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var stream bytes.Buffer
	stream.Write(afdd.EncodeFrame(afdd.KindOutput, afdd.CompressZlib, 0, packed.Bytes()))

	dir := t.TempDir()
	s := &Subscriber{Dir: dir}
	assert.ErrorIs(t, s.Run(context.Background(), &stream), io.EOF)

	b, err := os.ReadFile(filepath.Join(dir, "OUTPUT_LOG"))
	require.NoError(t, err)
	assert.Equal(t, "compressed line\n", string(b))
}

func TestSubscriberInodeRotation(t *testing.T) {
	dir := t.TempDir()
	s := &Subscriber{Dir: dir, MaxRotations: 2}

	var stream bytes.Buffer
	stream.Write(afdd.EncodeInode(afdd.KindTransfer, 100, 0))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 0, []byte("first file\n")))
	// Remote rotated: new inode, log number 0 again.
	stream.Write(afdd.EncodeInode(afdd.KindTransfer, 200, 0))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 1, []byte("second file\n")))
	assert.ErrorIs(t, s.Run(context.Background(), &stream), io.EOF)

	b, err := os.ReadFile(filepath.Join(dir, "TRANSFER_LOG"))
	require.NoError(t, err)
	assert.Equal(t, "second file\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "TRANSFER_LOG.0"))
	require.NoError(t, err)
	assert.Equal(t, "first file\n", string(b))

	side, err := os.ReadFile(filepath.Join(dir, "TRANSFER_LOG.ino"))
	require.NoError(t, err)
	assert.Equal(t, "200 0\n", string(side))
}

func TestSubscriberStaleInodeStartsFreshWithoutRotation(t *testing.T) {
	dir := t.TempDir()
	s := &Subscriber{Dir: dir}

	var stream bytes.Buffer
	stream.Write(afdd.EncodeInode(afdd.KindTransfer, 100, 0))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 0, []byte("old content\n")))
	// Identity changed but the remote log number is nonzero: stale.
	stream.Write(afdd.EncodeInode(afdd.KindTransfer, 300, 2))
	stream.Write(afdd.EncodeFrame(afdd.KindTransfer, 0, 1, []byte("fresh\n")))
	assert.ErrorIs(t, s.Run(context.Background(), &stream), io.EOF)

	b, err := os.ReadFile(filepath.Join(dir, "TRANSFER_LOG"))
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(b))
	_, err = os.Stat(filepath.Join(dir, "TRANSFER_LOG.0"))
	assert.True(t, os.IsNotExist(err), "stale identity must not rotate")
}

func TestSubscriberTimesOutWithoutHeartbeat(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := &Subscriber{Dir: t.TempDir(), DataInterval: 50 * time.Millisecond}
	err := s.Run(context.Background(), client)
	assert.ErrorIs(t, err, ErrLogDataTimeout)
}

func TestSubscriberMirrorsServerStream(t *testing.T) {
	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "TRANSFER_LOG")
	require.NoError(t, os.WriteFile(logPath, nil, 0o644))

	srv := afdd.New(afdd.Config{
		Source:       func() afdd.Stat { return afdd.Stat{} },
		LogDir:       logDir,
		PollInterval: 10 * time.Millisecond,
		NopInterval:  time.Hour,
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	defer srv.Close()

	conn, err := Dial(context.Background(), l.Addr().String(), "T")
	require.NoError(t, err)
	defer conn.Close()

	mirror := t.TempDir()
	s := &Subscriber{Dir: mirror, DataInterval: 5 * time.Second}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), conn) }()

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("remote transfer line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(mirror, "TRANSFER_LOG"))
		return err == nil && string(b) == "remote transfer line\n"
	}, 5*time.Second, 20*time.Millisecond)

	conn.Close()
	<-done
}
