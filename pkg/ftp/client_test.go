package ftp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/pkg/ftp/ftptest"
)

func dialTest(t *testing.T, srv *ftptest.Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.Addr, Config{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Quit() })
	return c
}

func TestLoginAndStor(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.User = "duck"
	srv.Pass = "quack"

	c := dialTest(t, srv)
	require.NoError(t, c.Login("duck", "quack"))
	require.NoError(t, c.Type('I'))

	w, err := c.Stor("hello.txt", 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello, world!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, ok := srv.File("/hello.txt")
	require.True(t, ok)
	assert.Equal(t, "hello, world!", string(got))
}

func TestLoginRefused(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.User = "duck"
	srv.Pass = "quack"

	c := dialTest(t, srv)
	err = c.Login("duck", "wrong")
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 530, re.Code)
}

func TestActiveStorAndList(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	c, err := Dial(context.Background(), srv.Addr,
		Config{Timeout: 5 * time.Second, Active: true})
	require.NoError(t, err)
	t.Cleanup(func() { c.Quit() })

	w, err := c.Stor("active.txt", 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("dialed back"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, ok := srv.File("/active.txt")
	require.True(t, ok)
	assert.Equal(t, "dialed back", string(got))

	lines, err := c.List("")
	require.NoError(t, err)
	require.NotEmpty(t, lines)

	// Every data setup announced a PORT, never PASV.
	for _, cmd := range srv.Commands() {
		assert.NotEqual(t, "PASV", cmd)
	}
}

func TestStorWithRestOffset(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.PutFile("/big.bin", []byte("0123"))

	c := dialTest(t, srv)
	require.NoError(t, c.Login("anon", ""))

	w, err := c.Stor("big.bin", 4)
	require.NoError(t, err)
	_, err = w.Write([]byte("4567"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, _ := srv.File("/big.bin")
	assert.Equal(t, "01234567", string(got))
}

func TestSizeAndList(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.PutFile("/in/data.bin", []byte("abcdefgh"))

	c := dialTest(t, srv)
	require.NoError(t, c.Login("anon", ""))

	n, err := c.Size("/in/data.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	lines, err := c.List("/in/data.bin")
	require.NoError(t, err)
	require.Len(t, lines, 1)

	size, err := SizeFromList(lines[0], 5)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}

func TestRenameAndDele(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.PutFile("/.msg.dat", []byte("payload"))

	c := dialTest(t, srv)
	require.NoError(t, c.Login("anon", ""))

	require.NoError(t, c.Rename("/.msg.dat", "/msg.dat"))
	_, ok := srv.File("/msg.dat")
	assert.True(t, ok)

	require.NoError(t, c.Dele("/msg.dat"))
	_, ok = srv.File("/msg.dat")
	assert.False(t, ok)
}

func TestCwdCreate(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	defer srv.Close()

	c := dialTest(t, srv)
	require.NoError(t, c.Login("anon", ""))

	require.NoError(t, c.CwdCreate("/a/b/c", "755"))
	dir, err := c.Pwd()
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", dir)
}

func TestParsePasv(t *testing.T) {
	addr, err := parsePasv("Entering Passive Mode (10,0,0,2,4,1)")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1025", addr)

	_, err = parsePasv("no endpoint here")
	assert.Error(t, err)
}

func TestSizeFromList(t *testing.T) {
	line := "-rw-r--r-- 1 ftp users 4096 Jan  1 00:00 big.bin"

	n, err := SizeFromList(line, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)

	// Offset past the numeric fields walks forward from a non-digit
	// field and fails.
	_, err = SizeFromList("-rw-r--r-- owner group x y z name", 4)
	assert.Error(t, err)

	// A low offset still finds the first all-digit run.
	n, err = SizeFromList(line, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestServerCloseDropsIdleSessions(t *testing.T) {
	srv, err := ftptest.New()
	require.NoError(t, err)
	dialTest(t, srv)

	// The client never quits; Close must still return.
	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung on a live session")
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&ReplyError{Code: 421, Msg: "Service not available"}))
	assert.True(t, IsTransient(&ReplyError{Code: 550, Msg: "Idle timeout, closing control connection"}))
	assert.False(t, IsTransient(&ReplyError{Code: 550, Msg: "No such file"}))
	assert.False(t, IsTransient(context.DeadlineExceeded))
}
