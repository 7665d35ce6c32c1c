package supervisor

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/afd-project/afd/internal/logger"
)

// Fifo commands understood by the running supervisor.
const (
	CmdShutdown = "SHUTDOWN"
	CmdStop     = "STOP"
)

// readFifo feeds command lines from the command fifo into cmds. The
// fifo is opened read-write so the supervisor never blocks waiting for
// a writer and EOF never terminates the stream.
func (s *Supervisor) readFifo(ctx context.Context, cmds chan<- string) {
	f, err := os.OpenFile(s.Layout.CmdFifo(), os.O_RDWR, 0)
	if err != nil {
		logger.Error("command fifo not readable", logger.Err(err))
		return
	}
	defer f.Close()

	go func() {
		<-ctx.Done()
		f.Close()
	}()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		cmd := strings.ToUpper(strings.TrimSpace(sc.Text()))
		if cmd == "" {
			continue
		}
		select {
		case cmds <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// SendCommand writes one command line into the fifo of a running
// supervisor. The write is bounded so a vanished reader cannot hang
// the caller.
func SendCommand(workDir, cmd string) error {
	l := Layout{WorkDir: workDir}
	fd, err := unix.Open(l.CmdFifo(), unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, []byte(cmd+"\n"))
	return err
}

// WaitGone polls for the active file to disappear for up to deadline.
func WaitGone(workDir string, deadline time.Duration) bool {
	l := Layout{WorkDir: workDir}
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if _, err := os.Stat(l.ActivePath()); os.IsNotExist(err) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	_, err := os.Stat(l.ActivePath())
	return os.IsNotExist(err)
}
