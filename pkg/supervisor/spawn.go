package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/afd-project/afd/internal/logger"
)

// exitSpawnFailed marks a job whose child process could not be started
// at all. It counts against the host like any other operator error.
const exitSpawnFailed = 29

// execSpawn runs one transfer job in a child process and returns its
// exit code. The child attaches to the same work directory and reports
// progress through the shared host table.
func (s *Supervisor) execSpawn(ctx context.Context, job *Job, pos, slot int) int {
	bin := s.WorkerBinary
	if bin == "" {
		bin = "sfftp"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-w", s.Layout.WorkDir,
		"-m", job.MsgName,
		"-d", job.Dir,
		"-j", fmt.Sprintf("%d", job.JobID),
		"-p", fmt.Sprintf("%d", pos),
		"-s", fmt.Sprintf("%d", slot),
		"-r", fmt.Sprintf("%d", job.Retries),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		// Ask the child to finish the file in flight before leaving.
		return cmd.Process.Signal(os.Interrupt)
	}

	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ExitCode()
		}
		logger.Error("spawn failed",
			logger.Host(job.HostAlias), logger.Err(err))
		return exitSpawnFailed
	}
	return ExitSuccess
}
