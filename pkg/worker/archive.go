package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// archiveStep is the width in seconds of one archive time bucket.
const archiveStep = 3600

// ebusyRetries and ebusyDelay bound the retry loop when the archive
// target is momentarily busy.
const (
	ebusyRetries = 20
	ebusyDelay   = 100 * time.Millisecond
)

// ArchiveDir returns the bucket directory for a job at the given time:
// <base>/<job-id>/<bucket>, where the bucket width grows with the
// configured archive time so short-lived archives do not fragment.
func ArchiveDir(base string, jobID uint32, archiveTime int64, now time.Time) string {
	step := archiveTime * archiveStep
	if step <= 0 {
		step = archiveStep
	}
	bucket := (now.Unix()/step + 1) * step // expiry time of the bucket
	return filepath.Join(base,
		strconv.FormatUint(uint64(jobID), 10),
		strconv.FormatInt(bucket, 10))
}

// ArchiveFile moves path into the archive bucket, preferring a hard
// link with unlink over a copy. EBUSY is retried a bounded number of
// times.
func ArchiveFile(path, archDir string) error {
	if err := os.MkdirAll(archDir, 0755); err != nil {
		return fmt.Errorf("worker: archive mkdir %s: %w", archDir, err)
	}
	dst := filepath.Join(archDir, filepath.Base(path))

	var err error
	for i := 0; i < ebusyRetries; i++ {
		err = os.Rename(path, dst)
		if err == nil {
			return nil
		}
		var le *os.LinkError
		if errors.As(err, &le) && errors.Is(le.Err, unix.EXDEV) {
			return copyAndRemove(path, dst)
		}
		if !errors.Is(err, unix.EBUSY) {
			break
		}
		time.Sleep(ebusyDelay)
	}
	return fmt.Errorf("worker: archive %s: %w", path, err)
}

// copyAndRemove falls back to a copy when the archive lives on another
// filesystem.
func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
