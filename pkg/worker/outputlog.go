package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// pipeBuf bounds one log write so concurrent workers appending to the
// same log never interleave within a record.
const pipeBuf = 4096

// Output types recorded in OUTPUT log records.
const (
	OTNormalDelivered = 0
	OTDuplicateDelete = 1
	OTAgeLimitDelete  = 2
	OTStoredDuplicate = 3
	OTBatchSummary    = 4
)

// OutputLogFile and DeleteLogFile are the record files below the log
// directory.
const (
	OutputLogFile = "OUTPUT_LOG"
	DeleteLogFile = "DELETE_LOG"
)

// Delete reasons recorded in DELETE log records.
const (
	DelDupCheck = "dupcheck"
	DelAgeLimit = "age-limit"
	DelFiuDup   = "sibling-transfer"
	DelZeroSize = "zero-size"
)

// OutputRecord is one delivered (or summarised) file.
type OutputRecord struct {
	Time       time.Time
	Host       string
	Slot       int
	OutputType int
	LocalName  string
	RemoteName string
	Size       int64
	Duration   time.Duration
	Retries    int
	ArchiveDir string
	JobID      uint32
}

// RecordLogger appends pipe-delimited records to a shared log file.
// Each write is bounded to pipeBuf bytes so it stays atomic despite
// many concurrent writers.
type RecordLogger struct {
	f *os.File
}

// OpenRecordLog opens (appending) the named record log below dir.
func OpenRecordLog(dir, name string) (*RecordLogger, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &RecordLogger{f: f}, nil
}

// Close closes the log file.
func (l *RecordLogger) Close() error { return l.f.Close() }

func (l *RecordLogger) write(line string) error {
	b := []byte(line)
	if len(b) > pipeBuf-1 {
		b = b[:pipeBuf-1]
	}
	b = append(b, '\n')
	_, err := l.f.Write(b)
	return err
}

// Output appends one OUTPUT record.
func (l *RecordLogger) Output(r OutputRecord) error {
	return l.write(fmt.Sprintf("%d|%s|%d|%d|%s|%s|%d|%d|%d|%s|%d",
		r.Time.Unix(), r.Host, r.Slot, r.OutputType,
		r.LocalName, r.RemoteName, r.Size,
		r.Duration.Milliseconds(), r.Retries, r.ArchiveDir, r.JobID))
}

// Delete appends one DELETE record naming why a file never went out.
func (l *RecordLogger) Delete(host, file, reason string, size int64, jobID uint32) error {
	return l.write(fmt.Sprintf("%d|%s|%s|%d|%s|%d",
		time.Now().Unix(), host, file, size, reason, jobID))
}
