package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so records from
// the supervisor, transfer workers and the monitor can be correlated.
const (
	// Host and destination
	KeyHost      = "host"       // Host alias from the FSA
	KeyRealHost  = "real_host"  // Real hostname currently in use (toggle resolved)
	KeyPort      = "port"       // Remote port
	KeyScheme    = "scheme"     // Transport scheme: ftp, ftps, sftp, file
	KeyTargetDir = "target_dir" // Remote target directory
	KeySlot      = "slot"       // Job status slot within the FSA entry
	KeyFSAPos    = "fsa_pos"    // Position of the host in the FSA

	// Jobs and directories
	KeyJobID   = "job_id"   // Job id (content hash)
	KeyDirID   = "dir_id"   // Directory id from the DNB
	KeyDir     = "dir"      // Directory path
	KeyMsgName = "msg_name" // Message name identifying the queued batch
	KeyMaskID  = "mask_id"  // File-mask id from the FMD

	// Files and transfer progress
	KeyFile       = "file"        // Local file name
	KeyRemoteFile = "remote_file" // Remote (possibly renamed) file name
	KeySize       = "size"        // File size in bytes
	KeyBytesSent  = "bytes_sent"  // Bytes written to the data channel
	KeyFilesDone  = "files_done"  // Files completed in this run
	KeyOffset     = "offset"      // Append offset for resumed transfers
	KeyRetries    = "retries"     // Per-batch retry counter

	// Process lifecycle
	KeyRole     = "role"      // Process role in the AFD active table
	KeyPID      = "pid"       // OS process id
	KeyExitCode = "exit_code" // Worker exit code
	KeySignal   = "signal"    // Signal that triggered the exit handler

	// Monitor
	KeyPeer     = "peer"      // Remote AFD alias (MSA entry)
	KeyLogKind  = "log_kind"  // Two-letter log stream kind (LS, LT, LO, ...)
	KeyPacketNo = "packet_no" // Packet sequence number within a log stream

	// Generic
	KeyError      = "error"       // Error message
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyReply      = "reply"       // Raw remote reply line
	KeyCode       = "code"        // Numeric remote reply code
)

// Field constructors for type safety.

// Host returns a slog.Attr for the host alias
func Host(alias string) slog.Attr {
	return slog.String(KeyHost, alias)
}

// JobID returns a slog.Attr for a job id
func JobID(id uint32) slog.Attr {
	return slog.Uint64(KeyJobID, uint64(id))
}

// File returns a slog.Attr for a local file name
func File(name string) slog.Attr {
	return slog.String(KeyFile, name)
}

// Size returns a slog.Attr for a byte size
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Peer returns a slog.Attr for a monitored AFD alias
func Peer(alias string) slog.Attr {
	return slog.String(KeyPeer, alias)
}

// Err returns a slog.Attr for an error value
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration returns a slog.Attr with the elapsed time since start in
// milliseconds.
func Duration(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0)
}
