package worker

import (
	"errors"
	"fmt"
)

// Exit codes of a transfer worker. The supervisor maps them back to
// requeue/disable decisions, so the values are a contract.
const (
	ExitSuccess = 0

	// ExitSyntaxError means the worker could not even start: bad
	// arguments, unreadable message file or missing status areas.
	ExitSyntaxError = 1

	ExitConnectError        = 10
	ExitAuthError           = 11
	ExitUserError           = 12
	ExitPasswordError       = 13
	ExitTypeError           = 14
	ExitChdirError          = 15
	ExitOpenRemoteError     = 16
	ExitWriteRemoteError    = 17
	ExitCloseRemoteError    = 18
	ExitMoveRemoteError     = 19
	ExitStatTargetError     = 20
	ExitFileSizeMatchError  = 21
	ExitRemoveLockfileError = 22
	ExitOpenLocalError      = 23
	ExitReadLocalError      = 24

	// ExitStillFilesToSend is the self-requested requeue: a timeout,
	// dwell or remote idle-close with unsent files remaining. Never an
	// operator error.
	ExitStillFilesToSend = 30

	ExitGotKilled = 40
)

// ExitError carries the worker exit code alongside the cause.
type ExitError struct {
	Code int
	Err  error

	// NoQuit is set when the session is already torn down (EPIPE) and
	// the exit path must not attempt a QUIT.
	NoQuit bool
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker: exit %d (%s): %v", e.Code, exitName(e.Code), e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitName(code int) string {
	switch code {
	case ExitSuccess:
		return "success"
	case ExitSyntaxError:
		return "syntax error"
	case ExitConnectError:
		return "connect error"
	case ExitAuthError:
		return "auth error"
	case ExitUserError:
		return "user error"
	case ExitPasswordError:
		return "password error"
	case ExitTypeError:
		return "type error"
	case ExitChdirError:
		return "chdir error"
	case ExitOpenRemoteError:
		return "open remote error"
	case ExitWriteRemoteError:
		return "write remote error"
	case ExitCloseRemoteError:
		return "close remote error"
	case ExitMoveRemoteError:
		return "move remote error"
	case ExitStatTargetError:
		return "stat target error"
	case ExitFileSizeMatchError:
		return "file size match error"
	case ExitRemoveLockfileError:
		return "remove lockfile error"
	case ExitOpenLocalError:
		return "open local error"
	case ExitReadLocalError:
		return "read local error"
	case ExitStillFilesToSend:
		return "still files to send"
	case ExitGotKilled:
		return "got killed"
	default:
		return "unknown"
	}
}

func exitErr(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// ExitCodeOf extracts the worker exit code from an error returned by
// Run. Unrecognized errors count as a got-killed requeue so no file
// is silently dropped.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var x *ExitError
	if errors.As(err, &x) {
		return x.Code
	}
	return ExitGotKilled
}
