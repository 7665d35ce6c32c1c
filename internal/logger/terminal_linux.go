//go:build linux

package logger

import "golang.org/x/sys/unix"

// isTerminal reports whether fd is attached to a terminal. The AFD
// log handler enables color output only then.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
