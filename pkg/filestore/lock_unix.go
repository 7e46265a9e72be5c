//go:build unix

package filestore

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockShared(f *os.File) func() {
	return flock(f, unix.LOCK_SH)
}

func lockExclusive(f *os.File) func() {
	return flock(f, unix.LOCK_EX)
}

// flock is advisory and best-effort: a failure to lock leaves the caller
// with only the in-process mutex.
func flock(f *os.File, how int) func() {
	fd := int(f.Fd())
	if err := unix.Flock(fd, how); err != nil {
		return func() {}
	}
	return func() { _ = unix.Flock(fd, unix.LOCK_UN) }
}
