//go:build linux

package mill

import (
	"time"

	"golang.org/x/sys/unix"
)

// threadCPUTime returns the user and system CPU time of the calling OS thread.
// The caller must hold the thread with runtime.LockOSThread.
func threadCPUTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0
	}

	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
