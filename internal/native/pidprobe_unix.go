//go:build !windows

package native

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// pidAlive sends signal 0. EPERM still proves the pid exists.
func pidAlive(_ context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
