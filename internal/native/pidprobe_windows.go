//go:build windows

package native

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

func pidAlive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}
