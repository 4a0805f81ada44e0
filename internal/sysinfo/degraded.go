package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/breeze-rmm/nativesys/internal/native"
)

// degraded answers the few facts the Go runtime knows without a native
// provider, and runs programs since that needs no native binding. Everything
// else fails as both unsupported and unavailable, so handles treat it as an
// admission failure rather than a dead process.
func degraded(ctx context.Context, op native.Op, args native.Args) (any, error) {
	switch op {
	case native.OpExecute:
		return native.Execute(ctx, args)
	case native.OpHostInfo:
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return native.HostInfo{
			Hostname: hostname,
			OS:       runtime.GOOS,
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
		}, nil
	}
	return nil, fmt.Errorf("%s: %w (%w)", op, native.ErrUnsupported, native.ErrNativeUnavailable)
}
