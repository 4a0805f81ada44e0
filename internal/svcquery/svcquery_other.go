//go:build !windows && !darwin && !linux

package svcquery

import "context"

func listServices(ctx context.Context) ([]ServiceInfo, error) {
	return nil, ErrUnsupported
}
