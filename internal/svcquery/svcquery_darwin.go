//go:build darwin

package svcquery

import (
	"context"
	"fmt"
	"os/exec"
)

func listServices(ctx context.Context) ([]ServiceInfo, error) {
	output, err := exec.CommandContext(ctx, "launchctl", "list").Output()
	if err != nil {
		return nil, fmt.Errorf("svcquery: launchctl list: %w", err)
	}
	return parseLaunchctl(string(output)), nil
}
