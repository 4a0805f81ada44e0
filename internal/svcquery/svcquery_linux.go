//go:build linux

package svcquery

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

func listServices(ctx context.Context) ([]ServiceInfo, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "list-units",
		"--type=service", "--all", "--plain", "--no-legend", "--no-pager")
	output, err := cmd.Output()
	if errors.Is(err, exec.ErrNotFound) {
		// not a systemd host
		return nil, ErrUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("svcquery: systemctl list-units: %w", err)
	}
	return parseSystemctl(string(output)), nil
}
