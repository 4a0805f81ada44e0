// Package svcquery lists the system services known to the host service
// manager: launchd on macOS, systemd on Linux and the SCM on Windows.
package svcquery

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnsupported is returned where no service manager backend exists.
var ErrUnsupported = errors.New("svcquery: not implemented on this platform")

// listTimeout bounds one call into the service manager.
const listTimeout = 10 * time.Second

type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusDisabled ServiceStatus = "disabled"
	StatusUnknown  ServiceStatus = "unknown"
)

// ServiceInfo describes a system service.
type ServiceInfo struct {
	Name        string        `json:"name" yaml:"name"`
	DisplayName string        `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Status      ServiceStatus `json:"status" yaml:"status"`
	StartType   string        `json:"startType,omitempty" yaml:"startType,omitempty"`
	BinaryPath  string        `json:"binaryPath,omitempty" yaml:"binaryPath,omitempty"`
	PID         int32         `json:"pid,omitempty" yaml:"pid,omitempty"`
}

// IsActive returns true if the service is currently running.
func (s ServiceInfo) IsActive() bool {
	return s.Status == StatusRunning
}

// List returns every service the platform backend reports.
func List(ctx context.Context) ([]ServiceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	return listServices(ctx)
}

// parseLaunchctl reads `launchctl list` output: PID, last exit status and
// label per line, with "-" for a job that is loaded but not running.
func parseLaunchctl(out string) []ServiceInfo {
	var services []ServiceInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == "PID" {
			continue
		}
		info := ServiceInfo{Name: fields[2], Status: StatusStopped}
		if fields[0] != "-" {
			info.Status = StatusRunning
			info.PID = atoi32(fields[0])
		}
		services = append(services, info)
	}
	return services
}

// parseSystemctl reads `systemctl list-units --type=service --plain
// --no-legend` output: unit, load state, active state, sub state and a
// free-form description.
func parseSystemctl(out string) []ServiceInfo {
	var services []ServiceInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		// failed units carry a leading marker on some systemd versions
		if len(fields) > 0 && (fields[0] == "●" || fields[0] == "*") {
			fields = fields[1:]
		}
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ".service") {
			continue
		}
		services = append(services, ServiceInfo{
			Name:        strings.TrimSuffix(fields[0], ".service"),
			DisplayName: strings.Join(fields[4:], " "),
			Status:      systemdStatus(fields[1], fields[2], fields[3]),
		})
	}
	return services
}

func systemdStatus(load, active, sub string) ServiceStatus {
	switch {
	case load == "masked":
		return StatusDisabled
	case active == "active" && sub == "running":
		return StatusRunning
	case active == "activating" || active == "reloading":
		return StatusRunning
	case active == "inactive" || active == "failed" || active == "deactivating" || active == "active":
		// active/exited oneshots have nothing left running
		return StatusStopped
	}
	return StatusUnknown
}

func atoi32(s string) int32 {
	var n int32
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int32(c-'0')
	}
	return n
}
