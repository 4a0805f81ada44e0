package process

import (
	"time"

	"github.com/breeze-rmm/nativesys/internal/native"
)

// Report is a flat, serializable view of a handle's last snapshot.
type Report struct {
	PID         int32                `json:"pid" yaml:"pid"`
	PPID        int32                `json:"ppid" yaml:"ppid"`
	Name        string               `json:"name" yaml:"name"`
	State       string               `json:"state" yaml:"state"`
	Running     bool                 `json:"running" yaml:"running"`
	RefreshedAt time.Time            `json:"refreshedAt" yaml:"refreshedAt"`
	CommandLine []string             `json:"commandLine,omitempty" yaml:"commandLine,omitempty"`
	Exec        *native.ExecInfo     `json:"exec,omitempty" yaml:"exec,omitempty"`
	Status      *native.StateInfo    `json:"status,omitempty" yaml:"status,omitempty"`
	Memory      *native.MemInfo      `json:"memory,omitempty" yaml:"memory,omitempty"`
	CPU         *native.CPUInfo      `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	FD          *native.FDInfo       `json:"fd,omitempty" yaml:"fd,omitempty"`
	Cred        *native.CredInfo     `json:"cred,omitempty" yaml:"cred,omitempty"`
	CredName    *native.CredNameInfo `json:"credName,omitempty" yaml:"credName,omitempty"`
	Time        *native.TimeInfo     `json:"time,omitempty" yaml:"time,omitempty"`
	Environment map[string]string    `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Report builds a Report from the current snapshot. The environment is only
// included when withEnv is set.
func (h *Handle) Report(withEnv bool) Report {
	s := h.snap.Load()
	r := Report{
		PID:         h.pid,
		PPID:        s.ParentPID(),
		Name:        h.Name(),
		State:       s.state.String(),
		Running:     s.IsRunning(),
		RefreshedAt: s.refreshedAt,
		CommandLine: h.CommandLine(),
		Exec:        s.exec,
		Status:      s.status,
		Memory:      s.memory,
		CPU:         s.cpu,
		FD:          s.fd,
		Cred:        s.cred,
		CredName:    s.credName,
		Time:        s.times,
	}
	if withEnv {
		r.Environment = h.Environment()
	}
	return r
}
