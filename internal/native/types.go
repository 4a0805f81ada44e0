package native

import "time"

// ExecInfo describes the executable behind a process.
type ExecInfo struct {
	Path string `json:"path" yaml:"path"`
	Name string `json:"name" yaml:"name"`
	Cwd  string `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

// StateInfo is the liveness section: scheduler state, parent and thread count.
type StateInfo struct {
	Name    string `json:"name" yaml:"name"`
	Status  Status `json:"status" yaml:"status"`
	PPID    int32  `json:"ppid" yaml:"ppid"`
	Threads int32  `json:"threads" yaml:"threads"`
}

// MemInfo is per-process memory usage in bytes, plus page fault counters.
type MemInfo struct {
	RSS         uint64 `json:"rss" yaml:"rss"`
	VMS         uint64 `json:"vms" yaml:"vms"`
	Swap        uint64 `json:"swap,omitempty" yaml:"swap,omitempty"`
	MinorFaults uint64 `json:"minorFaults" yaml:"minorFaults"`
	MajorFaults uint64 `json:"majorFaults" yaml:"majorFaults"`
}

// CPUInfo holds cumulative cpu seconds and the lifetime usage percentage.
type CPUInfo struct {
	User    float64 `json:"user" yaml:"user"`
	System  float64 `json:"system" yaml:"system"`
	Total   float64 `json:"total" yaml:"total"`
	Percent float64 `json:"percent" yaml:"percent"`
}

// FDInfo counts open file descriptors (handles on Windows).
type FDInfo struct {
	Open int32 `json:"open" yaml:"open"`
}

// CredInfo holds numeric real and effective ids.
type CredInfo struct {
	UID  int32 `json:"uid" yaml:"uid"`
	EUID int32 `json:"euid" yaml:"euid"`
	GID  int32 `json:"gid" yaml:"gid"`
	EGID int32 `json:"egid" yaml:"egid"`
}

// CredNameInfo holds resolved user and group names.
type CredNameInfo struct {
	User  string `json:"user" yaml:"user"`
	Group string `json:"group" yaml:"group"`
}

// TimeInfo holds the process start time and elapsed run time at query time.
type TimeInfo struct {
	StartTime time.Time     `json:"startTime" yaml:"startTime"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
}

// ProcEntry is one row of the process table.
type ProcEntry struct {
	PID         int32    `json:"pid" yaml:"pid"`
	PPID        int32    `json:"ppid" yaml:"ppid"`
	Name        string   `json:"name" yaml:"name"`
	CommandLine []string `json:"commandLine,omitempty" yaml:"commandLine,omitempty"`
}

// HostInfo holds static facts about the host.
type HostInfo struct {
	Hostname        string    `json:"hostname" yaml:"hostname"`
	OS              string    `json:"os" yaml:"os"`
	Platform        string    `json:"platform,omitempty" yaml:"platform,omitempty"`
	PlatformVersion string    `json:"platformVersion,omitempty" yaml:"platformVersion,omitempty"`
	KernelVersion   string    `json:"kernelVersion,omitempty" yaml:"kernelVersion,omitempty"`
	Arch            string    `json:"arch" yaml:"arch"`
	BootTime        time.Time `json:"bootTime,omitempty" yaml:"bootTime,omitempty"`
	Uptime          uint64    `json:"uptimeSeconds,omitempty" yaml:"uptimeSeconds,omitempty"`
}

// HostMemory is physical memory in bytes.
type HostMemory struct {
	Total       uint64  `json:"total" yaml:"total"`
	Available   uint64  `json:"available" yaml:"available"`
	Used        uint64  `json:"used" yaml:"used"`
	Free        uint64  `json:"free" yaml:"free"`
	UsedPercent float64 `json:"usedPercent" yaml:"usedPercent"`
}

// SwapMemory is swap usage in bytes.
type SwapMemory struct {
	Total       uint64  `json:"total" yaml:"total"`
	Used        uint64  `json:"used" yaml:"used"`
	Free        uint64  `json:"free" yaml:"free"`
	UsedPercent float64 `json:"usedPercent" yaml:"usedPercent"`
}

// NetworkAdapter describes one network interface.
type NetworkAdapter struct {
	Name         string   `json:"name" yaml:"name"`
	Index        int      `json:"index" yaml:"index"`
	MTU          int      `json:"mtu" yaml:"mtu"`
	HardwareAddr string   `json:"hardwareAddr,omitempty" yaml:"hardwareAddr,omitempty"`
	Flags        []string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Addrs        []string `json:"addrs,omitempty" yaml:"addrs,omitempty"`
}

// Up reports whether the adapter carries the "up" flag.
func (a NetworkAdapter) Up() bool {
	for _, f := range a.Flags {
		if f == "up" {
			return true
		}
	}
	return false
}
