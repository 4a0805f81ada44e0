package native

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Status is a normalized process scheduler state.
type Status string

const (
	StatusRunning Status = "running"
	StatusSleep   Status = "sleep"
	StatusIdle    Status = "idle"
	StatusBlocked Status = "blocked"
	StatusWait    Status = "wait"
	StatusLock    Status = "lock"
	StatusStop    Status = "stop"
	StatusZombie  Status = "zombie"
	StatusUnknown Status = "unknown"
)

// Liveness is the policy attached to a Status.
type Liveness struct {
	// Running is what IsRunning reports for this status.
	Running bool
	// Terminal statuses latch the process handle dead.
	Terminal bool
}

// StatusPolicy decides which raw states count as alive and which end a
// process handle's life. A stopped process is not running but can be
// continued, so only zombies latch the handle dead.
var StatusPolicy = map[Status]Liveness{
	StatusRunning: {Running: true},
	StatusSleep:   {Running: true},
	StatusIdle:    {Running: true},
	StatusBlocked: {Running: true},
	StatusWait:    {Running: true},
	StatusLock:    {Running: true},
	StatusUnknown: {Running: true},
	StatusStop:    {Running: false},
	StatusZombie:  {Running: false, Terminal: true},
}

// Policy returns the liveness policy for s. Statuses missing from the table
// are treated as unknown.
func (s Status) Policy() Liveness {
	if l, ok := StatusPolicy[s]; ok {
		return l
	}
	return StatusPolicy[StatusUnknown]
}

// Running is shorthand for s.Policy().Running.
func (s Status) Running() bool {
	return s.Policy().Running
}

// Terminal is shorthand for s.Policy().Terminal.
func (s Status) Terminal() bool {
	return s.Policy().Terminal
}

// NormalizeStatus maps gopsutil state names (or single-letter ps codes) onto
// Status. Anything unrecognized becomes StatusUnknown.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case process.Running, "r":
		return StatusRunning
	case process.Sleep, "s":
		return StatusSleep
	case process.Idle, "i":
		return StatusIdle
	case process.Blocked, "d", "u":
		return StatusBlocked
	case process.Wait, "w":
		return StatusWait
	case process.Lock, "l":
		return StatusLock
	case process.Stop, "t":
		return StatusStop
	case process.Zombie, "z":
		return StatusZombie
	default:
		return StatusUnknown
	}
}
