package process

import (
	"time"

	"github.com/breeze-rmm/nativesys/internal/native"
)

// State is the liveness of a process handle. Dead is terminal.
type State int

const (
	Alive State = iota
	Dead
)

func (s State) String() string {
	if s == Dead {
		return "dead"
	}
	return "alive"
}

// Snapshot is one immutable refresh round. Sections that could not be read
// in that round are absent. Handles publish snapshots atomically, so every
// section of a Snapshot comes from the same round.
type Snapshot struct {
	pid         int32
	round       uint64
	state       State
	refreshedAt time.Time

	exec     *native.ExecInfo
	status   *native.StateInfo
	memory   *native.MemInfo
	cpu      *native.CPUInfo
	fd       *native.FDInfo
	cred     *native.CredInfo
	credName *native.CredNameInfo
	times    *native.TimeInfo
}

func (s *Snapshot) PID() int32             { return s.pid }
func (s *Snapshot) Round() uint64          { return s.round }
func (s *Snapshot) State() State           { return s.state }
func (s *Snapshot) RefreshedAt() time.Time { return s.refreshedAt }

// IsRunning is false once the handle is dead and for statuses the policy
// table marks as not running. An alive snapshot whose state section could not
// be read counts as running.
func (s *Snapshot) IsRunning() bool {
	if s.state == Dead {
		return false
	}
	return s.status == nil || s.status.Status.Running()
}

func (s *Snapshot) Exec() (native.ExecInfo, bool)         { return get(s.exec) }
func (s *Snapshot) Status() (native.StateInfo, bool)      { return get(s.status) }
func (s *Snapshot) Memory() (native.MemInfo, bool)        { return get(s.memory) }
func (s *Snapshot) CPU() (native.CPUInfo, bool)           { return get(s.cpu) }
func (s *Snapshot) FD() (native.FDInfo, bool)             { return get(s.fd) }
func (s *Snapshot) Cred() (native.CredInfo, bool)         { return get(s.cred) }
func (s *Snapshot) CredName() (native.CredNameInfo, bool) { return get(s.credName) }
func (s *Snapshot) Time() (native.TimeInfo, bool)         { return get(s.times) }

// ParentPID comes from the state section; 0 when unknown.
func (s *Snapshot) ParentPID() int32 {
	if s.status == nil {
		return 0
	}
	return s.status.PPID
}

func get[T any](p *T) (T, bool) {
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// frozen returns a dead copy of s. The state section is replaced when the
// death was observed through a terminal status.
func (s *Snapshot) frozen(round uint64, status *native.StateInfo) *Snapshot {
	dead := *s
	dead.state = Dead
	if round > dead.round {
		dead.round = round
	}
	if status != nil {
		dead.status = status
	}
	dead.refreshedAt = time.Now()
	return &dead
}
