package native

import (
	"fmt"

	"github.com/breeze-rmm/nativesys/internal/executor"
)

// Op enumerates every query the native layer can answer. All calls into a
// provider are expressed as an Op plus Args and dispatched through
// Invoker.Invoke, so admission control sees every native call.
type Op int

const (
	OpProcExec Op = iota + 1
	OpProcState
	OpProcMemory
	OpProcCPU
	OpProcFD
	OpProcCred
	OpProcCredName
	OpProcTime
	OpProcArgs
	OpProcEnv
	OpProcList
	OpProcTable
	OpHostInfo
	OpHostMemory
	OpHostSwap
	OpNetworkAdapters
	OpServices
	OpExecute
)

var opNames = map[Op]string{
	OpProcExec:        "proc.exec",
	OpProcState:       "proc.state",
	OpProcMemory:      "proc.memory",
	OpProcCPU:         "proc.cpu",
	OpProcFD:          "proc.fd",
	OpProcCred:        "proc.cred",
	OpProcCredName:    "proc.credname",
	OpProcTime:        "proc.time",
	OpProcArgs:        "proc.args",
	OpProcEnv:         "proc.env",
	OpProcList:        "proc.list",
	OpProcTable:       "proc.table",
	OpHostInfo:        "host.info",
	OpHostMemory:      "host.memory",
	OpHostSwap:        "host.swap",
	OpNetworkAdapters: "host.netif",
	OpServices:        "host.services",
	OpExecute:         "exec",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// NeedsPID reports whether the operation is keyed by a process id.
func (o Op) NeedsPID() bool {
	return o >= OpProcExec && o <= OpProcEnv
}

// Args carries the operands of an Op. Host-level ops ignore PID; only
// OpExecute reads Exec.
type Args struct {
	PID  int32
	Exec *executor.Execution
}

// PIDArgs is shorthand for Args{PID: pid}.
func PIDArgs(pid int32) Args {
	return Args{PID: pid}
}
