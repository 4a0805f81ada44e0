// Package process keeps a cached, refreshable view of one OS process.
//
// A Handle starts Alive and can only ever move to Dead. Once any refresh sees
// the process gone (lookup failure or a zombie status) the handle latches
// Dead and later refreshes return without touching the provider, so a stale
// or racy "alive" answer cannot bring it back. A reused pid needs a new
// Handle.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/native"
)

var log = logging.L("process")

// ParentResolver finds the handle for a parent pid. A nil handle with a nil
// error means there is no such process.
type ParentResolver interface {
	Lookup(ctx context.Context, pid int32) (*Handle, error)
}

type Option func(*Handle)

// WithParentResolver makes Parent resolve through r (typically a registry)
// instead of building a standalone handle.
func WithParentResolver(r ParentResolver) Option {
	return func(h *Handle) { h.resolver = r }
}

// Handle is safe for concurrent use.
type Handle struct {
	pid      int32
	inv      native.Invoker
	resolver ParentResolver
	log      *slog.Logger

	// captured once at construction
	cmdline []string
	env     map[string]string

	// mu serializes publishing a snapshot and latching death. Readers only
	// load snap.
	mu     sync.Mutex
	snap   atomic.Pointer[Snapshot]
	rounds atomic.Uint64

	nameOnce sync.Once
	name     string

	parentMu       sync.Mutex
	parentResolved bool
	parent         *Handle
}

// New builds a handle for pid. The command line and environment are fetched
// once, then one refresh establishes liveness. An unknown pid yields a Dead
// handle, not an error; admission errors from the invoker are returned.
func New(ctx context.Context, pid int32, inv native.Invoker, opts ...Option) (*Handle, error) {
	h := &Handle{
		pid: pid,
		inv: inv,
		log: logging.WithPID(log, pid),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.snap.Store(&Snapshot{pid: pid, state: Alive})

	err := native.InScope(ctx, inv, func(ctx context.Context) error {
		args, err := native.Fetch[[]string](ctx, inv, native.OpProcArgs, native.PIDArgs(pid))
		if native.IsAdmission(err) {
			return err
		}
		if err != nil {
			h.log.Debug("command line unavailable", logging.KeyError, err.Error())
		}
		h.cmdline = args

		env, err := native.Fetch[map[string]string](ctx, inv, native.OpProcEnv, native.PIDArgs(pid))
		if native.IsAdmission(err) {
			return err
		}
		if err != nil {
			h.log.Debug("environment unavailable", logging.KeyError, err.Error())
		}
		h.env = env

		return h.refresh(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	return h, nil
}

func (h *Handle) PID() int32 { return h.pid }

// Refresh re-reads every mutable section. It is a no-op once the handle is
// dead. Lookup failures are absorbed into the death latch; admission errors
// (exhausted, unavailable, closed) leave the snapshot untouched and are
// returned.
func (h *Handle) Refresh(ctx context.Context) error {
	if h.snap.Load().state == Dead {
		return nil
	}
	return native.InScope(ctx, h.inv, h.refresh)
}

// FreshSnapshot refreshes and returns the resulting read-only snapshot.
func (h *Handle) FreshSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := h.Refresh(ctx); err != nil {
		return h.snap.Load(), err
	}
	return h.snap.Load(), nil
}

// Snapshot returns the last published snapshot without refreshing.
func (h *Handle) Snapshot() *Snapshot {
	return h.snap.Load()
}

func (h *Handle) refresh(ctx context.Context) error {
	if h.snap.Load().state == Dead {
		return nil
	}
	round := h.rounds.Add(1)

	next, err := h.fetch(ctx, round)
	if cerr := ctx.Err(); cerr != nil {
		// sections failed because the caller gave up, not because the
		// process changed
		return cerr
	}
	switch {
	case native.IsLookupFailed(err):
		h.latch(round, nil, err.Error())
		return nil
	case err != nil:
		return err
	}

	if next.status != nil && next.status.Status.Terminal() {
		h.latch(round, next.status, "status "+string(next.status.Status))
		return nil
	}
	h.publish(next)
	return nil
}

// fetch reads all sections without holding mu. Only the state section is
// mandatory; other sections that fail for reasons other than the process
// vanishing are left absent for this round.
func (h *Handle) fetch(ctx context.Context, round uint64) (*Snapshot, error) {
	args := native.PIDArgs(h.pid)

	next := &Snapshot{pid: h.pid, round: round, state: Alive}
	status, err := native.Fetch[native.StateInfo](ctx, h.inv, native.OpProcState, args)
	switch {
	case native.IsLookupFailed(err), native.IsAdmission(err):
		return nil, err
	case err != nil:
		h.log.Debug("section unavailable", logging.KeyOp, native.OpProcState.String(), logging.KeyError, err.Error())
	default:
		next.status = &status
		if status.Status.Terminal() {
			return next, nil
		}
	}

	var errs []error
	next.exec = section[native.ExecInfo](ctx, h, native.OpProcExec, &errs)
	next.memory = section[native.MemInfo](ctx, h, native.OpProcMemory, &errs)
	next.cpu = section[native.CPUInfo](ctx, h, native.OpProcCPU, &errs)
	next.fd = section[native.FDInfo](ctx, h, native.OpProcFD, &errs)
	next.cred = section[native.CredInfo](ctx, h, native.OpProcCred, &errs)
	next.credName = section[native.CredNameInfo](ctx, h, native.OpProcCredName, &errs)
	next.times = section[native.TimeInfo](ctx, h, native.OpProcTime, &errs)

	for _, err := range errs {
		if native.IsLookupFailed(err) || native.IsAdmission(err) {
			return nil, err
		}
	}
	next.refreshedAt = time.Now()
	return next, nil
}

func section[T any](ctx context.Context, h *Handle, op native.Op, errs *[]error) *T {
	v, err := native.Fetch[T](ctx, h.inv, op, native.PIDArgs(h.pid))
	if err != nil {
		if !native.IsLookupFailed(err) && !native.IsAdmission(err) {
			h.log.Debug("section unavailable", logging.KeyOp, op.String(), logging.KeyError, err.Error())
		}
		*errs = append(*errs, err)
		return nil
	}
	return &v
}

// publish swaps in next unless the handle died meanwhile or a newer round
// already landed.
func (h *Handle) publish(next *Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.snap.Load()
	if cur.state == Dead || cur.round > next.round {
		return
	}
	h.snap.Store(next)
}

func (h *Handle) latch(round uint64, status *native.StateInfo, reason string) {
	h.mu.Lock()
	cur := h.snap.Load()
	if cur.state == Dead {
		h.mu.Unlock()
		return
	}
	h.snap.Store(cur.frozen(round, status))
	h.mu.Unlock()

	h.log.Info("process no longer running", "reason", reason)
}

// IsRunning reflects the last refresh; it never calls the provider.
func (h *Handle) IsRunning() bool {
	return h.snap.Load().IsRunning()
}

func (h *Handle) State() State {
	return h.snap.Load().state
}

func (h *Handle) Exec() (native.ExecInfo, bool)         { return h.snap.Load().Exec() }
func (h *Handle) Status() (native.StateInfo, bool)      { return h.snap.Load().Status() }
func (h *Handle) Memory() (native.MemInfo, bool)        { return h.snap.Load().Memory() }
func (h *Handle) CPU() (native.CPUInfo, bool)           { return h.snap.Load().CPU() }
func (h *Handle) FD() (native.FDInfo, bool)             { return h.snap.Load().FD() }
func (h *Handle) Cred() (native.CredInfo, bool)         { return h.snap.Load().Cred() }
func (h *Handle) CredName() (native.CredNameInfo, bool) { return h.snap.Load().CredName() }
func (h *Handle) Time() (native.TimeInfo, bool)         { return h.snap.Load().Time() }
func (h *Handle) ParentPID() int32                      { return h.snap.Load().ParentPID() }

// CommandLine returns a copy of the arguments captured at construction.
func (h *Handle) CommandLine() []string {
	return slices.Clone(h.cmdline)
}

// Environment returns a copy of the environment captured at construction.
func (h *Handle) Environment() map[string]string {
	if h.env == nil {
		return map[string]string{}
	}
	return maps.Clone(h.env)
}

// Env returns one environment variable as captured at construction.
func (h *Handle) Env(key string) (string, bool) {
	v, ok := h.env[key]
	return v, ok
}

// Name is argv[0], else the executable name or path, else the scheduler's
// process name. It is computed on first use and never changes afterwards.
func (h *Handle) Name() string {
	h.nameOnce.Do(func() {
		snap := h.snap.Load()
		switch {
		case len(h.cmdline) > 0 && h.cmdline[0] != "":
			h.name = h.cmdline[0]
		case snap.exec != nil && snap.exec.Name != "":
			h.name = snap.exec.Name
		case snap.exec != nil && snap.exec.Path != "":
			h.name = snap.exec.Path
		case snap.status != nil:
			h.name = snap.status.Name
		}
	})
	return h.name
}

// BaseName is the last path element of Name, for either slash style.
func (h *Handle) BaseName() string {
	return BaseName(h.Name())
}

// BaseName strips directories using both '/' and '\' separators.
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Parent resolves the parent process handle once and caches the outcome,
// including "no parent", for the life of this handle. Later changes to the
// real parent id are deliberately not reflected. Admission errors are
// returned and not cached.
func (h *Handle) Parent(ctx context.Context) (*Handle, error) {
	h.parentMu.Lock()
	defer h.parentMu.Unlock()

	if h.parentResolved {
		return h.parent, nil
	}

	ppid := h.ParentPID()
	if ppid <= 0 || ppid == h.pid {
		h.parentResolved = true
		return nil, nil
	}

	resolver := h.resolver
	if resolver == nil {
		resolver = standalone{inv: h.inv}
	}
	parent, err := resolver.Lookup(ctx, ppid)
	switch {
	case native.IsAdmission(err):
		return nil, err
	case err != nil && !native.IsLookupFailed(err):
		return nil, err
	case err != nil, parent == nil, parent.State() == Dead:
		parent = nil
	}

	h.parentResolved = true
	h.parent = parent
	return parent, nil
}

// standalone resolves parents without a registry.
type standalone struct {
	inv native.Invoker
}

func (s standalone) Lookup(ctx context.Context, pid int32) (*Handle, error) {
	return New(ctx, pid, s.inv)
}
