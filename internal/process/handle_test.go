package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/breeze-rmm/nativesys/internal/native"
)

type revKey struct{}

type fakeProc struct {
	alive  bool
	status native.Status
	ppid   int32
	args   []string
	env    map[string]string
	exec   *native.ExecInfo
}

// fakeInvoker serves a scripted process table. Every Scope gets a new
// revision and every section returned inside it carries that revision, so a
// snapshot mixing two rounds is detectable.
type fakeInvoker struct {
	mu       sync.Mutex
	procs    map[int32]*fakeProc
	admitErr error
	sectErr  map[native.Op]error

	rev   atomic.Int64
	calls atomic.Int64
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{procs: make(map[int32]*fakeProc), sectErr: make(map[native.Op]error)}
}

func (f *fakeInvoker) set(pid int32, p fakeProc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = &p
}

func (f *fakeInvoker) update(pid int32, fn func(p *fakeProc)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.procs[pid])
}

func (f *fakeInvoker) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(revKey{}).(int64); !ok {
		ctx = context.WithValue(ctx, revKey{}, f.rev.Add(1))
	}
	return fn(ctx)
}

func (f *fakeInvoker) Invoke(ctx context.Context, op native.Op, args native.Args) (any, error) {
	f.calls.Add(1)
	rev, _ := ctx.Value(revKey{}).(int64)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return nil, fmt.Errorf("%s: %w", op, f.admitErr)
	}
	if err := f.sectErr[op]; err != nil {
		return nil, err
	}
	p := f.procs[args.PID]
	if p == nil || !p.alive {
		return nil, fmt.Errorf("%s pid %d: %w", op, args.PID, native.ErrLookupFailed)
	}

	switch op {
	case native.OpProcArgs:
		return p.args, nil
	case native.OpProcEnv:
		return p.env, nil
	case native.OpProcState:
		return native.StateInfo{Name: "fake", Status: p.status, PPID: p.ppid, Threads: int32(rev)}, nil
	case native.OpProcExec:
		if p.exec != nil {
			return *p.exec, nil
		}
		return native.ExecInfo{Path: "/usr/bin/fake", Name: "fake"}, nil
	case native.OpProcMemory:
		return native.MemInfo{RSS: uint64(rev)}, nil
	case native.OpProcCPU:
		return native.CPUInfo{Total: float64(rev)}, nil
	case native.OpProcFD:
		return native.FDInfo{Open: int32(rev)}, nil
	case native.OpProcCred:
		return native.CredInfo{UID: int32(rev)}, nil
	case native.OpProcCredName:
		return native.CredNameInfo{User: "nobody"}, nil
	case native.OpProcTime:
		return native.TimeInfo{}, nil
	}
	return nil, native.ErrUnsupported
}

func mustNew(t *testing.T, pid int32, inv native.Invoker, opts ...Option) *Handle {
	t.Helper()
	h, err := New(context.Background(), pid, inv, opts...)
	if err != nil {
		t.Fatalf("New(%d): %v", pid, err)
	}
	return h
}

func TestNewCapturesArgsAndEnv(t *testing.T) {
	f := newFakeInvoker()
	f.set(42, fakeProc{
		alive:  true,
		status: native.StatusSleep,
		ppid:   1,
		args:   []string{"/opt/app/bin/server", "-port", "80"},
		env:    map[string]string{"HOME": "/root"},
	})
	h := mustNew(t, 42, f)

	if !h.IsRunning() || h.State() != Alive {
		t.Fatalf("expected running alive handle, state %v", h.State())
	}
	if h.Name() != "/opt/app/bin/server" || h.BaseName() != "server" {
		t.Fatalf("name %q base %q", h.Name(), h.BaseName())
	}
	if v, ok := h.Env("HOME"); !ok || v != "/root" {
		t.Fatalf("HOME = %q, %v", v, ok)
	}

	// later changes to the real process are not reflected
	f.update(42, func(p *fakeProc) {
		p.args = []string{"other"}
		p.env = map[string]string{}
	})
	if err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := h.CommandLine(); len(got) != 3 {
		t.Fatalf("command line changed after construction: %v", got)
	}

	cl := h.CommandLine()
	cl[0] = "mutated"
	if h.Name() == "mutated" || h.CommandLine()[0] == "mutated" {
		t.Fatal("CommandLine must return a copy")
	}
}

func TestNameFallbackOrder(t *testing.T) {
	tests := []struct {
		desc string
		proc fakeProc
		want string
	}{
		{"exec name", fakeProc{exec: &native.ExecInfo{Path: "/usr/bin/fake", Name: "fake"}}, "fake"},
		{"exec path", fakeProc{exec: &native.ExecInfo{Path: "/opt/tools/agent"}}, "/opt/tools/agent"},
		{"state name", fakeProc{exec: &native.ExecInfo{}}, "fake"},
		{"argv0 wins", fakeProc{args: []string{"/sbin/init", "splash"}}, "/sbin/init"},
	}
	for _, tt := range tests {
		f := newFakeInvoker()
		tt.proc.alive = true
		tt.proc.status = native.StatusRunning
		f.set(7, tt.proc)
		h := mustNew(t, 7, f)
		if got := h.Name(); got != tt.want {
			t.Errorf("%s: name = %q, want %q", tt.desc, got, tt.want)
		}
	}
}

func TestBaseNameBothSeparators(t *testing.T) {
	tests := map[string]string{
		`C:\Program Files\App\runme.bat`: "runme.bat",
		"/foo/bin/java.exe":              "java.exe",
		"exec":                           "exec",
		"":                               "",
	}
	for in, want := range tests {
		if got := BaseName(in); got != want {
			t.Errorf("BaseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnknownPIDIsDead(t *testing.T) {
	f := newFakeInvoker()
	h, err := New(context.Background(), 9999, f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.State() != Dead || h.IsRunning() {
		t.Fatalf("unknown pid should be dead, state %v", h.State())
	}
	if len(h.CommandLine()) != 0 || len(h.Environment()) != 0 {
		t.Fatal("unknown pid should have empty args and env")
	}
}

func TestDeathLatchSurvivesFlapping(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(5, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 5, f)

	f.update(5, func(p *fakeProc) { p.alive = false })
	if err := h.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if h.IsRunning() {
		t.Fatal("handle should be dead after lookup failure")
	}

	// the provider now claims the process is back
	f.update(5, func(p *fakeProc) { p.alive = true })
	calls := f.calls.Load()
	for i := 0; i < 100; i++ {
		if err := h.Refresh(ctx); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
		if h.IsRunning() {
			t.Fatalf("refresh %d resurrected a dead handle", i)
		}
	}
	if got := f.calls.Load(); got != calls {
		t.Fatalf("dead handle made %d native calls", got-calls)
	}
}

func TestDeathLatchConcurrentRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(5, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 5, f)

	var resurrected atomic.Bool
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sawDead := false
			for i := 0; i < 200; i++ {
				h.Refresh(ctx)
				if sawDead && h.IsRunning() {
					resurrected.Store(true)
				}
				if h.State() == Dead {
					sawDead = true
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		f.update(5, func(p *fakeProc) { p.alive = !p.alive })
	}
	f.update(5, func(p *fakeProc) { p.alive = false })
	wg.Wait()
	h.Refresh(ctx)

	if h.State() != Dead || h.IsRunning() {
		t.Fatal("handle should end dead")
	}
	if resurrected.Load() {
		t.Fatal("dead handle reported running")
	}
	for i := 0; i < 100; i++ {
		f.update(5, func(p *fakeProc) { p.alive = true })
		h.Refresh(ctx)
		if h.IsRunning() {
			t.Fatal("dead handle came back")
		}
	}
}

func TestZombieLatchesDead(t *testing.T) {
	f := newFakeInvoker()
	f.set(8, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 8, f)

	f.update(8, func(p *fakeProc) { p.status = native.StatusZombie })
	h.Refresh(context.Background())
	if h.State() != Dead || h.IsRunning() {
		t.Fatal("zombie should latch dead")
	}
	st, ok := h.Status()
	if !ok || st.Status != native.StatusZombie {
		t.Fatalf("dead snapshot should keep the terminal status, got %+v", st)
	}

	f.update(8, func(p *fakeProc) { p.status = native.StatusRunning })
	h.Refresh(context.Background())
	if h.IsRunning() {
		t.Fatal("zombie came back to life")
	}
}

func TestNonTerminalStatusesKeepRunning(t *testing.T) {
	for _, status := range []native.Status{
		native.StatusRunning, native.StatusSleep, native.StatusIdle,
		native.StatusBlocked, native.StatusWait, native.StatusLock, native.StatusUnknown,
	} {
		f := newFakeInvoker()
		f.set(3, fakeProc{alive: true, status: status})
		h := mustNew(t, 3, f)
		if !h.IsRunning() {
			t.Errorf("status %q should count as running", status)
		}
	}
}

func TestStoppedProcessCanContinue(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(3, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 3, f)

	f.update(3, func(p *fakeProc) { p.status = native.StatusStop })
	if err := h.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if h.IsRunning() {
		t.Fatal("stopped process should not be running")
	}
	if h.State() != Alive {
		t.Fatal("stopped process must not latch dead")
	}

	f.update(3, func(p *fakeProc) { p.status = native.StatusSleep })
	if err := h.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !h.IsRunning() {
		t.Fatal("continued process should be running again")
	}
}

func TestFreshSnapshotConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(11, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 11, f)

	var notRunning, failed atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 40; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s, err := h.FreshSnapshot(ctx)
				if err != nil {
					failed.Add(1)
					continue
				}
				if !s.IsRunning() {
					notRunning.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if notRunning.Load() != 0 || failed.Load() != 0 {
		t.Fatalf("live process: %d not running, %d errors", notRunning.Load(), failed.Load())
	}

	f.update(11, func(p *fakeProc) { p.alive = false })
	s, err := h.FreshSnapshot(ctx)
	if err != nil || s.IsRunning() {
		t.Fatalf("first snapshot after exit: running=%v err=%v", s.IsRunning(), err)
	}
	f.update(11, func(p *fakeProc) { p.alive = true })
	for i := 0; i < 100; i++ {
		s, err := h.FreshSnapshot(ctx)
		if err != nil {
			t.Fatalf("FreshSnapshot %d: %v", i, err)
		}
		if s.IsRunning() || s.State() != Dead {
			t.Fatalf("snapshot %d after exit reports running", i)
		}
	}
}

// cancellingInvoker cancels the caller's context while one section is being
// read, as a caller giving up mid-refresh would.
type cancellingInvoker struct {
	*fakeInvoker
	op     native.Op
	armed  atomic.Bool
	cancel context.CancelFunc
}

func (c *cancellingInvoker) Invoke(ctx context.Context, op native.Op, args native.Args) (any, error) {
	if op == c.op && c.armed.Load() {
		c.cancel()
		return nil, ctx.Err()
	}
	return c.fakeInvoker.Invoke(ctx, op, args)
}

func TestCancelledRefreshKeepsSnapshot(t *testing.T) {
	f := newFakeInvoker()
	f.set(12, fakeProc{alive: true, status: native.StatusRunning})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := &cancellingInvoker{fakeInvoker: f, op: native.OpProcMemory, cancel: cancel}
	h := mustNew(t, 12, inv)
	before := h.Snapshot()

	inv.armed.Store(true)
	if err := h.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.Snapshot() != before {
		t.Fatal("a cancelled round must not replace the snapshot")
	}
	if _, ok := h.Memory(); !ok || !h.IsRunning() {
		t.Fatal("previous sections should survive a cancelled round")
	}
}

func TestAdmissionErrorLeavesStateUntouched(t *testing.T) {
	f := newFakeInvoker()
	f.set(4, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 4, f)
	before := h.Snapshot()

	f.mu.Lock()
	f.admitErr = native.ErrResourceExhausted
	f.mu.Unlock()

	err := h.Refresh(context.Background())
	if !errors.Is(err, native.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if h.Snapshot() != before || !h.IsRunning() {
		t.Fatal("admission failure must not change the snapshot")
	}

	if _, err := New(context.Background(), 4, f); !errors.Is(err, native.ErrResourceExhausted) {
		t.Fatalf("New should surface admission errors, got %v", err)
	}
}

func TestSectionErrorLeavesSectionAbsent(t *testing.T) {
	f := newFakeInvoker()
	f.set(4, fakeProc{alive: true, status: native.StatusRunning})
	f.sectErr[native.OpProcFD] = errors.New("permission denied")
	h := mustNew(t, 4, f)

	if !h.IsRunning() {
		t.Fatal("handle should be running")
	}
	if _, ok := h.FD(); ok {
		t.Fatal("fd section should be absent")
	}
	if _, ok := h.Memory(); !ok {
		t.Fatal("memory section should be present")
	}
}

func TestSnapshotsAreAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(6, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 6, f)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.Refresh(ctx)
				}
			}
		}()
	}

	var last uint64
	for i := 0; i < 2000; i++ {
		s := h.Snapshot()
		st, _ := s.Status()
		mem, _ := s.Memory()
		fd, _ := s.FD()
		cred, _ := s.Cred()
		if mem.RSS != uint64(st.Threads) || fd.Open != st.Threads || cred.UID != st.Threads {
			t.Fatalf("snapshot mixes rounds: state=%d mem=%d fd=%d cred=%d", st.Threads, mem.RSS, fd.Open, cred.UID)
		}
		if s.Round() < last {
			t.Fatalf("round went backwards: %d after %d", s.Round(), last)
		}
		last = s.Round()
	}
	close(stop)
	wg.Wait()
}

func TestStaleRoundIsIgnored(t *testing.T) {
	f := newFakeInvoker()
	f.set(6, fakeProc{alive: true, status: native.StatusRunning})
	h := mustNew(t, 6, f)
	h.Refresh(context.Background())

	cur := h.Snapshot()
	h.publish(&Snapshot{pid: 6, round: cur.Round() - 1, state: Alive})
	if h.Snapshot() != cur {
		t.Fatal("older round replaced a newer snapshot")
	}
}

type countingResolver struct {
	inv   native.Invoker
	calls atomic.Int32
	err   error
}

func (r *countingResolver) Lookup(ctx context.Context, pid int32) (*Handle, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return New(ctx, pid, r.inv)
}

func TestParentIsResolvedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(1, fakeProc{alive: true, status: native.StatusSleep})
	f.set(20, fakeProc{alive: true, status: native.StatusRunning, ppid: 1})
	r := &countingResolver{inv: f}
	h := mustNew(t, 20, f, WithParentResolver(r))

	p, err := h.Parent(ctx)
	if err != nil || p == nil || p.PID() != 1 {
		t.Fatalf("Parent = %v, %v", p, err)
	}

	// reparenting is not reflected
	f.update(20, func(p *fakeProc) { p.ppid = 30 })
	h.Refresh(ctx)
	again, _ := h.Parent(ctx)
	if again != p || r.calls.Load() != 1 {
		t.Fatalf("parent should be cached, resolver called %d times", r.calls.Load())
	}
}

func TestParentAbsentIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(20, fakeProc{alive: true, status: native.StatusRunning, ppid: 77})
	r := &countingResolver{inv: f}
	h := mustNew(t, 20, f, WithParentResolver(r))

	for i := 0; i < 3; i++ {
		p, err := h.Parent(ctx)
		if err != nil || p != nil {
			t.Fatalf("Parent = %v, %v; want nil, nil", p, err)
		}
	}
	if r.calls.Load() != 1 {
		t.Fatalf("missing parent resolved %d times, want 1", r.calls.Load())
	}

	f.set(21, fakeProc{alive: true, status: native.StatusRunning})
	top := mustNew(t, 21, f)
	if p, err := top.Parent(ctx); p != nil || err != nil {
		t.Fatalf("ppid 0 should have no parent, got %v, %v", p, err)
	}
}

func TestParentAdmissionErrorNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFakeInvoker()
	f.set(1, fakeProc{alive: true, status: native.StatusSleep})
	f.set(20, fakeProc{alive: true, status: native.StatusRunning, ppid: 1})
	r := &countingResolver{inv: f, err: native.ErrResourceExhausted}
	h := mustNew(t, 20, f, WithParentResolver(r))

	if _, err := h.Parent(ctx); !errors.Is(err, native.ErrResourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	r.err = nil
	p, err := h.Parent(ctx)
	if err != nil || p == nil {
		t.Fatalf("retry after exhaustion: %v, %v", p, err)
	}
}

func TestReportCarriesSections(t *testing.T) {
	f := newFakeInvoker()
	f.set(9, fakeProc{
		alive:  true,
		status: native.StatusRunning,
		ppid:   1,
		args:   []string{"/bin/app"},
		env:    map[string]string{"A": "1"},
	})
	h := mustNew(t, 9, f)

	r := h.Report(false)
	if r.PID != 9 || r.PPID != 1 || r.Name != "/bin/app" || !r.Running || r.State != "alive" {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.Memory == nil || r.Status == nil {
		t.Fatal("report should carry present sections")
	}
	if r.Environment != nil {
		t.Fatal("environment should be omitted")
	}
	if h.Report(true).Environment["A"] != "1" {
		t.Fatal("environment should be included on request")
	}
}
