package sysinfo

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/breeze-rmm/nativesys/internal/config"
	"github.com/breeze-rmm/nativesys/internal/health"
	"github.com/breeze-rmm/nativesys/internal/executor"
	"github.com/breeze-rmm/nativesys/internal/native"
	"github.com/breeze-rmm/nativesys/internal/svcquery"
)

type stubProvider struct {
	openErr  error
	disabled atomic.Bool
	opened   atomic.Int32
}

func (p *stubProvider) Name() string { return "stub" }
func (p *stubProvider) Disable()     { p.disabled.Store(true) }
func (p *stubProvider) Enable()      { p.disabled.Store(false) }

func (p *stubProvider) Open(ctx context.Context) (native.Session, error) {
	if p.disabled.Load() {
		return nil, native.ErrNativeUnavailable
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opened.Add(1)
	return stubSession{}, nil
}

type stubSession struct{}

func (stubSession) Close() error { return nil }

func (stubSession) Query(ctx context.Context, op native.Op, args native.Args) (any, error) {
	switch op {
	case native.OpHostInfo:
		return native.HostInfo{Hostname: "stubhost", OS: "linux", Platform: "debian", PlatformVersion: "12"}, nil
	case native.OpHostMemory:
		return native.HostMemory{Total: 1 << 30}, nil
	case native.OpProcList:
		return []int32{1, 2}, nil
	case native.OpProcTable:
		return []native.ProcEntry{{PID: 1, Name: "/sbin/init"}, {PID: 2, PPID: 1, Name: "/bin/sh"}}, nil
	case native.OpServices:
		return []svcquery.ServiceInfo{{Name: "sshd", Status: svcquery.StatusRunning}}, nil
	case native.OpExecute:
		return native.Execute(ctx, args)
	}
	if args.PID != 1 {
		return nil, native.ErrLookupFailed
	}
	switch op {
	case native.OpProcState:
		return native.StateInfo{Name: "init", Status: native.StatusSleep}, nil
	case native.OpProcExec:
		return native.ExecInfo{Path: "/sbin/init", Name: "init"}, nil
	case native.OpProcMemory:
		return native.MemInfo{RSS: 4096}, nil
	case native.OpProcCPU:
		return native.CPUInfo{}, nil
	case native.OpProcFD:
		return native.FDInfo{Open: 3}, nil
	case native.OpProcCred:
		return native.CredInfo{}, nil
	case native.OpProcCredName:
		return native.CredNameInfo{User: "root", Group: "root"}, nil
	case native.OpProcTime:
		return native.TimeInfo{}, nil
	case native.OpProcArgs:
		return []string{"/sbin/init"}, nil
	case native.OpProcEnv:
		return map[string]string{}, nil
	}
	return nil, native.ErrUnsupported
}

func TestNativeFacade(t *testing.T) {
	ctx := context.Background()
	mon := health.NewMonitor()
	s, err := New(ctx, config.Default(), WithProvider(&stubProvider{}), WithHealth(mon))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })

	if !s.IsNative() {
		t.Fatal("facade should be native")
	}
	if c, _ := mon.Get(health.ComponentNative); c.Status != health.Healthy {
		t.Fatalf("native health = %q", c.Status)
	}

	name, version, err := s.OperatingSystem(ctx)
	if err != nil || name != "debian" || version != "12" {
		t.Fatalf("OperatingSystem = %q %q %v", name, version, err)
	}
	if mem, err := s.Memory(ctx); err != nil || mem.Total == 0 {
		t.Fatalf("Memory = %+v, %v", mem, err)
	}
	if procs, err := s.Processes(ctx); err != nil || len(procs) != 2 {
		t.Fatalf("Processes = %v, %v", procs, err)
	}
	if svcs, err := s.Services(ctx); err != nil || len(svcs) != 1 || !svcs[0].IsActive() {
		t.Fatalf("Services = %v, %v", svcs, err)
	}

	h, err := s.Process(ctx, 1)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !h.IsRunning() {
		t.Fatal("pid 1 should be running")
	}
	if s.Coordinator().Live() != 0 {
		t.Fatalf("handles leaked: %d", s.Coordinator().Live())
	}
}

func TestUnavailableProviderDegrades(t *testing.T) {
	ctx := context.Background()
	mon := health.NewMonitor()
	p := &stubProvider{openErr: errors.New("no /proc")}
	s, err := New(ctx, config.Default(), WithProvider(p), WithHealth(mon))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s.IsNative() {
		t.Fatal("facade should be degraded")
	}
	if c, _ := mon.Get(health.ComponentNative); c.Status != health.Degraded {
		t.Fatalf("native health = %q, want degraded", c.Status)
	}

	host, err := s.Hostname(ctx)
	want, _ := os.Hostname()
	if err != nil || host != want {
		t.Fatalf("Hostname = %q, %v; want %q", host, err, want)
	}
	name, _, err := s.OperatingSystem(ctx)
	if err != nil || name != runtime.GOOS {
		t.Fatalf("OperatingSystem = %q, %v", name, err)
	}

	if _, err := s.Processes(ctx); !errors.Is(err, native.ErrUnsupported) {
		t.Fatalf("Processes: expected ErrUnsupported, got %v", err)
	}
	if _, err := s.Memory(ctx); !errors.Is(err, native.ErrUnsupported) {
		t.Fatalf("Memory: expected ErrUnsupported, got %v", err)
	}
	if _, err := s.ThisProcess(ctx); !errors.Is(err, native.ErrUnsupported) {
		t.Fatalf("ThisProcess: expected ErrUnsupported, got %v", err)
	}
	if _, err := s.Services(ctx); !errors.Is(err, native.ErrUnsupported) {
		t.Fatalf("Services: expected ErrUnsupported, got %v", err)
	}
	if runtime.GOOS != "windows" {
		res, err := s.Execute(ctx, executor.Execution{Command: "echo", Args: []string{"degraded"}, CaptureOutput: true})
		if err != nil || res.Stdout != "degraded\n" {
			t.Fatalf("Execute in degraded mode = %+v, %v", res, err)
		}
	}
}

func TestDisabledByConfiguration(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.NativeDisabled = true
	p := &stubProvider{}

	s, err := New(ctx, cfg, WithProvider(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.IsNative() {
		t.Fatal("native should be disabled")
	}
	if p.opened.Load() != 0 {
		t.Fatal("disabled facade must not open native sessions")
	}

	if err := s.EnableNative(ctx); err != nil {
		t.Fatalf("EnableNative: %v", err)
	}
	if !s.IsNative() {
		t.Fatal("native should be enabled again")
	}

	s.DisableNative()
	if s.IsNative() {
		t.Fatal("DisableNative had no effect")
	}
	if _, err := s.PIDs(ctx); !errors.Is(err, native.ErrUnsupported) {
		t.Fatalf("PIDs after disable: %v", err)
	}
}

func TestShutdownClosesCoordinator(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, config.Default(), WithProvider(&stubProvider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := s.Host(ctx); !errors.Is(err, native.ErrHandleClosed) {
		t.Fatalf("Host after shutdown: expected ErrHandleClosed, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(ctx, nil, WithProvider(&stubProvider{})); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
