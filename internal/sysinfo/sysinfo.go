// Package sysinfo is the entry point for host and process facts. It owns the
// native provider and the coordinator every native call goes through, and
// falls back to a degraded runtime-only source when native access is
// unavailable or switched off.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/breeze-rmm/nativesys/internal/config"
	"github.com/breeze-rmm/nativesys/internal/coordinator"
	"github.com/breeze-rmm/nativesys/internal/executor"
	"github.com/breeze-rmm/nativesys/internal/health"
	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/native"
	"github.com/breeze-rmm/nativesys/internal/process"
	"github.com/breeze-rmm/nativesys/internal/svcquery"
)

var log = logging.L("sysinfo")

type Option func(*SystemInfo)

// WithProvider replaces the gopsutil provider.
func WithProvider(p native.Provider) Option {
	return func(s *SystemInfo) { s.provider = p }
}

// WithHealth reports native availability and coordinator pressure to m.
func WithHealth(m *health.Monitor) Option {
	return func(s *SystemInfo) { s.health = m }
}

// toggler is implemented by providers that can be switched off at runtime.
type toggler interface {
	Disable()
	Enable()
}

// SystemInfo is safe for concurrent use.
type SystemInfo struct {
	provider native.Provider
	coord    *coordinator.Coordinator
	health   *health.Monitor
	native   atomic.Bool
}

// New builds the provider and coordinator from cfg and probes native access
// once. A failed probe is not an error: the facade starts degraded.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*SystemInfo, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &SystemInfo{}
	for _, opt := range opts {
		opt(s)
	}
	if s.provider == nil {
		s.provider = native.NewProvider(native.ProviderOptions{Disabled: cfg.NativeDisabled})
	}
	s.coord = coordinator.New(s.provider, coordinator.Options{MaxHandles: cfg.MaxNativeHandles})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case cfg.NativeDisabled:
		if t, ok := s.provider.(toggler); ok {
			t.Disable()
		}
		log.Info("native system info disabled by configuration")
		s.report(health.Degraded, "disabled by configuration")
	default:
		if err := s.probe(ctx); err != nil {
			log.Warn("native system info unavailable, using degraded source",
				logging.KeyProvider, s.provider.Name(), logging.KeyError, err.Error())
			s.report(health.Degraded, err.Error())
		} else {
			s.native.Store(true)
			log.Info("native system info enabled", logging.KeyProvider, s.provider.Name(), "maxHandles", s.coord.Max())
			s.report(health.Healthy, "")
		}
	}
	return s, nil
}

// probe opens and releases one handle.
func (s *SystemInfo) probe(ctx context.Context) error {
	return s.coord.Scope(ctx, func(context.Context) error { return nil })
}

func (s *SystemInfo) report(status health.Status, msg string) {
	if s.health != nil {
		s.health.Update(health.ComponentNative, status, msg)
	}
}

// IsNative reports whether native queries are in use.
func (s *SystemInfo) IsNative() bool {
	return s.native.Load()
}

// DisableNative switches every later query to the degraded source. Calls
// already in flight finish on their native handles.
func (s *SystemInfo) DisableNative() {
	if !s.native.Swap(false) {
		return
	}
	if t, ok := s.provider.(toggler); ok {
		t.Disable()
	}
	log.Info("native system info disabled")
	s.report(health.Degraded, "disabled")
}

// EnableNative re-enables the provider and probes it again.
func (s *SystemInfo) EnableNative(ctx context.Context) error {
	if s.native.Load() {
		return nil
	}
	if t, ok := s.provider.(toggler); ok {
		t.Enable()
	}
	if err := s.probe(ctx); err != nil {
		s.report(health.Degraded, err.Error())
		return err
	}
	s.native.Store(true)
	log.Info("native system info enabled", logging.KeyProvider, s.provider.Name())
	s.report(health.Healthy, "")
	return nil
}

// Invoker returns the coordinator, or the degraded source when native access
// is off.
func (s *SystemInfo) Invoker() native.Invoker {
	if s.native.Load() {
		return s.coord
	}
	return native.InvokerFunc(degraded)
}

func (s *SystemInfo) Coordinator() *coordinator.Coordinator {
	return s.coord
}

func (s *SystemInfo) Host(ctx context.Context) (native.HostInfo, error) {
	return native.Fetch[native.HostInfo](ctx, s.Invoker(), native.OpHostInfo, native.Args{})
}

func (s *SystemInfo) Hostname(ctx context.Context) (string, error) {
	h, err := s.Host(ctx)
	if err != nil {
		return "", err
	}
	return h.Hostname, nil
}

// OperatingSystem returns the platform name and version; the version is
// empty in degraded mode.
func (s *SystemInfo) OperatingSystem(ctx context.Context) (name, version string, err error) {
	h, err := s.Host(ctx)
	if err != nil {
		return "", "", err
	}
	name = h.Platform
	if name == "" {
		name = h.OS
	}
	return name, h.PlatformVersion, nil
}

func (s *SystemInfo) Memory(ctx context.Context) (native.HostMemory, error) {
	return native.Fetch[native.HostMemory](ctx, s.Invoker(), native.OpHostMemory, native.Args{})
}

func (s *SystemInfo) Swap(ctx context.Context) (native.SwapMemory, error) {
	return native.Fetch[native.SwapMemory](ctx, s.Invoker(), native.OpHostSwap, native.Args{})
}

func (s *SystemInfo) NetworkAdapters(ctx context.Context) ([]native.NetworkAdapter, error) {
	return native.Fetch[[]native.NetworkAdapter](ctx, s.Invoker(), native.OpNetworkAdapters, native.Args{})
}

// Services lists the host's system services. It fails with
// native.ErrUnsupported in degraded mode and where the platform has no
// service manager backend.
func (s *SystemInfo) Services(ctx context.Context) ([]svcquery.ServiceInfo, error) {
	return native.Fetch[[]svcquery.ServiceInfo](ctx, s.Invoker(), native.OpServices, native.Args{})
}

// Execute runs a program and waits for it. In native mode each run holds a
// coordinator handle, so concurrent runs count against the handle cap.
func (s *SystemInfo) Execute(ctx context.Context, e executor.Execution) (executor.Result, error) {
	return native.Fetch[executor.Result](ctx, s.Invoker(), native.OpExecute, native.Args{Exec: &e})
}

// Processes returns the full process table.
func (s *SystemInfo) Processes(ctx context.Context) ([]native.ProcEntry, error) {
	return native.Fetch[[]native.ProcEntry](ctx, s.Invoker(), native.OpProcTable, native.Args{})
}

func (s *SystemInfo) PIDs(ctx context.Context) ([]int32, error) {
	return native.Fetch[[]int32](ctx, s.Invoker(), native.OpProcList, native.Args{})
}

// Process builds a handle for pid. It fails with native.ErrUnsupported in
// degraded mode.
func (s *SystemInfo) Process(ctx context.Context, pid int32, opts ...process.Option) (*process.Handle, error) {
	if !s.native.Load() {
		return nil, fmt.Errorf("process %d: %w", pid, native.ErrUnsupported)
	}
	h, err := process.New(ctx, pid, s.coord, opts...)
	if errors.Is(err, native.ErrResourceExhausted) && s.health != nil {
		s.health.Update(health.ComponentCoordinator, health.Degraded, err.Error())
	}
	return h, err
}

// ThisProcess is a handle for the current process.
func (s *SystemInfo) ThisProcess(ctx context.Context) (*process.Handle, error) {
	return s.Process(ctx, int32(os.Getpid()))
}

// Shutdown closes the coordinator; later native calls fail with
// native.ErrHandleClosed.
func (s *SystemInfo) Shutdown() error {
	return s.coord.Close()
}
