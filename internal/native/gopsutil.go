package native

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/nativesys/internal/executor"
	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/svcquery"
)

var log = logging.L("native")

// ProviderOptions tunes the gopsutil provider.
type ProviderOptions struct {
	// Disabled makes every Open fail with ErrNativeUnavailable.
	Disabled bool
}

// GopsutilProvider is the native provider backed by gopsutil.
type GopsutilProvider struct {
	disabled  atomic.Bool
	probeOnce sync.Once
	probeErr  error
}

// NewProvider returns a gopsutil-backed provider.
func NewProvider(opts ProviderOptions) *GopsutilProvider {
	p := &GopsutilProvider{}
	p.disabled.Store(opts.Disabled)
	return p
}

func (p *GopsutilProvider) Name() string { return "gopsutil" }

// Disable makes future Open calls fail. Existing sessions keep working.
func (p *GopsutilProvider) Disable() { p.disabled.Store(true) }

// Enable reverses Disable.
func (p *GopsutilProvider) Enable() { p.disabled.Store(false) }

// Disabled reports whether the provider was disabled.
func (p *GopsutilProvider) Disabled() bool { return p.disabled.Load() }

// Available opens and closes one session to find out whether native queries
// work on this host.
func (p *GopsutilProvider) Available(ctx context.Context) error {
	s, err := p.Open(ctx)
	if err != nil {
		return err
	}
	return s.Close()
}

// Open probes the process table once per provider; the probe result is
// cached so a broken host fails fast on every later Open.
func (p *GopsutilProvider) Open(ctx context.Context) (Session, error) {
	if p.disabled.Load() {
		return nil, fmt.Errorf("%w: disabled by configuration", ErrNativeUnavailable)
	}

	p.probeOnce.Do(func() {
		if _, err := process.PidsWithContext(ctx); err != nil {
			p.probeErr = err
			log.Warn("native provider probe failed", logging.KeyError, err.Error())
		}
	})
	if p.probeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNativeUnavailable, p.probeErr)
	}

	return &gopsutilSession{procs: make(map[int32]*process.Process)}, nil
}

type gopsutilSession struct {
	closed atomic.Bool

	mu    sync.Mutex
	procs map[int32]*process.Process
}

func (s *gopsutilSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.procs = nil
	s.mu.Unlock()
	return nil
}

func (s *gopsutilSession) Query(ctx context.Context, op Op, args Args) (any, error) {
	if s.closed.Load() {
		return nil, ErrHandleClosed
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%s: %w", op, ErrUnsupported)
	}

	if op.NeedsPID() {
		p, err := s.process(ctx, args.PID)
		if err != nil {
			return nil, err
		}
		res, err := queryProcess(ctx, p, op)
		if err != nil {
			return nil, classify(ctx, op, args.PID, err)
		}
		return res, nil
	}

	switch op {
	case OpProcList:
		return process.PidsWithContext(ctx)
	case OpProcTable:
		return processTable(ctx)
	case OpHostInfo:
		return hostInfo(ctx)
	case OpHostMemory:
		return hostMemory(ctx)
	case OpHostSwap:
		return swapMemory(ctx)
	case OpNetworkAdapters:
		return networkAdapters(ctx)
	case OpServices:
		return services(ctx)
	case OpExecute:
		return Execute(ctx, args)
	}
	return nil, fmt.Errorf("%s: %w", op, ErrUnsupported)
}

func (s *gopsutilSession) process(ctx context.Context, pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.procs == nil {
		return nil, ErrHandleClosed
	}
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrLookupFailed)
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, classify(ctx, OpProcState, pid, err)
	}
	s.procs[pid] = p
	return p, nil
}

// classify turns "no such process" flavours into ErrLookupFailed.
func classify(ctx context.Context, op Op, pid int32, err error) error {
	if errors.Is(err, ErrLookupFailed) {
		return err
	}
	if errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ESRCH) ||
		!pidAlive(ctx, pid) {
		return fmt.Errorf("%s pid %d: %w: %v", op, pid, ErrLookupFailed, err)
	}
	return fmt.Errorf("%s pid %d: %w", op, pid, err)
}

func notImplemented(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not implemented")
}

func queryProcess(ctx context.Context, p *process.Process, op Op) (any, error) {
	switch op {
	case OpProcExec:
		return execInfo(ctx, p)
	case OpProcState:
		return stateInfo(ctx, p)
	case OpProcMemory:
		return memInfo(ctx, p)
	case OpProcCPU:
		return cpuInfo(ctx, p)
	case OpProcFD:
		n, err := p.NumFDsWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return FDInfo{Open: n}, nil
	case OpProcCred:
		return credInfo(ctx, p)
	case OpProcCredName:
		return credNameInfo(ctx, p)
	case OpProcTime:
		return timeInfo(ctx, p)
	case OpProcArgs:
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return args, nil
	case OpProcEnv:
		env, err := p.EnvironWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return parseEnviron(env), nil
	}
	return nil, fmt.Errorf("%s: %w", op, ErrUnsupported)
}

func execInfo(ctx context.Context, p *process.Process) (ExecInfo, error) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ExecInfo{}, err
	}
	info := ExecInfo{Name: name}
	// exe and cwd are often unreadable for other users' processes
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.Path = exe
	}
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		info.Cwd = cwd
	}
	return info, nil
}

func stateInfo(ctx context.Context, p *process.Process) (StateInfo, error) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return StateInfo{}, err
	}
	info := StateInfo{Name: name, Status: StatusUnknown}

	status, err := p.StatusWithContext(ctx)
	switch {
	case err == nil && len(status) > 0:
		info.Status = NormalizeStatus(status[0])
	case notImplemented(err):
		// no scheduler state on this platform; the process answered, so it runs
		info.Status = StatusRunning
	case err != nil:
		return StateInfo{}, err
	}

	if ppid, err := p.PpidWithContext(ctx); err == nil {
		info.PPID = ppid
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		info.Threads = threads
	}
	return info, nil
}

func memInfo(ctx context.Context, p *process.Process) (MemInfo, error) {
	m, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return MemInfo{}, err
	}
	info := MemInfo{RSS: m.RSS, VMS: m.VMS, Swap: m.Swap}
	if pf, err := p.PageFaultsWithContext(ctx); err == nil && pf != nil {
		info.MinorFaults = pf.MinorFaults
		info.MajorFaults = pf.MajorFaults
	}
	return info, nil
}

func cpuInfo(ctx context.Context, p *process.Process) (CPUInfo, error) {
	t, err := p.TimesWithContext(ctx)
	if err != nil {
		return CPUInfo{}, err
	}
	info := CPUInfo{User: t.User, System: t.System, Total: t.User + t.System}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		info.Percent = pct
	}
	return info, nil
}

func credInfo(ctx context.Context, p *process.Process) (CredInfo, error) {
	var info CredInfo
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		if notImplemented(err) {
			return info, nil
		}
		return info, err
	}
	if len(uids) > 0 {
		info.UID = uids[0]
		info.EUID = uids[0]
	}
	if len(uids) > 1 {
		info.EUID = uids[1]
	}
	if gids, err := p.GidsWithContext(ctx); err == nil {
		if len(gids) > 0 {
			info.GID = gids[0]
			info.EGID = gids[0]
		}
		if len(gids) > 1 {
			info.EGID = gids[1]
		}
	}
	return info, nil
}

func credNameInfo(ctx context.Context, p *process.Process) (CredNameInfo, error) {
	var info CredNameInfo
	username, err := p.UsernameWithContext(ctx)
	if err != nil && !notImplemented(err) {
		return info, err
	}
	info.User = username
	if gids, err := p.GidsWithContext(ctx); err == nil && len(gids) > 0 {
		if g, err := user.LookupGroupId(strconv.Itoa(int(gids[0]))); err == nil {
			info.Group = g.Name
		}
	}
	return info, nil
}

func timeInfo(ctx context.Context, p *process.Process) (TimeInfo, error) {
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return TimeInfo{}, err
	}
	start := time.UnixMilli(ms)
	return TimeInfo{StartTime: start, Elapsed: time.Since(start)}, nil
}

func parseEnviron(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func processTable(ctx context.Context) ([]ProcEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]ProcEntry, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.ExeWithContext(ctx)
		if err != nil || name == "" {
			name, err = p.NameWithContext(ctx)
		}
		if err != nil {
			// gone between listing and reading
			skipped++
			continue
		}
		entry := ProcEntry{PID: p.Pid, Name: name}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			entry.PPID = ppid
		}
		if args, err := p.CmdlineSliceWithContext(ctx); err == nil {
			entry.CommandLine = args
		}
		entries = append(entries, entry)
	}

	if skipped > 0 {
		log.Debug("process table skipped processes", "skipped", skipped, "total", len(procs))
	}
	return entries, nil
}

func hostInfo(ctx context.Context) (HostInfo, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{
		Hostname:        h.Hostname,
		OS:              h.OS,
		Platform:        h.Platform,
		PlatformVersion: h.PlatformVersion,
		KernelVersion:   h.KernelVersion,
		Arch:            h.KernelArch,
		BootTime:        time.Unix(int64(h.BootTime), 0),
		Uptime:          h.Uptime,
	}, nil
}

func hostMemory(ctx context.Context) (HostMemory, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostMemory{}, err
	}
	return HostMemory{
		Total:       v.Total,
		Available:   v.Available,
		Used:        v.Used,
		Free:        v.Free,
		UsedPercent: v.UsedPercent,
	}, nil
}

func swapMemory(ctx context.Context) (SwapMemory, error) {
	s, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return SwapMemory{}, err
	}
	return SwapMemory{Total: s.Total, Used: s.Used, Free: s.Free, UsedPercent: s.UsedPercent}, nil
}

func networkAdapters(ctx context.Context) ([]NetworkAdapter, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	adapters := make([]NetworkAdapter, 0, len(ifaces))
	for _, iface := range ifaces {
		a := NetworkAdapter{
			Name:         iface.Name,
			Index:        iface.Index,
			MTU:          iface.MTU,
			HardwareAddr: iface.HardwareAddr,
			Flags:        iface.Flags,
		}
		for _, addr := range iface.Addrs {
			a.Addrs = append(a.Addrs, addr.Addr)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func services(ctx context.Context) ([]svcquery.ServiceInfo, error) {
	list, err := svcquery.List(ctx)
	if errors.Is(err, svcquery.ErrUnsupported) {
		return nil, fmt.Errorf("%s: %w", OpServices, ErrUnsupported)
	}
	return list, err
}

// Execute runs args.Exec. It needs no native binding, so the degraded source
// answers it the same way.
func Execute(ctx context.Context, args Args) (executor.Result, error) {
	if args.Exec == nil {
		return executor.Result{ExitCode: -1}, fmt.Errorf("%s: %w: no execution given", OpExecute, executor.ErrInvalid)
	}
	return executor.Run(ctx, *args.Exec)
}
