// Package monitor periodically refreshes a set of watched processes on a
// worker pool and reports each exit once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/nativesys/internal/health"
	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/native"
	"github.com/breeze-rmm/nativesys/internal/process"
	"github.com/breeze-rmm/nativesys/internal/registry"
	"github.com/breeze-rmm/nativesys/internal/workerpool"
)

var log = logging.L("monitor")

// ErrNotRunning is returned by Watch for a pid that is already gone.
var ErrNotRunning = errors.New("process is not running")

const DefaultInterval = 30 * time.Second

type Options struct {
	Interval time.Duration
	// OnExit is called once per watched process, from a pool worker, after
	// its handle latches dead.
	OnExit func(h *process.Handle)
}

type Stats struct {
	Watched int    `json:"watched" yaml:"watched"`
	Ticks   uint64 `json:"ticks" yaml:"ticks"`
	Skipped uint64 `json:"skipped" yaml:"skipped"`
	Exits   uint64 `json:"exits" yaml:"exits"`
}

type watch struct {
	h      *process.Handle
	key    string
	exited atomic.Bool
}

type Monitor struct {
	reg      *registry.Registry
	pool     *workerpool.Pool
	health   *health.Monitor
	interval time.Duration
	onExit   func(h *process.Handle)

	mu      sync.Mutex
	watched map[int32]*watch

	ticks   atomic.Uint64
	skipped atomic.Uint64
	exits   atomic.Uint64
}

// New returns a monitor. hm may be nil.
func New(reg *registry.Registry, pool *workerpool.Pool, hm *health.Monitor, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Monitor{
		reg:      reg,
		pool:     pool,
		health:   hm,
		interval: opts.Interval,
		onExit:   opts.OnExit,
		watched:  make(map[int32]*watch),
	}
}

// Watch starts refreshing pid on every tick.
func (m *Monitor) Watch(ctx context.Context, pid int32) (*process.Handle, error) {
	h, err := m.reg.Lookup(ctx, pid)
	if err != nil {
		return nil, err
	}
	if h.State() == process.Dead {
		return h, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}

	m.mu.Lock()
	if _, ok := m.watched[pid]; !ok {
		m.watched[pid] = &watch{h: h, key: strconv.Itoa(int(pid))}
	}
	m.mu.Unlock()

	log.Info("watching process", logging.KeyPID, pid, "name", h.Name())
	return h, nil
}

func (m *Monitor) Unwatch(pid int32) {
	m.mu.Lock()
	delete(m.watched, pid)
	m.mu.Unlock()
}

// Watched returns the watched pids in ascending order.
func (m *Monitor) Watched() []int32 {
	m.mu.Lock()
	pids := make([]int32, 0, len(m.watched))
	for pid := range m.watched {
		pids = append(pids, pid)
	}
	m.mu.Unlock()
	slices.Sort(pids)
	return pids
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	n := len(m.watched)
	m.mu.Unlock()
	return Stats{
		Watched: n,
		Ticks:   m.ticks.Load(),
		Skipped: m.skipped.Load(),
		Exits:   m.exits.Load(),
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info("monitor started", "interval", m.interval.String())
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick submits one refresh per watched process. A process whose previous
// refresh is still running, or that does not fit in the pool queue, is
// skipped until the next tick.
func (m *Monitor) Tick(ctx context.Context) {
	m.ticks.Add(1)

	m.mu.Lock()
	watches := make([]*watch, 0, len(m.watched))
	for _, w := range m.watched {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	skipped := 0
	for _, w := range watches {
		err := m.pool.SubmitKeyed(w.key, func(poolCtx context.Context) {
			if ctx.Err() != nil {
				return
			}
			m.refresh(poolCtx, w)
		})
		if err != nil {
			skipped++
		}
	}
	if skipped > 0 {
		m.skipped.Add(uint64(skipped))
		log.Debug("refreshes skipped this tick", "skipped", skipped, "watched", len(watches))
	}
	m.report(health.ComponentMonitor, health.Healthy, fmt.Sprintf("%d watched", len(watches)))
}

func (m *Monitor) refresh(ctx context.Context, w *watch) {
	start := time.Now()
	err := w.h.Refresh(ctx)
	switch {
	case errors.Is(err, native.ErrResourceExhausted):
		m.report(health.ComponentCoordinator, health.Degraded, err.Error())
		return
	case err != nil:
		logging.WithPID(log, w.h.PID()).Warn("refresh failed", logging.KeyError, err.Error())
		return
	}
	m.report(health.ComponentCoordinator, health.Healthy, "")

	if w.h.State() != process.Dead || !w.exited.CompareAndSwap(false, true) {
		return
	}

	pid := w.h.PID()
	m.Unwatch(pid)
	m.reg.Forget(pid)
	m.exits.Add(1)
	logging.WithPID(log, pid).Info("watched process exited",
		"name", w.h.Name(), logging.KeyDurationMs, time.Since(start).Milliseconds())
	if m.onExit != nil {
		m.onExit(w.h)
	}
}

func (m *Monitor) report(component string, status health.Status, msg string) {
	if m.health != nil {
		m.health.Update(component, status, msg)
	}
}
