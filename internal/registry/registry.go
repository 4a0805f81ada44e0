// Package registry caches process handles by pid and answers PIQL queries
// against the live process table.
package registry

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/native"
	"github.com/breeze-rmm/nativesys/internal/piql"
	"github.com/breeze-rmm/nativesys/internal/process"
)

var log = logging.L("registry")

// Source supplies the invoker handles are built on and the process table.
// *sysinfo.SystemInfo satisfies it.
type Source interface {
	Invoker() native.Invoker
	Processes(ctx context.Context) ([]native.ProcEntry, error)
}

// Registry is safe for concurrent use. It doubles as the parent resolver of
// every handle it builds, so parents are shared rather than rebuilt.
type Registry struct {
	src Source

	mu      sync.Mutex
	handles map[int32]*process.Handle
}

func New(src Source) *Registry {
	return &Registry{
		src:     src,
		handles: make(map[int32]*process.Handle),
	}
}

// Lookup returns the cached handle for pid or builds one. A handle that is
// already dead when built is returned but not cached.
func (r *Registry) Lookup(ctx context.Context, pid int32) (*process.Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[pid]
	r.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := process.New(ctx, pid, r.src.Invoker(), process.WithParentResolver(r))
	if err != nil {
		return nil, err
	}
	if h.State() == process.Dead {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[pid]; ok {
		return existing, nil
	}
	r.handles[pid] = h
	return h, nil
}

// Get returns a cached handle without building one.
func (r *Registry) Get(pid int32) (*process.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[pid]
	return h, ok
}

// Table returns the raw process table.
func (r *Registry) Table(ctx context.Context) ([]native.ProcEntry, error) {
	return r.src.Processes(ctx)
}

// Query evaluates a PIQL expression against the current process table and
// returns handles for the matches that are still alive.
func (r *Registry) Query(ctx context.Context, query string) ([]*process.Handle, error) {
	q, err := piql.Parse(query)
	if err != nil {
		return nil, err
	}
	table, err := r.Table(ctx)
	if err != nil {
		return nil, err
	}

	matches, err := q.Run(toPIQL(table))
	if err != nil {
		return nil, err
	}

	handles := make([]*process.Handle, 0, len(matches))
	for _, m := range matches {
		h, err := r.Lookup(ctx, m.PID)
		if err != nil {
			return nil, err
		}
		if h.State() == process.Dead {
			// exited between the table read and now
			continue
		}
		handles = append(handles, h)
	}
	log.Debug("query evaluated", "query", query, "table", len(table), "matches", len(handles))
	return handles, nil
}

// toPIQL names each entry the way process handles do: argv[0] when known.
func toPIQL(table []native.ProcEntry) []piql.Process {
	out := make([]piql.Process, 0, len(table))
	for _, e := range table {
		name := e.Name
		if len(e.CommandLine) > 0 && e.CommandLine[0] != "" {
			name = e.CommandLine[0]
		}
		args := e.CommandLine
		if len(args) == 0 && name != "" {
			args = []string{name}
		}
		out = append(out, piql.Process{PID: e.PID, PPID: e.PPID, Name: name, Args: args})
	}
	return out
}

// RefreshAll refreshes every cached handle with at most limit refreshes in
// flight and returns the first error, typically a coordinator rejection.
func (r *Registry) RefreshAll(ctx context.Context, limit int) error {
	handles := r.Handles()

	// each refresh is its own caller even if ctx came from a scope
	ctx = native.Detach(ctx, r.src.Invoker())
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, h := range handles {
		g.Go(func() error {
			return h.Refresh(ctx)
		})
	}
	return g.Wait()
}

// Handles returns the cached handles ordered by pid.
func (r *Registry) Handles() []*process.Handle {
	r.mu.Lock()
	out := make([]*process.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *process.Handle) int { return int(a.PID()) - int(b.PID()) })
	return out
}

// Prune forgets handles that have latched dead and returns how many.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for pid, h := range r.handles {
		if h.State() == process.Dead {
			delete(r.handles, pid)
			n++
		}
	}
	if n > 0 {
		log.Debug("pruned dead handles", "count", n, "remaining", len(r.handles))
	}
	return n
}

// Forget drops pid from the cache.
func (r *Registry) Forget(pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, pid)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
