// Package coordinator multiplexes concurrent callers over a bounded number of
// native sessions.
//
// Each caller gets a private handle for the duration of its call. A caller is
// identified by a key carried in the context: Scope attaches one, and a
// context without a key is treated as a new caller. Handles are created on
// demand and destroyed as soon as their caller has no call in flight. When the
// cap is reached new callers are rejected immediately with
// native.ErrResourceExhausted; nothing waits for capacity.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/native"
)

var log = logging.L("coordinator")

// DefaultMaxHandles is the cap used when Options.MaxHandles is not set.
const DefaultMaxHandles = 50

type Options struct {
	MaxHandles int
}

type callerID uint64

// noCaller marks a context whose caller identity was dropped by Detach.
const noCaller callerID = 0

// callerKey is scoped to one coordinator so identities never leak between
// coordinators sharing a context.
type callerKey struct{ c *Coordinator }

type handle struct {
	id      string
	caller  callerID
	created time.Time
	ready   chan struct{} // closed once session or err is set

	// guarded by Coordinator.mu
	refs    int
	session native.Session
	err     error
	removed bool // no longer in the caller map
	closed  bool // destroyed by Close
}

// Stats is a point-in-time view of the coordinator's bookkeeping.
type Stats struct {
	Live      int    `json:"live" yaml:"live"`
	Max       int    `json:"max" yaml:"max"`
	Created   uint64 `json:"created" yaml:"created"`
	Destroyed uint64 `json:"destroyed" yaml:"destroyed"`
	Rejected  uint64 `json:"rejected" yaml:"rejected"`
}

// Coordinator owns every native session. It is safe for concurrent use.
type Coordinator struct {
	provider   native.Provider
	max        int
	nextCaller atomic.Uint64

	// mu guards the caller map and the live counter together so the cap
	// check and the reservation are one step.
	mu        sync.Mutex
	handles   map[callerID]*handle
	live      int
	closed    bool
	created   uint64
	destroyed uint64
	rejected  uint64
}

// New returns a coordinator that opens sessions from provider.
func New(provider native.Provider, opts Options) *Coordinator {
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = DefaultMaxHandles
	}
	return &Coordinator{
		provider: provider,
		max:      opts.MaxHandles,
		handles:  make(map[callerID]*handle),
	}
}

// Invoke runs op on the caller's handle, creating one if needed.
func (c *Coordinator) Invoke(ctx context.Context, op native.Op, args native.Args) (any, error) {
	ctx, h, err := c.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer c.release(h)

	res, err := h.session.Query(ctx, op, args)
	if c.wasClosed(h) {
		return nil, fmt.Errorf("%s: %w", op, native.ErrHandleClosed)
	}
	return res, err
}

// Scope pins one handle for every Invoke made with the context passed to fn.
// Scopes nest: an inner Scope with that context reuses the same handle.
func (c *Coordinator) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.release(h)
	return fn(ctx)
}

// Detach returns ctx without this coordinator's caller identity, so calls
// made with it get their own handle. Goroutines fanned out from a scoped
// context should detach before invoking.
func (c *Coordinator) Detach(ctx context.Context) context.Context {
	if _, ok := ctx.Value(callerKey{c}).(callerID); !ok {
		return ctx
	}
	return context.WithValue(ctx, callerKey{c}, noCaller)
}

// Close destroys every tracked handle, in flight or not. Calls racing with
// Close fail with native.ErrHandleClosed, as does every later call.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	var sessions []native.Session
	for _, h := range c.handles {
		h.closed = true
		h.removed = true
		if h.session != nil {
			sessions = append(sessions, h.session)
			c.destroyed++
		}
	}
	count := len(c.handles)
	c.handles = make(map[callerID]*handle)
	// handles already being destroyed by release still count until closed
	c.live -= count
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("coordinator closed", "handles", count)
	return errors.Join(errs...)
}

// Live returns the number of handles that exist or are being created.
func (c *Coordinator) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Max returns the handle cap.
func (c *Coordinator) Max() int {
	return c.max
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Live:      c.live,
		Max:       c.max,
		Created:   c.created,
		Destroyed: c.destroyed,
		Rejected:  c.rejected,
	}
}

func (c *Coordinator) acquire(ctx context.Context) (context.Context, *handle, error) {
	id, ok := ctx.Value(callerKey{c}).(callerID)
	if !ok || id == noCaller {
		id = callerID(c.nextCaller.Add(1))
		ctx = context.WithValue(ctx, callerKey{c}, id)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ctx, nil, native.ErrHandleClosed
	}

	if h := c.handles[id]; h != nil {
		h.refs++
		c.mu.Unlock()

		<-h.ready
		if err := c.readyErr(h); err != nil {
			c.release(h)
			return ctx, nil, err
		}
		return ctx, h, nil
	}

	if c.live >= c.max {
		c.rejected++
		live := c.live
		c.mu.Unlock()
		log.Debug("native handle rejected", "live", live, "max", c.max)
		return ctx, nil, fmt.Errorf("%w (%d/%d live)", native.ErrResourceExhausted, live, c.max)
	}

	h := &handle{
		id:      uuid.NewString(),
		caller:  id,
		created: time.Now(),
		ready:   make(chan struct{}),
		refs:    1,
	}
	c.handles[id] = h
	c.live++
	c.mu.Unlock()

	// native initialization runs outside the lock; the slot is already reserved
	session, err := c.provider.Open(ctx)

	c.mu.Lock()
	switch {
	case err != nil:
		if !errors.Is(err, native.ErrNativeUnavailable) {
			err = fmt.Errorf("%w: %v", native.ErrNativeUnavailable, err)
		}
		h.err = err
	case h.closed:
		h.err = native.ErrHandleClosed
	default:
		h.session = session
		c.created++
	}
	if h.err != nil && !h.removed {
		c.untrack(h)
		c.live--
	}
	live := c.live
	close(h.ready)
	c.mu.Unlock()

	if h.err != nil {
		if session != nil {
			session.Close()
		}
		c.release(h)
		log.Warn("native handle creation failed", logging.KeyHandleID, h.id, logging.KeyError, h.err.Error())
		return ctx, nil, h.err
	}

	log.Debug("native handle created", logging.KeyHandleID, h.id, "live", live)
	return ctx, h, nil
}

func (c *Coordinator) release(h *handle) {
	c.mu.Lock()
	h.refs--
	var session native.Session
	if h.refs == 0 && !h.removed {
		c.untrack(h)
		session = h.session
	}
	c.mu.Unlock()

	if session == nil {
		return
	}

	// the slot stays counted until the session is really gone
	if err := session.Close(); err != nil {
		log.Warn("native handle close failed", logging.KeyHandleID, h.id, logging.KeyError, err.Error())
	}

	c.mu.Lock()
	c.live--
	c.destroyed++
	live := c.live
	c.mu.Unlock()

	log.Debug("native handle destroyed", logging.KeyHandleID, h.id, "live", live,
		"heldMs", time.Since(h.created).Milliseconds())
}

// untrack must be called with c.mu held. The caller adjusts c.live.
func (c *Coordinator) untrack(h *handle) {
	h.removed = true
	if c.handles[h.caller] == h {
		delete(c.handles, h.caller)
	}
}

func (c *Coordinator) readyErr(h *handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return h.err
}

func (c *Coordinator) wasClosed(h *handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return h.closed
}
