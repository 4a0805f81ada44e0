package native

import (
	"context"
	"fmt"
)

// Provider creates native sessions. Opening a session is expensive and may
// fail with ErrNativeUnavailable.
type Provider interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Session is one native binding. A session is used by a single caller at a
// time and must be closed when that caller is done with it.
type Session interface {
	Query(ctx context.Context, op Op, args Args) (any, error)
	Close() error
}

// Invoker is the single entry point every query goes through.
type Invoker interface {
	Invoke(ctx context.Context, op Op, args Args) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, op Op, args Args) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, op Op, args Args) (any, error) {
	return f(ctx, op, args)
}

// Scoper is implemented by invokers that can pin one native handle across a
// group of related calls made with the context passed to fn.
type Scoper interface {
	Scope(ctx context.Context, fn func(ctx context.Context) error) error
}

// Fetch invokes op and asserts the result type.
func Fetch[T any](ctx context.Context, inv Invoker, op Op, args Args) (T, error) {
	var zero T
	res, err := inv.Invoke(ctx, op, args)
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", op, res)
	}
	return v, nil
}

// InScope runs fn inside inv's scope when inv supports it, otherwise directly.
func InScope(ctx context.Context, inv Invoker, fn func(ctx context.Context) error) error {
	if s, ok := inv.(Scoper); ok {
		return s.Scope(ctx, fn)
	}
	return fn(ctx)
}

// Detacher is implemented by invokers that track caller identity in the
// context.
type Detacher interface {
	Detach(ctx context.Context) context.Context
}

// Detach drops inv's caller identity from ctx when inv tracks one.
func Detach(ctx context.Context, inv Invoker) context.Context {
	if d, ok := inv.(Detacher); ok {
		return d.Detach(ctx)
	}
	return ctx
}
