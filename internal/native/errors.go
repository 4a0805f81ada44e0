package native

import "errors"

var (
	// ErrResourceExhausted means the coordinator is at its handle cap.
	// Callers should back off or reduce concurrency; nothing is queued.
	ErrResourceExhausted = errors.New("native handle limit reached")

	// ErrNativeUnavailable means the native provider cannot be initialized
	// on this host. Callers may fall back to a degraded source.
	ErrNativeUnavailable = errors.New("native system info unavailable")

	// ErrLookupFailed means the queried process id no longer resolves.
	ErrLookupFailed = errors.New("process lookup failed")

	// ErrHandleClosed means the call raced with coordinator shutdown.
	ErrHandleClosed = errors.New("native handle closed")

	// ErrUnsupported means the provider cannot answer this op here.
	ErrUnsupported = errors.New("operation not supported")
)

// IsLookupFailed reports whether err means the process is gone.
func IsLookupFailed(err error) bool {
	return errors.Is(err, ErrLookupFailed)
}

// IsAdmission reports whether err came from the coordinator rather than the
// query itself. Such errors abort a refresh instead of changing state.
func IsAdmission(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrNativeUnavailable) ||
		errors.Is(err, ErrHandleClosed)
}
