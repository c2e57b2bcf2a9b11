// Package errdefs defines the error taxonomy shared across the container
// lifecycle orchestrator. Components never invent ad hoc error strings for
// control flow; they wrap one of the sentinel kinds below so callers can
// classify failures with errors.Is regardless of which subsystem raised
// them. The sentinels are the teacher's own github.com/containerd/errdefs
// values (the same package internal/uvm reaches for in
// cpulimits_update.go), so a caller one layer up that already speaks
// containerd/errdefs — an ncproxy or containerd shim embedding this
// module — classifies our errors without a translation step.
package errdefs

import (
	"errors"

	cerrdefs "github.com/containerd/errdefs"
)

// Sentinel kinds. Every error surfaced across a public API boundary wraps
// exactly one of these.
var (
	ErrNotFound        = cerrdefs.ErrNotFound
	ErrExists          = cerrdefs.ErrAlreadyExists
	ErrInvalidArgument = cerrdefs.ErrInvalidArgument
	ErrInvalidState    = cerrdefs.ErrFailedPrecondition
	ErrUnsupported     = cerrdefs.ErrNotImplemented
	ErrExhausted       = cerrdefs.ErrResourceExhausted
	ErrInternal        = cerrdefs.ErrUnknown
	ErrTimeout         = cerrdefs.ErrTimeout
	ErrCancelled       = cerrdefs.ErrCanceled
)

// kindError pairs a sentinel kind with a causal error so both
// errors.Is(err, ErrInvalidState) and a readable message survive wrapping.
type kindError struct {
	kind error
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() []error {
	if e.err != nil {
		return []error{e.kind, e.err}
	}
	return []error{e.kind}
}

// WithKind wraps err with kind, producing an error whose message is msg and
// that satisfies errors.Is(result, kind) and, when err != nil,
// errors.Is(result, err).
func WithKind(kind error, msg string, err error) error {
	return &kindError{kind: kind, msg: msg, err: err}
}

// NotFound, Exists, InvalidArgument, InvalidState, Unsupported, Exhausted,
// Internal, Timeout and Cancelled are convenience constructors used
// throughout the core instead of calling WithKind directly at every call
// site.
func NotFound(msg string, err error) error        { return WithKind(ErrNotFound, msg, err) }
func Exists(msg string, err error) error          { return WithKind(ErrExists, msg, err) }
func InvalidArgument(msg string, err error) error { return WithKind(ErrInvalidArgument, msg, err) }
func InvalidState(msg string, err error) error    { return WithKind(ErrInvalidState, msg, err) }
func Unsupported(msg string, err error) error     { return WithKind(ErrUnsupported, msg, err) }
func Exhausted(msg string, err error) error       { return WithKind(ErrExhausted, msg, err) }
func Internal(msg string, err error) error        { return WithKind(ErrInternal, msg, err) }
func Timeout(msg string, err error) error         { return WithKind(ErrTimeout, msg, err) }
func Cancelled(msg string, err error) error       { return WithKind(ErrCancelled, msg, err) }

// Kind returns the sentinel kind wrapped by err, or ErrInternal if err does
// not wrap one of the known kinds (including err == nil, which should not
// normally be passed in).
func Kind(err error) error {
	for _, k := range []error{
		ErrNotFound, ErrExists, ErrInvalidArgument, ErrInvalidState,
		ErrUnsupported, ErrExhausted, ErrInternal, ErrTimeout, ErrCancelled,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// IsNotFound reports whether err wraps ErrNotFound, mirroring
// containerd/errdefs's own IsNotFound so callers that already hold one of
// our errors don't need to import cerrdefs directly just to classify it.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
