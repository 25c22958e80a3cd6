package probe

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Kind classifies probe failures for callers that map them onto status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindResolution
	KindConnect
	KindBind
	KindIO
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResolution:
		return "resolution"
	case KindConnect:
		return "connect"
	case KindBind:
		return "bind"
	case KindIO:
		return "io"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

var (
	ErrForbiddenHost   = errors.New("only localhost/loopback addresses are allowed")
	ErrHostRequired    = errors.New("host is required")
	ErrHostTooLong     = errors.New("host too long")
	ErrInvalidPort     = errors.New("invalid port")
	ErrModeRequired    = errors.New("mode is required")
	ErrUnsupportedMode = errors.New("unsupported mode")
	ErrNoAddress       = errors.New("no address found")
)

// Error is the failure type returned by every probe operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or KindUnknown when err did not come from this package.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

func invalid(err error) error {
	return &Error{Kind: KindValidation, Err: err}
}

func cancelled(err error) error {
	return &Error{Kind: KindTask, Op: "cancelled", Err: err}
}

// isSoftEnd reports read outcomes that end a read loop without failing it.
func isSoftEnd(err error) bool {
	return errors.Is(err, io.EOF) || isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isCancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
