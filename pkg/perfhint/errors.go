package perfhint

import (
	"errors"

	"github.com/peterje/perfhint/internal/session"
	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidArgument is returned for non-positive durations and empty or
	// foreign thread lists.
	ErrInvalidArgument = session.ErrInvalidArgument
	// ErrBrokenPipe is returned when the hint service cannot be reached.
	ErrBrokenPipe = session.ErrBrokenPipe
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("perfhint: session closed")
	// ErrUnsupported is returned when the service's API level lacks an operation.
	ErrUnsupported = errors.New("perfhint: not supported by hint service")
)

// Status converts an error from this package into the status code C callers
// expect: 0 on success, EINVAL for invalid arguments, EPIPE otherwise.
func Status(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return int(unix.EINVAL)
	default:
		return int(unix.EPIPE)
	}
}
