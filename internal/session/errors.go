package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for non-positive durations, empty thread
	// lists and threads outside the caller's thread group.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownHint is returned for hint values the service does not recognize.
	ErrUnknownHint = fmt.Errorf("%w: unknown hint", ErrInvalidArgument)
	// ErrNotFound is returned for operations on a session that does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrBrokenPipe is returned when the backing service cannot be reached.
	ErrBrokenPipe = errors.New("communication with hint service failed")
)
