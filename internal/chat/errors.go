package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid marks input rejected before any backend call.
	ErrInvalid  = errors.New("invalid input")
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("session closed")
	ErrNotLive  = errors.New("session not live")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
