package observe

import (
	"errors"
	"fmt"
)

// InvalidArgumentError reports a contract violation at the call site:
// a nil record or handler, a notifier requested on a sealed record, an
// empty change type. It is always raised synchronously by the violating
// call, never deferred to a tick or flush.
type InvalidArgumentError struct {
	// Op is the operation that rejected the argument ("observe",
	// "notifier", "notify", "performChange").
	Op string

	// Reason describes what was wrong.
	Reason string
}

// Error implements the error interface.
func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid argument: %s", e.Op, e.Reason)
}

// IsInvalidArgument returns true if err is (or wraps) an
// InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	var ia *InvalidArgumentError
	return errors.As(err, &ia)
}

func invalidArgument(op, reason string) error {
	return &InvalidArgumentError{Op: op, Reason: reason}
}
