package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/objwatch/objwatch/internal/observe"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Runtime failure (engine error, interrupted delivery)
	ExitCommandError = 2 // Command error (invalid paths, change log not found, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// writeChange prints one change record in the requested format.
// Text lines read "tick add a" / "tick update a (was 1)"; JSON output is
// one object per line.
func writeChange(w io.Writer, format string, cr observe.ChangeRecord) error {
	if format == "json" {
		b, err := json.Marshal(cr)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	line := cr.Type
	if cr.Name != "" {
		line += " " + cr.Name
	}
	if cr.Type == observe.ChangeUpdate || cr.Type == observe.ChangeDelete {
		line += fmt.Sprintf(" (was %v)", cr.OldValue)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
