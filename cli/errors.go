package cli

import (
	"fmt"

	"github.com/pkg/errors"
)

// Severity classifies command output.
type Severity int

// Severities, in increasing order.
const (
	Warning Severity = iota + 1
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	}
	return "none"
}

// Sentinels matched by errors.Is against an *OutputError.
var (
	// ErrWarning is recoverable; the session stays open.
	ErrWarning = errors.New("warning in command output")
	// ErrRecoverable is recoverable once the session has been re-established.
	ErrRecoverable = errors.New("error in command output")
	// ErrCritical is fatal; the operation must not be retried.
	ErrCritical = errors.New("critical error in command output")
)

// OutputError reports command output that matched a classification rule.
type OutputError struct {
	Severity Severity
	Command  string
	// Match is the rule that matched.
	Match string
	// Output is the command output, as it would have been returned.
	Output string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("%v: command %q matched %q", e.Unwrap(), e.Command, e.Match)
}

// Unwrap delivers the sentinel for the severity.
func (e *OutputError) Unwrap() error {
	switch e.Severity {
	case Critical:
		return ErrCritical
	case Error:
		return ErrRecoverable
	}
	return ErrWarning
}

// Recoverable returns true if the caller may retry the command.
func (e *OutputError) Recoverable() bool {
	return e.Severity != Critical
}

// TornDown returns true if the session was closed before the error was returned.
func (e *OutputError) TornDown() bool {
	return e.Severity != Warning
}
