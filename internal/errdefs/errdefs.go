// Package errdefs defines the error kinds surfaced by the engine. Callers
// classify failures with errors.Is against these sentinels; plugin and engine
// code wraps them with context phrases.
package errdefs

import (
	"context"
	"errors"
)

var (
	// caller mistakes
	ErrInvalidArgs = errors.New("invalid arguments")

	// parsing and verification
	ErrInvalidFile      = errors.New("invalid file")
	ErrSignatureInvalid = errors.New("signature invalid")

	// capability and lookup
	ErrNotSupported = errors.New("not supported")
	ErrNotFound     = errors.New("not found")
	ErrNothingToDo  = errors.New("nothing to do")

	// policy
	ErrPermissionDenied = errors.New("permission denied")
	ErrAuthFailed       = errors.New("authentication failed")

	// runtime
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("timed out")
	ErrNotReachable = errors.New("not reachable")

	// device refusals
	ErrReadProtected  = errors.New("read protected")
	ErrWriteProtected = errors.New("write protected")

	// guard-rail problems
	ErrBatteryLow      = errors.New("battery level too low")
	ErrAcPowerRequired = errors.New("ac power required")
	ErrLidClosed       = errors.New("lid is closed")

	// process exclusivity
	ErrAnotherInstanceRunning = errors.New("another instance is already running")
)

// Exit codes of the CLI contract.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitNothingToDo  = 2
	ExitNotReachable = 3
	ExitNotFound     = 4
)

// ExitCode maps an error to the stable CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrNothingToDo):
		return ExitNothingToDo
	case errors.Is(err, ErrNotReachable):
		return ExitNotReachable
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	default:
		return ExitFailure
	}
}

// Kind returns a short stable identifier for the error, suitable for history
// rows and report uploads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgs):
		return "invalid-args"
	case errors.Is(err, ErrInvalidFile):
		return "invalid-file"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature-invalid"
	case errors.Is(err, ErrNotSupported):
		return "not-supported"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrNothingToDo):
		return "nothing-to-do"
	case errors.Is(err, ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, ErrAuthFailed):
		return "auth-failed"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNotReachable):
		return "not-reachable"
	case errors.Is(err, ErrReadProtected):
		return "read-protected"
	case errors.Is(err, ErrWriteProtected):
		return "write-protected"
	case errors.Is(err, ErrBatteryLow):
		return "battery-low"
	case errors.Is(err, ErrAcPowerRequired):
		return "ac-power-required"
	case errors.Is(err, ErrLidClosed):
		return "lid-closed"
	case errors.Is(err, ErrAnotherInstanceRunning):
		return "another-instance-running"
	case errors.Is(err, ErrInternal):
		return "internal"
	default:
		return "internal"
	}
}
