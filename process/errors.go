package process

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when interacting with a process that is not running.
	ErrNotRunning = errors.New("process not running")

	// ErrNotInteractive is returned by Resize on a process without a TTY.
	ErrNotInteractive = errors.New("process has no terminal")

	// ErrAlreadyStarted is returned by Start on a handle that left the spawning state.
	ErrAlreadyStarted = errors.New("process already started or terminated")

	// ErrEmptyCommand is the launch failure for a non-TTY spec without a command.
	ErrEmptyCommand = errors.New("empty command")

	// ErrTerminatedBeforeStart is the launch failure of a handle terminated
	// while still spawning.
	ErrTerminatedBeforeStart = errors.New("terminated before start")
)

// LaunchError reports that the OS failed to create the process.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError reports whether err is or wraps a *LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}
