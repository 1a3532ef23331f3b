package supervisor

import (
	"errors"
	"fmt"
)

// ErrErrorOutput completes a failOnError run that wrote to stderr
var ErrErrorOutput = errors.New("error output received")

// SpawnError is returned when the OS refuses to start a task's process
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError reports a waited run that exited with a non-zero code.
// Code is -1 when the process was terminated by a signal.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

func exitResult(name string, code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Name: name, Code: code}
}
