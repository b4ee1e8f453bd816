package docker

import (
	"errors"
	"fmt"
)

var (
	ErrContainerNotFound      = errors.New("container not found")
	ErrContainerAlreadyExists = errors.New("container already exists")
	ErrImageNotFound          = errors.New("image not found")
	ErrImagePullFailed        = errors.New("image pull failed")
	ErrConnectionFailed       = errors.New("docker connection failed")

	// ErrCommandFailed marks a build command that ran and exited non-zero.
	ErrCommandFailed = errors.New("command exited with non-zero status")
)

// DockerError carries the failing operation and, for command failures, the
// container's exit code.
type DockerError struct {
	Op       string
	Entity   string // container or image
	ID       string
	Message  string
	ExitCode int
	Err      error
}

func (e *DockerError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}

// commandError reports a container that exited with a non-zero code.
func commandError(name, command string, code int64, output string) *DockerError {
	e := NewDockerError("Run", "container", name,
		fmt.Sprintf("%s exited with code %d: %s", command, code, lastLines(output, 20)), ErrCommandFailed)
	e.ExitCode = int(code)
	return e
}

// ExitCode returns the exit code of a failed build command.
func ExitCode(err error) (int, bool) {
	var de *DockerError
	if errors.As(err, &de) && errors.Is(de.Err, ErrCommandFailed) {
		return de.ExitCode, true
	}
	return 0, false
}
