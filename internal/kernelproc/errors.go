package kernelproc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLaunch is matched by every *LaunchError.
var ErrLaunch = errors.New("kernel launch failed")

// LaunchErrorKind classifies launch failures.
type LaunchErrorKind string

const (
	ExecutableNotFound LaunchErrorKind = "ExecutableNotFound"
	StartFailed        LaunchErrorKind = "StartFailed"
	ExitedEarly        LaunchErrorKind = "ExitedEarly"
)

// LaunchError reports a kernel that could not be started or died before it
// became reachable. Output holds the last lines the process wrote, if any.
type LaunchError struct {
	KernelType string
	Kind       LaunchErrorKind
	ExitCode   int
	Err        error
	Output     []string
}

func (e *LaunchError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case ExecutableNotFound:
		fmt.Fprintf(&b, "kernel %q: executable not found", e.KernelType)
	case ExitedEarly:
		fmt.Fprintf(&b, "kernel %q exited with code %d before it was ready", e.KernelType, e.ExitCode)
	default:
		fmt.Fprintf(&b, "kernel %q failed to start", e.KernelType)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Output) > 0 {
		fmt.Fprintf(&b, "\nlast output:\n  %s", strings.Join(e.Output, "\n  "))
	}
	return b.String()
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }
