package kernelspec

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ConnectionFilePlaceholder is replaced with the connection file path at launch.
const ConnectionFilePlaceholder = "{connection_file}"

// ResourceDirPlaceholder is replaced with the kernelspec directory, when known.
const ResourceDirPlaceholder = "{resource_dir}"

var (
	// ErrNotFound is matched by errors for unknown kernel types.
	ErrNotFound = errors.New("kernel spec not found")
	// ErrMalformedSpec is matched by errors for specs that cannot be launched.
	ErrMalformedSpec = errors.New("malformed kernel spec")
)

// NotFoundError reports an unknown kernel type.
type NotFoundError struct {
	KernelType string
	Available  []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("kernel spec %q not found (no kernels installed)", e.KernelType)
	}
	return fmt.Sprintf("kernel spec %q not found (available: %s)", e.KernelType, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InterruptMode says how a kernel expects to be interrupted.
type InterruptMode string

const (
	InterruptSignal  InterruptMode = "signal"
	InterruptMessage InterruptMode = "message"
)

// Source identifies where a spec was loaded from.
type Source string

const (
	SourceJupyter    Source = "jupyter"
	SourceDefinition Source = "definition"
	SourceRegistered Source = "registered"
)

// KernelSpec is the launch descriptor for one kernel type. Argv[0] is the
// executable; the remaining entries are the argument template, which must reference
// ConnectionFilePlaceholder exactly once.
type KernelSpec struct {
	Name          string
	DisplayName   string
	Language      string
	Argv          []string
	Env           map[string]string
	InterruptMode InterruptMode
	ResourceDir   string
	Source        Source
	Origin        string // file the spec came from, empty when registered in code
}

// Command returns the executable.
func (s KernelSpec) Command() string {
	if len(s.Argv) == 0 {
		return ""
	}
	return s.Argv[0]
}

// ArgumentTemplate returns the arguments before placeholder substitution.
func (s KernelSpec) ArgumentTemplate() []string {
	if len(s.Argv) < 2 {
		return nil
	}
	return slices.Clone(s.Argv[1:])
}

// Validate checks that the spec can be launched.
func (s KernelSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrMalformedSpec)
	}
	if len(s.Argv) == 0 || strings.TrimSpace(s.Argv[0]) == "" {
		return fmt.Errorf("%w: kernel %q has no command", ErrMalformedSpec, s.Name)
	}
	occurrences := 0
	for _, arg := range s.Argv {
		occurrences += strings.Count(arg, ConnectionFilePlaceholder)
	}
	if occurrences != 1 {
		return fmt.Errorf("%w: kernel %q argv must contain %s exactly once, found %d",
			ErrMalformedSpec, s.Name, ConnectionFilePlaceholder, occurrences)
	}
	switch s.InterruptMode {
	case "", InterruptSignal, InterruptMessage:
	default:
		return fmt.Errorf("%w: kernel %q has unknown interrupt mode %q", ErrMalformedSpec, s.Name, s.InterruptMode)
	}
	return nil
}

// ExpandArgv substitutes the placeholders and returns the full command line.
func (s KernelSpec) ExpandArgv(connectionFile string) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := make([]string, len(s.Argv))
	for i, arg := range s.Argv {
		arg = strings.ReplaceAll(arg, ConnectionFilePlaceholder, connectionFile)
		if s.ResourceDir != "" {
			arg = strings.ReplaceAll(arg, ResourceDirPlaceholder, s.ResourceDir)
		}
		out[i] = arg
	}
	return out, nil
}

// Interrupt returns the effective interrupt mode; signal is the Jupyter default.
func (s KernelSpec) Interrupt() InterruptMode {
	if s.InterruptMode == "" {
		return InterruptSignal
	}
	return s.InterruptMode
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (s KernelSpec) Clone() KernelSpec {
	c := s
	c.Argv = slices.Clone(s.Argv)
	if s.Env != nil {
		c.Env = maps.Clone(s.Env)
	}
	return c
}

// Label returns the display name, falling back to the kernel name.
func (s KernelSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}
