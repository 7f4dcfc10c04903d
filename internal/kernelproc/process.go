package kernelproc

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"kernelbridge/pkg/logging"
)

// Process is one running kernel. Only the Supervisor starts it and only
// Terminate stops it.
type Process struct {
	kernelType string
	cmd        *exec.Cmd
	pid        int
	started    time.Time
	killGrace  time.Duration
	tail       *tailBuffer

	done     chan struct{}
	mu       sync.Mutex
	exitErr  error
	exitCode int

	terminateOnce sync.Once
	terminateErr  error
}

// PID returns the kernel's process id.
func (p *Process) PID() int { return p.pid }

// KernelType returns the kernel type the process was launched for.
func (p *Process) KernelType() string { return p.kernelType }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitError returns the error from Wait, nil while running or after a clean exit.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Output returns the most recent output lines.
func (p *Process) Output() []string { return p.tail.lines() }

// EarlyExitError describes the process having exited before it became ready.
func (p *Process) EarlyExitError() *LaunchError {
	return &LaunchError{
		KernelType: p.kernelType,
		Kind:       ExitedEarly,
		ExitCode:   p.ExitCode(),
		Err:        p.ExitError(),
		Output:     p.Output(),
	}
}

func (p *Process) finish(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.exitCode = exitCodeOf(err)
	p.mu.Unlock()
	close(p.done)
}

// Interrupt sends SIGINT to the kernel's process group.
func (p *Process) Interrupt() error {
	if !p.Alive() {
		return fmt.Errorf("kernel %q process %d has exited", p.kernelType, p.pid)
	}
	if err := interruptGroup(p.pid); err != nil {
		return fmt.Errorf("failed to interrupt kernel %q: %w", p.kernelType, err)
	}
	return nil
}

// Terminate asks the process group to stop with SIGTERM, escalates to SIGKILL
// after the kill grace period or when ctx is done, and waits for the process to be
// reaped. Repeated calls return the first result.
func (p *Process) Terminate(ctx context.Context) error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate(ctx)
	})
	return p.terminateErr
}

func (p *Process) terminate(ctx context.Context) error {
	subsystem := "Kernel/" + p.kernelType
	if !p.Alive() {
		return nil
	}

	if err := terminateGroup(p.pid); err != nil {
		logging.Warn(subsystem, "SIGTERM to process group %d failed: %v", p.pid, err)
	}

	grace := time.NewTimer(p.killGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		logging.Debug(subsystem, "Kernel process %d stopped after SIGTERM", p.pid)
		return nil
	case <-grace.C:
		logging.Warn(subsystem, "Kernel process %d ignored SIGTERM for %s, killing", p.pid, p.killGrace)
	case <-ctx.Done():
		logging.Warn(subsystem, "Terminate of kernel process %d cancelled, killing", p.pid)
	}

	if err := killGroup(p.pid); err != nil {
		return fmt.Errorf("failed to kill kernel %q process %d: %w", p.kernelType, p.pid, err)
	}
	// SIGKILL cannot be ignored; Wait returns once the process is reaped.
	reaped := time.NewTimer(p.killGrace + 5*time.Second)
	defer reaped.Stop()
	select {
	case <-p.done:
		return nil
	case <-reaped.C:
		return fmt.Errorf("kernel %q process %d was not reaped after SIGKILL", p.kernelType, p.pid)
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []string
	start int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]string, 0, max)}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) < t.max {
		t.buf = append(t.buf, line)
		return
	}
	t.buf[t.start] = line
	t.start = (t.start + 1) % t.max
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.buf))
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return out
}
