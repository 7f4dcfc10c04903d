// Package kernelproc launches kernel processes and owns them until they exit.
package kernelproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"kernelbridge/internal/kernelspec"
	"kernelbridge/pkg/logging"
)

const (
	// DefaultKillGrace is how long Terminate waits after SIGTERM before SIGKILL.
	DefaultKillGrace = 2 * time.Second
	// DefaultTailLines is how many output lines are kept for diagnostics.
	DefaultTailLines = 50
)

// Supervisor starts kernel processes.
type Supervisor struct {
	killGrace time.Duration
	tailLines int
	workDir   string
	extraEnv  map[string]string
	lookPath  func(string) (string, error)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithKillGrace sets the SIGTERM to SIGKILL escalation delay.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.killGrace = d
		}
	}
}

// WithTailLines sets how many output lines LaunchError reports.
func WithTailLines(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.tailLines = n
		}
	}
}

// WithWorkDir runs kernels in dir instead of the current directory.
func WithWorkDir(dir string) Option {
	return func(s *Supervisor) { s.workDir = dir }
}

// WithEnv adds variables to every launched kernel. Spec env wins on conflict.
func WithEnv(env map[string]string) Option {
	return func(s *Supervisor) { s.extraEnv = env }
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		killGrace: DefaultKillGrace,
		tailLines: DefaultTailLines,
		lookPath:  exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch starts the kernel described by spec with connFile substituted into its
// argument template. ctx only bounds the start itself; the process outlives it and
// is stopped with Process.Terminate.
func (s *Supervisor) Launch(ctx context.Context, spec kernelspec.KernelSpec, connFile string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv, err := spec.ExpandArgv(connFile)
	if err != nil {
		return nil, &LaunchError{KernelType: spec.Name, Kind: StartFailed, ExitCode: -1, Err: err}
	}

	path, err := s.lookPath(argv[0])
	if err != nil {
		return nil, &LaunchError{KernelType: spec.Name, Kind: ExecutableNotFound, ExitCode: -1, Err: err}
	}

	cmd := exec.Command(path, argv[1:]...)
	setProcessGroup(cmd)
	cmd.Dir = s.workDir
	cmd.Env = mergeEnv(os.Environ(), s.extraEnv, spec.Env)
	cmd.Stdin = nil

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// grandchildren holding our pipes must not block Wait forever
	cmd.WaitDelay = s.killGrace + time.Second

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, &LaunchError{KernelType: spec.Name, Kind: StartFailed, ExitCode: -1, Err: err}
	}

	p := &Process{
		kernelType: spec.Name,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		done:       make(chan struct{}),
		exitCode:   -1,
		killGrace:  s.killGrace,
		tail:       newTailBuffer(s.tailLines),
		started:    time.Now(),
	}

	subsystem := "Kernel/" + spec.Name
	scanOutput := func(r io.Reader, stream string) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p.tail.add(line)
			if stream == "stderr" {
				logging.Info(subsystem, "[stderr] %s", line)
			} else {
				logging.Debug(subsystem, "[stdout] %s", line)
			}
		}
		// keep the kernel from blocking on a full pipe after an over-long line
		_, _ = io.Copy(io.Discard, r)
	}
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() { defer scanners.Done(); scanOutput(stdoutR, "stdout") }()
	go func() { defer scanners.Done(); scanOutput(stderrR, "stderr") }()

	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		// Output must hold the final lines once Done is closed.
		scanners.Wait()
		p.finish(err)
		if err != nil {
			logging.Info(subsystem, "Kernel process %d exited after %s: %v", p.pid, logging.Since(p.started), err)
		} else {
			logging.Info(subsystem, "Kernel process %d exited after %s", p.pid, logging.Since(p.started))
		}
	}()

	logging.Info(subsystem, "Started kernel process %d: %s %v", p.pid, path, argv[1:])
	return p, nil
}

// mergeEnv overlays variables onto base in order, later maps winning.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	overridden := make(map[string]string)
	for _, o := range overlays {
		for k, v := range o {
			overridden[k] = v
		}
	}
	out := make([]string, 0, len(base)+len(overridden))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overridden[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overridden))
	for k := range overridden {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, overridden[k]))
	}
	return out
}

// exitCodeOf extracts a process exit code, -1 when unknown.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
