package kernelproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"kernelbridge/internal/kernelspec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperSpec returns a spec that re-executes the test binary as a fake kernel.
func helperSpec(name, mode string) kernelspec.KernelSpec {
	return kernelspec.KernelSpec{
		Name: name,
		Argv: []string{os.Args[0], "-test.run=TestHelperProcess", "--", "{connection_file}"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"KERNELPROC_HELPER_MODE": mode,
		},
	}
}

// TestHelperProcess is not a real test. It's the fake kernel used by helperSpec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch os.Getenv("KERNELPROC_HELPER_MODE") {
	case "exit3":
		fmt.Fprintln(os.Stderr, "ModuleNotFoundError: No module named 'ipykernel'")
		os.Exit(3)
	case "args":
		fmt.Fprintln(os.Stdout, strings.Join(args, " "))
		fmt.Fprintln(os.Stdout, "env="+os.Getenv("KERNEL_EXTRA"))
		os.Exit(0)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stdout, "ready")
		time.Sleep(time.Minute)
	case "sleep":
		fmt.Fprintln(os.Stdout, "ready")
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func TestLaunch_ExecutableNotFound(t *testing.T) {
	s := NewSupervisor()
	spec := kernelspec.KernelSpec{Name: "ghost", Argv: []string{"/definitely/not/here/kernel", "{connection_file}"}}

	_, err := s.Launch(context.Background(), spec, "/tmp/kernel.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunch)

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ExecutableNotFound, le.Kind)
	assert.Equal(t, "ghost", le.KernelType)
	assert.Contains(t, err.Error(), `kernel "ghost"`)
}

func TestLaunch_MalformedSpec(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Launch(context.Background(), kernelspec.KernelSpec{Name: "bad", Argv: []string{"python3"}}, "/tmp/k.json")
	assert.ErrorIs(t, err, ErrLaunch)
	assert.ErrorIs(t, err, kernelspec.ErrMalformedSpec)
}

func TestLaunch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSupervisor().Launch(ctx, helperSpec("k", "sleep"), "/tmp/k.json")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLaunch_SubstitutesConnectionFileAndEnv(t *testing.T) {
	s := NewSupervisor(WithEnv(map[string]string{"KERNEL_EXTRA": "from-supervisor"}))
	p, err := s.Launch(context.Background(), helperSpec("args", "args"), "/run/kernel-abc.json")
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not exit")
	}
	assert.Equal(t, 0, p.ExitCode())
	assert.NoError(t, p.ExitError())
	assert.False(t, p.Alive())
	assert.Eventually(t, func() bool {
		out := p.Output()
		return len(out) == 2 && out[0] == "/run/kernel-abc.json" && out[1] == "env=from-supervisor"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLaunch_ExitedEarlyCarriesOutput(t *testing.T) {
	p, err := NewSupervisor().Launch(context.Background(), helperSpec("python3", "exit3"), "/tmp/k.json")
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not exit")
	}
	assert.Equal(t, 3, p.ExitCode())

	require.Eventually(t, func() bool { return len(p.Output()) > 0 }, 2*time.Second, 10*time.Millisecond)
	le := p.EarlyExitError()
	assert.True(t, errors.Is(le, ErrLaunch))
	assert.Equal(t, ExitedEarly, le.Kind)
	assert.Equal(t, 3, le.ExitCode)
	assert.Contains(t, le.Error(), "python3")
	assert.Contains(t, le.Error(), "No module named 'ipykernel'")
}

func TestProcess_TerminateIsIdempotent(t *testing.T) {
	p, err := NewSupervisor(WithKillGrace(5*time.Second)).Launch(context.Background(), helperSpec("k", "sleep"), "/tmp/k.json")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.Output()) > 0 }, 10*time.Second, 10*time.Millisecond)
	assert.True(t, p.Alive())
	assert.Equal(t, -1, p.ExitCode())

	require.NoError(t, p.Terminate(context.Background()))
	assert.False(t, p.Alive())
	require.NoError(t, p.Terminate(context.Background()))
}

func TestProcess_TerminateEscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no SIGTERM on windows")
	}
	p, err := NewSupervisor(WithKillGrace(200*time.Millisecond)).Launch(context.Background(), helperSpec("stubborn", "ignore-term"), "/tmp/k.json")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.Output()) > 0 }, 10*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(context.Background()))
	assert.False(t, p.Alive())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, -1, p.ExitCode(), "killed by signal")
}

func TestProcess_InterruptAfterExit(t *testing.T) {
	p, err := NewSupervisor().Launch(context.Background(), helperSpec("k", "exit3"), "/tmp/k.json")
	require.NoError(t, err)
	<-p.Done()
	assert.Error(t, p.Interrupt())
}

func TestMergeEnv(t *testing.T) {
	out := mergeEnv([]string{"PATH=/bin", "HOME=/root", "A=old"},
		map[string]string{"A": "supervisor", "B": "supervisor"},
		map[string]string{"B": "spec"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "A=supervisor", "B=spec"}, out)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for i := 1; i <= 5; i++ {
		tb.add(fmt.Sprint(i))
	}
	assert.Equal(t, []string{"3", "4", "5"}, tb.lines())
}
