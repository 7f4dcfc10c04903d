// Package kernel establishes and tears down connections to Jupyter kernels.
//
// A Launcher turns a kernel type name into a running kernel process with all
// five channels connected and a completed kernel_info handshake. Failures at any
// step undo everything acquired before it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"kernelbridge/internal/config"
	"kernelbridge/internal/connfile"
	"kernelbridge/internal/kernelproc"
	"kernelbridge/internal/kernelspec"
	"kernelbridge/internal/metrics"
	"kernelbridge/internal/ports"
	"kernelbridge/internal/wire"
	"kernelbridge/pkg/logging"

	"github.com/google/uuid"
)

// Launcher creates kernel connections. It is safe for concurrent use; each
// Create call is independent.
type Launcher struct {
	resolver   kernelspec.Resolver
	settings   Settings
	reserver   *ports.Reserver
	supervisor *kernelproc.Supervisor
	metrics    metrics.Collector
	dialRetry  time.Duration
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithMetrics records connection outcomes and channel traffic on c.
func WithMetrics(c metrics.Collector) Option {
	return func(l *Launcher) { l.metrics = c }
}

// WithSupervisor replaces the process supervisor.
func WithSupervisor(s *kernelproc.Supervisor) Option {
	return func(l *Launcher) { l.supervisor = s }
}

// WithReserver replaces the port reserver. Launchers sharing a reserver never
// hand out overlapping ports.
func WithReserver(r *ports.Reserver) Option {
	return func(l *Launcher) { l.reserver = r }
}

// WithDialRetry sets the pause between socket connection attempts.
func WithDialRetry(d time.Duration) Option {
	return func(l *Launcher) { l.dialRetry = d }
}

// NewLauncher creates a Launcher resolving kernel types through resolver.
func NewLauncher(resolver kernelspec.Resolver, settings Settings, opts ...Option) *Launcher {
	settings = settings.withDefaults()
	l := &Launcher{
		resolver:  resolver,
		settings:  settings,
		metrics:   metrics.NewNoopCollector(),
		dialRetry: wire.DefaultDialRetry,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reserver == nil {
		l.reserver = ports.NewReserver(settings.IP)
	}
	if l.supervisor == nil {
		l.supervisor = kernelproc.NewSupervisor(kernelproc.WithKillGrace(settings.KillGrace))
	}
	return l
}

// Settings returns the effective settings.
func (l *Launcher) Settings() Settings { return l.settings }

// Create launches a kernel of the given type and connects to it. On success the
// connection is in the Connected state and the kernel has answered
// kernel_info_request. On failure no process, connection file or socket is left
// behind.
func (l *Launcher) Create(ctx context.Context, kernelType string) (*Connection, error) {
	start := time.Now()
	logging.Info("Kernel", "Creating connection to kernel %s", kernelType)

	conn, err := l.create(ctx, kernelType)
	result := Classify(err)
	l.metrics.ConnectionAttempt(kernelType, time.Since(start), result)
	if err != nil {
		logging.Error("Kernel", err, "Failed to connect to kernel %s (%s)", kernelType, result)
		return nil, err
	}

	logging.Info("Kernel", "Connected to kernel %s (pid %d) in %s", kernelType, conn.process.PID(), logging.Since(start))
	return conn, nil
}

func (l *Launcher) create(ctx context.Context, kernelType string) (_ *Connection, err error) {
	var rollback cleanupStack
	defer func() {
		if err != nil {
			rollback.unwind(kernelType)
		}
	}()

	spec, err := l.resolver.Resolve(kernelType)
	if err != nil {
		return nil, err
	}

	portSet, err := l.reserver.Reserve(ctx, l.settings.PortCount)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", kernelType, err)
	}
	rollback.push("release ports", func(context.Context) error {
		portSet.Release()
		return nil
	})

	desc, err := connfile.NewDescriptor(spec.Name, l.descriptorIP(), l.settings.Transport, l.settings.SignatureScheme, portSet.Ports())
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", kernelType, err)
	}
	connFile, err := connfile.Builder{Dir: l.settings.ConnectionDir}.Write(desc)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", kernelType, err)
	}
	rollback.push("remove connection file", func(context.Context) error {
		return connfile.Remove(connFile)
	})

	// The kernel binds these ports itself.
	portSet.Release()

	proc, err := l.supervisor.Launch(ctx, spec, connFile)
	if err != nil {
		return nil, err
	}
	rollback.push("terminate kernel process", proc.Terminate)

	session, err := wire.NewSession(desc.Key, desc.SignatureScheme)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", kernelType, err)
	}

	// Connecting and the handshake share one deadline and give up as soon as
	// the process exits.
	hsCtx, cancel := context.WithTimeoutCause(ctx, l.settings.HandshakeTimeout, ErrHandshakeTimeout)
	defer cancel()
	exitCtx, cancelExit := context.WithCancelCause(hsCtx)
	defer cancelExit(nil)
	go func() {
		select {
		case <-proc.Done():
			cancelExit(proc.EarlyExitError())
		case <-exitCtx.Done():
		}
	}()

	channels, err := wire.Connect(exitCtx, desc, session, wire.Options{
		Heartbeat: l.settings.Heartbeat,
		Observer:  l.metrics.ForKernel(spec.Name),
		DialRetry: l.dialRetry,
	})
	if err != nil {
		return nil, l.handshakeError(kernelType, exitCtx, err)
	}
	rollback.push("close channels", func(context.Context) error {
		return channels.Close()
	})

	info, err := handshake(exitCtx, channels)
	if err != nil {
		return nil, l.handshakeError(kernelType, exitCtx, err)
	}
	logging.Debug("Kernel", "Kernel %s answered kernel_info: %s %s", kernelType, info.Implementation, info.ImplementationVersion)

	return newConnection(connectionParams{
		kernelType: kernelType,
		spec:       spec,
		desc:       desc,
		connFile:   connFile,
		session:    session,
		channels:   channels,
		process:    proc,
		info:       info,
		settings:   l.settings,
		metrics:    l.metrics,
	}), nil
}

// descriptorIP returns the address written into the connection file. For ipc
// it is a path prefix inside the connection directory.
func (l *Launcher) descriptorIP() string {
	if l.settings.Transport == config.TransportIPC {
		return filepath.Join(l.settings.ConnectionDir, "kernel-"+uuid.NewString()[:8])
	}
	return l.settings.IP
}

// handshakeError reports why connecting stopped: process exit and timeout take
// precedence over the raw socket error they caused.
func (l *Launcher) handshakeError(kernelType string, ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	var launchErr *kernelproc.LaunchError
	switch {
	case errors.As(cause, &launchErr):
		return launchErr
	case errors.Is(cause, ErrHandshakeTimeout):
		return fmt.Errorf("kernel %q did not respond within %s: %w", kernelType, l.settings.HandshakeTimeout, ErrHandshakeTimeout)
	case cause != nil:
		return fmt.Errorf("kernel %q: %w", kernelType, cause)
	default:
		return fmt.Errorf("kernel %q: %w", kernelType, err)
	}
}

// handshake sends kernel_info_request on shell and waits for the reply.
func handshake(ctx context.Context, channels *wire.ChannelSet) (KernelInfo, error) {
	shell := channels.Channel(wire.Shell)
	req, err := channels.Session().NewMessage("kernel_info_request", nil, nil)
	if err != nil {
		return KernelInfo{}, err
	}
	reply, err := shell.Request(ctx, req)
	if err != nil {
		return KernelInfo{}, err
	}
	return parseKernelInfo(reply)
}

type cleanupStep struct {
	name string
	fn   func(ctx context.Context) error
}

// cleanupStack undoes acquired resources in reverse order.
type cleanupStack struct {
	steps []cleanupStep
}

func (s *cleanupStack) push(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, cleanupStep{name: name, fn: fn})
}

// unwind runs on a fresh context since the caller's may already be done.
func (s *cleanupStack) unwind(kernelType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(ctx); err != nil {
			logging.Warn("Kernel", "Rollback step %q for kernel %s failed: %v", step.name, kernelType, err)
		}
	}
	s.steps = nil
}
