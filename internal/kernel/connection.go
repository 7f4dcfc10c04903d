package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"kernelbridge/internal/connfile"
	"kernelbridge/internal/kernelproc"
	"kernelbridge/internal/kernelspec"
	"kernelbridge/internal/metrics"
	"kernelbridge/internal/wire"
	"kernelbridge/pkg/logging"
)

// stateChangeBuffer bounds undelivered state changes per connection.
const stateChangeBuffer = 32

// KernelInfo is the decoded kernel_info_reply returned by the handshake.
type KernelInfo struct {
	Status                string          `json:"status"`
	ProtocolVersion       string          `json:"protocol_version"`
	Implementation        string          `json:"implementation"`
	ImplementationVersion string          `json:"implementation_version"`
	Banner                string          `json:"banner"`
	LanguageInfo          LanguageInfo    `json:"language_info"`
	Raw                   json.RawMessage `json:"-"`
}

// LanguageInfo describes the kernel's language.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	MimeType      string `json:"mimetype"`
	FileExtension string `json:"file_extension"`
}

func parseKernelInfo(reply *wire.Message) (KernelInfo, error) {
	if reply.Type() != "kernel_info_reply" {
		return KernelInfo{}, fmt.Errorf("unexpected handshake reply %q", reply.Type())
	}
	var info KernelInfo
	if err := reply.DecodeContent(&info); err != nil {
		return KernelInfo{}, fmt.Errorf("failed to decode kernel_info_reply: %w", err)
	}
	info.Raw = reply.Content
	return info, nil
}

// Connection is an established session with one running kernel. All methods
// are safe for concurrent use.
type Connection struct {
	kernelType string
	spec       kernelspec.KernelSpec
	desc       connfile.Descriptor
	connFile   string
	session    *wire.Session
	channels   *wire.ChannelSet
	process    *kernelproc.Process
	settings   Settings
	metrics    metrics.Collector
	created    time.Time

	infoMu sync.RWMutex
	info   KernelInfo

	changes     chan wire.StateChange
	stopMonitor chan struct{}

	disposeOnce sync.Once
	disposeErr  error
}

type connectionParams struct {
	kernelType string
	spec       kernelspec.KernelSpec
	desc       connfile.Descriptor
	connFile   string
	session    *wire.Session
	channels   *wire.ChannelSet
	process    *kernelproc.Process
	info       KernelInfo
	settings   Settings
	metrics    metrics.Collector
}

func newConnection(p connectionParams) *Connection {
	c := &Connection{
		kernelType:  p.kernelType,
		spec:        p.spec,
		desc:        p.desc,
		connFile:    p.connFile,
		session:     p.session,
		channels:    p.channels,
		process:     p.process,
		info:        p.info,
		settings:    p.settings,
		metrics:     p.metrics,
		created:     time.Now(),
		changes:     make(chan wire.StateChange, stateChangeBuffer),
		stopMonitor: make(chan struct{}),
	}
	c.channels.OnStateChange(c.forwardStateChange)
	go c.monitorProcess()
	return c
}

// forwardStateChange runs serialized under the channel set's notify lock.
// Closed is terminal, so the channel can be closed right after it.
func (c *Connection) forwardStateChange(change wire.StateChange) {
	select {
	case c.changes <- change:
	default:
		logging.Warn("Kernel", "Dropping state change %s -> %s for kernel %s: no reader", change.From, change.To, c.kernelType)
	}
	if change.To == wire.Closed {
		close(c.changes)
	}
}

func (c *Connection) monitorProcess() {
	select {
	case <-c.process.Done():
		reason := fmt.Sprintf("kernel process exited: %v", c.process.ExitError())
		if c.process.ExitError() == nil {
			reason = "kernel process exited"
		}
		if c.channels.MarkUnresponsive(reason) {
			logging.Warn("Kernel", "Kernel %s (pid %d) exited while connected", c.kernelType, c.process.PID())
		}
	case <-c.stopMonitor:
	}
}

// KernelType returns the requested kernel type name.
func (c *Connection) KernelType() string { return c.kernelType }

// Spec returns the spec the kernel was launched from.
func (c *Connection) Spec() kernelspec.KernelSpec { return c.spec.Clone() }

// Descriptor returns the connection parameters written for the kernel.
func (c *Connection) Descriptor() connfile.Descriptor { return c.desc }

// ConnectionFile returns the path of the connection file.
func (c *Connection) ConnectionFile() string { return c.connFile }

// Session returns the signing session used on every channel.
func (c *Connection) Session() *wire.Session { return c.session }

// Process returns the supervised kernel process.
func (c *Connection) Process() *kernelproc.Process { return c.process }

// Channel returns the named message channel; nil for hb.
func (c *Connection) Channel(name wire.ChannelName) *wire.Channel { return c.channels.Channel(name) }

func (c *Connection) Shell() *wire.Channel   { return c.channels.Channel(wire.Shell) }
func (c *Connection) Control() *wire.Channel { return c.channels.Channel(wire.Control) }
func (c *Connection) Stdin() *wire.Channel   { return c.channels.Channel(wire.Stdin) }
func (c *Connection) IOPub() *wire.Channel   { return c.channels.Channel(wire.IOPub) }

// Heartbeat returns the liveness prober.
func (c *Connection) Heartbeat() *wire.Heartbeat { return c.channels.Heartbeat() }

// State returns the current connection state.
func (c *Connection) State() wire.State { return c.channels.State() }

// StateChanges delivers transitions after Create returned. The channel is closed
// after the transition to Closed. Changes are dropped while the buffer is full.
func (c *Connection) StateChanges() <-chan wire.StateChange { return c.changes }

// KernelInfo returns the latest kernel_info_reply.
func (c *Connection) KernelInfo() KernelInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

// RefreshKernelInfo asks the kernel for kernel_info again.
func (c *Connection) RefreshKernelInfo(ctx context.Context) (KernelInfo, error) {
	info, err := handshake(ctx, c.channels)
	if err != nil {
		return KernelInfo{}, fmt.Errorf("kernel %q: %w", c.kernelType, err)
	}
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
	return info, nil
}

// NewMessage builds a message signed by this connection's session.
func (c *Connection) NewMessage(msgType string, content any, parent *wire.Message) (*wire.Message, error) {
	return c.session.NewMessage(msgType, content, parent)
}

func (c *Connection) channel(name wire.ChannelName) (*wire.Channel, error) {
	ch := c.channels.Channel(name)
	if ch == nil {
		return nil, fmt.Errorf("kernel %q has no message channel %q", c.kernelType, name)
	}
	return ch, nil
}

// Send sends msg on the named channel without waiting for a reply.
func (c *Connection) Send(ctx context.Context, name wire.ChannelName, msg *wire.Message) error {
	ch, err := c.channel(name)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// Request sends msg on the named channel and returns the reply whose parent is msg.
func (c *Connection) Request(ctx context.Context, name wire.ChannelName, msg *wire.Message) (*wire.Message, error) {
	ch, err := c.channel(name)
	if err != nil {
		return nil, err
	}
	return ch.Request(ctx, msg)
}

// Subscribe receives messages on the named channel that match filter.
func (c *Connection) Subscribe(name wire.ChannelName, filter wire.Filter, buffer int) (*wire.Subscription, error) {
	ch, err := c.channel(name)
	if err != nil {
		return nil, err
	}
	return ch.Subscribe(filter, buffer), nil
}

// Interrupt interrupts the running execution, by signal or by
// interrupt_request on control depending on the spec's interrupt mode.
func (c *Connection) Interrupt(ctx context.Context) error {
	if c.spec.Interrupt() == kernelspec.InterruptSignal {
		return c.process.Interrupt()
	}
	req, err := c.session.NewMessage("interrupt_request", nil, nil)
	if err != nil {
		return err
	}
	if _, err := c.Control().Request(ctx, req); err != nil {
		return fmt.Errorf("failed to interrupt kernel %q: %w", c.kernelType, err)
	}
	return nil
}

// Dispose shuts the kernel down and releases everything the connection owns:
// shutdown_request on control, channels, the process and the connection file.
// It is idempotent; later calls return the first result.
func (c *Connection) Dispose(ctx context.Context) error {
	c.disposeOnce.Do(func() {
		c.disposeErr = c.dispose(ctx)
	})
	return c.disposeErr
}

func (c *Connection) dispose(ctx context.Context) error {
	start := time.Now()
	logging.Info("Kernel", "Disposing connection to kernel %s", c.kernelType)
	close(c.stopMonitor)

	if c.process.Alive() && c.State() == wire.Connected {
		c.requestShutdown(ctx)
	}

	var errs []error
	if err := c.channels.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channels: %w", err))
	}
	if err := c.process.Terminate(ctx); err != nil {
		errs = append(errs, err)
	}
	if !c.settings.KeepConnectionFile {
		if err := connfile.Remove(c.connFile); err != nil {
			errs = append(errs, err)
		}
	}

	c.metrics.ConnectionDisposed(c.kernelType, time.Since(start))
	if err := errors.Join(errs...); err != nil {
		logging.Error("Kernel", err, "Disposing kernel %s", c.kernelType)
		return err
	}
	logging.Info("Kernel", "Disposed kernel %s in %s", c.kernelType, logging.Since(start))
	return nil
}

// requestShutdown asks the kernel to exit and waits for it to do so within the
// shutdown timeout. Failure only means Terminate has more to do.
func (c *Connection) requestShutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.settings.ShutdownTimeout)
	defer cancel()

	req, err := c.session.NewMessage("shutdown_request", map[string]bool{"restart": false}, nil)
	if err != nil {
		return
	}
	if _, err := c.Control().Request(ctx, req); err != nil {
		logging.Debug("Kernel", "No shutdown_reply from kernel %s: %v", c.kernelType, err)
		return
	}
	select {
	case <-c.process.Done():
	case <-ctx.Done():
		logging.Debug("Kernel", "Kernel %s still running after shutdown_reply", c.kernelType)
	}
}
