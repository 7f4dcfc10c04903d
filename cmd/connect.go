package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kernelbridge/internal/app"
	"kernelbridge/internal/color"
	"kernelbridge/internal/connfile"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/wire"
	"kernelbridge/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	connectMetricsAddr      string
	connectHandshakeTimeout time.Duration
	connectWatchSpecs       bool
)

// disposeTimeout bounds shutdown after the command is interrupted.
const disposeTimeout = 30 * time.Second

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <kernel>",
		Short: "Launch a kernel and stream its messages as JSON lines",
		Long: `Launches the named kernel, connects to its channels and waits for the
kernel_info handshake. Afterwards every iopub message and every connection
state change is written to stdout as one JSON object per line until the
command is interrupted, at which point the kernel is shut down and its
connection file removed.`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}
	cmd.Flags().StringVar(&connectMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	cmd.Flags().DurationVar(&connectHandshakeTimeout, "handshake-timeout", 0, "Override the configured handshake timeout")
	cmd.Flags().BoolVar(&connectWatchSpecs, "watch-specs", false, "Reload kernel specs when their files change")
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg := newAppConfig()
	cfg.MetricsAddr = connectMetricsAddr
	cfg.HandshakeTimeout = connectHandshakeTimeout
	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := application.StartMetricsServer(ctx); err != nil {
		return err
	}
	if connectWatchSpecs {
		application.WatchSpecs(ctx)
	}

	conn, err := application.Launcher().Create(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := conn.Dispose(disposeCtx); err != nil {
			logging.Error("Connect", err, "Failed to dispose kernel %s", conn.KernelType())
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (pid %d)\n",
		color.RenderState(conn.State()), conn.KernelType(), conn.Process().PID())
	return streamConnection(ctx, conn, newEventWriter(cmd.OutOrStdout()), cmd.ErrOrStderr())
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// streamConnection writes the connected event, then iopub messages and state
// changes until ctx is done or the connection closes.
func streamConnection(ctx context.Context, conn *kernel.Connection, events *eventWriter, status io.Writer) error {
	if err := events.write(connectedEvent(conn)); err != nil {
		return err
	}

	sub, err := conn.Subscribe(wire.IOPub, wire.All, 256)
	if err != nil {
		return err
	}
	defer sub.Close()

	changes := conn.StateChanges()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := events.write(messageEvent(msg)); err != nil {
				return err
			}
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			fmt.Fprintf(status, "%s %s: %s\n", color.RenderState(change.To), conn.KernelType(), change.Reason)
			if err := events.write(stateEvent(change)); err != nil {
				return err
			}
		}
	}
}

// event is one JSON line on stdout.
type event struct {
	Event          string               `json:"event"`
	Time           time.Time            `json:"time"`
	Kernel         string               `json:"kernel,omitempty"`
	PID            int                  `json:"pid,omitempty"`
	ConnectionFile string               `json:"connection_file,omitempty"`
	Descriptor     *connfile.Descriptor `json:"descriptor,omitempty"`
	KernelInfo     json.RawMessage      `json:"kernel_info,omitempty"`
	Channel        wire.ChannelName     `json:"channel,omitempty"`
	MsgType        string               `json:"msg_type,omitempty"`
	MsgID          string               `json:"msg_id,omitempty"`
	ParentID       string               `json:"parent_id,omitempty"`
	Content        json.RawMessage      `json:"content,omitempty"`
	From           string               `json:"from,omitempty"`
	To             string               `json:"to,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

func connectedEvent(conn *kernel.Connection) event {
	desc := conn.Descriptor().Redacted()
	return event{
		Event:          "connected",
		Time:           time.Now().UTC(),
		Kernel:         conn.KernelType(),
		PID:            conn.Process().PID(),
		ConnectionFile: conn.ConnectionFile(),
		Descriptor:     &desc,
		KernelInfo:     conn.KernelInfo().Raw,
	}
}

func messageEvent(msg *wire.Message) event {
	return event{
		Event:    "message",
		Time:     time.Now().UTC(),
		Channel:  msg.Channel,
		MsgType:  msg.Type(),
		MsgID:    msg.ID(),
		ParentID: msg.ParentID(),
		Content:  msg.Content,
	}
}

func stateEvent(change wire.StateChange) event {
	return event{
		Event:  "state",
		Time:   change.At.UTC(),
		From:   change.From.String(),
		To:     change.To.String(),
		Reason: change.Reason,
	}
}

// eventWriter serializes JSON lines.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(w)}
}

func (w *eventWriter) write(e event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(e)
}
