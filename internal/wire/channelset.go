package wire

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"kernelbridge/internal/connfile"
	"kernelbridge/pkg/logging"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/sync/errgroup"
)

// DefaultDialRetry is the pause between connection attempts while a kernel is
// still binding its sockets.
const DefaultDialRetry = 100 * time.Millisecond

// Options configures Connect.
type Options struct {
	Heartbeat HeartbeatConfig
	Observer  Observer
	DialRetry time.Duration
}

// ChannelSet holds the four message channels and the heartbeat of one kernel.
type ChannelSet struct {
	desc      connfile.Descriptor
	session   *Session
	observer  Observer
	channels  map[ChannelName]*Channel
	heartbeat *Heartbeat

	cancel context.CancelFunc
	hbDone chan struct{}

	// notifyMu orders listener callbacks; stateMu guards state.
	notifyMu  sync.Mutex
	stateMu   sync.Mutex
	state     State
	listeners []func(StateChange)

	closeOnce sync.Once
}

// Connect dials shell, control, stdin and iopub concurrently and starts the
// heartbeat. It returns once every socket is connected, or fails promptly when
// ctx is done; in that case nothing is left open.
func Connect(ctx context.Context, desc connfile.Descriptor, session *Session, opts Options) (*ChannelSet, error) {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.DialRetry <= 0 {
		opts.DialRetry = DefaultDialRetry
	}

	lifetime, cancel := context.WithCancel(context.Background())
	cs := &ChannelSet{
		desc:     desc,
		session:  session,
		observer: opts.Observer,
		channels: make(map[ChannelName]*Channel, 4),
		cancel:   cancel,
		hbDone:   make(chan struct{}),
		state:    Unbound,
	}
	cs.setState(Binding, "connecting")

	var mu sync.Mutex
	sockets := make(map[ChannelName]zmq4.Socket, 4)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range []ChannelName{Shell, Control, Stdin, IOPub} {
		g.Go(func() error {
			endpoint, err := desc.Endpoint(string(name))
			if err != nil {
				return err
			}
			sock, err := dialSocket(gctx, lifetime, name, endpoint, []byte(session.ID), opts.DialRetry)
			if err != nil {
				return err
			}
			mu.Lock()
			sockets[name] = sock
			mu.Unlock()
			logging.Debug("Wire", "Connected %s to %s", name, endpoint)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sock := range sockets {
			_ = sock.Close()
		}
		cancel()
		close(cs.hbDone)
		cs.setState(Closed, err.Error())
		return nil, fmt.Errorf("failed to connect kernel channels: %w", err)
	}

	for name, sock := range sockets {
		cs.channels[name] = newChannel(name, session, sock, opts.Observer)
	}

	hbEndpoint, _ := desc.Endpoint(string(HB))
	cs.heartbeat = NewHeartbeat(hbEndpoint, opts.Heartbeat, opts.Observer, func(alive bool, reason string) {
		if alive {
			cs.setState(Connected, reason)
		} else {
			cs.setState(Unresponsive, reason)
		}
	})
	cs.heartbeat.dialRetry = opts.DialRetry
	go func() {
		defer close(cs.hbDone)
		cs.heartbeat.Run(lifetime)
	}()

	cs.setState(Connected, "channels connected")
	return cs, nil
}

// dialSocket creates the socket type each channel needs and dials it. The socket
// lives until closed; ctx only bounds the dial.
func dialSocket(ctx, lifetime context.Context, name ChannelName, endpoint string, identity []byte, retry time.Duration) (zmq4.Socket, error) {
	opts := []zmq4.Option{
		zmq4.WithDialerRetry(retry),
		zmq4.WithDialerMaxRetries(-1),
	}
	var sock zmq4.Socket
	switch name {
	case Shell, Control, Stdin:
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
		sock = zmq4.NewDealer(lifetime, opts...)
	case IOPub:
		sock = zmq4.NewSub(lifetime, opts...)
	case HB:
		sock = zmq4.NewReq(lifetime, opts...)
	default:
		return nil, fmt.Errorf("unknown channel %q", name)
	}

	dialed := make(chan error, 1)
	go func() { dialed <- sock.Dial(endpoint) }()

	select {
	case err := <-dialed:
		if err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("failed to dial %s at %s: %w", name, endpoint, err)
		}
	case <-ctx.Done():
		// closing cancels the socket's retry loop
		_ = sock.Close()
		return nil, fmt.Errorf("dialing %s at %s: %w", name, endpoint, ctx.Err())
	}

	if name == IOPub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("failed to subscribe iopub: %w", err)
		}
	}
	return sock, nil
}

// Descriptor returns the connection descriptor the set was dialed with.
func (cs *ChannelSet) Descriptor() connfile.Descriptor { return cs.desc }

// Session returns the signing session.
func (cs *ChannelSet) Session() *Session { return cs.session }

// Channel returns the named channel, nil for hb or unknown names.
func (cs *ChannelSet) Channel(name ChannelName) *Channel { return cs.channels[name] }

// Heartbeat returns the liveness prober.
func (cs *ChannelSet) Heartbeat() *Heartbeat { return cs.heartbeat }

// State returns the current connection state.
func (cs *ChannelSet) State() State {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	return cs.state
}

// OnStateChange registers cb for every later transition. Callbacks run in
// transition order and must not block or call back into state-changing methods.
func (cs *ChannelSet) OnStateChange(cb func(StateChange)) {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	cs.listeners = append(cs.listeners, cb)
}

// MarkUnresponsive moves a connected set to Unresponsive, e.g. when the kernel
// process died. It reports whether the state changed.
func (cs *ChannelSet) MarkUnresponsive(reason string) bool {
	return cs.setState(Unresponsive, reason)
}

func (cs *ChannelSet) setState(to State, reason string) bool {
	cs.notifyMu.Lock()
	defer cs.notifyMu.Unlock()

	cs.stateMu.Lock()
	from := cs.state
	if !CanTransition(from, to) {
		cs.stateMu.Unlock()
		return false
	}
	cs.state = to
	listeners := slices.Clone(cs.listeners)
	cs.stateMu.Unlock()

	change := StateChange{From: from, To: to, Reason: reason, At: time.Now()}
	cs.observer.StateChanged(from, to)
	logging.Info("Wire", "Connection state %s -> %s (%s)", from, to, reason)
	for _, cb := range listeners {
		cb(change)
	}
	return true
}

// Close stops the heartbeat, fails outstanding requests and closes every socket.
// Closed is terminal; further calls do nothing.
func (cs *ChannelSet) Close() error {
	cs.closeOnce.Do(func() {
		cs.cancel()
		<-cs.hbDone
		for name, ch := range cs.channels {
			if err := ch.Close(); err != nil {
				logging.Debug("Wire", "Closing %s: %v", name, err)
			}
		}
		cs.setState(Closed, "closed")
	})
	return nil
}
