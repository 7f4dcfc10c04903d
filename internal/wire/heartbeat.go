package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kernelbridge/pkg/logging"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

var errHeartbeatTimeout = errors.New("heartbeat timed out")

// HeartbeatConfig controls liveness probing.
type HeartbeatConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	MissThreshold int
}

// DefaultHeartbeatConfig probes every 3s, waits 1s per probe, and declares the
// kernel unresponsive after 3 consecutive misses.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 3 * time.Second, Timeout: time.Second, MissThreshold: 3}
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	d := DefaultHeartbeatConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = d.MissThreshold
	}
	return c
}

// Heartbeat probes the kernel's hb channel with random nonces over a REQ socket.
// It only reports liveness; it never acts on the kernel process.
type Heartbeat struct {
	endpoint  string
	cfg       HeartbeatConfig
	observer  Observer
	dialRetry time.Duration
	onChange  func(alive bool, reason string)

	mu      sync.Mutex
	sock    zmq4.Socket
	dialed  bool
	misses  int
	alive   bool
	lastRTT time.Duration
}

// NewHeartbeat creates a heartbeat for endpoint. onChange is called when the
// kernel becomes unresponsive and when it recovers.
func NewHeartbeat(endpoint string, cfg HeartbeatConfig, observer Observer, onChange func(alive bool, reason string)) *Heartbeat {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Heartbeat{
		endpoint:  endpoint,
		cfg:       cfg.withDefaults(),
		observer:  observer,
		dialRetry: 100 * time.Millisecond,
		onChange:  onChange,
		alive:     true,
	}
}

// Run probes every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	defer h.resetSocket()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := time.Now()
		err := h.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		h.record(err, time.Since(start))
	}
}

// Misses returns the current number of consecutive missed probes.
func (h *Heartbeat) Misses() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.misses
}

// LastRTT returns the round trip time of the last successful probe.
func (h *Heartbeat) LastRTT() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRTT
}

func (h *Heartbeat) record(err error, rtt time.Duration) {
	h.mu.Lock()
	var notify func()
	if err == nil {
		h.lastRTT = rtt
		h.misses = 0
		if !h.alive {
			h.alive = true
			notify = func() { h.onChange(true, "heartbeat recovered") }
		}
		h.mu.Unlock()
		h.observer.HeartbeatSucceeded(rtt)
	} else {
		h.misses++
		misses := h.misses
		if h.alive && misses >= h.cfg.MissThreshold {
			h.alive = false
			notify = func() {
				h.onChange(false, fmt.Sprintf("%d consecutive heartbeats missed", misses))
			}
		}
		h.mu.Unlock()
		h.observer.HeartbeatMissed()
		logging.Debug("Wire/hb", "Heartbeat %d missed: %v", misses, err)
	}
	if notify != nil && h.onChange != nil {
		notify()
	}
}

// probe sends one nonce and waits for its echo. A timed out REQ socket is stuck
// mid-exchange, so it is discarded and the next probe dials a fresh one.
func (h *Heartbeat) probe(ctx context.Context) error {
	h.mu.Lock()
	if h.sock == nil {
		h.sock = zmq4.NewReq(ctx,
			zmq4.WithDialerRetry(h.dialRetry),
			zmq4.WithDialerMaxRetries(-1),
		)
		h.dialed = false
	}
	sock, needDial := h.sock, !h.dialed
	h.dialed = true
	h.mu.Unlock()

	nonce := []byte(uuid.NewString())
	result := make(chan error, 1)
	go func() {
		if needDial {
			if err := sock.Dial(h.endpoint); err != nil {
				result <- fmt.Errorf("dial %s: %w", h.endpoint, err)
				return
			}
		}
		if err := sock.Send(zmq4.NewMsg(nonce)); err != nil {
			result <- fmt.Errorf("send: %w", err)
			return
		}
		reply, err := sock.Recv()
		if err != nil {
			result <- fmt.Errorf("recv: %w", err)
			return
		}
		if len(reply.Frames) == 0 || !bytes.Equal(reply.Frames[0], nonce) {
			result <- errors.New("heartbeat echo did not match")
			return
		}
		result <- nil
	}()

	timer := time.NewTimer(h.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			h.resetSocket()
		}
		return err
	case <-timer.C:
		h.resetSocket()
		return errHeartbeatTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Heartbeat) resetSocket() {
	h.mu.Lock()
	sock := h.sock
	h.sock = nil
	h.dialed = false
	h.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}
