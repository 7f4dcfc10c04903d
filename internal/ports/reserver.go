package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"kernelbridge/pkg/logging"
)

var (
	// ErrInvalidCount is returned when fewer than one port is requested.
	ErrInvalidCount = errors.New("port count must be positive")
	// ErrPortsExhausted is returned when the OS cannot supply enough distinct free ports.
	ErrPortsExhausted = errors.New("unable to reserve enough free ports")
)

const (
	// DefaultQuarantine is how long a released port is withheld from later reservations.
	DefaultQuarantine = 30 * time.Second
	// maxAttemptsPerPort bounds the retries spent skipping quarantined ports.
	maxAttemptsPerPort = 16
)

// listenFunc is swapped in tests to simulate OS failures.
type listenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// Reserver hands out sets of free local TCP ports. Ports from a released set stay
// quarantined for a while, so concurrent connection attempts sharing a Reserver never
// receive overlapping sets between reservation and the kernel binding them.
type Reserver struct {
	ip         string
	quarantine time.Duration
	listen     listenFunc
	now        func() time.Time

	mu       sync.Mutex
	held     map[int]struct{}  // ports in unreleased sets
	released map[int]time.Time // port -> quarantine expiry
}

// Option configures a Reserver.
type Option func(*Reserver)

// WithQuarantine overrides DefaultQuarantine. Zero disables quarantine.
func WithQuarantine(d time.Duration) Option {
	return func(r *Reserver) { r.quarantine = d }
}

// NewReserver creates a Reserver that binds on ip (e.g. "127.0.0.1").
func NewReserver(ip string, opts ...Option) *Reserver {
	if ip == "" {
		ip = "127.0.0.1"
	}
	var lc net.ListenConfig
	r := &Reserver{
		ip:         ip,
		quarantine: DefaultQuarantine,
		listen:     lc.Listen,
		now:        time.Now,
		held:       make(map[int]struct{}),
		released:   make(map[int]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reserve binds count OS-assigned listeners and returns them as a PortSet. All
// listeners stay open until Release, which guarantees the ports are distinct.
func (r *Reserver) Reserve(ctx context.Context, count int) (*PortSet, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}

	set := &PortSet{owner: r}
	// Ports skipped because of quarantine are held open until we are done, so the OS
	// does not hand them straight back to us.
	var skipped []net.Listener
	defer func() {
		for _, l := range skipped {
			l.Close()
		}
	}()

	address := net.JoinHostPort(r.ip, "0")
	attempts := 0
	for len(set.listeners) < count {
		if err := ctx.Err(); err != nil {
			set.Release()
			return nil, err
		}
		attempts++
		if attempts > count*maxAttemptsPerPort {
			set.Release()
			return nil, fmt.Errorf("%w: %d requested, %d obtained after %d attempts", ErrPortsExhausted, count, len(set.listeners), attempts-1)
		}

		l, err := r.listen(ctx, "tcp", address)
		if err != nil {
			set.Release()
			return nil, fmt.Errorf("%w: listen on %s: %v", ErrPortsExhausted, address, err)
		}
		port := l.Addr().(*net.TCPAddr).Port

		if !r.claim(port) {
			skipped = append(skipped, l)
			continue
		}
		set.listeners = append(set.listeners, l)
		set.ports = append(set.ports, port)
	}

	logging.Debug("PortReserver", "Reserved ports %v on %s", set.ports, r.ip)
	return set, nil
}

// claim marks port as held unless it is already held or still quarantined.
func (r *Reserver) claim(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.held[port]; ok {
		return false
	}
	if expiry, ok := r.released[port]; ok {
		if r.now().Before(expiry) {
			return false
		}
		delete(r.released, port)
	}
	r.held[port] = struct{}{}
	return true
}

func (r *Reserver) release(ports []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for p, expiry := range r.released {
		if !now.Before(expiry) {
			delete(r.released, p)
		}
	}
	for _, p := range ports {
		delete(r.held, p)
		if r.quarantine > 0 {
			r.released[p] = now.Add(r.quarantine)
		}
	}
}

// PortSet is a scoped ownership token over reserved ports.
type PortSet struct {
	owner     *Reserver
	mu        sync.Mutex
	listeners []net.Listener
	ports     []int
	released  bool
}

// Ports returns a copy of the reserved port numbers in reservation order.
func (s *PortSet) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.ports))
	copy(out, s.ports)
	return out
}

// Len returns the number of reserved ports.
func (s *PortSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports)
}

// Release closes the listeners so the kernel can bind the ports. Safe to call
// more than once.
func (s *PortSet) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			logging.Debug("PortReserver", "Closing listener %s: %v", l.Addr(), err)
		}
	}
	s.listeners = nil
	if s.owner != nil {
		s.owner.release(s.ports)
	}
}

// Released reports whether Release has been called.
func (s *PortSet) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// String renders the ports for log lines.
func (s *PortSet) String() string {
	return fmt.Sprint(s.Ports())
}
