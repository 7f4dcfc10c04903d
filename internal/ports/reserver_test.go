package ports

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_DistinctAndUnboundAfterRelease(t *testing.T) {
	r := NewReserver("127.0.0.1")

	set, err := r.Reserve(context.Background(), 5)
	require.NoError(t, err)
	ports := set.Ports()
	require.Len(t, ports, 5)

	seen := make(map[int]bool)
	for _, p := range ports {
		assert.False(t, seen[p], "port %d returned twice", p)
		seen[p] = true
		assert.Greater(t, p, 0)
		assert.LessOrEqual(t, p, 65535)
	}

	set.Release()
	assert.True(t, set.Released())

	// every port must be bindable once released
	for _, p := range ports {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		require.NoError(t, err, "port %d should be free after release", p)
		l.Close()
	}
}

func TestReserve_ReleaseIsIdempotent(t *testing.T) {
	r := NewReserver("127.0.0.1")
	set, err := r.Reserve(context.Background(), 2)
	require.NoError(t, err)

	set.Release()
	assert.NotPanics(t, set.Release)
	assert.Equal(t, 2, set.Len())
}

func TestReserve_ConcurrentReservationsNeverOverlap(t *testing.T) {
	r := NewReserver("127.0.0.1")

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		owners  = make(map[int]int)
		overlap []int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			set, err := r.Reserve(context.Background(), 5)
			if !assert.NoError(t, err) {
				return
			}
			ports := set.Ports()
			// release immediately, as the launcher does, to exercise the quarantine
			set.Release()

			mu.Lock()
			defer mu.Unlock()
			for _, p := range ports {
				if _, taken := owners[p]; taken {
					overlap = append(overlap, p)
				}
				owners[p] = id
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, overlap)
	assert.Len(t, owners, callers*5)
}

func TestReserve_InvalidCount(t *testing.T) {
	r := NewReserver("")
	_, err := r.Reserve(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestReserve_ListenFailureIsExhaustion(t *testing.T) {
	r := NewReserver("127.0.0.1")
	calls := 0
	real := r.listen
	var opened []net.Listener
	r.listen = func(ctx context.Context, network, address string) (net.Listener, error) {
		calls++
		if calls > 2 {
			return nil, syscall.EMFILE
		}
		l, err := real(ctx, network, address)
		if err == nil {
			opened = append(opened, l)
		}
		return l, err
	}

	_, err := r.Reserve(context.Background(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortsExhausted)

	// partially acquired listeners must be closed on the failure path
	for _, l := range opened {
		_, acceptErr := l.Accept()
		assert.True(t, errors.Is(acceptErr, net.ErrClosed))
	}
}

// fixedListener reports a predetermined port.
type fixedListener struct {
	port   int
	closed bool
}

func (f *fixedListener) Accept() (net.Conn, error) { return nil, net.ErrClosed }
func (f *fixedListener) Close() error              { f.closed = true; return nil }
func (f *fixedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: f.port}
}

func TestReserve_QuarantineSkipsRecentlyReleasedPorts(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReserver("127.0.0.1", WithQuarantine(time.Minute))
	r.now = func() time.Time { return now }

	sequence := []int{40001, 40002, 40001, 40002, 40003, 40004}
	next := 0
	r.listen = func(ctx context.Context, network, address string) (net.Listener, error) {
		l := &fixedListener{port: sequence[next]}
		next++
		return l, nil
	}

	first, err := r.Reserve(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{40001, 40002}, first.Ports())
	first.Release()

	second, err := r.Reserve(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{40003, 40004}, second.Ports())
	second.Release()

	// after the quarantine expires the ports become available again
	now = now.Add(2 * time.Minute)
	next = 0
	third, err := r.Reserve(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{40001, 40002}, third.Ports())
}

func TestReserve_GivesUpWhenOnlyQuarantinedPortsAreOffered(t *testing.T) {
	r := NewReserver("127.0.0.1", WithQuarantine(time.Hour))
	r.listen = func(ctx context.Context, network, address string) (net.Listener, error) {
		return &fixedListener{port: 40010}, nil
	}

	set, err := r.Reserve(context.Background(), 1)
	require.NoError(t, err)
	set.Release()

	_, err = r.Reserve(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPortsExhausted)
}

func TestReserve_CancelledContext(t *testing.T) {
	r := NewReserver("127.0.0.1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reserve(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
}
