package wire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSocket is an in-memory socket: tests push inbound frames and read what
// the channel sent.
type pipeSocket struct {
	in     chan zmq4.Msg
	sent   chan [][]byte
	once   sync.Once
	closed chan struct{}
}

func newPipeSocket() *pipeSocket {
	return &pipeSocket{
		in:     make(chan zmq4.Msg, 16),
		sent:   make(chan [][]byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeSocket) SendMulti(msg zmq4.Msg) error {
	select {
	case <-p.closed:
		return errors.New("socket closed")
	case p.sent <- msg.Frames:
		return nil
	}
}

func (p *pipeSocket) Recv() (zmq4.Msg, error) {
	select {
	case <-p.closed:
		return zmq4.Msg{}, errors.New("socket closed")
	case m := <-p.in:
		return m, nil
	}
}

func (p *pipeSocket) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// recordingObserver counts observer events.
type recordingObserver struct {
	mu      sync.Mutex
	dropped map[string]int
	sent    int
	recv    int
	hbOK    int
	hbMiss  int
	changes []State
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{dropped: make(map[string]int)}
}

func (r *recordingObserver) MessageSent(ChannelName, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
}

func (r *recordingObserver) MessageReceived(ChannelName, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recv++
}

func (r *recordingObserver) MessageDropped(_ ChannelName, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *recordingObserver) HeartbeatSucceeded(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hbOK++
}

func (r *recordingObserver) HeartbeatMissed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hbMiss++
}

func (r *recordingObserver) StateChanged(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, to)
}

func (r *recordingObserver) droppedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

type channelFixture struct {
	t      *testing.T
	client *Session
	kernel *Session
	sock   *pipeSocket
	ch     *Channel
	obs    *recordingObserver
}

func newChannelFixture(t *testing.T, name ChannelName) *channelFixture {
	t.Helper()
	client := newTestSession(t, "shared-key", "")
	kernel := newTestSession(t, "shared-key", "")
	sock := newPipeSocket()
	obs := newRecordingObserver()
	ch := newChannel(name, client, sock, obs)
	t.Cleanup(func() { _ = ch.Close() })
	return &channelFixture{t: t, client: client, kernel: kernel, sock: sock, ch: ch, obs: obs}
}

// sentRequest decodes the next message the channel wrote.
func (f *channelFixture) sentRequest() *Message {
	f.t.Helper()
	select {
	case frames := <-f.sock.sent:
		msg, err := f.kernel.Deserialize(frames)
		require.NoError(f.t, err)
		return msg
	case <-time.After(2 * time.Second):
		f.t.Fatal("nothing was sent")
		return nil
	}
}

// deliver makes the kernel send msgType with the given parent.
func (f *channelFixture) deliver(msgType string, parent *Message) *Message {
	f.t.Helper()
	msg, err := f.kernel.NewMessage(msgType, map[string]string{"status": "ok"}, parent)
	require.NoError(f.t, err)
	frames, err := f.kernel.Serialize(msg)
	require.NoError(f.t, err)
	f.sock.in <- zmq4.NewMsgFrom(frames...)
	return msg
}

func TestChannel_RequestCorrelatesByParent(t *testing.T) {
	f := newChannelFixture(t, Shell)
	all := f.ch.Subscribe(All, 16)

	req, err := f.client.NewMessage("execute_request", map[string]string{"code": "1"}, nil)
	require.NoError(t, err)
	req.Header.MsgID = "abc123"

	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.ch.Request(context.Background(), req)
		done <- result{r, err}
	}()

	sent := f.sentRequest()
	assert.Equal(t, "abc123", sent.ID())

	unrelated := &Message{Header: Header{MsgID: "other-request"}}
	f.deliver("execute_reply", unrelated)
	f.deliver("comm_msg", nil)
	f.deliver("execute_reply", sent)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "abc123", r.msg.ParentID())
		assert.Equal(t, "execute_reply", r.msg.Type())
		assert.Equal(t, Shell, r.msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	// every verified message also reached the subscriber, in order
	var parents []string
	for i := 0; i < 3; i++ {
		m, err := all.Next(context.Background())
		require.NoError(t, err)
		parents = append(parents, m.ParentID())
	}
	assert.Equal(t, []string{"other-request", "", "abc123"}, parents)
	assert.Equal(t, 0, f.ch.Pending())
}

func TestChannel_PipelinedRequestsResolveOutOfOrder(t *testing.T) {
	f := newChannelFixture(t, Shell)

	first, err := f.client.NewMessage("inspect_request", nil, nil)
	require.NoError(t, err)
	second, err := f.client.NewMessage("complete_request", nil, nil)
	require.NoError(t, err)

	results := make(chan *Message, 2)
	for _, req := range []*Message{first, second} {
		go func() {
			r, err := f.ch.Request(context.Background(), req)
			if err == nil {
				results <- r
			}
		}()
	}
	a := f.sentRequest()
	b := f.sentRequest()
	require.Eventually(t, func() bool { return f.ch.Pending() == 2 }, time.Second, 5*time.Millisecond)

	f.deliver("reply_b", b)
	f.deliver("reply_a", a)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			got[r.ParentID()] = r.Type()
		case <-time.After(2 * time.Second):
			t.Fatal("requests did not complete")
		}
	}
	assert.Equal(t, "reply_a", got[a.ID()])
	assert.Equal(t, "reply_b", got[b.ID()])
}

func TestChannel_AbandonedRequestDiscardsLateReply(t *testing.T) {
	f := newChannelFixture(t, Shell)
	all := f.ch.Subscribe(All, 16)

	req, err := f.client.NewMessage("execute_request", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.ch.Request(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	sent := f.sentRequest()

	f.deliver("execute_reply", sent)
	require.Eventually(t, func() bool { return f.obs.droppedFor(DropLateReply) == 1 }, time.Second, 5*time.Millisecond)

	// the channel is still usable
	next, err := f.client.NewMessage("kernel_info_request", nil, nil)
	require.NoError(t, err)
	done := make(chan *Message, 1)
	go func() {
		r, _ := f.ch.Request(context.Background(), next)
		done <- r
	}()
	f.deliver("kernel_info_reply", f.sentRequest())
	select {
	case r := <-done:
		require.NotNil(t, r)
		assert.Equal(t, "kernel_info_reply", r.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up request did not complete")
	}

	// the late reply never reached subscribers
	m, err := all.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kernel_info_reply", m.Type())
}

func TestChannel_DropsBadSignatures(t *testing.T) {
	f := newChannelFixture(t, IOPub)
	sub := f.ch.Subscribe(ByType("status"), 4)

	forger := newTestSession(t, "wrong-key", "")
	msg, err := forger.NewMessage("status", nil, nil)
	require.NoError(t, err)
	frames, err := forger.Serialize(msg)
	require.NoError(t, err)
	f.sock.in <- zmq4.NewMsgFrom(frames...)
	f.sock.in <- zmq4.NewMsgFrom([]byte("garbage"))
	f.deliver("status", nil)

	m, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.kernel.ID, m.Header.Session)
	assert.Equal(t, 1, f.obs.droppedFor(DropInvalidSignature))
	assert.Equal(t, 1, f.obs.droppedFor(DropMalformed))
}

func TestChannel_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	f := newChannelFixture(t, IOPub)
	slow := f.ch.Subscribe(All, 1)
	fast := f.ch.Subscribe(All, 16)

	for i := 0; i < 5; i++ {
		f.deliver("stream", nil)
	}
	for i := 0; i < 5; i++ {
		_, err := fast.Next(context.Background())
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return slow.Dropped() == 4 && f.obs.droppedFor(DropSubscriberFull) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_FiltersAndIterator(t *testing.T) {
	f := newChannelFixture(t, IOPub)
	parent := &Message{Header: Header{MsgID: "p1"}}
	byParent := f.ch.Subscribe(ByParent("p1"), 8)

	f.deliver("status", nil)
	f.deliver("stream", parent)
	f.deliver("execute_result", parent)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var types []string
	for m := range byParent.All(ctx) {
		types = append(types, m.Type())
		if len(types) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"stream", "execute_result"}, types)
}

func TestChannel_IOPubIsReceiveOnly(t *testing.T) {
	f := newChannelFixture(t, IOPub)
	msg, err := f.client.NewMessage("execute_request", nil, nil)
	require.NoError(t, err)
	assert.Error(t, f.ch.Send(context.Background(), msg))
	_, err = f.ch.Request(context.Background(), msg)
	assert.Error(t, err)
}

func TestChannel_CloseEndsStreamsAndRequests(t *testing.T) {
	f := newChannelFixture(t, Shell)
	sub := f.ch.Subscribe(nil, 0)

	req, err := f.client.NewMessage("execute_request", nil, nil)
	require.NoError(t, err)
	errs := make(chan error, 1)
	go func() {
		_, err := f.ch.Request(context.Background(), req)
		errs <- err
	}()
	f.sentRequest()

	require.NoError(t, f.ch.Close())
	require.NoError(t, f.ch.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not released")
	}
	_, ok := <-sub.C()
	assert.False(t, ok)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	sub.Close()

	assert.ErrorIs(t, f.ch.Send(context.Background(), req), ErrClosed)
	late := f.ch.Subscribe(All, 1)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestChannel_ReceiveFailureClosesChannel(t *testing.T) {
	f := newChannelFixture(t, Shell)
	_ = f.sock.Close()
	select {
	case <-f.ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after receive failure")
	}
}

func TestSubscription_CloseDetaches(t *testing.T) {
	f := newChannelFixture(t, IOPub)
	sub := f.ch.Subscribe(All, 1)
	sub.Close()
	sub.Close()
	f.deliver("status", nil)
	_, ok := <-sub.C()
	assert.False(t, ok)
}
