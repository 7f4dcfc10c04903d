package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kernelbridge/pkg/logging"

	"github.com/go-zeromq/zmq4"
)

// maxAbandoned bounds how many abandoned request ids a channel remembers.
const maxAbandoned = 1024

// socket is the part of zmq4.Socket a Channel uses.
type socket interface {
	SendMulti(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Channel is one connected protocol channel. Sends are serialised; a single
// reader goroutine verifies incoming messages, resolves pending requests and fans
// messages out to subscriptions.
type Channel struct {
	name     ChannelName
	session  *Session
	sock     socket
	observer Observer
	logTag   string

	sendMu sync.Mutex

	mu             sync.Mutex
	waiters        map[string]chan *Message
	abandoned      map[string]struct{}
	abandonedOrder []string
	subs           map[*Subscription]struct{}
	closed         bool
	done           chan struct{}

	closeOnce     sync.Once
	sockCloseOnce sync.Once
	sockCloseErr  error
	readDone      chan struct{}
}

func newChannel(name ChannelName, session *Session, sock socket, observer Observer) *Channel {
	if observer == nil {
		observer = nopObserver{}
	}
	c := &Channel{
		name:      name,
		session:   session,
		sock:      sock,
		observer:  observer,
		logTag:    "Wire/" + string(name),
		waiters:   make(map[string]chan *Message),
		abandoned: make(map[string]struct{}),
		subs:      make(map[*Subscription]struct{}),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the channel name.
func (c *Channel) Name() ChannelName { return c.name }

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send signs and sends msg as one multipart unit.
func (c *Channel) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.name == IOPub {
		return fmt.Errorf("cannot send on the %s channel", c.name)
	}
	if c.isClosed() {
		return ErrClosed
	}
	frames, err := c.session.Serialize(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("failed to send %s on %s: %w", msg.Type(), c.name, err)
	}
	c.observer.MessageSent(c.name, msg.Type())
	logging.Debug(c.logTag, "Sent %s %s", msg.Type(), msg.ID())
	return nil
}

// Request sends msg and waits for the message whose parent is msg. Several
// requests may be in flight at once. When ctx ends first, the request is
// abandoned: its eventual reply is discarded and the channel stays usable.
func (c *Channel) Request(ctx context.Context, msg *Message) (*Message, error) {
	if c.name == IOPub {
		return nil, fmt.Errorf("cannot send requests on the %s channel", c.name)
	}
	id := msg.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: request has no msg_id", ErrMalformed)
	}

	reply := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.waiters[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %s is already pending on %s", id, c.name)
	}
	c.waiters[id] = reply
	c.mu.Unlock()

	if err := c.Send(ctx, msg); err != nil {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		if r := c.abandon(id, reply); r != nil {
			return r, nil
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// abandon stops waiting for id. A reply that raced in is returned instead.
func (c *Channel) abandon(id string, reply chan *Message) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
	select {
	case r := <-reply:
		return r
	default:
	}
	c.abandoned[id] = struct{}{}
	c.abandonedOrder = append(c.abandonedOrder, id)
	if len(c.abandonedOrder) > maxAbandoned {
		oldest := c.abandonedOrder[0]
		c.abandonedOrder = c.abandonedOrder[1:]
		delete(c.abandoned, oldest)
	}
	logging.Debug(c.logTag, "Abandoned request %s", id)
	return nil
}

// Subscribe returns a stream of messages matching filter (All when nil). buffer
// bounds how many undelivered messages are held before new ones are dropped.
func (c *Channel) Subscribe(filter Filter, buffer int) *Subscription {
	if filter == nil {
		filter = All
	}
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	sub := &Subscription{
		ch:     make(chan *Message, buffer),
		filter: filter,
		cancel: c.unsubscribe,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(sub.ch)
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; ok {
		delete(c.subs, sub)
		close(sub.ch)
	}
}

// Pending returns the number of requests awaiting a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Channel) readLoop() {
	defer close(c.readDone)
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			if !c.isClosed() {
				logging.Warn(c.logTag, "Receive failed, closing channel: %v", err)
				c.markClosed()
				_ = c.closeSocket()
			}
			return
		}
		c.dispatch(msg.Frames)
	}
}

func (c *Channel) dispatch(frames [][]byte) {
	msg, err := c.session.Deserialize(frames)
	if err != nil {
		reason := DropMalformed
		switch {
		case errors.Is(err, ErrInvalidSignature):
			reason = DropInvalidSignature
		case errors.Is(err, ErrReplayed):
			reason = DropReplayed
		}
		c.observer.MessageDropped(c.name, reason)
		logging.Warn(c.logTag, "Dropped message: %v", err)
		return
	}
	msg.Channel = c.name
	c.observer.MessageReceived(c.name, msg.Type())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if parent := msg.ParentID(); parent != "" {
		if w, ok := c.waiters[parent]; ok {
			delete(c.waiters, parent)
			w <- msg
		} else if _, ok := c.abandoned[parent]; ok {
			delete(c.abandoned, parent)
			c.observer.MessageDropped(c.name, DropLateReply)
			logging.Debug(c.logTag, "Discarded late %s for abandoned request %s", msg.Type(), parent)
			return
		}
	}

	for sub := range c.subs {
		if !sub.offer(msg) {
			c.observer.MessageDropped(c.name, DropSubscriberFull)
			logging.Debug(c.logTag, "Subscriber buffer full, dropped %s", msg.Type())
		}
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed ends all streams and pending requests.
func (c *Channel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for sub := range c.subs {
		close(sub.ch)
	}
	clear(c.subs)
	clear(c.waiters)
}

func (c *Channel) closeSocket() error {
	c.sockCloseOnce.Do(func() { c.sockCloseErr = c.sock.Close() })
	return c.sockCloseErr
}

// Close stops the channel and its socket. It is idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.markClosed()
		err = c.closeSocket()
		select {
		case <-c.readDone:
		case <-time.After(2 * time.Second):
			logging.Warn(c.logTag, "Reader did not stop within 2s")
		}
	})
	return err
}
