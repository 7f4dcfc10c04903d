package wire

import (
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultSubscriptionBuffer is used when Subscribe is called with a buffer <= 0.
const DefaultSubscriptionBuffer = 64

// Filter selects the messages a Subscription receives.
type Filter func(*Message) bool

// All matches every message.
var All Filter = func(*Message) bool { return true }

// ByParent matches messages answering the message with the given id.
func ByParent(msgID string) Filter {
	return func(m *Message) bool { return m.ParentID() == msgID }
}

// ByType matches messages of any of the given types.
func ByType(types ...string) Filter {
	return func(m *Message) bool { return slices.Contains(types, m.Type()) }
}

// Subscription is a lazy stream of verified messages from one channel. A slow
// consumer loses messages once its buffer is full; Dropped counts them.
type Subscription struct {
	ch      chan *Message
	filter  Filter
	dropped atomic.Int64

	once   sync.Once
	cancel func(*Subscription)
}

// C returns the receive channel. It is closed when the subscription or its
// channel closes.
func (s *Subscription) C() <-chan *Message { return s.ch }

// Next waits for the next message. It returns ErrClosed once the stream ended.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All iterates messages until ctx is done, the subscription closes, or the loop
// breaks.
func (s *Subscription) All(ctx context.Context) iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Dropped returns how many messages were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
	})
}

// offer delivers msg without blocking. Callers hold the owning channel's lock.
func (s *Subscription) offer(msg *Message) bool {
	if !s.filter(msg) {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
