package wire

import "time"

// Observer receives channel events for instrumentation. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	MessageSent(channel ChannelName, msgType string)
	MessageReceived(channel ChannelName, msgType string)
	MessageDropped(channel ChannelName, reason string)
	HeartbeatSucceeded(rtt time.Duration)
	HeartbeatMissed()
	StateChanged(from, to State)
}

// Drop reasons reported to Observer.MessageDropped.
const (
	DropInvalidSignature = "invalid_signature"
	DropReplayed         = "replayed"
	DropMalformed        = "malformed"
	DropLateReply        = "late_reply"
	DropSubscriberFull   = "subscriber_full"
)

type nopObserver struct{}

func (nopObserver) MessageSent(ChannelName, string)     {}
func (nopObserver) MessageReceived(ChannelName, string) {}
func (nopObserver) MessageDropped(ChannelName, string)  {}
func (nopObserver) HeartbeatSucceeded(time.Duration)    {}
func (nopObserver) HeartbeatMissed()                    {}
func (nopObserver) StateChanged(State, State)           {}
